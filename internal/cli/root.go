// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cli

import (
	"github.com/spf13/cobra"
)

// Version information, set from main.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version, commit, buildDate = v, c, b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

type globalFlags struct {
	configPath string
	json       bool
}

// NewRootCommand creates the root command with every subcommand attached.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "mcpgateway",
		Short: "mcpgateway - routing proxy for MCP servers",
		Long: `mcpgateway sits in front of many MCP servers and exposes a single
entry point. It tracks server health, applies per-user and per-tenant
rate limits, trips circuit breakers on failing servers, and routes each
call to a server that offers the requested tool or resource.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVarP(&flags.configPath, "config", "c", "", "Path to config file")
	cmd.PersistentFlags().BoolVar(&flags.json, "json", false, "Output in JSON format")

	cmd.AddCommand(newServeCommand(flags))
	cmd.AddCommand(newValidateCommand(flags))
	cmd.AddCommand(newVersionCommand(flags))

	return cmd
}
