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
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/mcpgateway/internal/config"
)

func newValidateCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check a configuration file",
		Long: `Load the configuration (file plus environment overrides), validate it
and print a summary. Exits with code 2 when the configuration is invalid.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return NewConfigError("invalid configuration", err)
			}

			summary := map[string]any{
				"listen_addr":  cfg.Server.ListenAddr,
				"strategy":     cfg.Router.Strategy,
				"store":        cfg.Store.Driver,
				"servers":      len(cfg.Servers),
				"tenant_share": cfg.RateLimit.TenantShare,
			}
			if flags.json {
				data, err := json.MarshalIndent(summary, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal summary: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Println("configuration is valid")
			cmd.Printf("  listen:   %s\n", cfg.Server.ListenAddr)
			cmd.Printf("  strategy: %s\n", cfg.Router.Strategy)
			cmd.Printf("  store:    %s\n", cfg.Store.Driver)
			cmd.Printf("  servers:  %d\n", len(cfg.Servers))
			return nil
		},
	}
}
