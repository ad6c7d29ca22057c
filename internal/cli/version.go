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

	"github.com/tombee/mcpgateway/internal/server"
)

func newVersionCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Long:  `Display version, commit hash, and build date for mcpgateway.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			info := buildInfo()

			if flags.json {
				data, err := json.MarshalIndent(info, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal version info: %w", err)
				}
				cmd.Println(string(data))
				return nil
			}

			cmd.Printf("mcpgateway version %s\n", info.Version)
			cmd.Printf("  commit:     %s\n", info.Commit)
			cmd.Printf("  build date: %s\n", info.BuildDate)
			return nil
		},
	}
}

func buildInfo() server.BuildInfo {
	return server.BuildInfo{Version: version, Commit: commit, BuildDate: buildDate}
}
