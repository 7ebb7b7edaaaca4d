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

// Package admin implements operator-only commands.
package admin

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewCommand creates the admin command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands (admin role required)",
	}

	cmd.AddCommand(newConfigCommand())

	return cmd
}

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Read and write system configuration",
		Long: `Read and write system configuration.

Keys are dotted paths (e.g. compute.railway.token). Secret values are
shown redacted in listings.`,
	}

	cmd.AddCommand(newConfigGetCommand())
	cmd.AddCommand(newConfigSetCommand())

	return cmd
}

func newConfigGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get [KEY]",
		Short: "Show system configuration",
		Long: `Show system configuration, or a single key.

Examples:
  # List all keys
  workbench admin config get

  # Show one key
  workbench admin config get compute.railway.project_id`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			config, err := c.ListConfig(cmd.Context())
			if err != nil {
				return err
			}

			if len(args) == 1 {
				value, ok := config[args[0]]
				if !ok {
					return fmt.Errorf("config key %q is not set", args[0])
				}
				if shared.OutputJSON() {
					return shared.WriteJSON(map[string]string{args[0]: value})
				}
				fmt.Println(value)
				return nil
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"config": config})
			}

			keys := make([]string, 0, len(config))
			for k := range config {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				fmt.Printf("%s %s\n", shared.Bold.Render(k+":"), config[k])
			}
			return nil
		},
	}
}

func newConfigSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Set a system configuration key",
		Long: `Set a system configuration key.

Examples:
  # Point the compute layer at a Railway project
  workbench admin config set compute.railway.project_id 1a2b3c`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			if err := c.SetConfig(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"key": args[0], "updated": true})
			}
			fmt.Println(shared.RenderOK("Set " + args[0]))
			return nil
		},
	}
}
