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

package workspace

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewListCommand creates the workspace list command.
func NewListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List workspaces",
		Long: `List workspaces.

Displays workspace name, status, hosting, and domain.

Examples:
  # List all workspaces
  workbench workspace list

  # Only running workspaces
  workbench workspace list --status running`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			workspaces, err := c.ListWorkspaces(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("failed to list workspaces: %w", err)
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"workspaces": workspaces})
			}

			if len(workspaces) == 0 {
				fmt.Println(shared.Muted.Render("No workspaces found"))
				return nil
			}

			fmt.Printf("%s\n\n", shared.Header.Render("Workspaces"))
			fmt.Printf("  %s %s %s %s\n",
				shared.Bold.Render(fmt.Sprintf("%-20s", "NAME")),
				shared.Bold.Render(fmt.Sprintf("%-12s", "STATUS")),
				shared.Bold.Render(fmt.Sprintf("%-8s", "HOSTING")),
				shared.Bold.Render("DOMAIN"))

			for _, ws := range workspaces {
				domain := ws.Domain
				if domain == "" {
					domain = shared.Muted.Render("-")
				}
				fmt.Printf("  %-20s %-22s %-8s %s\n",
					shared.Truncate(ws.Name, 20),
					shared.RenderWorkspaceStatus(string(ws.Status)),
					ws.HostingType,
					domain)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (pending, running, stopped, terminated)")

	return cmd
}
