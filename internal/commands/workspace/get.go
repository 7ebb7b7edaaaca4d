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
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewGetCommand creates the workspace get command.
func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show workspace details",
		Long: `Show workspace details.

Examples:
  # Show a workspace
  workbench workspace get ws-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			ws, err := c.GetWorkspace(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(ws)
			}

			fmt.Printf("%s\n\n", shared.Header.Render(ws.Name))
			fmt.Printf("  %s %s\n", label("ID:"), ws.ID)
			fmt.Printf("  %s %s\n", label("Status:"), shared.RenderWorkspaceStatus(string(ws.Status)))
			fmt.Printf("  %s %s\n", label("Hosting:"), ws.HostingType)
			if ws.Domain != "" {
				fmt.Printf("  %s https://%s\n", label("URL:"), ws.Domain)
			}
			if ws.RepoURL != "" {
				repo := ws.RepoURL
				if ws.Branch != "" {
					repo += " (" + ws.Branch + ")"
				}
				fmt.Printf("  %s %s\n", label("Repository:"), repo)
			}
			if ws.Persistent {
				fmt.Printf("  %s yes\n", label("Persistent:"))
			}
			if len(ws.ExposedPorts) > 0 {
				names := make([]string, 0, len(ws.ExposedPorts))
				for name := range ws.ExposedPorts {
					names = append(names, name)
				}
				sort.Strings(names)
				fmt.Printf("  %s\n", label("Exposed ports:"))
				for _, name := range names {
					fmt.Printf("    %s -> %d\n", name, ws.ExposedPorts[name].Port)
				}
			}
			if ws.TunnelConnectedAt != nil {
				fmt.Printf("  %s %s\n", label("Tunnel:"), shared.RenderOK("connected "+ws.TunnelConnectedAt.Format(time.RFC3339)))
			}
			fmt.Printf("  %s %s\n", label("Created:"), ws.CreatedAt.Format(time.RFC3339))
			fmt.Printf("  %s %s\n", label("Last active:"), ws.LastActiveAt.Format(time.RFC3339))
			return nil
		},
	}
}

func label(s string) string {
	return shared.Muted.Render(fmt.Sprintf("%-14s", s))
}
