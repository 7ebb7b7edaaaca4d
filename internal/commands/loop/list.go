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

package loop

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewListCommand creates the loop list command.
func NewListCommand() *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List agent loops",
		Long: `List agent loops.

Examples:
  # List all loops
  workbench loop list

  # Only active loops
  workbench loop list --status active`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			loops, err := c.ListLoops(cmd.Context(), status)
			if err != nil {
				return fmt.Errorf("failed to list loops: %w", err)
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"loops": loops})
			}

			if len(loops) == 0 {
				fmt.Println(shared.Muted.Render("No loops found"))
				return nil
			}

			fmt.Printf("%s\n\n", shared.Header.Render("Agent Loops"))
			fmt.Printf("  %s %s %s %s\n",
				shared.Bold.Render(fmt.Sprintf("%-20s", "NAME")),
				shared.Bold.Render(fmt.Sprintf("%-10s", "STATUS")),
				shared.Bold.Render(fmt.Sprintf("%-28s", "REPOSITORY")),
				shared.Bold.Render("RUNS"))

			for _, lp := range loops {
				runs := fmt.Sprintf("%d/%d", lp.TotalRuns, lp.MaxRuns)
				if lp.FailedRuns > 0 {
					runs += " " + shared.StatusError.Render(fmt.Sprintf("(%d failed)", lp.FailedRuns))
				}
				fmt.Printf("  %-20s %-20s %-28s %s\n",
					shared.Truncate(displayName(lp.Name, lp.ID), 20),
					shared.RenderWorkspaceStatus(string(lp.Status)),
					shared.Truncate(lp.RepoOwner+"/"+lp.RepoName, 28),
					runs)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "Filter by status (active, paused, completed, halted, archived)")

	return cmd
}
