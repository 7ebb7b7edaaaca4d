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
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewGetCommand creates the loop get command.
func NewGetCommand() *cobra.Command {
	var showRuns bool

	cmd := &cobra.Command{
		Use:   "get ID",
		Short: "Show loop details",
		Long: `Show loop details, optionally including its runs.

Examples:
  # Show a loop
  workbench loop get lp-1a2b3c

  # Include the run history
  workbench loop get lp-1a2b3c --runs`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			lp, err := c.GetLoop(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.OutputJSON() && !showRuns {
				return shared.WriteJSON(lp)
			}

			if !shared.OutputJSON() {
				fmt.Printf("%s\n\n", shared.Header.Render(displayName(lp.Name, lp.ID)))
				fmt.Printf("  %s %s\n", label("ID:"), lp.ID)
				fmt.Printf("  %s %s\n", label("Status:"), shared.RenderWorkspaceStatus(string(lp.Status)))
				fmt.Printf("  %s %s/%s", label("Repository:"), lp.RepoOwner, lp.RepoName)
				if lp.Branch != "" {
					fmt.Printf(" (%s)", lp.Branch)
				}
				fmt.Println()
				fmt.Printf("  %s %s\n", label("Plan:"), lp.PlanFilePath)
				fmt.Printf("  %s %s/%s\n", label("Model:"), lp.ModelProvider, lp.ModelID)
				fmt.Printf("  %s %d of %d (%d ok, %d failed)\n", label("Runs:"),
					lp.TotalRuns, lp.MaxRuns, lp.SuccessfulRuns, lp.FailedRuns)
				if lp.AutomationEnabled {
					auto := "on"
					if lp.AutomationCondition != "" {
						auto += " when " + lp.AutomationCondition
					}
					fmt.Printf("  %s %s\n", label("Automation:"), auto)
				}
				if lp.LastRunAt != nil {
					fmt.Printf("  %s %s\n", label("Last run:"), lp.LastRunAt.Format(time.RFC3339))
				}
			}

			if !showRuns {
				return nil
			}

			runs, err := c.ListRuns(cmd.Context(), lp.ID)
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"loop": lp, "runs": runs})
			}

			fmt.Printf("\n%s\n\n", shared.Header.Render("Runs"))
			if len(runs) == 0 {
				fmt.Println(shared.Muted.Render("  No runs yet"))
				return nil
			}
			for _, r := range runs {
				line := fmt.Sprintf("  #%-3d %-20s %s", r.RunNumber,
					shared.RenderWorkspaceStatus(string(r.Status)), r.ID)
				if r.PRURL != "" {
					line += "  " + shared.Muted.Render(r.PRURL)
				}
				fmt.Println(line)
				if r.Error != "" {
					fmt.Printf("       %s\n", shared.StatusError.Render(shared.Truncate(r.Error, 70)))
				}
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&showRuns, "runs", false, "Include the loop's run history")

	return cmd
}

func label(s string) string {
	return shared.Muted.Render(fmt.Sprintf("%-12s", s))
}
