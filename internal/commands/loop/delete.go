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

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewDeleteCommand creates the loop delete command.
func NewDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Delete a loop",
		Long: `Delete a loop and its run history.

This cannot be undone. Use archive to retire a loop while keeping its runs.

Examples:
  # Delete with confirmation
  workbench loop delete lp-1a2b3c

  # Delete without confirmation
  workbench loop delete lp-1a2b3c --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			if !force {
				if shared.IsNonInteractive() {
					return fmt.Errorf("refusing to delete without confirmation; pass --force")
				}
				lp, err := c.GetLoop(cmd.Context(), id)
				if err != nil {
					return err
				}
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Delete loop %q and its %d runs? This cannot be undone.",
						displayName(lp.Name, lp.ID), lp.TotalRuns),
					Default: false,
				}
				if err := survey.AskOne(prompt, &confirmed); err != nil {
					return err
				}
				if !confirmed {
					fmt.Println(shared.Muted.Render("Cancelled"))
					return nil
				}
			}

			if err := c.DeleteLoop(cmd.Context(), id); err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"id": id, "deleted": true})
			}
			fmt.Println(shared.RenderOK("Deleted loop " + id))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")

	return cmd
}
