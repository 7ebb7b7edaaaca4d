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

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewDeleteCommand creates the workspace delete command.
func NewDeleteCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "delete ID",
		Short: "Terminate a workspace",
		Long: `Terminate a workspace.

Termination releases the workspace's compute resources and its subdomain.
Persistent volumes are deleted with the workspace. This cannot be undone.

Examples:
  # Terminate with confirmation
  workbench workspace delete ws-1a2b3c

  # Terminate without confirmation
  workbench workspace delete ws-1a2b3c --force`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := args[0]

			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			if !force {
				if shared.IsNonInteractive() {
					return fmt.Errorf("refusing to terminate without confirmation; pass --force")
				}
				ws, err := c.GetWorkspace(cmd.Context(), id)
				if err != nil {
					return err
				}
				confirmed := false
				prompt := &survey.Confirm{
					Message: fmt.Sprintf("Terminate workspace %q? This cannot be undone.", ws.Name),
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

			ws, err := c.TerminateWorkspace(cmd.Context(), id)
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(ws)
			}
			fmt.Println(shared.RenderOK("Terminated workspace " + ws.Name))
			return nil
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Skip the confirmation prompt")

	return cmd
}
