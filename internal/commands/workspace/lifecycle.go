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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/store"
)

// NewStopCommand creates the workspace stop command.
func NewStopCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "stop ID",
		Short: "Stop a workspace",
		Long: `Stop a running workspace.

Stopping ends the current usage session. Persistent workspaces keep their
volume and restart where they left off.

Examples:
  # Stop a workspace
  workbench workspace stop ws-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd.Context(), args[0], "Stopped", func(ctx context.Context, id string) (*store.Workspace, error) {
				c, err := shared.NewAuthenticatedClient()
				if err != nil {
					return nil, err
				}
				return c.StopWorkspace(ctx, id)
			})
		},
	}
}

// NewRestartCommand creates the workspace restart command.
func NewRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart ID",
		Short: "Restart a stopped workspace",
		Long: `Restart a stopped workspace.

Examples:
  # Restart a workspace
  workbench workspace restart ws-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return transition(cmd.Context(), args[0], "Restarted", func(ctx context.Context, id string) (*store.Workspace, error) {
				c, err := shared.NewAuthenticatedClient()
				if err != nil {
					return nil, err
				}
				return c.RestartWorkspace(ctx, id)
			})
		},
	}
}

func transition(ctx context.Context, id, verb string, op func(context.Context, string) (*store.Workspace, error)) error {
	ws, err := op(ctx, id)
	if err != nil {
		return err
	}
	if shared.OutputJSON() {
		return shared.WriteJSON(ws)
	}
	fmt.Println(shared.RenderOK(fmt.Sprintf("%s workspace %s", verb, ws.Name)))
	fmt.Printf("  %s %s\n", shared.Muted.Render("Status:"), shared.RenderWorkspaceStatus(string(ws.Status)))
	return nil
}
