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
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/store"
)

// NewStartCommand creates the loop start command.
func NewStartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "start ID",
		Short: "Start a run on a loop",
		Long: `Start a run on a loop.

The loop must be active with a run slot free. The run executes the next
step of the plan file in a fresh sandbox.

Examples:
  # Start a run
  workbench loop start lp-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			run, err := c.StartRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(run)
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("Started run #%d", run.RunNumber)))
			fmt.Printf("  %s %s\n", shared.Muted.Render("ID:"), run.ID)
			fmt.Printf("  %s %s\n", shared.Muted.Render("Status:"), shared.RenderWorkspaceStatus(string(run.Status)))
			return nil
		},
	}
}

// NewPauseCommand creates the loop pause command.
func NewPauseCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "pause ID",
		Short: "Pause a loop",
		Long: `Pause a loop.

A paused loop keeps its run history but refuses new runs until resumed.

Examples:
  # Pause a loop
  workbench loop pause lp-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loopTransition(cmd.Context(), args[0], "Paused", func(ctx context.Context, c clientAPI, id string) (*store.AgentLoop, error) {
				return c.PauseLoop(ctx, id)
			})
		},
	}
}

// NewResumeCommand creates the loop resume command.
func NewResumeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "resume ID",
		Short: "Resume a paused loop",
		Long: `Resume a paused or halted loop.

Examples:
  # Resume a loop
  workbench loop resume lp-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loopTransition(cmd.Context(), args[0], "Resumed", func(ctx context.Context, c clientAPI, id string) (*store.AgentLoop, error) {
				return c.ResumeLoop(ctx, id)
			})
		},
	}
}

// NewArchiveCommand creates the loop archive command.
func NewArchiveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "archive ID",
		Short: "Archive a loop",
		Long: `Archive a loop.

Archived loops are hidden from default listings and cannot run again.

Examples:
  # Archive a loop
  workbench loop archive lp-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return loopTransition(cmd.Context(), args[0], "Archived", func(ctx context.Context, c clientAPI, id string) (*store.AgentLoop, error) {
				return c.ArchiveLoop(ctx, id)
			})
		},
	}
}

// clientAPI is the slice of the API client the transitions need.
type clientAPI interface {
	PauseLoop(ctx context.Context, id string) (*store.AgentLoop, error)
	ResumeLoop(ctx context.Context, id string) (*store.AgentLoop, error)
	ArchiveLoop(ctx context.Context, id string) (*store.AgentLoop, error)
}

func loopTransition(ctx context.Context, id, verb string, op func(context.Context, clientAPI, string) (*store.AgentLoop, error)) error {
	c, err := shared.NewAuthenticatedClient()
	if err != nil {
		return err
	}

	lp, err := op(ctx, c, id)
	if err != nil {
		return err
	}

	if shared.OutputJSON() {
		return shared.WriteJSON(lp)
	}
	fmt.Println(shared.RenderOK(fmt.Sprintf("%s loop %s", verb, displayName(lp.Name, lp.ID))))
	fmt.Printf("  %s %s\n", shared.Muted.Render("Status:"), shared.RenderWorkspaceStatus(string(lp.Status)))
	return nil
}
