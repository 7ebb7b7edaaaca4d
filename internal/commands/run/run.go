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

// Package run implements commands for individual agent runs.
package run

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/store"
)

// NewCommand creates the run command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and restart agent runs",
	}

	cmd.AddCommand(NewGetCommand())
	cmd.AddCommand(NewRestartCommand())

	return cmd
}

// NewGetCommand creates the run get command.
func NewGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get ID",
		Short: "Show run details",
		Long: `Show run details.

Examples:
  # Show a run
  workbench run get run-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			r, err := c.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(r)
			}
			printRun(r)
			return nil
		},
	}
}

// NewRestartCommand creates the run restart command.
func NewRestartCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "restart ID",
		Short: "Restart a failed run",
		Long: `Restart a failed run.

A new run is dispatched for the same loop, picking up where the failed one
left off. Only failed runs can be restarted.

Examples:
  # Restart a run
  workbench run restart run-1a2b3c`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			r, err := c.RestartRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(r)
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("Restarted as run #%d", r.RunNumber)))
			fmt.Printf("  %s %s\n", shared.Muted.Render("ID:"), r.ID)
			fmt.Printf("  %s %s\n", shared.Muted.Render("Status:"), shared.RenderWorkspaceStatus(string(r.Status)))
			return nil
		},
	}
}

func printRun(r *store.Run) {
	fmt.Printf("%s\n\n", shared.Header.Render(fmt.Sprintf("Run #%d", r.RunNumber)))
	fmt.Printf("  %s %s\n", label("ID:"), r.ID)
	fmt.Printf("  %s %s\n", label("Loop:"), r.LoopID)
	fmt.Printf("  %s %s\n", label("Status:"), shared.RenderWorkspaceStatus(string(r.Status)))
	fmt.Printf("  %s %s\n", label("Trigger:"), r.Trigger)
	fmt.Printf("  %s %s/%s\n", label("Model:"), r.ModelProvider, r.ModelID)
	if r.BranchName != "" {
		fmt.Printf("  %s %s\n", label("Branch:"), r.BranchName)
	}
	if r.CommitSHA != "" {
		fmt.Printf("  %s %s\n", label("Commit:"), r.CommitSHA)
	}
	if r.PRURL != "" {
		fmt.Printf("  %s %s\n", label("PR:"), r.PRURL)
	}
	if r.Summary != "" {
		fmt.Printf("  %s %s\n", label("Summary:"), r.Summary)
	}
	if r.Error != "" {
		fmt.Printf("  %s %s\n", label("Error:"), shared.StatusError.Render(r.Error))
	}
	if r.DurationSeconds > 0 {
		fmt.Printf("  %s %s\n", label("Duration:"), (time.Duration(r.DurationSeconds) * time.Second).String())
	}
	fmt.Printf("  %s %s\n", label("Created:"), r.CreatedAt.Format(time.RFC3339))
	if r.CompletedAt != nil {
		fmt.Printf("  %s %s\n", label("Completed:"), r.CompletedAt.Format(time.RFC3339))
	}
}

func label(s string) string {
	return shared.Muted.Render(fmt.Sprintf("%-11s", s))
}
