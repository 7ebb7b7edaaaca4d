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

// Package quota implements the quota command.
package quota

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewCommand creates the quota command.
func NewCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "quota",
		Short: "Show remaining usage allowances",
		Long: `Show the plan's remaining workspace minutes and agent runs.

Examples:
  # Show quota
  workbench quota`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			q, err := c.GetQuota(cmd.Context())
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(q)
			}

			fmt.Printf("%s %s\n\n", shared.Header.Render("Quota"), shared.Muted.Render("(plan: "+q.Plan+")"))

			minutes := fmt.Sprintf("%d left today (%d used)", q.MinutesLeft, q.MinutesUsed)
			if q.MinutesLeft == 0 {
				minutes = shared.StatusError.Render(minutes)
			} else if q.MinutesLeft < 30 {
				minutes = shared.StatusWarn.Render(minutes)
			}
			fmt.Printf("  %s %s\n", shared.Muted.Render("Workspace minutes:"), minutes)

			runs := fmt.Sprintf("%d of %d monthly", q.MonthlyRuns, q.MonthlyGrant)
			if q.ExtraRuns > 0 {
				runs += fmt.Sprintf(" (+%d extra)", q.ExtraRuns)
			}
			fmt.Printf("  %s %s\n", shared.Muted.Render("Agent runs:"), runs)
			if !q.NextRunsResetAt.IsZero() {
				fmt.Printf("  %s %s\n", shared.Muted.Render("Runs reset:"), q.NextRunsResetAt.Format(time.RFC3339))
			}
			return nil
		},
	}
}
