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
	"strings"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/client"
	"github.com/tombee/workbench/internal/commands/shared"
)

// NewCreateCommand creates the loop create command.
func NewCreateCommand() *cobra.Command {
	var (
		name                string
		sandboxProvider     string
		repo                string
		branch              string
		planFile            string
		progressFile        string
		modelProvider       string
		modelID             string
		prompt              string
		automation          bool
		automationCondition string
		maxRuns             int
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an agent loop",
		Long: `Create an agent loop.

The repository is given as OWNER/NAME. The plan file is the document in the
repository the agent works through, run by run.

Examples:
  # A manual loop
  workbench loop create --repo acme/api --plan docs/PLAN.md \
    --sandbox-provider sp-default --model-provider anthropic --model claude-sonnet-4-5

  # Chain runs automatically while they keep succeeding, up to 10
  workbench loop create --repo acme/api --plan docs/PLAN.md \
    --sandbox-provider sp-default --model-provider anthropic --model claude-sonnet-4-5 \
    --automation --automation-condition 'run.status == "completed"' --max-runs 10`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			owner, repoName, ok := strings.Cut(repo, "/")
			if !ok || owner == "" || repoName == "" {
				return fmt.Errorf("--repo must be OWNER/NAME, got %q", repo)
			}

			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			lp, err := c.CreateLoop(cmd.Context(), client.CreateLoopRequest{
				Name:                name,
				SandboxProviderID:   sandboxProvider,
				RepoOwner:           owner,
				RepoName:            repoName,
				Branch:              branch,
				PlanFilePath:        planFile,
				ProgressFilePath:    progressFile,
				ModelProvider:       modelProvider,
				ModelID:             modelID,
				Prompt:              prompt,
				AutomationEnabled:   automation,
				AutomationCondition: automationCondition,
				MaxRuns:             maxRuns,
			})
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(lp)
			}

			fmt.Println(shared.RenderOK("Created loop " + displayName(lp.Name, lp.ID)))
			fmt.Printf("  %s %s\n", shared.Muted.Render("ID:"), lp.ID)
			fmt.Printf("  %s %s/%s\n", shared.Muted.Render("Repository:"), lp.RepoOwner, lp.RepoName)
			fmt.Printf("  %s %s/%s\n", shared.Muted.Render("Model:"), lp.ModelProvider, lp.ModelID)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "", "Loop name (defaults to the repository)")
	cmd.Flags().StringVar(&sandboxProvider, "sandbox-provider", "", "Sandbox provider ID")
	cmd.Flags().StringVar(&repo, "repo", "", "Repository as OWNER/NAME")
	cmd.Flags().StringVar(&branch, "branch", "", "Base branch (defaults to the repository default)")
	cmd.Flags().StringVar(&planFile, "plan", "", "Plan file path in the repository")
	cmd.Flags().StringVar(&progressFile, "progress", "", "Progress file path in the repository")
	cmd.Flags().StringVar(&modelProvider, "model-provider", "", "Model provider name")
	cmd.Flags().StringVar(&modelID, "model", "", "Model ID")
	cmd.Flags().StringVar(&prompt, "prompt", "", "Extra instructions prepended to every run")
	cmd.Flags().BoolVar(&automation, "automation", false, "Chain a follow-up run when a run completes")
	cmd.Flags().StringVar(&automationCondition, "automation-condition", "", "Expression gating automatic chaining")
	cmd.Flags().IntVar(&maxRuns, "max-runs", 0, "Cap on total runs (1-20)")

	_ = cmd.MarkFlagRequired("repo")
	_ = cmd.MarkFlagRequired("plan")
	_ = cmd.MarkFlagRequired("sandbox-provider")
	_ = cmd.MarkFlagRequired("model-provider")
	_ = cmd.MarkFlagRequired("model")

	return cmd
}

// displayName prefers the human name and falls back to the ID.
func displayName(name, id string) string {
	if name != "" {
		return name
	}
	return id
}
