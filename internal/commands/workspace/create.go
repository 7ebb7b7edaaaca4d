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
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/client"
	"github.com/tombee/workbench/internal/commands/shared"
)

// NewCreateCommand creates the workspace create command.
func NewCreateCommand() *cobra.Command {
	var (
		name          string
		agentType     string
		cloudProvider string
		region        string
		image         string
		repoURL       string
		branch        string
		subdomain     string
		persistent    bool
	)

	cmd := &cobra.Command{
		Use:   "create [NAME]",
		Short: "Create a workspace",
		Long: `Create a workspace.

With no flags on a terminal, an interactive form collects the details.
Cloud workspaces require a repository URL.

Examples:
  # Interactive creation
  workbench workspace create

  # Scripted creation
  workbench workspace create my-api \
    --agent-type at-opencode --cloud-provider cp-railway --region rg-us-west \
    --repo https://github.com/acme/api`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) > 0 {
				name = args[0]
			}

			// No identifying flags on a terminal means interactive setup.
			interactive := name == "" && agentType == "" && cloudProvider == "" && region == ""
			if interactive {
				if shared.IsNonInteractive() {
					return fmt.Errorf("interactive setup requires a terminal. Use: workbench workspace create NAME --agent-type ID --cloud-provider ID --region ID")
				}
				if err := runCreateForm(&name, &agentType, &cloudProvider, &region, &repoURL, &branch, &persistent); err != nil {
					return err
				}
			}

			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			ws, err := c.CreateWorkspace(cmd.Context(), client.CreateWorkspaceRequest{
				Name:            name,
				AgentTypeID:     agentType,
				CloudProviderID: cloudProvider,
				RegionID:        region,
				ImageID:         image,
				RepositoryURL:   repoURL,
				Branch:          branch,
				Subdomain:       subdomain,
				Persistent:      persistent,
			})
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(ws)
			}

			fmt.Println(shared.RenderOK("Created workspace " + ws.Name))
			fmt.Printf("  %s %s\n", shared.Muted.Render("ID:"), ws.ID)
			fmt.Printf("  %s %s\n", shared.Muted.Render("Status:"), shared.RenderWorkspaceStatus(string(ws.Status)))
			if ws.Domain != "" {
				fmt.Printf("  %s https://%s\n", shared.Muted.Render("URL:"), ws.Domain)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&agentType, "agent-type", "", "Agent type ID")
	cmd.Flags().StringVar(&cloudProvider, "cloud-provider", "", "Cloud provider ID")
	cmd.Flags().StringVar(&region, "region", "", "Region ID")
	cmd.Flags().StringVar(&image, "image", "", "Image ID (defaults to the agent type's first enabled image)")
	cmd.Flags().StringVar(&repoURL, "repo", "", "Repository URL to clone into the workspace")
	cmd.Flags().StringVar(&branch, "branch", "", "Branch to check out")
	cmd.Flags().StringVar(&subdomain, "subdomain", "", "Custom subdomain (generated when empty)")
	cmd.Flags().BoolVar(&persistent, "persistent", false, "Attach a volume that survives stop/restart")

	return cmd
}

// runCreateForm collects workspace details interactively.
func runCreateForm(name, agentType, cloudProvider, region, repoURL, branch *string, persistent *bool) error {
	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Workspace Name").
				Description("A short name for this workspace").
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("name is required")
					}
					return nil
				}).
				Value(name),
			huh.NewInput().
				Title("Agent Type ID").
				Description("Catalog agent type, e.g. at-opencode").
				Validate(requiredField("agent type")).
				Value(agentType),
			huh.NewInput().
				Title("Cloud Provider ID").
				Description("Catalog cloud provider, e.g. cp-railway").
				Validate(requiredField("cloud provider")).
				Value(cloudProvider),
			huh.NewInput().
				Title("Region ID").
				Description("Catalog region, e.g. rg-us-west").
				Validate(requiredField("region")).
				Value(region),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Repository URL").
				Description("Required for cloud workspaces").
				Value(repoURL),
			huh.NewInput().
				Title("Branch").
				Placeholder("main").
				Value(branch),
			huh.NewConfirm().
				Title("Persistent volume?").
				Description("Keeps workspace data across stop/restart").
				Value(persistent),
		),
	)

	if err := form.Run(); err != nil {
		if err == huh.ErrUserAborted {
			os.Exit(130) // Standard exit code for SIGINT
		}
		return fmt.Errorf("form cancelled: %w", err)
	}
	return nil
}

func requiredField(label string) func(string) error {
	return func(s string) error {
		if strings.TrimSpace(s) == "" {
			return fmt.Errorf("%s is required", label)
		}
		return nil
	}
}
