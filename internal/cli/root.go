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

// Package cli builds the root command for the workbench CLI.
package cli

import (
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/jq"
)

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	shared.SetVersion(v, c, b)
}

// NewRootCommand creates the root Cobra command for workbench
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workbench",
		Short: "Workbench - cloud development workspaces and agent loops",
		Long: `Workbench manages cloud development workspaces, autonomous agent loops,
and local tunnels from the command line.

Run 'workbench login' to authenticate against a workbench server.
Run 'workbench workspace create' to provision your first workspace.`,
		SilenceUsage:  true, // Don't show usage on errors
		SilenceErrors: true, // We handle errors ourselves for proper exit codes
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Reject bad jq expressions before any request leaves the box.
			return jq.Validate(shared.JQExpression())
		},
	}

	// Get flag pointers from shared package
	server, output, jqExpr, nonInteractive := shared.RegisterFlagPointers()

	// Add global flags
	cmd.PersistentFlags().StringVar(server, "server", "", "Workbench server URL (default: $WORKBENCH_SERVER or "+shared.DefaultServerURL+")")
	cmd.PersistentFlags().StringVarP(output, "output", "o", "table", "Output format: table or json")
	cmd.PersistentFlags().StringVar(jqExpr, "jq", "", "Transform JSON output with a jq expression (implies -o json)")
	cmd.PersistentFlags().BoolVar(nonInteractive, "non-interactive", false, "Disable prompts and interactive forms")

	return cmd
}

// HandleExitError handles exit errors with proper exit codes
func HandleExitError(err error) {
	shared.HandleExitError(err)
}
