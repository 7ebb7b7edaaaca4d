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

// Package login implements device-flow authentication for the CLI.
package login

import (
	"fmt"
	"os/exec"
	"runtime"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/agent"
	"github.com/tombee/workbench/internal/commands/shared"
)

// NewCommand creates the login command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login",
		Short: "Log in to a workbench server",
		Long: `Log in to a workbench server using the device authorization flow.

A short code is shown here; approve it in your browser to finish. The
resulting token is stored in the OS keyring, keyed by server host.

Examples:
  # Log in to the default server
  workbench login

  # Log in to a self-hosted deployment
  workbench login --server https://workbench.internal.example.com`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewClient()
			if err != nil {
				return err
			}

			login := agent.NewDeviceLogin(c)
			start, err := login.Begin(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to start login: %w", err)
			}

			fmt.Println()
			fmt.Println(shared.CodePanel.Render(start.UserCode))
			fmt.Println()
			fmt.Printf("Open %s and enter the code above.\n", shared.Bold.Render(start.VerificationURI))

			if !shared.IsNonInteractive() {
				openNow := true
				prompt := &survey.Confirm{
					Message: "Open the browser now?",
					Default: true,
				}
				if err := survey.AskOne(prompt, &openNow); err == nil && openNow {
					if err := openBrowser(start.VerificationURI); err != nil {
						fmt.Println(shared.RenderWarn("could not open a browser; open the link manually"))
					}
				}
			}

			fmt.Println(shared.Muted.Render("Waiting for approval..."))

			token, err := login.Wait(cmd.Context())
			if err != nil {
				return err
			}
			if err := shared.StoreToken(token); err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{
					"server":    shared.ServerURL(),
					"logged_in": true,
				})
			}
			fmt.Println(shared.RenderOK("Logged in to " + shared.ServerURL()))
			return nil
		},
	}

	return cmd
}

// NewLogoutCommand creates the logout command.
func NewLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Log out of the current server",
		Long: `Remove the stored token for the current server from the OS keyring.

Examples:
  # Log out
  workbench logout`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := shared.ClearToken(); err != nil {
				return err
			}
			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{
					"server":     shared.ServerURL(),
					"logged_out": true,
				})
			}
			fmt.Println(shared.RenderOK("Logged out of " + shared.ServerURL()))
			return nil
		},
	}
}

// openBrowser launches the platform browser at url.
func openBrowser(url string) error {
	switch runtime.GOOS {
	case "darwin":
		return exec.Command("open", url).Start()
	case "windows":
		return exec.Command("rundll32", "url.dll,FileProtocolHandler", url).Start()
	default:
		return exec.Command("xdg-open", url).Start()
	}
}
