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

package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/client"
	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/store"
)

// slowDownStep widens the poll interval when the provider asks us to back
// off, per RFC 8628.
const slowDownStep = 5 * time.Second

// NewLoginCommand creates the credential login command.
func NewLoginCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "login PROVIDER",
		Short: "Connect a provider subscription via OAuth",
		Long: `Connect a provider subscription via the OAuth device flow.

A short code is shown here; approve it on the provider's site. The
resulting tokens are encrypted and stored server-side.

Examples:
  # Connect an Anthropic subscription
  workbench credential login anthropic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]

			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			authz, err := c.StartOAuth(cmd.Context(), provider)
			if err != nil {
				return err
			}

			uri := authz.VerificationURIComplete
			if uri == "" {
				uri = authz.VerificationURI
			}

			fmt.Println()
			fmt.Println(shared.CodePanel.Render(authz.UserCode))
			fmt.Println()
			fmt.Printf("Open %s and enter the code above.\n", shared.Bold.Render(uri))
			fmt.Println(shared.Muted.Render("Waiting for approval..."))

			cred, err := pollOAuth(cmd.Context(), c, provider, authz)
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(cred)
			}
			fmt.Println(shared.RenderOK("Connected " + cred.Provider))
			return nil
		},
	}
}

// pollOAuth polls the device grant at the provider's interval until it
// resolves, honoring slow_down and the authorization expiry.
func pollOAuth(ctx context.Context, c *client.Client, provider string, authz *client.OAuthAuthorization) (*store.Credential, error) {
	interval := time.Duration(authz.Interval) * time.Second
	if interval < 5*time.Second {
		interval = 5 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}

		if !authz.ExpiresAt.IsZero() && time.Now().After(authz.ExpiresAt) {
			return nil, fmt.Errorf("device authorization expired before approval")
		}

		result, err := c.PollOAuth(ctx, provider, authz.DeviceCode)
		if err != nil {
			return nil, err
		}

		switch result.Status {
		case "success":
			return result.Credential, nil
		case "slow_down":
			interval += slowDownStep
		case "pending":
			// Keep waiting.
		default:
			msg := result.Message
			if msg == "" {
				msg = result.Status
			}
			return nil, fmt.Errorf("authorization failed: %s", msg)
		}
	}
}
