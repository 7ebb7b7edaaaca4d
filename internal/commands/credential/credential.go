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

// Package credential implements model-provider credential commands.
package credential

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewCommand creates the credential command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credential",
		Short: "Manage model provider credentials",
		Long: `Manage model provider credentials.

Credentials are encrypted server-side and used by agent runs to call the
selected model provider. API keys are added with "credential add";
subscription providers use "credential login" for an OAuth device flow.`,
	}

	cmd.AddCommand(NewAddCommand())
	cmd.AddCommand(NewLoginCommand())
	cmd.AddCommand(NewListCommand())
	cmd.AddCommand(NewProvidersCommand())
	cmd.AddCommand(NewRevokeCommand())
	cmd.AddCommand(NewDeleteCommand())

	return cmd
}

// NewListCommand creates the credential list command.
func NewListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List stored credentials",
		Long: `List stored credentials.

Secret material is never returned; only metadata is shown.

Examples:
  # List credentials
  workbench credential list`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			creds, err := c.ListCredentials(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list credentials: %w", err)
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"credentials": creds})
			}

			if len(creds) == 0 {
				fmt.Println(shared.Muted.Render("No credentials stored"))
				return nil
			}

			fmt.Printf("%s\n\n", shared.Header.Render("Credentials"))
			fmt.Printf("  %s %s %s %s\n",
				shared.Bold.Render(fmt.Sprintf("%-14s", "PROVIDER")),
				shared.Bold.Render(fmt.Sprintf("%-8s", "TYPE")),
				shared.Bold.Render(fmt.Sprintf("%-10s", "STATUS")),
				shared.Bold.Render("EXPIRES"))

			for _, cred := range creds {
				status := shared.RenderOK("active")
				if !cred.Active {
					status = shared.Muted.Render("revoked")
				}
				expires := shared.Muted.Render("-")
				if cred.ExpiresAt != nil {
					expires = cred.ExpiresAt.Format(time.RFC3339)
					if cred.ExpiresAt.Before(time.Now()) {
						expires = shared.StatusWarn.Render(expires + " (expired)")
					}
				}
				fmt.Printf("  %-14s %-8s %-20s %s\n",
					cred.Provider, cred.AuthType, status, expires)
			}

			return nil
		},
	}
}

// NewProvidersCommand creates the credential providers command.
func NewProvidersCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "List supported model providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			providers, err := c.ListProviders(cmd.Context())
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"providers": providers})
			}

			fmt.Printf("%s\n\n", shared.Header.Render("Model Providers"))
			for _, p := range providers {
				methods := ""
				if p.SupportsAPIKey {
					methods = "api-key"
				}
				if p.SupportsOAuth {
					if methods != "" {
						methods += ", "
					}
					methods += "oauth"
				}
				fmt.Printf("  %-14s %-24s %s\n",
					p.Name, p.DisplayName, shared.Muted.Render(methods))
			}
			return nil
		},
	}
}

// NewRevokeCommand creates the credential revoke command.
func NewRevokeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke PROVIDER",
		Short: "Revoke a credential",
		Long: `Revoke a credential.

The credential is deactivated but kept for audit. Runs can no longer use it.

Examples:
  # Revoke the anthropic credential
  workbench credential revoke anthropic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}
			if err := c.RevokeCredential(cmd.Context(), args[0]); err != nil {
				return err
			}
			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"provider": args[0], "revoked": true})
			}
			fmt.Println(shared.RenderOK("Revoked credential for " + args[0]))
			return nil
		},
	}
}

// NewDeleteCommand creates the credential delete command.
func NewDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete PROVIDER",
		Short: "Delete a credential",
		Long: `Delete a credential permanently.

Examples:
  # Delete the openai credential
  workbench credential delete openai`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}
			if err := c.DeleteCredential(cmd.Context(), args[0]); err != nil {
				return err
			}
			if shared.OutputJSON() {
				return shared.WriteJSON(map[string]any{"provider": args[0], "deleted": true})
			}
			fmt.Println(shared.RenderOK("Deleted credential for " + args[0]))
			return nil
		},
	}
}
