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
	"fmt"
	"os"
	"strings"

	"github.com/AlecAivazis/survey/v2"
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
)

// NewAddCommand creates the credential add command.
func NewAddCommand() *cobra.Command {
	var (
		apiKey string
		label  string
	)

	cmd := &cobra.Command{
		Use:   "add PROVIDER",
		Short: "Store an API key credential",
		Long: `Store an API key credential for a model provider.

The key can be passed with --api-key, via the WORKBENCH_API_KEY environment
variable, or entered at a hidden prompt. Prefer the prompt or the variable
so the key stays out of shell history.

Examples:
  # Prompted entry
  workbench credential add anthropic

  # From the environment
  WORKBENCH_API_KEY=sk-... workbench credential add anthropic`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider := args[0]

			if apiKey == "" {
				apiKey = os.Getenv("WORKBENCH_API_KEY")
			}
			if apiKey == "" {
				if shared.IsNonInteractive() {
					return fmt.Errorf("no API key given; pass --api-key or set WORKBENCH_API_KEY")
				}
				prompt := &survey.Password{
					Message: fmt.Sprintf("API key for %s:", provider),
				}
				if err := survey.AskOne(prompt, &apiKey, survey.WithValidator(func(v any) error {
					if s, _ := v.(string); strings.TrimSpace(s) == "" {
						return fmt.Errorf("key must not be empty")
					}
					return nil
				})); err != nil {
					return err
				}
			}

			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			cred, err := c.StoreCredential(cmd.Context(), provider, apiKey, label)
			if err != nil {
				return err
			}

			if shared.OutputJSON() {
				return shared.WriteJSON(cred)
			}
			fmt.Println(shared.RenderOK("Stored credential for " + cred.Provider))
			return nil
		},
	}

	cmd.Flags().StringVar(&apiKey, "api-key", "", "API key value (prompted when omitted)")
	cmd.Flags().StringVar(&label, "label", "", "Optional label shown in listings")

	return cmd
}
