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

// Package tunnel implements the local tunnel agent command.
package tunnel

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/agent"
	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/log"
)

// NewCommand creates the tunnel command.
func NewCommand() *cobra.Command {
	var (
		workspace  string
		configPath string
	)

	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Expose local services through a workspace tunnel",
		Long: `Expose local services through a workspace tunnel.

Reads the services to expose from workbench.yaml, connects to the tunnel
broker, and proxies workspace traffic to the local ports. The connection
reconnects with backoff and re-announces ports when the config file
changes. Runs until interrupted.

Examples:
  # Serve the config in the current directory
  workbench tunnel

  # Override the workspace and config location
  workbench tunnel --workspace ws-1a2b3c --config ./deploy/workbench.yaml`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			logger := log.WithComponent(log.New(log.FromEnv()), "tunnel-agent")

			a, err := agent.New(agent.Config{
				Client:     c,
				ConfigPath: configPath,
				Workspace:  workspace,
				Logger:     logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			fmt.Println(shared.RenderOK("Tunnel agent starting (ctrl-c to stop)"))
			return a.Run(ctx)
		},
	}

	cmd.Flags().StringVar(&workspace, "workspace", "", "Workspace ID (defaults to the config file's workspace)")
	cmd.Flags().StringVarP(&configPath, "config", "c", agent.DefaultConfigFile, "Tunnel config file")

	return cmd
}
