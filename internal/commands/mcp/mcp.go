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

// Package mcp implements the MCP server command.
package mcp

import (
	"github.com/spf13/cobra"

	"github.com/tombee/workbench/internal/commands/shared"
	"github.com/tombee/workbench/internal/mcpserver"
)

// NewCommand creates the mcp command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Model Context Protocol integration",
	}

	cmd.AddCommand(newServeCommand())

	return cmd
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve Workbench tools over MCP stdio",
		Long: `Serve Workbench tools over MCP stdio.

Exposes workspace and agent-loop operations as MCP tools, authenticated
with the stored login token. Intended to be launched by an MCP client,
not run by hand.

Example client configuration:
  {
    "mcpServers": {
      "workbench": {"command": "workbench", "args": ["mcp", "serve"]}
    }
  }`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := shared.NewAuthenticatedClient()
			if err != nil {
				return err
			}

			version, _, _ := shared.GetVersion()
			s, err := mcpserver.New(mcpserver.Config{
				Client:  c,
				Version: version,
			})
			if err != nil {
				return err
			}

			return s.Run(cmd.Context())
		},
	}
}
