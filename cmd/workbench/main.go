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

package main

import (
	"github.com/tombee/workbench/internal/cli"
	"github.com/tombee/workbench/internal/commands/admin"
	"github.com/tombee/workbench/internal/commands/credential"
	"github.com/tombee/workbench/internal/commands/login"
	"github.com/tombee/workbench/internal/commands/loop"
	"github.com/tombee/workbench/internal/commands/mcp"
	"github.com/tombee/workbench/internal/commands/quota"
	"github.com/tombee/workbench/internal/commands/run"
	"github.com/tombee/workbench/internal/commands/tunnel"
	versioncmd "github.com/tombee/workbench/internal/commands/version"
	workspacecmd "github.com/tombee/workbench/internal/commands/workspace"
)

// Version information (injected via ldflags at build time)
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	cli.SetVersion(version, commit, buildDate)

	rootCmd := cli.NewRootCommand()

	// Authentication
	rootCmd.AddCommand(login.NewCommand())
	rootCmd.AddCommand(login.NewLogoutCommand())

	// Workspaces and tunnels
	rootCmd.AddCommand(workspacecmd.NewCommand())
	rootCmd.AddCommand(tunnel.NewCommand())

	// Agent loops and runs
	rootCmd.AddCommand(loop.NewCommand())
	rootCmd.AddCommand(run.NewCommand())

	// Credentials and quota
	rootCmd.AddCommand(credential.NewCommand())
	rootCmd.AddCommand(quota.NewCommand())

	// Integrations and operations
	rootCmd.AddCommand(mcp.NewCommand())
	rootCmd.AddCommand(admin.NewCommand())

	rootCmd.AddCommand(versioncmd.NewVersionCommand())

	if err := rootCmd.Execute(); err != nil {
		cli.HandleExitError(err)
	}
}
