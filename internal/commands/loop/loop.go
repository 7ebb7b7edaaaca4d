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

// Package loop implements agent-loop management commands.
package loop

import (
	"github.com/spf13/cobra"
)

// NewCommand creates the loop command group.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loop",
		Short: "Manage agent loops",
		Long: `Manage agent loops.

An agent loop is a recurring autonomous task bound to a repository, a plan
file, and a model. Each iteration is a run executed in a sandbox; runs can
be started manually or chained automatically.`,
	}

	cmd.AddCommand(NewCreateCommand())
	cmd.AddCommand(NewListCommand())
	cmd.AddCommand(NewGetCommand())
	cmd.AddCommand(NewStartCommand())
	cmd.AddCommand(NewPauseCommand())
	cmd.AddCommand(NewResumeCommand())
	cmd.AddCommand(NewArchiveCommand())
	cmd.AddCommand(NewDeleteCommand())

	return cmd
}
