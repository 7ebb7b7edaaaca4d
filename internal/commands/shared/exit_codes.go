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

package shared

import (
	"errors"
	"fmt"
	"os"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Exit codes for the workbench CLI
const (
	ExitSuccess  = 0
	ExitFailure  = 1
	ExitUsage    = 2
	ExitAuth     = 3
	ExitQuota    = 4
	ExitNotFound = 5
)

// HandleExitError prints err and exits with a code scripts can branch on.
// Auth failures, quota exhaustion, and missing resources get distinct codes;
// everything else is a generic failure.
func HandleExitError(err error) {
	if err == nil {
		os.Exit(ExitSuccess)
	}

	fmt.Fprintln(os.Stderr, RenderError(err.Error()))

	var (
		unauthorized *wberrors.UnauthorizedError
		forbidden    *wberrors.ForbiddenError
		quota        *wberrors.QuotaExceededError
		notFound     *wberrors.NotFoundError
	)
	switch {
	case errors.As(err, &unauthorized), errors.As(err, &forbidden):
		os.Exit(ExitAuth)
	case errors.As(err, &quota):
		os.Exit(ExitQuota)
	case errors.As(err, &notFound):
		os.Exit(ExitNotFound)
	default:
		os.Exit(ExitFailure)
	}
}
