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

import "os"

// DefaultServerURL is used when neither --server nor WORKBENCH_SERVER is set.
const DefaultServerURL = "https://api.workbench.dev"

// Global flag values - set by root command
var (
	serverFlag         string
	outputFlag         string
	jqFlag             string
	nonInteractiveFlag bool

	// Build-time version information
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// RegisterFlagPointers returns pointers to flag variables for binding.
// Called by root command to register flags.
func RegisterFlagPointers() (server, output, jq *string, nonInteractive *bool) {
	return &serverFlag, &outputFlag, &jqFlag, &nonInteractiveFlag
}

// SetVersion sets the version information (called from main)
func SetVersion(v, c, b string) {
	version = v
	commit = c
	buildDate = b
}

// GetVersion returns version information
func GetVersion() (string, string, string) {
	return version, commit, buildDate
}

// ServerURL resolves the API server URL: flag, then WORKBENCH_SERVER, then
// the hosted default.
func ServerURL() string {
	if serverFlag != "" {
		return serverFlag
	}
	if env := os.Getenv("WORKBENCH_SERVER"); env != "" {
		return env
	}
	return DefaultServerURL
}

// OutputJSON reports whether structured output was requested, either via
// --output json or any --jq expression.
func OutputJSON() bool {
	return outputFlag == "json" || jqFlag != ""
}

// JQExpression returns the --jq transform, empty when unset.
func JQExpression() string {
	return jqFlag
}
