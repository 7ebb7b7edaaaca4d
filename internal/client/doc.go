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

// Package client is the typed HTTP client for the workbench API, shared by
// the CLI, the tunnel agent, and the MCP server.
//
// Server error envelopes ({"error": {"type", "message"}}) are decoded back
// into the pkg/errors taxonomy, so callers can errors.As against the same
// types the daemon raises:
//
//	ws, err := c.GetWorkspace(ctx, id)
//	var nf *wberrors.NotFoundError
//	if errors.As(err, &nf) { ... }
package client
