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

package tunnel

import (
	"context"
	"fmt"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// MintedToken is a freshly issued tunnel token plus what it authorizes.
type MintedToken struct {
	Token        string         `json:"token"`
	Subdomain    string         `json:"subdomain"`
	ExposedPorts map[string]int `json:"exposed_ports"`
	ExpiresIn    int            `json:"expires_in"`
}

// Minter issues tunnel tokens after checking the caller may attach a tunnel
// to the workspace.
type Minter struct {
	workspaces store.WorkspaceStore
	users      store.UserStore
	signer     *auth.Signer
}

// NewMinter creates a tunnel token minter.
func NewMinter(workspaces store.WorkspaceStore, users store.UserStore, signer *auth.Signer) *Minter {
	return &Minter{workspaces: workspaces, users: users, signer: signer}
}

// MintForUser issues a tunnel token for a session-authenticated caller. The
// caller must own the workspace and the workspace must be locally hosted.
// When the caller names no ports the token carries the ports the workspace
// last announced.
func (m *Minter) MintForUser(ctx context.Context, workspaceID string, user *store.User, requested map[string]int) (*MintedToken, error) {
	ws, err := m.workspaces.GetWorkspace(ctx, workspaceID)
	if err != nil {
		return nil, err
	}
	if ws.UserID != user.ID {
		return nil, &wberrors.ForbiddenError{Reason: "workspace belongs to another user"}
	}
	if ws.HostingType != store.HostingLocal {
		return nil, &wberrors.ValidationError{
			Field:   "workspace_id",
			Message: "only locally hosted workspaces accept tunnel connections",
		}
	}
	if ws.Status == store.WorkspaceStatusTerminated {
		return nil, &wberrors.ConflictError{Resource: "workspace", Message: "workspace is terminated"}
	}

	ports, err := resolvePorts(ws, requested)
	if err != nil {
		return nil, err
	}

	token, err := m.signer.MintTunnelToken(user.ID, ws.ID, ws.Subdomain, ports)
	if err != nil {
		return nil, err
	}
	return &MintedToken{
		Token:        token,
		Subdomain:    ws.Subdomain,
		ExposedPorts: ports,
		ExpiresIn:    int(auth.TunnelTokenTTL.Seconds()),
	}, nil
}

// MintWithAgentToken redeems a long-lived agent token for a tunnel token.
// This is how the unattended tunnel agent refreshes its short-lived
// connection credential without a browser session.
func (m *Minter) MintWithAgentToken(ctx context.Context, agentToken, workspaceID string, requested map[string]int) (*MintedToken, error) {
	claims, err := m.signer.Verify(agentToken)
	if err != nil {
		return nil, &wberrors.ForbiddenError{Reason: "invalid agent token"}
	}
	if !auth.HasScope(claims.Scopes, auth.ScopeAgentMintTunnel) {
		return nil, &wberrors.ForbiddenError{Reason: "token does not grant agent token mint"}
	}
	user, err := m.users.GetUser(ctx, claims.UserID)
	if err != nil {
		return nil, &wberrors.ForbiddenError{Reason: "account no longer exists"}
	}
	return m.MintForUser(ctx, workspaceID, user, requested)
}

// resolvePorts picks the exposed-ports claim for a fresh token: the caller's
// request when present, otherwise what the workspace last announced, falling
// back to a root entry for the recorded local port.
func resolvePorts(ws *store.Workspace, requested map[string]int) (map[string]int, error) {
	if len(requested) > 0 {
		for name, port := range requested {
			if name == "" || port <= 0 || port > 65535 {
				return nil, &wberrors.ValidationError{
					Field:   "exposed_ports",
					Message: fmt.Sprintf("invalid port entry %q: %d", name, port),
				}
			}
		}
		return requested, nil
	}

	ports := make(map[string]int, len(ws.ExposedPorts))
	for name, p := range ws.ExposedPorts {
		ports[name] = p.Port
	}
	if len(ports) == 0 && ws.LocalPort > 0 {
		ports[auth.RootService] = ws.LocalPort
	}
	if len(ports) == 0 {
		return nil, &wberrors.ValidationError{
			Field:      "exposed_ports",
			Message:    "workspace has no announced ports and the request names none",
			Suggestion: `Pass exposed_ports, for example {"root": 3000}`,
		}
	}
	return ports, nil
}
