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

package compute

import (
	"context"
	"fmt"
	"time"
)

// Local is the provider for workspaces that run on the developer's own
// machine and reach the control plane through the tunnel. There is no
// upstream to provision, so lifecycle calls only mark time.
type Local struct {
	now func() time.Time
}

// NewLocal creates the local provider.
func NewLocal() *Local {
	return &Local{now: time.Now}
}

// CreateWorkspace returns an empty result; the workspace becomes reachable
// when its agent connects the tunnel.
func (l *Local) CreateWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return &CreateResult{ServiceCreatedAt: l.now().UTC()}, nil
}

// CreatePersistentWorkspace is identical to CreateWorkspace; the developer
// machine keeps its own disk.
func (l *Local) CreatePersistentWorkspace(ctx context.Context, req CreateRequest) (*CreateResult, error) {
	return l.CreateWorkspace(ctx, req)
}

// StopWorkspace is a no-op.
func (l *Local) StopWorkspace(ctx context.Context, req StopRequest) error {
	return nil
}

// RestartWorkspace is a no-op.
func (l *Local) RestartWorkspace(ctx context.Context, req StopRequest) error {
	return nil
}

// TerminateWorkspace is a no-op.
func (l *Local) TerminateWorkspace(ctx context.Context, req TerminateRequest) error {
	return nil
}

// StartSandboxRun is not available on local hosting.
func (l *Local) StartSandboxRun(ctx context.Context, req RunRequest) (*RunAck, error) {
	return nil, fmt.Errorf("local provider: %w", ErrNotSupported)
}
