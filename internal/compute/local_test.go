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
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocal_LifecycleIsNoOp(t *testing.T) {
	l := NewLocal()
	ctx := context.Background()

	result, err := l.CreateWorkspace(ctx, CreateRequest{WorkspaceID: "ws-1", Subdomain: "dev"})
	require.NoError(t, err)
	assert.Empty(t, result.ExternalServiceID)
	assert.Empty(t, result.UpstreamURL)
	assert.False(t, result.ServiceCreatedAt.IsZero())

	persistent, err := l.CreatePersistentWorkspace(ctx, CreateRequest{WorkspaceID: "ws-2"})
	require.NoError(t, err)
	assert.Empty(t, persistent.ExternalVolumeID)

	assert.NoError(t, l.StopWorkspace(ctx, StopRequest{}))
	assert.NoError(t, l.RestartWorkspace(ctx, StopRequest{}))
	assert.NoError(t, l.TerminateWorkspace(ctx, TerminateRequest{}))
}

func TestLocal_StartSandboxRun_NotSupported(t *testing.T) {
	l := NewLocal()
	_, err := l.StartSandboxRun(context.Background(), RunRequest{RunID: "run-1"})
	assert.True(t, errors.Is(err, ErrNotSupported))
}
