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

package reaper

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/config"
	"github.com/tombee/workbench/internal/leader"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/store/memory"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

type fakeWorkspaces struct {
	mu         sync.Mutex
	stops      map[string]store.StopSource
	terminates []string
	stopErr    error
}

func newFakeWorkspaces() *fakeWorkspaces {
	return &fakeWorkspaces{stops: make(map[string]store.StopSource)}
}

func (f *fakeWorkspaces) Stop(ctx context.Context, id string, source store.StopSource) (*store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.stopErr != nil {
		return nil, f.stopErr
	}
	f.stops[id] = source
	return &store.Workspace{ID: id, Status: store.WorkspaceStatusStopped}, nil
}

func (f *fakeWorkspaces) Terminate(ctx context.Context, id string) (*store.Workspace, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.terminates = append(f.terminates, id)
	return &store.Workspace{ID: id, Status: store.WorkspaceStatusTerminated}, nil
}

type fakeLoops struct {
	mu        sync.Mutex
	restarted []string
	err       error
}

func (f *fakeLoops) RestartRun(ctx context.Context, runID string) (*store.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.restarted = append(f.restarted, runID)
	return &store.Run{ID: runID, Status: store.RunStatusRunning}, nil
}

type env struct {
	reaper *Reaper
	be     *memory.Backend
	ws     *fakeWorkspaces
	loops  *fakeLoops
	now    time.Time
}

func newEnv(t *testing.T) *env {
	t.Helper()
	be := memory.New()
	ws := newFakeWorkspaces()
	loops := &fakeLoops{}
	now := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)

	meter := metering.New(metering.Config{
		Store:    be,
		Settings: metering.NewSettings(be, nil),
		Quotas:   config.QuotasConfig{},
	})

	r := New(Config{
		Store:           be,
		Workspaces:      ws,
		Loops:           loops,
		Metering:        meter,
		Elector:         leader.NewStatic(),
		IdleEnabled:     true,
		QuotaEnabled:    true,
		LongTermEnabled: true,
		Now:             func() time.Time { return now },
	})
	return &env{reaper: r, be: be, ws: ws, loops: loops, now: now}
}

func seedWorkspace(t *testing.T, be *memory.Backend, userID string, status store.WorkspaceStatus, lastActive time.Time) *store.Workspace {
	t.Helper()
	ws := &store.Workspace{
		ID:           uuid.NewString(),
		UserID:       userID,
		Name:         "ws-" + uuid.NewString()[:8],
		Subdomain:    "sub-" + uuid.NewString()[:8],
		Status:       status,
		HostingType:  store.HostingCloud,
		LastActiveAt: lastActive,
	}
	require.NoError(t, be.CreateWorkspace(context.Background(), ws))
	return ws
}

func seedUser(t *testing.T, be *memory.Backend, plan store.Plan) *store.User {
	t.Helper()
	u := &store.User{
		ID:    uuid.NewString(),
		Email: uuid.NewString()[:8] + "@example.com",
		Plan:  plan,
		Role:  store.RoleUser,
	}
	require.NoError(t, be.CreateUser(context.Background(), u))
	return u
}

func TestIdleSweepStopsOnlyStaleWorkspaces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := seedUser(t, e.be, store.PlanPro)

	// Default idle timeout is 30 minutes.
	stale := seedWorkspace(t, e.be, user.ID, store.WorkspaceStatusRunning, e.now.Add(-45*time.Minute))
	fresh := seedWorkspace(t, e.be, user.ID, store.WorkspaceStatusRunning, e.now.Add(-5*time.Minute))

	e.reaper.sweepIdle(ctx)

	assert.Equal(t, store.StopIdle, e.ws.stops[stale.ID])
	_, stopped := e.ws.stops[fresh.ID]
	assert.False(t, stopped)
}

func TestIdleSweepSkipsLocalWorkspaces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := seedUser(t, e.be, store.PlanTunnel)

	ws := seedWorkspace(t, e.be, user.ID, store.WorkspaceStatusRunning, e.now.Add(-2*time.Hour))
	ws.HostingType = store.HostingLocal
	require.NoError(t, e.be.UpdateWorkspace(ctx, ws))

	e.reaper.sweepIdle(ctx)
	assert.Empty(t, e.ws.stops)
}

func TestQuotaSweepStopsExhaustedFreeUsers(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	free := seedUser(t, e.be, store.PlanFree)
	pro := seedUser(t, e.be, store.PlanPro)

	freeWS := seedWorkspace(t, e.be, free.ID, store.WorkspaceStatusRunning, e.now)
	proWS := seedWorkspace(t, e.be, pro.ID, store.WorkspaceStatusRunning, e.now)

	// Burn the whole free-tier daily allowance.
	day := time.Now().UTC().Format("2006-01-02")
	_, err := e.be.AddDailyUsage(ctx, free.ID, day, metering.DefaultFreeTierDailyMinutes)
	require.NoError(t, err)
	_, err = e.be.AddDailyUsage(ctx, pro.ID, day, 10000)
	require.NoError(t, err)

	e.reaper.sweepQuota(ctx)

	assert.Equal(t, store.StopQuotaExhausted, e.ws.stops[freeWS.ID])
	_, stopped := e.ws.stops[proWS.ID]
	assert.False(t, stopped, "paid plans are never daily-limited")
}

func TestQuotaSweepLeavesUsersWithMinutesLeft(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	free := seedUser(t, e.be, store.PlanFree)
	seedWorkspace(t, e.be, free.ID, store.WorkspaceStatusRunning, e.now)

	day := time.Now().UTC().Format("2006-01-02")
	_, err := e.be.AddDailyUsage(ctx, free.ID, day, 10)
	require.NoError(t, err)

	e.reaper.sweepQuota(ctx)
	assert.Empty(t, e.ws.stops)
}

func TestLongTermSweepTerminatesAbandonedWorkspaces(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := seedUser(t, e.be, store.PlanFree)

	old := seedWorkspace(t, e.be, user.ID, store.WorkspaceStatusStopped, e.now.Add(-5*24*time.Hour))
	recent := seedWorkspace(t, e.be, user.ID, store.WorkspaceStatusStopped, e.now.Add(-1*24*time.Hour))

	e.reaper.sweepLongTerm(ctx)

	assert.Equal(t, []string{old.ID}, e.ws.terminates)
	assert.NotContains(t, e.ws.terminates, recent.ID)
}

func TestRolloverSweepRedispatchesHaltedRuns(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := seedUser(t, e.be, store.PlanFree)

	loop := &store.AgentLoop{
		ID:     uuid.NewString(),
		UserID: user.ID,
		Status: store.LoopStatusActive,
	}
	require.NoError(t, e.be.CreateLoop(ctx, loop))

	halted := &store.Run{
		ID:        uuid.NewString(),
		LoopID:    loop.ID,
		UserID:    user.ID,
		RunNumber: 1,
		Status:    store.RunStatusHalted,
	}
	running := &store.Run{
		ID:        uuid.NewString(),
		LoopID:    loop.ID,
		UserID:    user.ID,
		RunNumber: 2,
		Status:    store.RunStatusRunning,
	}
	require.NoError(t, e.be.CreateRun(ctx, halted))
	require.NoError(t, e.be.CreateRun(ctx, running))

	e.reaper.sweepHaltedRuns(ctx)

	assert.Equal(t, []string{halted.ID}, e.loops.restarted)
}

func TestRolloverSweepToleratesExhaustedQuota(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := seedUser(t, e.be, store.PlanFree)

	loop := &store.AgentLoop{ID: uuid.NewString(), UserID: user.ID, Status: store.LoopStatusActive}
	require.NoError(t, e.be.CreateLoop(ctx, loop))
	halted := &store.Run{
		ID:        uuid.NewString(),
		LoopID:    loop.ID,
		UserID:    user.ID,
		RunNumber: 1,
		Status:    store.RunStatusHalted,
	}
	require.NoError(t, e.be.CreateRun(ctx, halted))

	e.loops.err = &wberrors.QuotaExceededError{Scope: "monthly_runs"}
	e.reaper.sweepHaltedRuns(ctx) // must not panic or loop

	assert.Empty(t, e.loops.restarted)
}

func TestSweepHonorsToggles(t *testing.T) {
	e := newEnv(t)
	ctx := context.Background()
	user := seedUser(t, e.be, store.PlanFree)
	seedWorkspace(t, e.be, user.ID, store.WorkspaceStatusRunning, e.now.Add(-2*time.Hour))

	e.reaper.idle = false
	e.reaper.quota = false
	e.reaper.longTerm = false
	e.reaper.Sweep(ctx)

	assert.Empty(t, e.ws.stops)
	assert.Empty(t, e.ws.terminates)
}
