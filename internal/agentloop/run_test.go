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

package agentloop

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

func TestStartRun(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))

	ch, cancel := env.bus.Subscribe("user-1")
	defer cancel()

	run, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusRunning, run.Status)
	assert.Equal(t, 1, run.RunNumber)
	assert.Equal(t, store.TriggerManual, run.Trigger)
	assert.Equal(t, "sbx-1", run.SandboxID)
	require.NotNil(t, run.StartedAt)
	assert.Equal(t, env.clock.Now().UTC(), *run.StartedAt)
	require.NotNil(t, run.DispatchedAt)
	assert.Equal(t, "claude-sonnet", run.ModelID)
	assert.Equal(t, "anthropic", run.ModelProvider)
	assert.Equal(t, "main", run.BranchName)

	dispatched := env.sandbox.dispatched()
	require.Len(t, dispatched, 1)
	req := dispatched[0]
	assert.Equal(t, run.ID, req.RunID)
	assert.Equal(t, loop.ID, req.LoopID)
	assert.Equal(t, "user-1", req.UserID)
	assert.Equal(t, 1, req.RunNumber)
	assert.Equal(t, "https://github.com/acme/app", req.RepoURL)
	assert.Equal(t, "main", req.BranchName)
	assert.Equal(t, "claude-sonnet", req.Model)
	assert.Equal(t, "anthropic", req.ModelProvider)
	assert.Equal(t, "docs/plan.md", req.PlanFilePath)
	assert.Equal(t, "https://api.wb.dev/v1/callbacks/agent-loop", req.CallbackURL)
	assert.Equal(t, "cb-secret", req.CallbackSecret)
	require.NotNil(t, req.Credential)
	assert.Equal(t, "anthropic", req.Credential.Provider)
	assert.Equal(t, string(store.AuthAPIKey), req.Credential.AuthType)
	assert.Equal(t, "sk-ant-test", req.Credential.Secret)

	stored, err := env.be.GetLoop(ctx, loop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalRuns)
	assert.Equal(t, run.ID, stored.LastRunID)
	require.NotNil(t, stored.LastRunAt)

	// One run was spent.
	assert.Equal(t, 9, remainingRuns(t, env, "user-1"))

	assert.Equal(t, events.TypeRunStarted, nextEvent(t, ch).Type)
}

func TestStartRun_FreeModelCarriesNoCredential(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := createLoopRequest("pro-1")
	req.ModelProvider = "ollama"
	req.ModelID = "llama3"
	loop := mustCreateLoop(t, env, req)

	_, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	dispatched := env.sandbox.dispatched()
	require.Len(t, dispatched, 1)
	assert.Nil(t, dispatched[0].Credential)
}

func TestStartRun_InFlightConflict(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))

	_, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	_, err = env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	var conflict *wberrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Message, "already")
}

func TestStartRun_PausedLoop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	_, err := env.sched.Pause(ctx, loop.ID)
	require.NoError(t, err)

	_, err = env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	var conflict *wberrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Empty(t, env.sandbox.dispatched())
}

func TestStartRun_MaxRunsReached(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	req := createLoopRequest("user-1")
	req.MaxRuns = 1
	loop := mustCreateLoop(t, env, req)

	run, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)
	_, err = env.sched.ProcessCallback(ctx, Callback{RunID: run.ID, Success: false, Error: "tests failed"})
	require.NoError(t, err)

	// A failed final run leaves the loop active but the budget is spent.
	_, err = env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	var conflict *wberrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Message, "all")
}

func TestStartRun_QuotaExhaustedParksHalted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	setQuota(t, env, "user-1", store.PlanFree, 0, 0)

	ch, cancel := env.bus.Subscribe("user-1")
	defer cancel()

	run, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusHalted, run.Status)
	assert.Equal(t, store.TriggerAutomated, run.Trigger)
	assert.Equal(t, 1, run.RunNumber)
	assert.Empty(t, env.sandbox.dispatched())

	stored, err := env.be.GetLoop(ctx, loop.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, stored.TotalRuns)
	assert.Equal(t, run.ID, stored.LastRunID)

	halted := nextEvent(t, ch)
	assert.Equal(t, events.TypeRunHalted, halted.Type)
	exhausted := nextEvent(t, ch)
	assert.Equal(t, events.TypeQuotaExhausted, exhausted.Type)
	assert.Equal(t, "monthly_runs", exhausted.Payload["scope"])
}

func TestStartRun_HaltedRunBlocksNext(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	setQuota(t, env, "user-1", store.PlanFree, 0, 0)

	_, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	// Topping the quota back up does not allow a second row; the parked
	// run must be restarted instead.
	setQuota(t, env, "user-1", store.PlanFree, 5, 0)
	_, err = env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	var conflict *wberrors.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Contains(t, conflict.Message, "restart")
}

func TestStartRun_DispatchErrorRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	env.sandbox.err = errors.New("sandbox unreachable")

	_, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.Error(t, err)

	runs, listErr := env.be.ListRuns(ctx, store.RunFilter{LoopID: loop.ID})
	require.NoError(t, listErr)
	assert.Empty(t, runs, "unacknowledged run must not leave a row behind")

	stored, getErr := env.be.GetLoop(ctx, loop.ID)
	require.NoError(t, getErr)
	assert.Zero(t, stored.TotalRuns)
	assert.Empty(t, stored.LastRunID)
	assert.Nil(t, stored.LastRunAt)
	assert.Equal(t, 10, remainingRuns(t, env, "user-1"), "rolled-back run is refunded")

	// The number is reused once the sandbox recovers.
	env.sandbox.err = nil
	run, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)
	assert.Equal(t, 1, run.RunNumber)
}

func TestStartRun_RefusedDispatchRollsBack(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	env.sandbox.ack = compute.RunAck{Acknowledged: false}

	_, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	var upstream *wberrors.UpstreamError
	require.ErrorAs(t, err, &upstream)

	runs, listErr := env.be.ListRuns(ctx, store.RunFilter{LoopID: loop.ID})
	require.NoError(t, listErr)
	assert.Empty(t, runs)
	assert.Equal(t, 10, remainingRuns(t, env, "user-1"))
}

func TestStartRun_CredentialDeletedAfterCreate(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	require.NoError(t, env.vault.Delete(ctx, "user-1", "anthropic"))

	_, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	var credErr *wberrors.CredentialRequiredError
	require.ErrorAs(t, err, &credErr)

	runs, listErr := env.be.ListRuns(ctx, store.RunFilter{LoopID: loop.ID})
	require.NoError(t, listErr)
	assert.Empty(t, runs)
	assert.Equal(t, 10, remainingRuns(t, env, "user-1"))
}

func TestRestartRun_Halted(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	setQuota(t, env, "user-1", store.PlanFree, 0, 0)
	parked, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)
	require.Equal(t, store.RunStatusHalted, parked.Status)

	setQuota(t, env, "user-1", store.PlanFree, 5, 0)
	ch, cancel := env.bus.Subscribe("user-1")
	defer cancel()

	run, err := env.sched.RestartRun(ctx, parked.ID)
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusRunning, run.Status)
	assert.Equal(t, parked.RunNumber, run.RunNumber)
	assert.Equal(t, "sbx-1", run.SandboxID)
	require.NotNil(t, run.StartedAt)
	assert.Len(t, env.sandbox.dispatched(), 1)
	assert.Equal(t, 4, remainingRuns(t, env, "user-1"), "restarting a halted run spends one")
	assert.Equal(t, events.TypeRunStarted, nextEvent(t, ch).Type)
}

func TestRestartRun_HaltedStillOverQuota(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	setQuota(t, env, "user-1", store.PlanFree, 0, 0)
	parked, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	_, err = env.sched.RestartRun(ctx, parked.ID)
	var quotaErr *wberrors.QuotaExceededError
	require.ErrorAs(t, err, &quotaErr)

	stored, getErr := env.be.GetRun(ctx, parked.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.RunStatusHalted, stored.Status)
	assert.Empty(t, env.sandbox.dispatched())
}

func TestRestartRun_Stalled(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	run, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	env.clock.Advance(DefaultStallAge + time.Minute)

	restarted, err := env.sched.RestartRun(ctx, run.ID)
	require.NoError(t, err)

	assert.Equal(t, store.RunStatusRunning, restarted.Status)
	assert.Equal(t, run.RunNumber, restarted.RunNumber)
	require.NotNil(t, restarted.StartedAt)
	assert.Equal(t, env.clock.Now().UTC(), *restarted.StartedAt)
	assert.Len(t, env.sandbox.dispatched(), 2)
	assert.Equal(t, 9, remainingRuns(t, env, "user-1"), "stalled restart was already paid for")
}

func TestRestartRun_NotEligible(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	run, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	// Healthy in-flight run: too fresh to restart.
	_, err = env.sched.RestartRun(ctx, run.ID)
	var conflict *wberrors.ConflictError
	require.ErrorAs(t, err, &conflict)

	_, err = env.sched.ProcessCallback(ctx, Callback{RunID: run.ID, Success: true})
	require.NoError(t, err)
	_, err = env.sched.RestartRun(ctx, run.ID)
	require.ErrorAs(t, err, &conflict)
}

func TestRestartRun_DispatchFailureRefunds(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	loop := mustCreateLoop(t, env, createLoopRequest("user-1"))
	setQuota(t, env, "user-1", store.PlanFree, 0, 0)
	parked, err := env.sched.StartRun(ctx, loop.ID, store.TriggerManual)
	require.NoError(t, err)

	setQuota(t, env, "user-1", store.PlanFree, 5, 0)
	env.sandbox.err = errors.New("sandbox unreachable")

	_, err = env.sched.RestartRun(ctx, parked.ID)
	require.Error(t, err)

	stored, getErr := env.be.GetRun(ctx, parked.ID)
	require.NoError(t, getErr)
	assert.Equal(t, store.RunStatusHalted, stored.Status, "failed restart leaves the run parked")
	assert.Equal(t, 5, remainingRuns(t, env, "user-1"), "consumed run is refunded")
}
