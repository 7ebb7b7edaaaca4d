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

// Package reaper runs the background sweeps that keep workspace and run
// state honest: stopping idle workspaces, stopping free-plan workspaces
// whose daily minutes ran out, terminating long-abandoned workspaces,
// and redispatching halted runs once quota becomes available again.
//
// All sweeps run on a single tick loop gated by a leader elector so that
// multi-replica deployments sweep exactly once.
package reaper

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/tombee/workbench/internal/leader"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Defaults.
const (
	DefaultInterval    = 60 * time.Second
	DefaultLongTermAge = 96 * time.Hour
)

// WorkspaceReaper is the slice of the workspace orchestrator the sweeps
// drive. Stop and Terminate linearize on the workspace row lock, so a
// sweep racing a user action resolves to whichever got the lock first.
type WorkspaceReaper interface {
	Stop(ctx context.Context, id string, source store.StopSource) (*store.Workspace, error)
	Terminate(ctx context.Context, id string) (*store.Workspace, error)
}

// RunRestarter redispatches halted runs. Quota is re-checked inside
// RestartRun, so the sweep just attempts and moves on when it is still
// exhausted.
type RunRestarter interface {
	RestartRun(ctx context.Context, runID string) (*store.Run, error)
}

// Config contains reaper configuration.
type Config struct {
	// Store is the persistence backend used for sweep queries.
	Store store.Store

	// Workspaces drives workspace transitions.
	Workspaces WorkspaceReaper

	// Loops redispatches halted runs.
	Loops RunRestarter

	// Metering answers daily-quota questions for the quota sweep.
	Metering *metering.Service

	// Elector gates the sweeps; only the leader sweeps.
	Elector leader.Elector

	// Interval is how often the sweeps run. Defaults to one minute.
	Interval time.Duration

	// LongTermAge is the inactivity horizon after which workspaces are
	// terminated outright. Defaults to four days.
	LongTermAge time.Duration

	// IdleEnabled, QuotaEnabled, and LongTermEnabled toggle individual
	// sweeps. The rollover sweep is always on; it only ever helps.
	IdleEnabled     bool
	QuotaEnabled    bool
	LongTermEnabled bool

	// Logger is the structured logger to use. If nil, uses slog.Default().
	Logger *slog.Logger

	// Metrics records reap counters. If nil, a noop collector is used.
	Metrics *metrics.Collector

	// Now overrides the clock. Used by tests.
	Now func() time.Time
}

// Reaper owns the tick loop.
type Reaper struct {
	store       store.Store
	workspaces  WorkspaceReaper
	loops       RunRestarter
	metering    *metering.Service
	elector     leader.Elector
	interval    time.Duration
	longTermAge time.Duration
	idle        bool
	quota       bool
	longTerm    bool
	now         func() time.Time

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	doneCh  chan struct{}

	logger  *slog.Logger
	metrics *metrics.Collector
}

// New creates a reaper. The sweeps do not run until Start is called.
func New(cfg Config) *Reaper {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.LongTermAge <= 0 {
		cfg.LongTermAge = DefaultLongTermAge
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNopCollector()
	}

	return &Reaper{
		store:       cfg.Store,
		workspaces:  cfg.Workspaces,
		loops:       cfg.Loops,
		metering:    cfg.Metering,
		elector:     cfg.Elector,
		interval:    cfg.Interval,
		longTermAge: cfg.LongTermAge,
		idle:        cfg.IdleEnabled,
		quota:       cfg.QuotaEnabled,
		longTerm:    cfg.LongTermEnabled,
		now:         cfg.Now,
		logger:      logger.With(slog.String("component", "reaper")),
		metrics:     collector,
	}
}

// Start starts the tick loop.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.stopCh = make(chan struct{})
	r.doneCh = make(chan struct{})
	r.mu.Unlock()

	go r.run(ctx)
}

// Stop stops the tick loop and waits for an in-flight sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	close(r.stopCh)
	r.mu.Unlock()

	<-r.doneCh
}

// run is the main sweep loop.
func (r *Reaper) run(ctx context.Context) {
	defer close(r.doneCh)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			if !r.elector.IsLeader() {
				continue
			}
			r.Sweep(ctx)
		}
	}
}

// Sweep runs every enabled sweep once. Exported so tests and admin
// tooling can trigger a pass without waiting out the ticker.
func (r *Reaper) Sweep(ctx context.Context) {
	if r.idle {
		r.sweepIdle(ctx)
	}
	if r.quota {
		r.sweepQuota(ctx)
	}
	if r.longTerm {
		r.sweepLongTerm(ctx)
	}
	r.sweepHaltedRuns(ctx)
}

// sweepIdle stops running cloud workspaces whose last activity predates
// the idle timeout.
func (r *Reaper) sweepIdle(ctx context.Context) {
	cutoff := r.now().Add(-r.metering.Settings().IdleTimeout(ctx))
	workspaces, err := r.store.ListWorkspacesIdleSince(ctx, cutoff)
	if err != nil {
		r.logger.Error("idle sweep query failed", slog.Any("error", err))
		return
	}

	for _, ws := range workspaces {
		if ws.HostingType != store.HostingCloud {
			continue
		}
		if _, err := r.workspaces.Stop(ctx, ws.ID, store.StopIdle); err != nil {
			// A conflict means the workspace moved under us. Fine.
			var conflict *wberrors.ConflictError
			if !errors.As(err, &conflict) {
				r.logger.Error("idle stop failed",
					slog.String("workspace_id", ws.ID), slog.Any("error", err))
			}
			continue
		}
		r.metrics.RecordWorkspaceReaped(ctx, "idle")
		r.logger.Info("stopped idle workspace",
			slog.String("workspace_id", ws.ID),
			slog.String("user_id", ws.UserID),
			slog.Time("last_active_at", ws.LastActiveAt))
	}
}

// sweepQuota stops running cloud workspaces owned by free-plan users who
// have exhausted their daily minutes. The heartbeat shutdown instruction
// handles the common case; this is the backstop for agents that stopped
// heartbeating.
func (r *Reaper) sweepQuota(ctx context.Context) {
	workspaces, err := r.store.ListRunningWorkspaces(ctx)
	if err != nil {
		r.logger.Error("quota sweep query failed", slog.Any("error", err))
		return
	}

	for _, ws := range workspaces {
		if ws.HostingType != store.HostingCloud {
			continue
		}
		user, err := r.store.GetUser(ctx, ws.UserID)
		if err != nil {
			r.logger.Error("quota sweep user lookup failed",
				slog.String("workspace_id", ws.ID), slog.Any("error", err))
			continue
		}
		remaining, err := r.metering.HasRemainingQuota(ctx, user)
		if err != nil {
			r.logger.Error("quota sweep usage lookup failed",
				slog.String("workspace_id", ws.ID), slog.Any("error", err))
			continue
		}
		if remaining {
			continue
		}
		if _, err := r.workspaces.Stop(ctx, ws.ID, store.StopQuotaExhausted); err != nil {
			var conflict *wberrors.ConflictError
			if !errors.As(err, &conflict) {
				r.logger.Error("quota stop failed",
					slog.String("workspace_id", ws.ID), slog.Any("error", err))
			}
			continue
		}
		r.metrics.RecordWorkspaceReaped(ctx, "quota")
		r.logger.Info("stopped workspace over daily quota",
			slog.String("workspace_id", ws.ID),
			slog.String("user_id", ws.UserID))
	}
}

// sweepLongTerm terminates cloud workspaces, running or stopped, that
// have seen no activity for the long-term horizon. Terminate releases
// the upstream deployment and the volume.
func (r *Reaper) sweepLongTerm(ctx context.Context) {
	cutoff := r.now().Add(-r.longTermAge)
	workspaces, err := r.store.ListWorkspacesInactiveSince(ctx, cutoff)
	if err != nil {
		r.logger.Error("long-term sweep query failed", slog.Any("error", err))
		return
	}

	for _, ws := range workspaces {
		if ws.HostingType != store.HostingCloud {
			continue
		}
		if _, err := r.workspaces.Terminate(ctx, ws.ID); err != nil {
			r.logger.Error("long-term terminate failed",
				slog.String("workspace_id", ws.ID), slog.Any("error", err))
			continue
		}
		r.metrics.RecordWorkspaceReaped(ctx, "long_term")
		r.logger.Info("terminated abandoned workspace",
			slog.String("workspace_id", ws.ID),
			slog.String("user_id", ws.UserID),
			slog.Time("last_active_at", ws.LastActiveAt))
	}
}

// sweepHaltedRuns tries to redispatch runs parked for lack of monthly
// quota. RestartRun re-checks quota under the loop lock, so runs whose
// owners are still exhausted stay parked until the monthly rollover or
// an extra-run purchase.
func (r *Reaper) sweepHaltedRuns(ctx context.Context) {
	halted, err := r.store.ListRuns(ctx, store.RunFilter{Status: store.RunStatusHalted})
	if err != nil {
		r.logger.Error("rollover sweep query failed", slog.Any("error", err))
		return
	}

	for _, run := range halted {
		if _, err := r.loops.RestartRun(ctx, run.ID); err != nil {
			var quotaErr *wberrors.QuotaExceededError
			var conflict *wberrors.ConflictError
			switch {
			case errors.As(err, &quotaErr):
				// Still exhausted; stays parked.
			case errors.As(err, &conflict):
				// Loop paused, or a sibling run is already in flight.
			default:
				r.logger.Error("halted run redispatch failed",
					slog.String("run_id", run.ID),
					slog.String("loop_id", run.LoopID),
					slog.Any("error", err))
			}
			continue
		}
		r.logger.Info("redispatched halted run",
			slog.String("run_id", run.ID),
			slog.String("loop_id", run.LoopID))
	}
}
