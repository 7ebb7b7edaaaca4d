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

// Package agentloop schedules autonomous agent runs against sandbox
// providers. A loop is a plan bound to a repository; each run dispatches the
// loop's prompt to a sandbox and waits for a signed callback reporting the
// outcome. The scheduler keeps run numbers contiguous, admits at most one
// in-flight run per loop, and charges the owner's monthly run quota as runs
// are dispatched.
package agentloop

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/git"
	"github.com/tombee/workbench/internal/metering"
	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/store"
	"github.com/tombee/workbench/internal/vault"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

const (
	// MaxRunsCeiling bounds how many runs a single loop may be configured
	// to execute.
	MaxRunsCeiling = 20

	// DefaultStallAge is how long a dispatched run may go without progress
	// before it is treated as stalled.
	DefaultStallAge = 40 * time.Minute
)

// DefaultPlanFileGlobs whitelists where plan and progress files may live
// inside the repository.
var DefaultPlanFileGlobs = []string{"**/*.md"}

// GitTokenSource mints short-lived GitHub App tokens for a user's
// installation. Optional; runs are dispatched without a token when no source
// is configured or minting fails.
type GitTokenSource interface {
	TokenForUser(ctx context.Context, userID string) (*git.Token, error)
}

// Config carries the scheduler's dependencies.
type Config struct {
	// CallbackURL is the endpoint sandboxes report run completion to,
	// typically "<public-url>/v1/callbacks/agent-loop".
	CallbackURL string
	// CallbackSecret authenticates inbound callbacks. It is handed to the
	// sandbox with every dispatch.
	CallbackSecret string
	// PlanFileGlobs restricts plan and progress file paths. Defaults to
	// DefaultPlanFileGlobs.
	PlanFileGlobs []string
	// StallAge overrides DefaultStallAge.
	StallAge time.Duration

	Store    store.TxStore
	Compute  *compute.Registry
	Metering *metering.Service
	Vault    *vault.Vault
	Git      GitTokenSource
	Events   *events.Bus
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Scheduler owns the agent-loop lifecycle: loop CRUD, run dispatch with
// quota accounting, callback processing, and automation chaining.
type Scheduler struct {
	callbackURL    string
	callbackSecret string
	planFileGlobs  []string
	stallAge       time.Duration

	store    store.TxStore
	compute  *compute.Registry
	metering *metering.Service
	vault    *vault.Vault
	git      GitTokenSource
	events   *events.Bus
	logger   *slog.Logger
	metrics  *metrics.Collector
	cond     *conditionEvaluator

	now func() time.Time
}

// New builds a Scheduler from cfg. It fails when a configured plan-file glob
// does not parse.
func New(cfg Config) (*Scheduler, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	globs := cfg.PlanFileGlobs
	if len(globs) == 0 {
		globs = DefaultPlanFileGlobs
	}
	for _, pattern := range globs {
		if !doublestar.ValidatePattern(pattern) {
			return nil, &wberrors.ConfigError{
				Key:    "loops.plan_file_globs",
				Reason: fmt.Sprintf("invalid pattern %q", pattern),
			}
		}
	}
	stallAge := cfg.StallAge
	if stallAge <= 0 {
		stallAge = DefaultStallAge
	}
	return &Scheduler{
		callbackURL:    cfg.CallbackURL,
		callbackSecret: cfg.CallbackSecret,
		planFileGlobs:  globs,
		stallAge:       stallAge,
		store:          cfg.Store,
		compute:        cfg.Compute,
		metering:       cfg.Metering,
		vault:          cfg.Vault,
		git:            cfg.Git,
		events:         cfg.Events,
		logger:         logger.With(slog.String("component", "agentloop")),
		metrics:        collector,
		cond:           newConditionEvaluator(),
		now:            time.Now,
	}, nil
}

// Get returns a loop by id.
func (s *Scheduler) Get(ctx context.Context, loopID string) (*store.AgentLoop, error) {
	return s.store.GetLoop(ctx, loopID)
}

// List returns loops matching the filter, newest first.
func (s *Scheduler) List(ctx context.Context, filter store.LoopFilter) ([]*store.AgentLoop, error) {
	return s.store.ListLoops(ctx, filter)
}

// GetRun returns a run by id.
func (s *Scheduler) GetRun(ctx context.Context, runID string) (*store.Run, error) {
	return s.store.GetRun(ctx, runID)
}

// ListRuns returns runs matching the filter, newest first.
func (s *Scheduler) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	return s.store.ListRuns(ctx, filter)
}

func (s *Scheduler) publishLoop(eventType events.Type, loop *store.AgentLoop) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:   eventType,
		UserID: loop.UserID,
		Payload: map[string]any{
			"loop_id": loop.ID,
			"status":  string(loop.Status),
		},
	})
}

func (s *Scheduler) publishRun(eventType events.Type, run *store.Run) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:   eventType,
		UserID: run.UserID,
		Payload: map[string]any{
			"run_id":     run.ID,
			"loop_id":    run.LoopID,
			"run_number": run.RunNumber,
			"status":     string(run.Status),
		},
	})
}

func (s *Scheduler) publishQuotaExhausted(run *store.Run) {
	if s.events == nil {
		return
	}
	s.events.Publish(events.Event{
		Type:   events.TypeQuotaExhausted,
		UserID: run.UserID,
		Payload: map[string]any{
			"loop_id": run.LoopID,
			"run_id":  run.ID,
			"scope":   "monthly_runs",
		},
	})
}

// sandboxProvider resolves the loop's sandbox provider from the catalog and
// the registry.
func (s *Scheduler) sandboxProvider(ctx context.Context, loop *store.AgentLoop) (compute.Provider, error) {
	row, err := s.store.GetCloudProvider(ctx, loop.SandboxProviderID)
	if err != nil {
		return nil, err
	}
	return s.compute.Provider(ctx, row.Name)
}

// stalled reports whether a dispatched run has gone too long without
// progress. LastProgressAt is set at insertion and advanced by callbacks, so
// it covers both pending runs that were never acknowledged and running ones
// whose sandbox went quiet.
func (s *Scheduler) stalled(run *store.Run) bool {
	if run.Status != store.RunStatusPending && run.Status != store.RunStatusRunning {
		return false
	}
	return s.now().UTC().Sub(run.LastProgressAt) > s.stallAge
}
