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
	"fmt"
	"log/slog"
	"time"

	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Callback is the sandbox's report on a finished run. Sandboxes may deliver
// it more than once; processing is idempotent on the run's status.
type Callback struct {
	RunID         string `json:"run_id"`
	Success       bool   `json:"success"`
	SandboxID     string `json:"sandbox_id,omitempty"`
	CommitSHA     string `json:"commit_sha,omitempty"`
	CommitMessage string `json:"commit_message,omitempty"`
	Summary       string `json:"summary,omitempty"`
	PRURL         string `json:"pr_url,omitempty"`
	Error         string `json:"error,omitempty"`

	// IsListComplete reports that the plan file has no unchecked items
	// left. It completes the loop regardless of remaining runs.
	IsListComplete bool `json:"is_list_complete,omitempty"`
}

// callbackResult collects everything decided inside the callback
// transaction so events and dispatches happen after commit.
type callbackResult struct {
	run           *store.Run
	loop          *store.AgentLoop
	chained       *store.Run
	loopCompleted bool
	duplicate     bool
	duration      time.Duration
}

// ProcessCallback records a run outcome reported by the sandbox. Success
// updates the run and the loop counters, may complete the loop, and chains
// the next run when automation allows. Redelivered callbacks for already
// finished runs are acknowledged without effect.
func (s *Scheduler) ProcessCallback(ctx context.Context, cb Callback) (*store.Run, error) {
	var res callbackResult
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		// Lock order is loop first, then run.
		peek, err := tx.GetRun(ctx, cb.RunID)
		if err != nil {
			return err
		}
		locked, err := tx.GetLoopForUpdate(ctx, peek.LoopID)
		if err != nil {
			return err
		}
		run, err := tx.GetRunForUpdate(ctx, cb.RunID)
		if err != nil {
			return err
		}
		if run.Status != store.RunStatusPending && run.Status != store.RunStatusRunning {
			res = callbackResult{run: run, loop: locked, duplicate: true}
			return nil
		}

		now := s.now().UTC()
		if run.StartedAt != nil {
			res.duration = now.Sub(*run.StartedAt)
		}
		run.DurationSeconds = int(res.duration.Seconds())
		run.CompletedAt = &now
		run.LastProgressAt = now
		if run.SandboxID == "" && cb.SandboxID != "" {
			run.SandboxID = cb.SandboxID
		}

		if !cb.Success {
			run.Status = store.RunStatusFailed
			run.Error = cb.Error
			if run.Error == "" {
				run.Error = "run failed without a reported error"
			}
			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
			locked.FailedRuns++
			if err := tx.UpdateLoop(ctx, locked); err != nil {
				return err
			}
			res.run, res.loop = run, locked
			return nil
		}

		run.Status = store.RunStatusCompleted
		run.CommitSHA = cb.CommitSHA
		run.CommitMessage = cb.CommitMessage
		run.Summary = cb.Summary
		run.PRURL = cb.PRURL
		run.Error = ""
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		locked.SuccessfulRuns++

		active := locked.Status == store.LoopStatusActive
		switch {
		case cb.IsListComplete:
			if active || locked.Status == store.LoopStatusPaused {
				locked.Status = store.LoopStatusCompleted
				res.loopCompleted = true
			}
		case run.RunNumber >= locked.MaxRuns:
			if active || locked.Status == store.LoopStatusPaused {
				locked.Status = store.LoopStatusCompleted
				res.loopCompleted = true
			}
		case active && locked.AutomationEnabled && locked.TotalRuns < locked.MaxRuns:
			if s.shouldChain(locked, run) {
				chained, err := s.chainRun(ctx, tx, locked)
				if err != nil {
					return err
				}
				res.chained = chained
			}
		}

		if err := tx.UpdateLoop(ctx, locked); err != nil {
			return err
		}
		res.run, res.loop = run, locked
		return nil
	})
	if err != nil {
		var notFound *wberrors.NotFoundError
		if errors.As(err, &notFound) {
			// Rolled-back dispatches leave no row behind; a late callback
			// for one is acknowledged so the sandbox stops retrying.
			s.logger.Warn("callback for unknown run", slog.String("run_id", cb.RunID))
			s.metrics.RecordRunCallback(ctx, "unknown")
			return nil, nil
		}
		return nil, err
	}

	if res.duplicate {
		s.metrics.RecordRunCallback(ctx, "duplicate")
		return res.run, nil
	}

	if res.run.Status == store.RunStatusCompleted {
		s.metrics.RecordRunCallback(ctx, "success")
		s.publishRun(events.TypeRunCompleted, res.run)
	} else {
		s.metrics.RecordRunCallback(ctx, "failure")
		s.publishRun(events.TypeRunFailed, res.run)
	}
	s.metrics.RecordRunDuration(ctx, string(res.run.Status), res.duration)
	s.logger.Info("run finished",
		slog.String("loop_id", res.loop.ID),
		slog.String("run_id", res.run.ID),
		slog.Int("run_number", res.run.RunNumber),
		slog.String("status", string(res.run.Status)),
		slog.Duration("duration", res.duration))

	if res.loopCompleted {
		s.publishLoop(events.TypeLoopCompleted, res.loop)
		s.logger.Info("agent loop completed",
			slog.String("loop_id", res.loop.ID),
			slog.Int("successful_runs", res.loop.SuccessfulRuns),
			slog.Int("failed_runs", res.loop.FailedRuns))
	}

	if res.chained != nil {
		s.dispatchChained(ctx, res.loop, res.chained)
	}
	return res.run, nil
}

// chainRun inserts the automated follow-up run inside the callback
// transaction. Quota exhaustion parks it halted; a missing credential fails
// it immediately so the loop's history shows why the chain stopped.
func (s *Scheduler) chainRun(ctx context.Context, tx store.Store, loop *store.AgentLoop) (*store.Run, error) {
	user, err := tx.GetUser(ctx, loop.UserID)
	if err != nil {
		return nil, err
	}
	quota, err := s.metering.RunQuotaForUpdate(ctx, tx, user)
	if err != nil {
		return nil, err
	}

	next := s.newRun(loop, store.TriggerAutomated)
	switch {
	case quota.Remaining() < 1:
		next.Status = store.RunStatusHalted
	default:
		if err := s.checkRunCredential(ctx, tx, loop); err != nil {
			var credErr *wberrors.CredentialRequiredError
			if !errors.As(err, &credErr) {
				return nil, err
			}
			now := s.now().UTC()
			next.Status = store.RunStatusFailed
			next.Error = credErr.Error()
			next.CompletedAt = &now
			loop.FailedRuns++
		} else {
			if err := s.metering.ConsumeRuns(quota, 1); err != nil {
				return nil, err
			}
			if err := tx.UpsertRunQuota(ctx, quota); err != nil {
				return nil, err
			}
		}
	}

	if err := tx.CreateRun(ctx, next); err != nil {
		return nil, err
	}
	now := s.now().UTC()
	loop.TotalRuns++
	loop.LastRunID = next.ID
	loop.LastRunAt = &now
	return next, nil
}

// dispatchChained sends an automated run to the sandbox after the callback
// transaction commits. A failed dispatch marks the run failed instead of
// deleting it, and never fails the callback that triggered the chain.
func (s *Scheduler) dispatchChained(ctx context.Context, loop *store.AgentLoop, run *store.Run) {
	switch run.Status {
	case store.RunStatusHalted:
		s.metrics.RecordRunDispatch(ctx, "halted")
		s.publishRun(events.TypeRunHalted, run)
		s.publishQuotaExhausted(run)
		s.logger.Warn("chained run halted on exhausted quota",
			slog.String("loop_id", loop.ID),
			slog.String("run_id", run.ID),
			slog.Int("run_number", run.RunNumber))
		return
	case store.RunStatusFailed:
		s.publishRun(events.TypeRunFailed, run)
		s.logger.Warn("chained run failed before dispatch",
			slog.String("loop_id", loop.ID),
			slog.String("run_id", run.ID),
			slog.String("error", run.Error))
		return
	}

	ack, err := s.sendRun(ctx, loop, run)
	if err != nil {
		s.failChained(ctx, loop.ID, run.ID, err)
		return
	}
	promoted, err := s.acknowledge(ctx, run.ID, ack.SandboxID)
	if err != nil {
		s.logger.Error("failed to record chained run acknowledgement",
			slog.String("run_id", run.ID), slog.Any("error", err))
		return
	}
	if promoted != nil {
		s.publishRun(events.TypeRunStarted, promoted)
		s.logger.Info("chained run dispatched",
			slog.String("loop_id", loop.ID),
			slog.String("run_id", promoted.ID),
			slog.Int("run_number", promoted.RunNumber),
			slog.String("sandbox_id", promoted.SandboxID))
	}
}

// failChained marks an automated run failed after its dispatch was refused.
func (s *Scheduler) failChained(ctx context.Context, loopID, runID string, cause error) {
	var failed *store.Run
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLoopForUpdate(ctx, loopID)
		if err != nil {
			return err
		}
		run, err := tx.GetRunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if run.Status != store.RunStatusPending {
			return nil
		}
		now := s.now().UTC()
		run.Status = store.RunStatusFailed
		run.Error = fmt.Sprintf("dispatch failed: %v", cause)
		run.CompletedAt = &now
		run.LastProgressAt = now
		if err := tx.UpdateRun(ctx, run); err != nil {
			return err
		}
		locked.FailedRuns++
		if err := tx.UpdateLoop(ctx, locked); err != nil {
			return err
		}
		failed = run
		return nil
	})
	if err != nil {
		s.logger.Error("failed to mark chained run as failed",
			slog.String("run_id", runID), slog.Any("error", err))
		return
	}
	if failed != nil {
		s.publishRun(events.TypeRunFailed, failed)
	}
	s.logger.Warn("chained run dispatch failed",
		slog.String("loop_id", loopID),
		slog.String("run_id", runID),
		slog.Any("error", cause))
}

// shouldChain evaluates the loop's automation condition against the finished
// run. Evaluation errors stop the chain.
func (s *Scheduler) shouldChain(loop *store.AgentLoop, run *store.Run) bool {
	ok, err := s.cond.Evaluate(loop.AutomationCondition, conditionEnv(loop, run))
	if err != nil {
		s.logger.Warn("automation condition did not evaluate, not chaining",
			slog.String("loop_id", loop.ID),
			slog.String("condition", loop.AutomationCondition),
			slog.Any("error", err))
		return false
	}
	return ok
}
