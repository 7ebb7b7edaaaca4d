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

	"github.com/google/uuid"

	"github.com/tombee/workbench/internal/compute"
	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// StartRun creates and dispatches the loop's next run. The row is inserted
// as pending inside the loop's transaction; the sandbox call happens after
// commit. A dispatch that is not acknowledged rolls the insertion back, and
// the run number is reused.
//
// When the owner's quota is exhausted the run is inserted as halted instead
// of being rejected: the rollover sweep redispatches it once the quota
// resets or extra runs are purchased.
func (s *Scheduler) StartRun(ctx context.Context, loopID string, trigger store.TriggerType) (*store.Run, error) {
	var (
		run    *store.Run
		loop   *store.AgentLoop
		halted bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLoopForUpdate(ctx, loopID)
		if err != nil {
			return err
		}
		if locked.Status != store.LoopStatusActive {
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("loop is %s", locked.Status),
			}
		}
		if locked.TotalRuns >= locked.MaxRuns {
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("loop has used all %d of its runs", locked.MaxRuns),
			}
		}
		if blocking, err := s.blockingRun(ctx, tx, locked.ID); err != nil {
			return err
		} else if blocking != nil {
			msg := fmt.Sprintf("run %d is already %s", blocking.RunNumber, blocking.Status)
			if blocking.Status == store.RunStatusHalted {
				msg = fmt.Sprintf("run %d is halted; restart it instead of starting a new one", blocking.RunNumber)
			}
			return &wberrors.ConflictError{Resource: "run", Message: msg}
		}

		user, err := tx.GetUser(ctx, locked.UserID)
		if err != nil {
			return err
		}
		quota, err := s.metering.RunQuotaForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}

		next := s.newRun(locked, trigger)
		if quota.Remaining() < 1 {
			// Park the run instead of failing: the rollover sweep picks
			// halted runs back up when the quota allows.
			next.Status = store.RunStatusHalted
			next.Trigger = store.TriggerAutomated
			halted = true
		} else {
			if err := s.checkRunCredential(ctx, tx, locked); err != nil {
				return err
			}
			if err := s.metering.ConsumeRuns(quota, 1); err != nil {
				return err
			}
			if err := tx.UpsertRunQuota(ctx, quota); err != nil {
				return err
			}
		}

		if err := tx.CreateRun(ctx, next); err != nil {
			return err
		}
		now := s.now().UTC()
		locked.TotalRuns++
		locked.LastRunID = next.ID
		locked.LastRunAt = &now
		if err := tx.UpdateLoop(ctx, locked); err != nil {
			return err
		}
		run, loop = next, locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	if halted {
		s.metrics.RecordRunDispatch(ctx, "halted")
		s.publishRun(events.TypeRunHalted, run)
		s.publishQuotaExhausted(run)
		s.logger.Warn("run halted on exhausted quota",
			slog.String("loop_id", loop.ID),
			slog.String("run_id", run.ID),
			slog.Int("run_number", run.RunNumber))
		return run, nil
	}

	ack, err := s.sendRun(ctx, loop, run)
	if err != nil {
		s.rollbackRun(ctx, loop.ID, run, err)
		return nil, err
	}
	promoted, err := s.acknowledge(ctx, run.ID, ack.SandboxID)
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		run = promoted
		s.publishRun(events.TypeRunStarted, run)
		s.logger.Info("run dispatched",
			slog.String("loop_id", loop.ID),
			slog.String("run_id", run.ID),
			slog.Int("run_number", run.RunNumber),
			slog.String("sandbox_id", run.SandboxID))
	}
	return run, nil
}

// RestartRun redispatches a halted run or one that stalled in flight. Halted
// runs consume a quota run at this point; stalled runs were already paid for
// when first dispatched. The row keeps its number and is only promoted to
// running once the sandbox acknowledges.
func (s *Scheduler) RestartRun(ctx context.Context, runID string) (*store.Run, error) {
	var (
		run      *store.Run
		loop     *store.AgentLoop
		consumed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		// Lock order is loop first, then run, everywhere in this package.
		current, err := tx.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		locked, err := tx.GetLoopForUpdate(ctx, current.LoopID)
		if err != nil {
			return err
		}
		current, err = tx.GetRunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		if locked.Status != store.LoopStatusActive {
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("loop is %s", locked.Status),
			}
		}
		switch {
		case current.Status == store.RunStatusHalted:
			if inFlight, err := s.inFlightRun(ctx, tx, locked.ID); err != nil {
				return err
			} else if inFlight != nil {
				return &wberrors.ConflictError{
					Resource: "run",
					Message:  fmt.Sprintf("run %d is already %s", inFlight.RunNumber, inFlight.Status),
				}
			}
			user, err := tx.GetUser(ctx, locked.UserID)
			if err != nil {
				return err
			}
			quota, err := s.metering.RunQuotaForUpdate(ctx, tx, user)
			if err != nil {
				return err
			}
			if err := s.checkRunCredential(ctx, tx, locked); err != nil {
				return err
			}
			if err := s.metering.ConsumeRuns(quota, 1); err != nil {
				return err
			}
			if err := tx.UpsertRunQuota(ctx, quota); err != nil {
				return err
			}
			consumed = true
		case s.stalled(current):
			// Paid for at first dispatch; just send it again.
		default:
			return &wberrors.ConflictError{
				Resource: "run",
				Message:  fmt.Sprintf("run is %s; only halted or stalled runs can be restarted", current.Status),
			}
		}
		run, loop = current, locked
		return nil
	})
	if err != nil {
		return nil, err
	}

	ack, err := s.sendRun(ctx, loop, run)
	if err != nil {
		if consumed {
			s.refundRun(ctx, loop.UserID, run.ID)
		}
		return nil, err
	}
	promoted, err := s.acknowledge(ctx, run.ID, ack.SandboxID)
	if err != nil {
		return nil, err
	}
	if promoted != nil {
		run = promoted
		s.publishRun(events.TypeRunStarted, run)
		s.logger.Info("run restarted",
			slog.String("loop_id", loop.ID),
			slog.String("run_id", run.ID),
			slog.Int("run_number", run.RunNumber),
			slog.String("sandbox_id", run.SandboxID))
	}
	return run, nil
}

// newRun builds a pending run from the loop's current configuration. Model
// and prompt are snapshotted so later loop edits do not rewrite run history.
func (s *Scheduler) newRun(loop *store.AgentLoop, trigger store.TriggerType) *store.Run {
	return &store.Run{
		ID:             uuid.NewString(),
		LoopID:         loop.ID,
		UserID:         loop.UserID,
		RunNumber:      loop.TotalRuns + 1,
		Status:         store.RunStatusPending,
		Trigger:        trigger,
		ModelProvider:  loop.ModelProvider,
		ModelID:        loop.ModelID,
		Prompt:         loop.Prompt,
		BranchName:     loop.Branch,
		LastProgressAt: s.now().UTC(),
	}
}

// checkRunCredential verifies the loop's model is runnable for its owner. A
// free model needs nothing; anything else needs an active credential for the
// model's provider.
func (s *Scheduler) checkRunCredential(ctx context.Context, st store.Store, loop *store.AgentLoop) error {
	model, err := s.vault.Directory().Model(loop.ModelID)
	if err != nil {
		return err
	}
	if model.Free {
		return nil
	}
	cred, err := st.GetCredential(ctx, loop.UserID, loop.ModelProvider)
	if err != nil {
		var notFound *wberrors.NotFoundError
		if errors.As(err, &notFound) {
			return &wberrors.CredentialRequiredError{Provider: loop.ModelProvider}
		}
		return err
	}
	if !cred.Active {
		return &wberrors.CredentialRequiredError{Provider: loop.ModelProvider}
	}
	return nil
}

// sendRun builds the sandbox request and fires it. A nil error means the
// sandbox acknowledged the run.
func (s *Scheduler) sendRun(ctx context.Context, loop *store.AgentLoop, run *store.Run) (*compute.RunAck, error) {
	req, err := s.buildRunRequest(ctx, loop, run)
	if err != nil {
		s.metrics.RecordRunDispatch(ctx, "error")
		return nil, err
	}
	provider, err := s.sandboxProvider(ctx, loop)
	if err != nil {
		s.metrics.RecordRunDispatch(ctx, "error")
		return nil, err
	}
	ack, err := provider.StartSandboxRun(ctx, req)
	if err != nil {
		s.metrics.RecordRunDispatch(ctx, "error")
		return nil, err
	}
	if !ack.Acknowledged {
		s.metrics.RecordRunDispatch(ctx, "refused")
		return nil, &wberrors.UpstreamError{
			Provider: "sandbox",
			Op:       "start_run",
			Message:  "run dispatch was not acknowledged",
		}
	}
	s.metrics.RecordRunDispatch(ctx, "acknowledged")
	return ack, nil
}

// buildRunRequest assembles the dispatch payload, decrypting the owner's
// credential and refreshing OAuth tokens when needed.
func (s *Scheduler) buildRunRequest(ctx context.Context, loop *store.AgentLoop, run *store.Run) (compute.RunRequest, error) {
	req := compute.RunRequest{
		RunID:            run.ID,
		LoopID:           loop.ID,
		UserID:           loop.UserID,
		RunNumber:        run.RunNumber,
		Prompt:           run.Prompt,
		RepoURL:          fmt.Sprintf("https://github.com/%s/%s", loop.RepoOwner, loop.RepoName),
		BranchName:       run.BranchName,
		Model:            run.ModelID,
		ModelProvider:    run.ModelProvider,
		PlanFilePath:     loop.PlanFilePath,
		ProgressFilePath: loop.ProgressFilePath,
		CallbackURL:      s.callbackURL,
		CallbackSecret:   s.callbackSecret,
	}

	model, err := s.vault.Directory().Model(run.ModelID)
	if err != nil {
		return compute.RunRequest{}, err
	}
	if !model.Free {
		cred, err := s.vault.CredentialForRun(ctx, loop.UserID, run.ModelProvider, run.ID)
		if err != nil {
			return compute.RunRequest{}, err
		}
		req.Credential = &compute.RunCredential{
			Provider:  cred.Provider,
			AuthType:  string(cred.AuthType),
			Secret:    cred.Secret,
			AccountID: cred.AccountID,
		}
	}

	if s.git != nil {
		tok, err := s.git.TokenForUser(ctx, loop.UserID)
		if err != nil {
			s.logger.Warn("github token unavailable for run",
				slog.String("run_id", run.ID),
				slog.String("user_id", loop.UserID),
				slog.Any("error", err))
		} else {
			req.Env = map[string]string{"GITHUB_APP_TOKEN": tok.Value}
		}
	}
	return req, nil
}

// acknowledge promotes a dispatched run to running. The callback can land
// before the acknowledgement does; a run that is no longer waiting is left
// alone and nil is returned.
func (s *Scheduler) acknowledge(ctx context.Context, runID, sandboxID string) (*store.Run, error) {
	var promoted *store.Run
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetRunForUpdate(ctx, runID)
		if err != nil {
			return err
		}
		switch locked.Status {
		case store.RunStatusPending, store.RunStatusRunning, store.RunStatusHalted:
		default:
			return nil
		}
		now := s.now().UTC()
		locked.Status = store.RunStatusRunning
		locked.SandboxID = sandboxID
		locked.Error = ""
		locked.DispatchedAt = &now
		locked.StartedAt = &now
		locked.LastProgressAt = now
		if err := tx.UpdateRun(ctx, locked); err != nil {
			return err
		}
		promoted = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	return promoted, nil
}

// rollbackRun removes a run the sandbox never acknowledged. The row, the
// loop counters, and the quota charge are all undone so a retry starts from
// a clean slate with the same run number.
func (s *Scheduler) rollbackRun(ctx context.Context, loopID string, run *store.Run, cause error) {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLoopForUpdate(ctx, loopID)
		if err != nil {
			return err
		}
		current, err := tx.GetRunForUpdate(ctx, run.ID)
		if err != nil {
			var notFound *wberrors.NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}
		if current.Status != store.RunStatusPending {
			// A callback landed despite the failed dispatch; the run is
			// real after all, so the insertion stands.
			return nil
		}
		if err := tx.DeleteRun(ctx, current.ID); err != nil {
			return err
		}
		locked.TotalRuns--
		if locked.LastRunID == current.ID {
			locked.LastRunID = ""
			locked.LastRunAt = nil
			if prev := s.latestRun(ctx, tx, locked.ID); prev != nil {
				locked.LastRunID = prev.ID
				created := prev.CreatedAt
				locked.LastRunAt = &created
			}
		}
		if err := tx.UpdateLoop(ctx, locked); err != nil {
			return err
		}

		user, err := tx.GetUser(ctx, locked.UserID)
		if err != nil {
			return err
		}
		quota, err := s.metering.RunQuotaForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		s.metering.RefundRuns(quota, 1)
		return tx.UpsertRunQuota(ctx, quota)
	})
	if err != nil {
		s.logger.Error("failed to roll back unacknowledged run",
			slog.String("loop_id", loopID),
			slog.String("run_id", run.ID),
			slog.Any("error", err))
		return
	}
	s.logger.Warn("run dispatch failed, insertion rolled back",
		slog.String("loop_id", loopID),
		slog.String("run_id", run.ID),
		slog.Int("run_number", run.RunNumber),
		slog.Any("error", cause))
}

// refundRun returns one quota run after a failed halted-run restart. The
// row stays halted so the sweep can try again later.
func (s *Scheduler) refundRun(ctx context.Context, userID, runID string) {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		user, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		quota, err := s.metering.RunQuotaForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		s.metering.RefundRuns(quota, 1)
		return tx.UpsertRunQuota(ctx, quota)
	})
	if err != nil {
		s.logger.Error("failed to refund run after dispatch failure",
			slog.String("user_id", userID),
			slog.String("run_id", runID),
			slog.Any("error", err))
	}
}

// latestRun returns the loop's highest-numbered remaining run, or nil.
func (s *Scheduler) latestRun(ctx context.Context, st store.Store, loopID string) *store.Run {
	runs, err := st.ListRuns(ctx, store.RunFilter{LoopID: loopID, Limit: 1})
	if err != nil || len(runs) == 0 {
		return nil
	}
	return runs[0]
}
