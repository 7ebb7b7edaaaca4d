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
	"path"
	"strconv"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/google/uuid"

	"github.com/tombee/workbench/internal/events"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// CreateLoopRequest carries everything needed to register a loop. The model
// and credential are validated up front so a loop can never be created in a
// state where its first run is guaranteed to fail.
type CreateLoopRequest struct {
	UserID            string
	Name              string
	SandboxProviderID string
	RepoOwner         string
	RepoName          string
	Branch            string
	PlanFilePath      string
	ProgressFilePath  string
	ModelProvider     string
	ModelID           string
	Prompt            string

	// AutomationEnabled chains a follow-up run after each successful one.
	AutomationEnabled bool
	// AutomationCondition is an optional expression gating the chain.
	// Empty means always chain.
	AutomationCondition string

	// MaxRuns caps the loop at 1..MaxRunsCeiling runs.
	MaxRuns int
}

// CreateLoop validates the request, reserves nothing from the quota (runs are
// charged at dispatch), and persists the loop in active state.
func (s *Scheduler) CreateLoop(ctx context.Context, req CreateLoopRequest) (*store.AgentLoop, error) {
	user, err := s.store.GetUser(ctx, req.UserID)
	if err != nil {
		return nil, err
	}

	if req.MaxRuns < 1 || req.MaxRuns > MaxRunsCeiling {
		return nil, &wberrors.ValidationError{
			Field:   "max_runs",
			Message: fmt.Sprintf("max_runs must be between 1 and %d", MaxRunsCeiling),
		}
	}
	if strings.TrimSpace(req.RepoOwner) == "" || strings.TrimSpace(req.RepoName) == "" {
		return nil, &wberrors.ValidationError{
			Field:      "repository",
			Message:    "repository owner and name are required",
			Suggestion: `Set repo_owner and repo_name, e.g. "acme" and "app"`,
		}
	}
	branch := strings.TrimSpace(req.Branch)
	if branch == "" {
		branch = "main"
	}
	if err := s.validatePlanPath("plan_file_path", req.PlanFilePath); err != nil {
		return nil, err
	}
	if req.ProgressFilePath != "" {
		if err := s.validatePlanPath("progress_file_path", req.ProgressFilePath); err != nil {
			return nil, err
		}
	}

	provider, err := s.store.GetCloudProvider(ctx, req.SandboxProviderID)
	if err != nil {
		var notFound *wberrors.NotFoundError
		if errors.As(err, &notFound) {
			return nil, &wberrors.ValidationError{
				Field:   "sandbox_provider_id",
				Message: "unknown sandbox provider",
			}
		}
		return nil, err
	}
	if !provider.Enabled {
		return nil, &wberrors.ValidationError{
			Field:   "sandbox_provider_id",
			Message: fmt.Sprintf("provider %s is disabled", provider.Name),
		}
	}
	if !provider.IsSandbox {
		return nil, &wberrors.ValidationError{
			Field:   "sandbox_provider_id",
			Message: fmt.Sprintf("provider %s does not execute agent runs", provider.Name),
		}
	}

	model, err := s.vault.Directory().Model(req.ModelID)
	if err != nil {
		return nil, &wberrors.ValidationError{
			Field:   "model_id",
			Message: "unknown or disabled model",
		}
	}
	if model.Provider != req.ModelProvider {
		return nil, &wberrors.ValidationError{
			Field:   "model_provider",
			Message: fmt.Sprintf("model %s belongs to provider %s", model.ID, model.Provider),
		}
	}
	if _, err := s.vault.Directory().Provider(model.Provider); err != nil {
		return nil, &wberrors.ValidationError{
			Field:   "model_provider",
			Message: fmt.Sprintf("provider %s is disabled", model.Provider),
		}
	}

	var credentialID string
	if !model.Free {
		cred, err := s.store.GetCredential(ctx, req.UserID, model.Provider)
		if err != nil {
			var notFound *wberrors.NotFoundError
			if errors.As(err, &notFound) {
				return nil, &wberrors.CredentialRequiredError{Provider: model.Provider}
			}
			return nil, err
		}
		if !cred.Active {
			return nil, &wberrors.CredentialRequiredError{Provider: model.Provider}
		}
		credentialID = cred.ID
	}

	if req.AutomationCondition != "" {
		if err := s.cond.Compile(req.AutomationCondition); err != nil {
			return nil, &wberrors.ValidationError{
				Field:      "automation_condition",
				Message:    fmt.Sprintf("condition does not compile: %v", err),
				Suggestion: `Use a boolean expression like "loop.failed_runs == 0"`,
			}
		}
	}

	now := s.now().UTC()
	loop := &store.AgentLoop{
		ID:                  uuid.NewString(),
		UserID:              user.ID,
		Name:                strings.TrimSpace(req.Name),
		SandboxProviderID:   provider.ID,
		RepoOwner:           strings.TrimSpace(req.RepoOwner),
		RepoName:            strings.TrimSpace(req.RepoName),
		Branch:              branch,
		PlanFilePath:        req.PlanFilePath,
		ProgressFilePath:    req.ProgressFilePath,
		ModelProvider:       model.Provider,
		ModelID:             model.ID,
		CredentialID:        credentialID,
		Prompt:              req.Prompt,
		Status:              store.LoopStatusActive,
		AutomationEnabled:   req.AutomationEnabled,
		AutomationCondition: req.AutomationCondition,
		MaxRuns:             req.MaxRuns,
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	if loop.Name == "" {
		loop.Name = fmt.Sprintf("%s/%s", loop.RepoOwner, loop.RepoName)
	}
	if inst, err := s.store.GetInstallation(ctx, user.ID); err == nil {
		loop.GitIntegrationID = strconv.FormatInt(inst.InstallationID, 10)
	}

	err = s.store.WithTx(ctx, func(tx store.Store) error {
		// Admission is a dry check: the loop must fit the remaining quota
		// today, but runs are only charged when dispatched.
		quota, err := s.metering.RunQuotaForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		if err := s.metering.AdmitRuns(quota, loop.MaxRuns); err != nil {
			return err
		}
		return tx.CreateLoop(ctx, loop)
	})
	if err != nil {
		return nil, err
	}

	s.publishLoop(events.TypeLoopCreated, loop)
	s.logger.Info("agent loop created",
		slog.String("loop_id", loop.ID),
		slog.String("user_id", loop.UserID),
		slog.String("repo", loop.RepoOwner+"/"+loop.RepoName),
		slog.String("model", loop.ModelID),
		slog.Int("max_runs", loop.MaxRuns))
	return loop, nil
}

// Pause suspends an active loop. Paused loops reject new runs and automation
// stops chaining; in-flight runs finish normally.
func (s *Scheduler) Pause(ctx context.Context, loopID string) (*store.AgentLoop, error) {
	loop, changed, err := s.transition(ctx, loopID, store.LoopStatusPaused, func(l *store.AgentLoop) error {
		switch l.Status {
		case store.LoopStatusActive:
			return nil
		case store.LoopStatusPaused:
			return errAlreadyThere
		default:
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("cannot pause a %s loop", l.Status),
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishLoop(events.TypeLoopPaused, loop)
	}
	return loop, nil
}

// Resume reactivates a paused loop.
func (s *Scheduler) Resume(ctx context.Context, loopID string) (*store.AgentLoop, error) {
	loop, changed, err := s.transition(ctx, loopID, store.LoopStatusActive, func(l *store.AgentLoop) error {
		switch l.Status {
		case store.LoopStatusPaused:
			return nil
		case store.LoopStatusActive:
			return errAlreadyThere
		default:
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("cannot resume a %s loop", l.Status),
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishLoop(events.TypeLoopResumed, loop)
	}
	return loop, nil
}

// Complete marks a loop finished. The scheduler also completes loops on its
// own when the final run succeeds or the sandbox reports the plan done.
func (s *Scheduler) Complete(ctx context.Context, loopID string) (*store.AgentLoop, error) {
	loop, changed, err := s.transition(ctx, loopID, store.LoopStatusCompleted, func(l *store.AgentLoop) error {
		switch l.Status {
		case store.LoopStatusActive, store.LoopStatusPaused:
			return nil
		case store.LoopStatusCompleted:
			return errAlreadyThere
		default:
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("cannot complete a %s loop", l.Status),
			}
		}
	})
	if err != nil {
		return nil, err
	}
	if changed {
		s.publishLoop(events.TypeLoopCompleted, loop)
	}
	return loop, nil
}

// Archive retires a loop and cancels any run that has not reached the
// sandbox yet. Running runs are left to finish; their callbacks land on an
// archived loop and are recorded without chaining.
func (s *Scheduler) Archive(ctx context.Context, loopID string) (*store.AgentLoop, error) {
	var (
		loop      *store.AgentLoop
		cancelled []*store.Run
		already   bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLoopForUpdate(ctx, loopID)
		if err != nil {
			return err
		}
		if locked.Status == store.LoopStatusArchived {
			loop, already = locked, true
			return nil
		}
		now := s.now().UTC()
		locked.Status = store.LoopStatusArchived
		locked.ArchivedAt = &now
		locked.UpdatedAt = now
		if err := tx.UpdateLoop(ctx, locked); err != nil {
			return err
		}

		runs, err := tx.ListRuns(ctx, store.RunFilter{LoopID: locked.ID})
		if err != nil {
			return err
		}
		for _, run := range runs {
			if run.Status != store.RunStatusPending && run.Status != store.RunStatusHalted {
				continue
			}
			run.Status = store.RunStatusCancelled
			run.CompletedAt = &now
			if err := tx.UpdateRun(ctx, run); err != nil {
				return err
			}
			cancelled = append(cancelled, run)
		}
		loop = locked
		return nil
	})
	if err != nil {
		return nil, err
	}
	if already {
		return loop, nil
	}

	for _, run := range cancelled {
		s.publishRun(events.TypeRunCancelled, run)
	}
	s.publishLoop(events.TypeLoopArchived, loop)
	s.logger.Info("agent loop archived",
		slog.String("loop_id", loop.ID),
		slog.Int("cancelled_runs", len(cancelled)))
	return loop, nil
}

// Delete removes a loop and all of its runs. Loops with an in-flight run
// must be archived (which cancels pending work) or allowed to finish first.
func (s *Scheduler) Delete(ctx context.Context, loopID string) error {
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLoopForUpdate(ctx, loopID)
		if err != nil {
			return err
		}
		inFlight, err := s.inFlightRun(ctx, tx, locked.ID)
		if err != nil {
			return err
		}
		if inFlight != nil && inFlight.Status == store.RunStatusRunning {
			return &wberrors.ConflictError{
				Resource: "loop",
				Message:  fmt.Sprintf("run %d is still running", inFlight.RunNumber),
			}
		}
		return tx.DeleteLoop(ctx, locked.ID)
	})
	if err != nil {
		return err
	}
	s.logger.Info("agent loop deleted", slog.String("loop_id", loopID))
	return nil
}

// errAlreadyThere signals an idempotent transition inside the transition
// helper; it never escapes this package.
var errAlreadyThere = errors.New("already in target status")

// transition flips a loop's status under the row lock. The check callback
// returns nil to proceed, errAlreadyThere to return the row untouched, or a
// conflict to reject. The bool reports whether the row actually changed.
func (s *Scheduler) transition(ctx context.Context, loopID string, to store.LoopStatus, check func(*store.AgentLoop) error) (*store.AgentLoop, bool, error) {
	var (
		loop    *store.AgentLoop
		changed bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		locked, err := tx.GetLoopForUpdate(ctx, loopID)
		if err != nil {
			return err
		}
		switch err := check(locked); {
		case err == errAlreadyThere:
			loop = locked
			return nil
		case err != nil:
			return err
		}
		locked.Status = to
		locked.UpdatedAt = s.now().UTC()
		if err := tx.UpdateLoop(ctx, locked); err != nil {
			return err
		}
		loop, changed = locked, true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return loop, changed, nil
}

// inFlightRun returns the loop's pending or running run, if any.
func (s *Scheduler) inFlightRun(ctx context.Context, st store.Store, loopID string) (*store.Run, error) {
	runs, err := st.ListRuns(ctx, store.RunFilter{LoopID: loopID})
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		if run.Status == store.RunStatusPending || run.Status == store.RunStatusRunning {
			return run, nil
		}
	}
	return nil, nil
}

// blockingRun returns the run that prevents a new one from starting: an
// in-flight run or a halted one waiting for quota.
func (s *Scheduler) blockingRun(ctx context.Context, st store.Store, loopID string) (*store.Run, error) {
	runs, err := st.ListRuns(ctx, store.RunFilter{LoopID: loopID})
	if err != nil {
		return nil, err
	}
	for _, run := range runs {
		switch run.Status {
		case store.RunStatusPending, store.RunStatusRunning, store.RunStatusHalted:
			return run, nil
		}
	}
	return nil, nil
}

// validatePlanPath accepts repo-relative, normalized paths matching one of
// the configured globs.
func (s *Scheduler) validatePlanPath(field, value string) error {
	if value == "" {
		return &wberrors.ValidationError{Field: field, Message: "path is required"}
	}
	if path.IsAbs(value) || value != path.Clean(value) || strings.HasPrefix(value, "..") {
		return &wberrors.ValidationError{
			Field:      field,
			Message:    "path must be relative to the repository root",
			Suggestion: `Use a path like "docs/plan.md"`,
		}
	}
	for _, pattern := range s.planFileGlobs {
		if ok, err := doublestar.Match(pattern, value); err == nil && ok {
			return nil
		}
	}
	return &wberrors.ValidationError{
		Field:   field,
		Message: fmt.Sprintf("path does not match an allowed pattern (%s)", strings.Join(s.planFileGlobs, ", ")),
	}
}
