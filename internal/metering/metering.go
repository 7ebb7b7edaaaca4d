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

// Package metering tracks workspace minutes and agent run allowances.
//
// Daily minutes are accrued through usage sessions: one opens when a cloud
// workspace starts running and closes when it stops, adding the elapsed time
// (rounded up to whole minutes) to the user's daily rollup. Monthly run
// quotas are counters that roll back to the plan grant when the reset
// pointer passes; purchased extra runs survive the roll.
package metering

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/tombee/workbench/internal/config"
	"github.com/tombee/workbench/internal/metrics"
	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// dayFormat is the UTC date key for daily rollups.
const dayFormat = "2006-01-02"

// Config assembles a metering Service.
type Config struct {
	Store    store.TxStore
	Settings *Settings
	Quotas   config.QuotasConfig
	Logger   *slog.Logger
	Metrics  *metrics.Collector
}

// Service meters workspace minutes and admits agent runs against monthly
// counters.
type Service struct {
	store    store.TxStore
	settings *Settings
	quotas   config.QuotasConfig
	logger   *slog.Logger
	metrics  *metrics.Collector

	now func() time.Time
}

// New creates a metering service.
func New(cfg Config) *Service {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	collector := cfg.Metrics
	if collector == nil {
		collector = metrics.NewNopCollector()
	}
	return &Service{
		store:    cfg.Store,
		settings: cfg.Settings,
		quotas:   cfg.Quotas,
		logger:   logger,
		metrics:  collector,
		now:      time.Now,
	}
}

// Settings exposes the cached system settings reader.
func (s *Service) Settings() *Settings {
	return s.settings
}

// EnsureDailyUsage returns the minutes a user has consumed today (UTC) and
// how many remain under the free-tier allowance, creating the rollup row on
// first call. Remaining never goes below zero.
func (s *Service) EnsureDailyUsage(ctx context.Context, userID string) (used, remaining int, err error) {
	used, err = s.store.AddDailyUsage(ctx, userID, s.today(), 0)
	if err != nil {
		return 0, 0, err
	}
	limit := s.settings.FreeTierDailyMinutes(ctx)
	remaining = limit - used
	if remaining < 0 {
		remaining = 0
	}
	return used, remaining, nil
}

// HasRemainingQuota reports whether the user may keep consuming cloud
// minutes today. Paid plans and self-hosted deployments are never limited,
// and the limit can be switched off wholesale in configuration.
func (s *Service) HasRemainingQuota(ctx context.Context, user *store.User) (bool, error) {
	if s.quotas.SelfHosted || !s.quotas.DailyLimitEnforced() || user.Plan != store.PlanFree {
		return true, nil
	}
	_, remaining, err := s.EnsureDailyUsage(ctx, user.ID)
	if err != nil {
		return false, err
	}
	return remaining > 0, nil
}

// OpenSession starts metering a workspace. If a session is already open for
// the workspace it is returned unchanged, so a crashed transition retried by
// the orchestrator never stacks sessions.
func (s *Service) OpenSession(ctx context.Context, workspaceID, userID string) (*store.UsageSession, error) {
	existing, err := s.store.GetOpenUsageSession(ctx, workspaceID)
	if err == nil {
		return existing, nil
	}
	var notFound *wberrors.NotFoundError
	if !errors.As(err, &notFound) {
		return nil, err
	}

	session := &store.UsageSession{
		ID:          uuid.NewString(),
		UserID:      userID,
		WorkspaceID: workspaceID,
		StartedAt:   s.now().UTC(),
	}
	if err := s.store.CreateUsageSession(ctx, session); err != nil {
		return nil, err
	}
	s.logger.Debug("usage session opened",
		slog.String("workspace_id", workspaceID),
		slog.String("user_id", userID))
	return session, nil
}

// CloseSession ends the open session for a workspace, rounding the elapsed
// time up to whole minutes and adding it to the user's daily rollup in the
// same transaction. Closing a workspace with no open session is a no-op, so
// a reaper and a manual stop racing on the same workspace bill exactly once.
// Returns the minutes added.
func (s *Service) CloseSession(ctx context.Context, workspaceID string, source store.StopSource) (int, error) {
	var (
		minutes int
		userID  string
		closed  bool
	)
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		session, err := tx.GetOpenUsageSession(ctx, workspaceID)
		if err != nil {
			var notFound *wberrors.NotFoundError
			if errors.As(err, &notFound) {
				return nil
			}
			return err
		}

		now := s.now().UTC()
		elapsed := now.Sub(session.StartedAt)
		if elapsed < 0 {
			elapsed = 0
		}
		minutes = int((elapsed + time.Minute - 1) / time.Minute)
		userID = session.UserID
		closed = true

		session.EndedAt = &now
		session.Minutes = minutes
		session.StopSource = source
		if err := tx.UpdateUsageSession(ctx, session); err != nil {
			return err
		}
		if minutes > 0 {
			if _, err := tx.AddDailyUsage(ctx, session.UserID, now.Format(dayFormat), minutes); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if !closed {
		return 0, nil
	}

	s.metrics.RecordUsageMinutes(ctx, int64(minutes))
	s.logger.Info("usage session closed",
		slog.String("workspace_id", workspaceID),
		slog.String("user_id", userID),
		slog.Int("minutes", minutes),
		slog.String("stop_source", string(source)))
	return minutes, nil
}

// MonthlyGrant returns the monthly run allowance for a plan.
func (s *Service) MonthlyGrant(plan store.Plan) int {
	switch plan {
	case store.PlanPro:
		return s.quotas.ProRunsPerMonth
	case store.PlanTunnel:
		return s.quotas.TunnelRunsPerMonth
	default:
		return s.quotas.FreeRunsPerMonth
	}
}

// RunQuotaForUpdate loads the user's run counter inside the caller's
// transaction, materializing it on first use and rolling it past the reset
// point when due. Materialization and rolls are persisted immediately so a
// rejected admission still leaves a current row behind.
func (s *Service) RunQuotaForUpdate(ctx context.Context, tx store.Store, user *store.User) (*store.RunQuota, error) {
	quota, err := tx.GetRunQuotaForUpdate(ctx, user.ID)
	if err != nil {
		var notFound *wberrors.NotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		quota = &store.RunQuota{
			UserID:             user.ID,
			Plan:               user.Plan,
			MonthlyRuns:        s.MonthlyGrant(user.Plan),
			NextMonthlyResetAt: firstOfNextMonth(s.now().UTC()),
		}
		if err := tx.UpsertRunQuota(ctx, quota); err != nil {
			return nil, err
		}
		s.logger.Debug("run quota materialized",
			slog.String("user_id", user.ID),
			slog.String("plan", string(user.Plan)),
			slog.Int("monthly_runs", quota.MonthlyRuns))
		return quota, nil
	}

	changed := false
	if quota.Plan != user.Plan {
		// Plan changes take effect at the next roll; the current cycle
		// keeps its counters.
		quota.Plan = user.Plan
		changed = true
	}
	if s.rollIfDue(quota) {
		s.logger.Info("run quota rolled",
			slog.String("user_id", user.ID),
			slog.String("plan", string(quota.Plan)),
			slog.Int("monthly_runs", quota.MonthlyRuns),
			slog.Time("next_reset", quota.NextMonthlyResetAt))
		changed = true
	}
	if changed {
		if err := tx.UpsertRunQuota(ctx, quota); err != nil {
			return nil, err
		}
	}
	return quota, nil
}

// AdmitRuns verifies the counter covers n more runs.
func (s *Service) AdmitRuns(quota *store.RunQuota, n int) error {
	if quota.Remaining() >= n {
		return nil
	}
	grant := s.MonthlyGrant(quota.Plan)
	return &wberrors.QuotaExceededError{
		Scope: "monthly_runs",
		Limit: grant + quota.ExtraRuns,
		Used:  grant - quota.MonthlyRuns,
	}
}

// ConsumeRuns decrements n runs from the counter, spending the monthly grant
// before purchased extras. The caller persists the mutated quota.
func (s *Service) ConsumeRuns(quota *store.RunQuota, n int) error {
	if err := s.AdmitRuns(quota, n); err != nil {
		return err
	}
	fromMonthly := quota.MonthlyRuns
	if fromMonthly > n {
		fromMonthly = n
	}
	quota.MonthlyRuns -= fromMonthly
	quota.ExtraRuns -= n - fromMonthly
	return nil
}

// RefundRuns returns n runs to the monthly bucket. Dispatch compensation
// uses this when a consumed run is rolled back before it ever executed.
// The caller persists the mutated quota.
func (s *Service) RefundRuns(quota *store.RunQuota, n int) {
	quota.MonthlyRuns += n
}

// GrantExtraRuns adds purchased runs to a user's counter.
func (s *Service) GrantExtraRuns(ctx context.Context, user *store.User, n int) (*store.RunQuota, error) {
	if n <= 0 {
		return nil, &wberrors.ValidationError{Field: "runs", Message: "must be positive"}
	}
	var quota *store.RunQuota
	err := s.store.WithTx(ctx, func(tx store.Store) error {
		var err error
		quota, err = s.RunQuotaForUpdate(ctx, tx, user)
		if err != nil {
			return err
		}
		quota.ExtraRuns += n
		return tx.UpsertRunQuota(ctx, quota)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("extra runs granted",
		slog.String("user_id", user.ID),
		slog.Int("runs", n))
	return quota, nil
}

// rollIfDue resets the monthly counter and advances the reset pointer until
// it lands in the future. Extra runs are untouched.
func (s *Service) rollIfDue(quota *store.RunQuota) bool {
	now := s.now().UTC()
	if now.Before(quota.NextMonthlyResetAt) {
		return false
	}
	quota.MonthlyRuns = s.MonthlyGrant(quota.Plan)
	for !quota.NextMonthlyResetAt.After(now) {
		quota.NextMonthlyResetAt = quota.NextMonthlyResetAt.AddDate(0, 1, 0)
	}
	return true
}

func (s *Service) today() string {
	return s.now().UTC().Format(dayFormat)
}

func firstOfNextMonth(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, time.UTC)
}
