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

package metering

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/tombee/workbench/internal/store"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// Operator-tunable setting keys.
const (
	// KeyIdleTimeoutMinutes is how long a workspace may sit without a
	// heartbeat before the idle reaper stops it.
	KeyIdleTimeoutMinutes = "idle_timeout_minutes"

	// KeyFreeTierDailyMinutes is the daily metered-minute allowance for
	// free-plan users.
	KeyFreeTierDailyMinutes = "free_tier_daily_minutes"
)

// Defaults applied when a setting has never been written.
const (
	DefaultIdleTimeoutMinutes   = 30
	DefaultFreeTierDailyMinutes = 60
)

// settingsTTL is how long read settings are served from cache. Admin writes
// invalidate immediately on the replica that served them; other replicas
// converge within one TTL.
const settingsTTL = 60 * time.Second

// settingBounds holds the inclusive range a setting accepts.
type settingBounds struct {
	min, max int
	def      int
}

var knownSettings = map[string]settingBounds{
	KeyIdleTimeoutMinutes:   {min: 5, max: 120, def: DefaultIdleTimeoutMinutes},
	KeyFreeTierDailyMinutes: {min: 0, max: 1440, def: DefaultFreeTierDailyMinutes},
}

// Settings reads operator-tunable values through a short-lived cache so the
// reapers and heartbeat handlers do not hit the database on every tick.
type Settings struct {
	store  store.SystemConfigStore
	logger *slog.Logger
	now    func() time.Time

	mu        sync.RWMutex
	values    map[string]int
	expiresAt time.Time
}

// NewSettings creates a cached settings reader backed by st.
func NewSettings(st store.SystemConfigStore, logger *slog.Logger) *Settings {
	if logger == nil {
		logger = slog.Default()
	}
	return &Settings{
		store:  st,
		logger: logger,
		now:    time.Now,
	}
}

// IdleTimeout returns the configured idle horizon for the idle reaper.
func (s *Settings) IdleTimeout(ctx context.Context) time.Duration {
	return time.Duration(s.intValue(ctx, KeyIdleTimeoutMinutes)) * time.Minute
}

// FreeTierDailyMinutes returns the daily allowance for free-plan users.
func (s *Settings) FreeTierDailyMinutes(ctx context.Context) int {
	return s.intValue(ctx, KeyFreeTierDailyMinutes)
}

// Set validates and persists a setting, then invalidates the cache. Unknown
// keys and out-of-range values are rejected.
func (s *Settings) Set(ctx context.Context, key, value string) error {
	bounds, ok := knownSettings[key]
	if !ok {
		return &wberrors.ValidationError{
			Field:      "key",
			Message:    fmt.Sprintf("unknown setting %q", key),
			Suggestion: "supported settings: idle_timeout_minutes, free_tier_daily_minutes",
		}
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return &wberrors.ValidationError{Field: key, Message: "must be an integer"}
	}
	if n < bounds.min || n > bounds.max {
		return &wberrors.ValidationError{
			Field:   key,
			Message: fmt.Sprintf("must be between %d and %d", bounds.min, bounds.max),
		}
	}
	if err := s.store.SetSystemConfig(ctx, key, strconv.Itoa(n)); err != nil {
		return fmt.Errorf("failed to persist setting %s: %w", key, err)
	}
	s.Invalidate()
	return nil
}

// Invalidate drops the cached values so the next read reloads from the store.
func (s *Settings) Invalidate() {
	s.mu.Lock()
	s.values = nil
	s.mu.Unlock()
}

func (s *Settings) intValue(ctx context.Context, key string) int {
	s.mu.RLock()
	if s.values != nil && s.now().Before(s.expiresAt) {
		v := s.values[key]
		s.mu.RUnlock()
		return v
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.values != nil && s.now().Before(s.expiresAt) {
		return s.values[key]
	}

	values, err := s.load(ctx)
	if err != nil {
		// Serve the default without caching so a recovering store is
		// retried on the next read.
		s.logger.Warn("failed to load system settings, using defaults",
			slog.String("error", err.Error()))
		return knownSettings[key].def
	}
	s.values = values
	s.expiresAt = s.now().Add(settingsTTL)
	return values[key]
}

func (s *Settings) load(ctx context.Context) (map[string]int, error) {
	values := make(map[string]int, len(knownSettings))
	for key, bounds := range knownSettings {
		raw, err := s.store.GetSystemConfig(ctx, key)
		if err != nil {
			var notFound *wberrors.NotFoundError
			if errors.As(err, &notFound) {
				values[key] = bounds.def
				continue
			}
			return nil, err
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < bounds.min || n > bounds.max {
			s.logger.Warn("ignoring out-of-range system setting",
				slog.String("key", key),
				slog.String("value", raw))
			values[key] = bounds.def
			continue
		}
		values[key] = n
	}
	return values, nil
}
