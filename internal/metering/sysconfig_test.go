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
	"testing"
	"time"

	"github.com/tombee/workbench/internal/store/memory"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

func newTestSettings(t *testing.T) (*Settings, *memory.Backend, *testClock) {
	t.Helper()
	be := memory.New()
	clock := &testClock{t: time.Date(2025, 6, 15, 10, 0, 0, 0, time.UTC)}
	settings := NewSettings(be, nil)
	settings.now = clock.Now
	return settings, be, clock
}

func TestSettings_Defaults(t *testing.T) {
	settings, _, _ := newTestSettings(t)
	ctx := context.Background()

	if got := settings.IdleTimeout(ctx); got != 30*time.Minute {
		t.Errorf("expected default idle timeout 30m, got %v", got)
	}
	if got := settings.FreeTierDailyMinutes(ctx); got != 60 {
		t.Errorf("expected default free tier 60, got %d", got)
	}
}

func TestSettings_SetAndRead(t *testing.T) {
	settings, _, _ := newTestSettings(t)
	ctx := context.Background()

	if err := settings.Set(ctx, KeyIdleTimeoutMinutes, "45"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := settings.IdleTimeout(ctx); got != 45*time.Minute {
		t.Errorf("expected idle timeout 45m after set, got %v", got)
	}

	if err := settings.Set(ctx, KeyFreeTierDailyMinutes, "120"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if got := settings.FreeTierDailyMinutes(ctx); got != 120 {
		t.Errorf("expected free tier 120 after set, got %d", got)
	}
}

func TestSettings_Validation(t *testing.T) {
	settings, _, _ := newTestSettings(t)
	ctx := context.Background()

	tests := []struct {
		name  string
		key   string
		value string
	}{
		{"unknown key", "max_warp_factor", "9"},
		{"not an integer", KeyIdleTimeoutMinutes, "soon"},
		{"idle timeout below floor", KeyIdleTimeoutMinutes, "4"},
		{"idle timeout above ceiling", KeyIdleTimeoutMinutes, "121"},
		{"free tier negative", KeyFreeTierDailyMinutes, "-1"},
		{"free tier above a day", KeyFreeTierDailyMinutes, "1441"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := settings.Set(ctx, tt.key, tt.value)
			var validationErr *wberrors.ValidationError
			if !errors.As(err, &validationErr) {
				t.Errorf("expected ValidationError, got %v", err)
			}
		})
	}

	// Boundary values are accepted.
	if err := settings.Set(ctx, KeyIdleTimeoutMinutes, "5"); err != nil {
		t.Errorf("expected floor value accepted: %v", err)
	}
	if err := settings.Set(ctx, KeyFreeTierDailyMinutes, "1440"); err != nil {
		t.Errorf("expected ceiling value accepted: %v", err)
	}
}

func TestSettings_CacheTTL(t *testing.T) {
	settings, be, clock := newTestSettings(t)
	ctx := context.Background()

	if got := settings.FreeTierDailyMinutes(ctx); got != 60 {
		t.Fatalf("expected default 60, got %d", got)
	}

	// A write that bypasses Set (another replica) is invisible until the
	// cache expires.
	if err := be.SetSystemConfig(ctx, KeyFreeTierDailyMinutes, "90"); err != nil {
		t.Fatalf("failed to write setting: %v", err)
	}
	if got := settings.FreeTierDailyMinutes(ctx); got != 60 {
		t.Errorf("expected cached 60 before TTL, got %d", got)
	}

	clock.Advance(settingsTTL + time.Second)
	if got := settings.FreeTierDailyMinutes(ctx); got != 90 {
		t.Errorf("expected reloaded 90 after TTL, got %d", got)
	}
}

func TestSettings_SetInvalidatesCache(t *testing.T) {
	settings, _, _ := newTestSettings(t)
	ctx := context.Background()

	if got := settings.IdleTimeout(ctx); got != 30*time.Minute {
		t.Fatalf("expected default 30m, got %v", got)
	}
	if err := settings.Set(ctx, KeyIdleTimeoutMinutes, "60"); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	// No clock advance: the write must be visible immediately.
	if got := settings.IdleTimeout(ctx); got != 60*time.Minute {
		t.Errorf("expected 60m right after set, got %v", got)
	}
}

func TestSettings_IgnoresCorruptValues(t *testing.T) {
	settings, be, _ := newTestSettings(t)
	ctx := context.Background()

	if err := be.SetSystemConfig(ctx, KeyIdleTimeoutMinutes, "not-a-number"); err != nil {
		t.Fatalf("failed to write setting: %v", err)
	}
	if err := be.SetSystemConfig(ctx, KeyFreeTierDailyMinutes, "99999"); err != nil {
		t.Fatalf("failed to write setting: %v", err)
	}

	if got := settings.IdleTimeout(ctx); got != 30*time.Minute {
		t.Errorf("expected corrupt idle timeout to fall back to 30m, got %v", got)
	}
	if got := settings.FreeTierDailyMinutes(ctx); got != 60 {
		t.Errorf("expected out-of-range free tier to fall back to 60, got %d", got)
	}
}
