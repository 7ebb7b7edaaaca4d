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

package kv

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestMemoryStore_SetGet(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	value, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if string(value) != "v" {
		t.Errorf("expected v, got %s", value)
	}
}

func TestMemoryStore_GetMissing(t *testing.T) {
	s := NewMemory()

	_, err := s.Get(context.Background(), "missing")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestMemoryStore_RejectsNonPositiveTTL(t *testing.T) {
	s := NewMemory()

	if err := s.Set(context.Background(), "k", []byte("v"), 0); err == nil {
		t.Fatal("expected error for zero TTL")
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	current := time.Now()
	s.now = func() time.Time { return current }

	if err := s.Set(ctx, "k", []byte("v"), 10*time.Minute); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	current = current.Add(9 * time.Minute)
	if _, err := s.Get(ctx, "k"); err != nil {
		t.Fatalf("expected key alive before TTL, got %v", err)
	}

	current = current.Add(2 * time.Minute)
	_, err := s.Get(ctx, "k")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after expiry, got %v", err)
	}
}

func TestMemoryStore_GetDelSingleRedemption(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "code", []byte("session"), time.Minute); err != nil {
		t.Fatalf("failed to set: %v", err)
	}

	var successes atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.GetDel(ctx, "code"); err == nil {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if n := successes.Load(); n != 1 {
		t.Errorf("expected exactly one successful redemption, got %d", n)
	}
	if _, err := s.Get(ctx, "code"); !errors.Is(err, ErrNotFound) {
		t.Errorf("expected key gone after redemption, got %v", err)
	}
}

func TestMemoryStore_Overwrite(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("first"), time.Minute); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := s.Set(ctx, "k", []byte("second"), time.Minute); err != nil {
		t.Fatalf("failed to overwrite: %v", err)
	}

	value, err := s.Get(ctx, "k")
	if err != nil {
		t.Fatalf("failed to get: %v", err)
	}
	if string(value) != "second" {
		t.Errorf("expected second, got %s", value)
	}
}

func TestMemoryStore_Delete(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	if err := s.Set(ctx, "k", []byte("v"), time.Minute); err != nil {
		t.Fatalf("failed to set: %v", err)
	}
	if err := s.Delete(ctx, "k"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if _, err := s.Get(ctx, "k"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Deleting an absent key is not an error.
	if err := s.Delete(ctx, "k"); err != nil {
		t.Errorf("expected idempotent delete, got %v", err)
	}
}
