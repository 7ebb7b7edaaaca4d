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

package deviceauth

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/auth"
	"github.com/tombee/workbench/internal/kv"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newService(t *testing.T) (*Service, *clock) {
	t.Helper()
	ck := &clock{t: time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)}
	svc := New(Config{
		KV:        kv.NewMemory(),
		Signer:    auth.NewSigner([]byte("test-secret-test-secret-test-sec"), "workbench-test"),
		PublicURL: "https://workbench.example.com",
		Now:       ck.Now,
	})
	return svc, ck
}

func TestStartReturnsCodesAndVerificationURI(t *testing.T) {
	svc, _ := newService(t)
	start, err := svc.StartDeviceLogin(context.Background())
	require.NoError(t, err)

	assert.NotEmpty(t, start.DeviceCode)
	assert.Len(t, start.UserCode, 9)
	assert.Contains(t, start.UserCode, "-")
	assert.Equal(t, "https://workbench.example.com/device", start.VerificationURI)
	assert.EqualValues(t, 5, start.Interval)
}

func TestApproveThenExchangeIssuesToken(t *testing.T) {
	svc, ck := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)

	require.NoError(t, svc.Approve(ctx, start.UserCode, "user-1"))

	ck.Advance(6 * time.Second)
	result, err := svc.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusApproved, result.Status)

	token, err := svc.Exchange(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
}

func TestExchangeIsSingleRedemption(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(ctx, start.UserCode, "user-1"))

	_, err = svc.Exchange(ctx, start.DeviceCode)
	require.NoError(t, err)

	_, err = svc.Exchange(ctx, start.DeviceCode)
	var unauth *wberrors.UnauthorizedError
	assert.ErrorAs(t, err, &unauth)
}

func TestExchangeRejectsPendingSession(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)

	_, err = svc.Exchange(ctx, start.DeviceCode)
	var unauth *wberrors.UnauthorizedError
	assert.ErrorAs(t, err, &unauth)
}

func TestPollPacing(t *testing.T) {
	svc, ck := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)

	first, err := svc.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, first.Status)

	// Too soon: slow_down without consuming the poll slot.
	ck.Advance(2 * time.Second)
	second, err := svc.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusSlowDown, second.Status)

	ck.Advance(5 * time.Second)
	third, err := svc.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, third.Status)
}

func TestPollReportsExpiry(t *testing.T) {
	svc, ck := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)

	ck.Advance(SessionTTL + time.Minute)
	result, err := svc.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusExpired, result.Status)
}

func TestDenyBlocksExchange(t *testing.T) {
	svc, ck := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Deny(ctx, start.UserCode))

	ck.Advance(6 * time.Second)
	result, err := svc.Poll(ctx, start.DeviceCode)
	require.NoError(t, err)
	assert.Equal(t, StatusDenied, result.Status)

	_, err = svc.Exchange(ctx, start.DeviceCode)
	var unauth *wberrors.UnauthorizedError
	assert.ErrorAs(t, err, &unauth)
}

func TestApproveUnknownUserCode(t *testing.T) {
	svc, _ := newService(t)
	err := svc.Approve(context.Background(), "XXXX-XXXX", "user-1")
	var notFound *wberrors.NotFoundError
	assert.ErrorAs(t, err, &notFound)
}

func TestApproveTwiceConflicts(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	start, err := svc.StartDeviceLogin(ctx)
	require.NoError(t, err)
	require.NoError(t, svc.Approve(ctx, start.UserCode, "user-1"))

	err = svc.Approve(ctx, start.UserCode, "user-2")
	var conflict *wberrors.ConflictError
	assert.ErrorAs(t, err, &conflict)
}
