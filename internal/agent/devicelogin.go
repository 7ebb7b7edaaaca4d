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

package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tombee/workbench/internal/client"
	wberrors "github.com/tombee/workbench/pkg/errors"
)

// LoginState is one state of the device-login flow.
type LoginState string

// Device-login states. SlowDown is recoverable; the machine keeps polling
// at a widened interval. Error and Success are terminal.
const (
	LoginIdle     LoginState = "idle"
	LoginPending  LoginState = "pending"
	LoginPolling  LoginState = "polling"
	LoginSuccess  LoginState = "success"
	LoginSlowDown LoginState = "slow_down"
	LoginError    LoginState = "error"
)

// slowDownStep is how much the poll interval widens after the server asks
// for a slower pace.
const slowDownStep = 5 * time.Second

// DeviceLogin drives the device authorization flow as an explicit state
// machine. The caller owns the pacing: Begin once, then Step until the
// state is terminal, sleeping Interval between calls. The injected clock
// keeps the spacing rule testable without real sleeps.
type DeviceLogin struct {
	client *client.Client
	now    func() time.Time

	state    LoginState
	start    *client.DeviceStart
	interval time.Duration
	lastPoll time.Time
	token    string
	err      error
}

// DeviceLoginOption configures a DeviceLogin.
type DeviceLoginOption func(*DeviceLogin)

// WithClock injects the time source, for tests.
func WithClock(now func() time.Time) DeviceLoginOption {
	return func(d *DeviceLogin) { d.now = now }
}

// NewDeviceLogin creates an idle device-login machine.
func NewDeviceLogin(c *client.Client, opts ...DeviceLoginOption) *DeviceLogin {
	d := &DeviceLogin{
		client: c,
		now:    time.Now,
		state:  LoginIdle,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// State returns the current state.
func (d *DeviceLogin) State() LoginState { return d.state }

// Token returns the agent token once the state is LoginSuccess.
func (d *DeviceLogin) Token() string { return d.token }

// Err returns the failure once the state is LoginError.
func (d *DeviceLogin) Err() error { return d.err }

// Interval is the minimum wait before the next Step should poll.
func (d *DeviceLogin) Interval() time.Duration { return d.interval }

// Begin starts the flow, moving idle to pending. The returned start carries
// the user code and verification URI to show the user.
func (d *DeviceLogin) Begin(ctx context.Context) (*client.DeviceStart, error) {
	if d.state != LoginIdle {
		return nil, fmt.Errorf("device login already started (state %s)", d.state)
	}

	start, err := d.client.StartDeviceLogin(ctx)
	if err != nil {
		return nil, d.fail(err)
	}

	d.start = start
	d.interval = time.Duration(start.Interval) * time.Second
	if d.interval <= 0 {
		d.interval = 5 * time.Second
	}
	d.state = LoginPending
	return start, nil
}

// Step advances the machine: it polls when the interval has elapsed and is
// a no-op otherwise, so callers may invoke it as often as they like. The
// returned state tells the caller whether to keep going.
func (d *DeviceLogin) Step(ctx context.Context) (LoginState, error) {
	switch d.state {
	case LoginIdle:
		return d.state, fmt.Errorf("device login not started")
	case LoginSuccess, LoginError:
		return d.state, d.err
	}

	now := d.now()
	if !d.lastPoll.IsZero() && now.Sub(d.lastPoll) < d.interval {
		return d.state, nil
	}
	d.lastPoll = now

	if now.After(d.start.ExpiresAt) {
		return d.failState(fmt.Errorf("device login expired, run 'workbench login' again"))
	}

	poll, err := d.client.PollDeviceLogin(ctx, d.start.DeviceCode)
	if err != nil {
		var rl *wberrors.RateLimitedError
		if errors.As(err, &rl) {
			// Server asked for a slower pace; widen and keep going.
			d.interval += slowDownStep
			d.state = LoginSlowDown
			return d.state, nil
		}
		return d.failState(err)
	}

	switch poll.Status {
	case "pending":
		d.state = LoginPolling
		return d.state, nil
	case "approved":
		token, err := d.client.ExchangeDeviceCode(ctx, d.start.DeviceCode)
		if err != nil {
			return d.failState(err)
		}
		d.token = token
		d.state = LoginSuccess
		return d.state, nil
	case "denied":
		return d.failState(fmt.Errorf("login denied in the browser"))
	case "expired":
		return d.failState(fmt.Errorf("device login expired, run 'workbench login' again"))
	default:
		return d.failState(fmt.Errorf("unexpected device login status %q", poll.Status))
	}
}

// Wait runs the machine to completion with real sleeps, returning the agent
// token. Interactive callers that want to render state changes drive Step
// themselves instead.
func (d *DeviceLogin) Wait(ctx context.Context) (string, error) {
	for {
		state, err := d.Step(ctx)
		switch state {
		case LoginSuccess:
			return d.token, nil
		case LoginError:
			return "", err
		}

		select {
		case <-time.After(d.interval):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

func (d *DeviceLogin) fail(err error) error {
	d.state = LoginError
	d.err = err
	return err
}

func (d *DeviceLogin) failState(err error) (LoginState, error) {
	return LoginError, d.fail(err)
}
