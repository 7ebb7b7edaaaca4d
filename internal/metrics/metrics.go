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

package metrics

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Collector records Prometheus-compatible metrics for the control plane.
type Collector struct {
	meter metric.Meter

	// Counters
	workspaceTransitions metric.Int64Counter
	workspacesReaped     metric.Int64Counter
	runsDispatched       metric.Int64Counter
	runCallbacks         metric.Int64Counter
	oauthRefreshes       metric.Int64Counter
	tunnelFrames         metric.Int64Counter
	usageMinutes         metric.Int64Counter
	httpRequests         metric.Int64Counter

	// Histograms
	runDuration  metric.Float64Histogram
	httpDuration metric.Float64Histogram

	// Gauges (observable)
	tunnelSessions   int64
	tunnelSessionsMu sync.RWMutex
}

// NewCollector creates a collector registered against the given meter provider.
func NewCollector(meterProvider metric.MeterProvider) (*Collector, error) {
	meter := meterProvider.Meter("workbench")

	c := &Collector{meter: meter}

	var err error

	c.workspaceTransitions, err = meter.Int64Counter(
		"workbench_workspace_transitions_total",
		metric.WithDescription("Total number of workspace state transitions"),
		metric.WithUnit("{transition}"),
	)
	if err != nil {
		return nil, err
	}

	c.workspacesReaped, err = meter.Int64Counter(
		"workbench_workspaces_reaped_total",
		metric.WithDescription("Total number of workspaces stopped or terminated by reapers"),
		metric.WithUnit("{workspace}"),
	)
	if err != nil {
		return nil, err
	}

	c.runsDispatched, err = meter.Int64Counter(
		"workbench_runs_dispatched_total",
		metric.WithDescription("Total number of agent run dispatch attempts"),
		metric.WithUnit("{run}"),
	)
	if err != nil {
		return nil, err
	}

	c.runCallbacks, err = meter.Int64Counter(
		"workbench_run_callbacks_total",
		metric.WithDescription("Total number of agent run callbacks processed"),
		metric.WithUnit("{callback}"),
	)
	if err != nil {
		return nil, err
	}

	c.oauthRefreshes, err = meter.Int64Counter(
		"workbench_oauth_refresh_total",
		metric.WithDescription("Total number of vault OAuth token refresh attempts"),
		metric.WithUnit("{refresh}"),
	)
	if err != nil {
		return nil, err
	}

	c.tunnelFrames, err = meter.Int64Counter(
		"workbench_tunnel_frames_total",
		metric.WithDescription("Total number of tunnel frames processed"),
		metric.WithUnit("{frame}"),
	)
	if err != nil {
		return nil, err
	}

	c.usageMinutes, err = meter.Int64Counter(
		"workbench_usage_minutes_total",
		metric.WithDescription("Total billed workspace minutes"),
		metric.WithUnit("min"),
	)
	if err != nil {
		return nil, err
	}

	c.httpRequests, err = meter.Int64Counter(
		"workbench_http_requests_total",
		metric.WithDescription("Total number of HTTP requests served"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, err
	}

	c.runDuration, err = meter.Float64Histogram(
		"workbench_run_duration_seconds",
		metric.WithDescription("Agent run duration from dispatch to callback in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	c.httpDuration, err = meter.Float64Histogram(
		"workbench_http_request_duration_seconds",
		metric.WithDescription("HTTP request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	_, err = meter.Int64ObservableGauge(
		"workbench_tunnel_sessions_active",
		metric.WithDescription("Number of connected tunnel agent sessions"),
		metric.WithUnit("{session}"),
		metric.WithInt64Callback(func(ctx context.Context, observer metric.Int64Observer) error {
			c.tunnelSessionsMu.RLock()
			n := c.tunnelSessions
			c.tunnelSessionsMu.RUnlock()
			observer.Observe(n)
			return nil
		}),
	)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// NewNopCollector returns a collector that records nothing. Useful for tests
// and for CLI paths that share daemon packages.
func NewNopCollector() *Collector {
	c, _ := NewCollector(noop.NewMeterProvider())
	return c
}

// RecordWorkspaceTransition records a workspace entering the given state.
func (c *Collector) RecordWorkspaceTransition(ctx context.Context, to string) {
	c.workspaceTransitions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", to),
	))
}

// RecordWorkspaceReaped records a workspace swept by the named reaper
// (idle, quota, longterm).
func (c *Collector) RecordWorkspaceReaped(ctx context.Context, reaper string) {
	c.workspacesReaped.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reaper", reaper),
	))
}

// RecordRunDispatch records the result of a sandbox dispatch attempt
// (dispatched, rejected, failed).
func (c *Collector) RecordRunDispatch(ctx context.Context, result string) {
	c.runsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
	))
}

// RecordRunCallback records a processed run callback by outcome
// (completed, failed, duplicate, stale).
func (c *Collector) RecordRunCallback(ctx context.Context, outcome string) {
	c.runCallbacks.Add(ctx, 1, metric.WithAttributes(
		attribute.String("outcome", outcome),
	))
}

// RecordRunDuration records how long a run took from dispatch to callback.
func (c *Collector) RecordRunDuration(ctx context.Context, status string, duration time.Duration) {
	c.runDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("status", status),
	))
}

// RecordOAuthRefresh records a vault token refresh attempt.
func (c *Collector) RecordOAuthRefresh(ctx context.Context, provider, result string) {
	c.oauthRefreshes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("provider", provider),
		attribute.String("result", result),
	))
}

// RecordTunnelFrame records a tunnel frame by type and direction
// (inbound, outbound).
func (c *Collector) RecordTunnelFrame(ctx context.Context, frameType, direction string) {
	c.tunnelFrames.Add(ctx, 1, metric.WithAttributes(
		attribute.String("type", frameType),
		attribute.String("direction", direction),
	))
}

// RecordUsageMinutes adds billed minutes from a closed usage session.
func (c *Collector) RecordUsageMinutes(ctx context.Context, minutes int64) {
	if minutes <= 0 {
		return
	}
	c.usageMinutes.Add(ctx, minutes)
}

// TunnelSessionOpened increments the active tunnel session gauge.
func (c *Collector) TunnelSessionOpened() {
	c.tunnelSessionsMu.Lock()
	c.tunnelSessions++
	c.tunnelSessionsMu.Unlock()
}

// TunnelSessionClosed decrements the active tunnel session gauge.
func (c *Collector) TunnelSessionClosed() {
	c.tunnelSessionsMu.Lock()
	if c.tunnelSessions > 0 {
		c.tunnelSessions--
	}
	c.tunnelSessionsMu.Unlock()
}

// RecordHTTPRequest records one served HTTP request.
func (c *Collector) RecordHTTPRequest(ctx context.Context, route, method string, code int, duration time.Duration) {
	attrs := []attribute.KeyValue{
		attribute.String("route", route),
		attribute.String("method", method),
		attribute.Int("code", code),
	}

	c.httpRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
	c.httpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(
		attribute.String("route", route),
		attribute.String("method", method),
	))
}
