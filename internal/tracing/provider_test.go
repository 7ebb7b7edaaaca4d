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

package tracing

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	prom "github.com/prometheus/client_golang/prometheus"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

func TestNewSampler(t *testing.T) {
	tests := []struct {
		name string
		rate float64
		want string
	}{
		{"full sampling", 1.0, sdktrace.AlwaysSample().Description()},
		{"over one", 2.5, sdktrace.AlwaysSample().Description()},
		{"zero", 0.0, sdktrace.NeverSample().Description()},
		{"negative", -1.0, sdktrace.NeverSample().Description()},
		{"ratio", 0.25, sdktrace.ParentBased(sdktrace.TraceIDRatioBased(0.25)).Description()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := newSampler(tt.rate).Description()
			if got != tt.want {
				t.Errorf("newSampler(%v) = %q, want %q", tt.rate, got, tt.want)
			}
		})
	}
}

func TestNewSpanExporter_Disabled(t *testing.T) {
	for _, typ := range []string{"none", ""} {
		exporter, err := newSpanExporter(context.Background(), Config{Exporter: typ})
		if err != nil {
			t.Errorf("newSpanExporter(%q) error = %v, want nil", typ, err)
		}
		if exporter != nil {
			t.Errorf("newSpanExporter(%q) = %v, want nil exporter", typ, exporter)
		}
	}
}

func TestNewSpanExporter_Unknown(t *testing.T) {
	_, err := newSpanExporter(context.Background(), Config{Exporter: "jaeger"})
	if err == nil {
		t.Fatal("expected error for unknown exporter type")
	}
	if !strings.Contains(err.Error(), "unknown exporter type") {
		t.Errorf("error = %v, want mention of unknown exporter type", err)
	}
}

func TestNewSpanExporter_Stdout(t *testing.T) {
	exporter, err := newSpanExporter(context.Background(), Config{Exporter: "stdout"})
	if err != nil {
		t.Fatalf("newSpanExporter(stdout) error = %v", err)
	}
	if exporter == nil {
		t.Fatal("expected non-nil exporter")
	}
	if err := exporter.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown error = %v", err)
	}
}

func TestNewProvider(t *testing.T) {
	cfg := DefaultConfig()
	cfg.ServiceName = "workbenchd-test"
	cfg.MetricsRegistry = prom.NewRegistry()

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}

	if provider.Tracer("workspace") == nil {
		t.Error("expected non-nil tracer")
	}
	if provider.MeterProvider() == nil {
		t.Error("expected non-nil meter provider")
	}
	if provider.MetricsHandler() == nil {
		t.Error("expected non-nil metrics handler")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := provider.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}
}

func TestNewProvider_MetricsEndpoint(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MetricsRegistry = prom.NewRegistry()

	provider, err := NewProvider(context.Background(), cfg)
	if err != nil {
		t.Fatalf("NewProvider() error = %v", err)
	}
	defer provider.Shutdown(context.Background())

	req := httptest.NewRequest("GET", "/metrics", nil)
	w := httptest.NewRecorder()
	provider.MetricsHandler().ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("metrics endpoint status = %d, want %d", w.Code, http.StatusOK)
	}
}

func TestNewProvider_UnknownExporter(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Exporter = "zipkin"
	cfg.MetricsRegistry = prom.NewRegistry()

	if _, err := NewProvider(context.Background(), cfg); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestSpanMiddleware(t *testing.T) {
	handler := SpanMiddleware("/v1/workspaces/{id}", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))

	req := httptest.NewRequest("GET", "/v1/workspaces/ws-1234abcd", nil)
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestHTTPMiddleware_PassesThrough(t *testing.T) {
	called := false
	handler := HTTPMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusOK)
	}))

	req := httptest.NewRequest("GET", "/healthz", nil)
	req.Header.Set("traceparent", "00-0af7651916cd43dd8448eb211c80319c-b7ad6b7169203331-01")
	w := httptest.NewRecorder()

	handler.ServeHTTP(w, req)

	if !called {
		t.Error("expected wrapped handler to be called")
	}
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want %d", w.Code, http.StatusOK)
	}
}
