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

/*
Package tracing provides distributed tracing and correlation ID support for
the workbench daemon.

The package owns the process-wide OpenTelemetry setup: a tracer provider with
a configurable span exporter (OTLP gRPC, OTLP HTTP, or stdout), W3C trace
context propagation, and a meter provider bridged to Prometheus for the
/metrics scrape endpoint.

# Quick start

	provider, err := tracing.NewProvider(ctx, tracing.Config{
	    ServiceName:    "workbenchd",
	    ServiceVersion: version.Version,
	    Exporter:       "otlp",
	    Endpoint:       "localhost:4317",
	    SampleRate:     0.1,
	})
	if err != nil {
	    return err
	}
	defer provider.Shutdown(ctx)

	tracer := provider.Tracer("workspace")
	ctx, span := tracer.Start(ctx, "provision",
	    trace.WithAttributes(attribute.String("workspace.id", id)),
	)
	defer span.End()

# Correlation IDs

Correlation IDs link a request across the daemon, compute providers, and
workspace agents, independently of span sampling:

	// Inbound: extract/generate and echo on the response.
	handler = tracing.CorrelationMiddleware(handler)

	// Outbound: the shared HTTP client injects X-Correlation-ID
	// from the request context automatically.
	id := tracing.FromContext(ctx)
*/
package tracing
