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

package errors

import (
	"fmt"
	"time"
)

// UnauthorizedError represents a missing or invalid authentication credential.
// Use this when a request carries no session, an expired session, or a token
// that fails verification.
type UnauthorizedError struct {
	// Reason explains why authentication failed (safe to show to callers)
	Reason string
}

// Error implements the error interface.
func (e *UnauthorizedError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unauthorized: %s", e.Reason)
	}
	return "unauthorized"
}

// ErrorType returns the error category.
func (e *UnauthorizedError) ErrorType() string { return "unauthorized" }

// IsRetryable reports whether the operation should be retried.
func (e *UnauthorizedError) IsRetryable() bool { return false }

// ForbiddenError represents an authenticated caller acting outside its rights:
// ownership mismatch, missing admin role, or a plan-gated feature.
type ForbiddenError struct {
	// Reason explains what was denied (safe to show to callers)
	Reason string
}

// Error implements the error interface.
func (e *ForbiddenError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("forbidden: %s", e.Reason)
	}
	return "forbidden"
}

// ErrorType returns the error category.
func (e *ForbiddenError) ErrorType() string { return "forbidden" }

// IsRetryable reports whether the operation should be retried.
func (e *ForbiddenError) IsRetryable() bool { return false }

// NotFoundError represents a resource not found error.
// Also used for external resources that were already cleaned up upstream.
type NotFoundError struct {
	// Resource is the type of resource (e.g., "workspace", "loop", "credential")
	Resource string

	// ID is the identifier that was not found
	ID string
}

// Error implements the error interface.
func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s not found: %s", e.Resource, e.ID)
}

// ErrorType returns the error category.
func (e *NotFoundError) ErrorType() string { return "not_found" }

// IsRetryable reports whether the operation should be retried.
func (e *NotFoundError) IsRetryable() bool { return false }

// ValidationError represents user input validation failures.
// Use this for malformed input, disabled catalog entries, reserved subdomains,
// and state transitions the lifecycle graph does not permit.
type ValidationError struct {
	// Field identifies which input field failed validation
	Field string

	// Message is the human-readable error description
	Message string

	// Suggestion provides actionable guidance for fixing the error
	Suggestion string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation failed: %s", e.Message)
}

// ErrorType returns the error category.
func (e *ValidationError) ErrorType() string { return "validation" }

// IsRetryable reports whether the operation should be retried.
func (e *ValidationError) IsRetryable() bool { return false }

// QuotaExceededError represents an exhausted usage allowance: daily workspace
// minutes, monthly agent-loop runs, or the concurrent workspace cap.
type QuotaExceededError struct {
	// Scope names the exhausted quota: "daily_minutes", "monthly_runs", "workspaces"
	Scope string

	// Limit is the configured allowance
	Limit int

	// Used is the amount consumed so far
	Used int
}

// Error implements the error interface.
func (e *QuotaExceededError) Error() string {
	if e.Limit > 0 {
		return fmt.Sprintf("quota exceeded for %s: %d of %d used", e.Scope, e.Used, e.Limit)
	}
	return fmt.Sprintf("quota exceeded for %s", e.Scope)
}

// ErrorType returns the error category.
func (e *QuotaExceededError) ErrorType() string { return "quota_exceeded" }

// IsRetryable reports whether the operation should be retried.
func (e *QuotaExceededError) IsRetryable() bool { return false }

// ConflictError represents a lost race: a subdomain claimed between check and
// insert, or a concurrent start-run attempt on the same loop.
type ConflictError struct {
	// Resource is the contended resource (e.g., "subdomain", "run")
	Resource string

	// Message describes the conflict
	Message string
}

// Error implements the error interface.
func (e *ConflictError) Error() string {
	if e.Resource != "" {
		return fmt.Sprintf("conflict on %s: %s", e.Resource, e.Message)
	}
	return fmt.Sprintf("conflict: %s", e.Message)
}

// ErrorType returns the error category.
func (e *ConflictError) ErrorType() string { return "conflict" }

// IsRetryable reports whether the operation should be retried.
func (e *ConflictError) IsRetryable() bool { return false }

// RateLimitedError represents a user-scoped burst ceiling being hit.
type RateLimitedError struct {
	// RetryAfter is how long the caller should wait before retrying
	RetryAfter time.Duration
}

// Error implements the error interface.
func (e *RateLimitedError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited: retry after %v", e.RetryAfter)
	}
	return "rate limited"
}

// ErrorType returns the error category.
func (e *RateLimitedError) ErrorType() string { return "rate_limited" }

// IsRetryable reports whether the operation should be retried.
func (e *RateLimitedError) IsRetryable() bool { return true }

// CredentialRequiredError indicates a loop or run references a non-free model
// without a stored credential for its provider. The scheduler records this on
// the run rather than surfacing it to end users directly.
type CredentialRequiredError struct {
	// Provider is the model provider that needs a credential
	Provider string
}

// Error implements the error interface.
func (e *CredentialRequiredError) Error() string {
	return fmt.Sprintf("credential required for provider %s", e.Provider)
}

// ErrorType returns the error category.
func (e *CredentialRequiredError) ErrorType() string { return "credential_required" }

// IsRetryable reports whether the operation should be retried.
func (e *CredentialRequiredError) IsRetryable() bool { return false }

/// UpstreamError represents a failure from an external collaborator: the
// compute provider, an OAuth endpoint, or the Git provider.
type UpstreamError struct {
	// Provider is the name of the upstream system (e.g., "railway", "github")
	Provider string

	// Op is the operation that failed (e.g., "create_workspace", "token_refresh")
	Op string

	// StatusCode is the HTTP status code (if applicable)
	StatusCode int

	// Message is the human-readable error message
	Message string

	// Retryable marks transient failures eligible for backoff retry
	Retryable bool

	// Cause is the underlying error
	Cause error
}

// Error implements the error interface.
func (e *UpstreamError) Error() string {
	msg := fmt.Sprintf("upstream %s error", e.Provider)

	if e.Op != "" {
		msg = fmt.Sprintf("%s during %s", msg, e.Op)
	}

	if e.StatusCode > 0 {
		msg = fmt.Sprintf("%s [HTTP %d]", msg, e.StatusCode)
	}

	if e.Message != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Message)
	}

	return msg
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *UpstreamError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the error category.
func (e *UpstreamError) ErrorType() string { return "upstream" }

// IsRetryable reports whether the operation should be retried.
func (e *UpstreamError) IsRetryable() bool { return e.Retryable }

// ConfigError represents configuration problems.
// Use this for configuration file errors, missing settings, or invalid config values.
type ConfigError struct {
	// Key is the configuration key that has the problem (e.g., "vault.secret", "database.url")
	Key string

	// Reason explains what's wrong with the configuration
	Reason string

	// Cause is the underlying error (e.g., file read error, parse error)
	Cause error
}

// Error implements the error interface.
func (e *ConfigError) Error() string {
	if e.Key != "" {
		return fmt.Sprintf("config error at %s: %s", e.Key, e.Reason)
	}
	return fmt.Sprintf("config error: %s", e.Reason)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *ConfigError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the error category.
func (e *ConfigError) ErrorType() string { return "config" }

// IsRetryable reports whether the operation should be retried.
func (e *ConfigError) IsRetryable() bool { return false }

// TimeoutError represents operation timeouts.
// Use this when an operation exceeds its configured timeout.
type TimeoutError struct {
	// Operation describes what timed out (e.g., "sandbox dispatch", "tunnel write")
	Operation string

	// Duration is how long the operation ran before timing out
	Duration time.Duration

	// Cause is the underlying error (if any)
	Cause error
}

// Error implements the error interface.
func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s operation timed out after %v", e.Operation, e.Duration)
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *TimeoutError) Unwrap() error {
	return e.Cause
}

// ErrorType returns the error category.
func (e *TimeoutError) ErrorType() string { return "timeout" }

// IsRetryable reports whether the operation should be retried.
func (e *TimeoutError) IsRetryable() bool { return true }
