package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// WriteJSON writes a JSON response with the given status code and data.
// If encoding fails, it logs the error.
func WriteJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to write JSON response", slog.Any("error", err))
	}
}

// WriteError maps a domain error onto its HTTP status and writes the
// {"error": {"type", "message"}} envelope. Unclassified errors become a 500
// with a generic message so internals never leak to callers.
func WriteError(w http.ResponseWriter, err error) {
	status, errType, message := classify(err)
	if status == http.StatusTooManyRequests {
		w.Header().Set("Retry-After", "1")
	}
	if status == http.StatusInternalServerError {
		slog.Error("request failed", slog.Any("error", err))
	}
	WriteJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}

// WriteErrorMessage writes the error envelope with an explicit status and
// type, for cases with no domain error to classify.
func WriteErrorMessage(w http.ResponseWriter, status int, errType, message string) {
	WriteJSON(w, status, map[string]any{
		"error": map[string]string{
			"type":    errType,
			"message": message,
		},
	})
}

// Decode reads a JSON request body into dst. Unknown fields are rejected so
// typos in client payloads fail loudly instead of silently defaulting.
func Decode(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return &wberrors.ValidationError{
			Field:   "body",
			Message: fmt.Sprintf("invalid request body: %v", err),
		}
	}
	return nil
}

func classify(err error) (status int, errType, message string) {
	var (
		unauthorized *wberrors.UnauthorizedError
		forbidden    *wberrors.ForbiddenError
		notFound     *wberrors.NotFoundError
		validation   *wberrors.ValidationError
		quota        *wberrors.QuotaExceededError
		conflict     *wberrors.ConflictError
		rateLimited  *wberrors.RateLimitedError
		credRequired *wberrors.CredentialRequiredError
		upstream     *wberrors.UpstreamError
		timeout      *wberrors.TimeoutError
	)
	switch {
	case errors.As(err, &unauthorized):
		return http.StatusUnauthorized, "unauthorized", err.Error()
	case errors.As(err, &forbidden):
		return http.StatusForbidden, "forbidden", err.Error()
	case errors.As(err, &notFound):
		return http.StatusNotFound, "not_found", err.Error()
	case errors.As(err, &validation):
		return http.StatusBadRequest, "validation", err.Error()
	case errors.As(err, &quota):
		return http.StatusForbidden, "quota_exceeded", err.Error()
	case errors.As(err, &conflict):
		return http.StatusConflict, "conflict", err.Error()
	case errors.As(err, &rateLimited):
		return http.StatusTooManyRequests, "rate_limited", err.Error()
	case errors.As(err, &credRequired):
		return http.StatusForbidden, "credential_required", err.Error()
	case errors.As(err, &upstream):
		return http.StatusBadGateway, "upstream", "upstream provider request failed"
	case errors.As(err, &timeout):
		return http.StatusGatewayTimeout, "timeout", "upstream provider timed out"
	default:
		return http.StatusInternalServerError, "internal", "internal error"
	}
}
