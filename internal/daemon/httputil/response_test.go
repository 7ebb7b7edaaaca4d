package httputil

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

func TestWriteErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantType   string
	}{
		{"unauthorized", &wberrors.UnauthorizedError{Reason: "no token"}, http.StatusUnauthorized, "unauthorized"},
		{"forbidden", &wberrors.ForbiddenError{Reason: "not yours"}, http.StatusForbidden, "forbidden"},
		{"not found", &wberrors.NotFoundError{Resource: "workspace", ID: "ws-1"}, http.StatusNotFound, "not_found"},
		{"validation", &wberrors.ValidationError{Field: "name", Message: "required"}, http.StatusBadRequest, "validation"},
		{"quota", &wberrors.QuotaExceededError{Scope: "daily_minutes"}, http.StatusForbidden, "quota_exceeded"},
		{"conflict", &wberrors.ConflictError{Resource: "subdomain"}, http.StatusConflict, "conflict"},
		{"rate limited", &wberrors.RateLimitedError{}, http.StatusTooManyRequests, "rate_limited"},
		{"upstream", &wberrors.UpstreamError{Provider: "railway", Op: "create"}, http.StatusBadGateway, "upstream"},
		{"timeout", &wberrors.TimeoutError{Operation: "dispatch"}, http.StatusGatewayTimeout, "timeout"},
		{"unknown", errors.New("boom"), http.StatusInternalServerError, "internal"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			WriteError(rec, tt.err)

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Contains(t, rec.Body.String(), `"type":"`+tt.wantType+`"`)
		})
	}
}

func TestWriteErrorHidesInternals(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, errors.New("pq: connection refused to 10.0.0.5"))

	assert.NotContains(t, rec.Body.String(), "10.0.0.5")
	assert.Contains(t, rec.Body.String(), "internal error")
}

func TestWriteErrorUpstreamHidesDetail(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &wberrors.UpstreamError{
		Provider: "railway",
		Op:       "create",
		Message:  "token abc123 rejected",
	})

	assert.NotContains(t, rec.Body.String(), "abc123")
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"nmae": "typo"}`))
	var dst struct {
		Name string `json:"name"`
	}
	err := Decode(req, &dst)

	var validation *wberrors.ValidationError
	assert.ErrorAs(t, err, &validation)
}

func TestWriteErrorRateLimitSetsRetryAfter(t *testing.T) {
	rec := httptest.NewRecorder()
	WriteError(rec, &wberrors.RateLimitedError{})
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
