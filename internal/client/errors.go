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

package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// errorEnvelope is the daemon's error response body.
type errorEnvelope struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

// decodeError turns an error response back into the taxonomy the daemon
// raised it from, so CLI and agent code can errors.As the same types the
// server handlers do. Bodies that are not the expected envelope (proxies,
// load balancers) fall back to a plain error with the status code.
func decodeError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))

	var env errorEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Error.Type == "" {
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	msg := env.Error.Message
	switch env.Error.Type {
	case "unauthorized":
		return &wberrors.UnauthorizedError{Reason: trimTypePrefix(msg, "unauthorized")}
	case "forbidden":
		return &wberrors.ForbiddenError{Reason: trimTypePrefix(msg, "forbidden")}
	case "not_found":
		if resource, id, ok := strings.Cut(msg, " not found: "); ok {
			return &wberrors.NotFoundError{Resource: resource, ID: id}
		}
		return &wberrors.NotFoundError{Resource: msg}
	case "validation":
		return &wberrors.ValidationError{Message: strings.TrimPrefix(msg, "validation failed: ")}
	case "quota_exceeded":
		return &wberrors.QuotaExceededError{Scope: strings.TrimPrefix(msg, "quota exceeded for ")}
	case "conflict":
		return &wberrors.ConflictError{Message: strings.TrimPrefix(msg, "conflict: ")}
	case "rate_limited":
		return &wberrors.RateLimitedError{RetryAfter: retryAfter(resp)}
	case "credential_required":
		return &wberrors.CredentialRequiredError{Provider: strings.TrimPrefix(msg, "credential required for provider ")}
	case "upstream":
		return &wberrors.UpstreamError{Message: msg, StatusCode: resp.StatusCode}
	case "timeout":
		return &wberrors.TimeoutError{Operation: "server request"}
	default:
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, msg)
	}
}

// trimTypePrefix strips the "type: " prefix Error() methods add, so the
// reconstructed error does not render it twice.
func trimTypePrefix(msg, typ string) string {
	if msg == typ {
		return ""
	}
	return strings.TrimPrefix(msg, typ+": ")
}

func retryAfter(resp *http.Response) time.Duration {
	if v := resp.Header.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return time.Second
}
