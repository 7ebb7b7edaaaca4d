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

package git

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// InstallationEvent is the subset of GitHub's installation webhook payload
// the control plane acts on.
type InstallationEvent struct {
	Action       string `json:"action"`
	Installation struct {
		ID      int64 `json:"id"`
		Account struct {
			Login string `json:"login"`
			Type  string `json:"type"`
		} `json:"account"`
	} `json:"installation"`
}

// VerifyWebhookSignature checks GitHub's X-Hub-Signature-256 header against
// the raw request body. The header carries "sha256=<hex hmac>".
func (s *Service) VerifyWebhookSignature(payload []byte, header string) error {
	if s.webhookSecret == "" {
		return &wberrors.ConfigError{
			Key:    "github.webhook_secret",
			Reason: "webhook secret is not configured",
		}
	}
	sig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return &wberrors.UnauthorizedError{Reason: "malformed webhook signature"}
	}
	want, err := hex.DecodeString(sig)
	if err != nil {
		return &wberrors.UnauthorizedError{Reason: "malformed webhook signature"}
	}

	mac := hmac.New(sha256.New, []byte(s.webhookSecret))
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return &wberrors.UnauthorizedError{Reason: "webhook signature mismatch"}
	}
	return nil
}

// ProcessInstallationEvent applies an installation lifecycle event. The
// caller verifies the signature first. Uninstalls remove every user link to
// the installation; installs are logged and wait for the user to link from
// their own session, since the webhook cannot identify a platform user.
func (s *Service) ProcessInstallationEvent(ctx context.Context, payload []byte) error {
	var ev InstallationEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return &wberrors.ValidationError{Field: "payload", Message: "malformed installation event"}
	}
	if ev.Installation.ID == 0 {
		return &wberrors.ValidationError{Field: "installation.id", Message: "installation event carried no installation id"}
	}

	logger := s.logger.With(
		slog.Int64("installation_id", ev.Installation.ID),
		slog.String("account", ev.Installation.Account.Login))

	switch ev.Action {
	case "deleted":
		s.dropCachedToken(ev.Installation.ID)
		if err := s.store.DeleteInstallationByInstallationID(ctx, ev.Installation.ID); err != nil {
			return err
		}
		logger.Info("github app installation removed")
	case "suspend":
		// GitHub refuses token mints for suspended installations. Drop the
		// cache so workspaces stop receiving a token that no longer works.
		s.dropCachedToken(ev.Installation.ID)
		logger.Warn("github app installation suspended")
	case "unsuspend":
		logger.Info("github app installation unsuspended")
	case "created":
		logger.Info("github app installation created, awaiting user link")
	default:
		logger.Debug("ignoring installation event", slog.String("action", ev.Action))
	}
	return nil
}
