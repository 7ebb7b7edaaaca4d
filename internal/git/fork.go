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
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	wberrors "github.com/tombee/workbench/pkg/errors"
)

// forkBurst caps forks per user per minute. Forking is the most abusable
// GitHub write the platform performs on a user's behalf.
const forkBurst = 3

// Fork describes a repository fork. GitHub returns the same shape whether
// the fork was just created or already existed.
type Fork struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	FullName      string `json:"full_name"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

type forkResponse struct {
	Name     string `json:"name"`
	FullName string `json:"full_name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
	CloneURL      string `json:"clone_url"`
	HTMLURL       string `json:"html_url"`
	DefaultBranch string `json:"default_branch"`
}

// ForkRepository forks owner/repo into the user's account using the user's
// installation token. Forking an already-forked repository succeeds and
// returns the existing fork.
func (s *Service) ForkRepository(ctx context.Context, userID, owner, repo string) (*Fork, error) {
	if owner == "" {
		return nil, &wberrors.ValidationError{Field: "owner", Message: "repository owner is required"}
	}
	if repo == "" {
		return nil, &wberrors.ValidationError{Field: "repo", Message: "repository name is required"}
	}
	if err := s.admitFork(userID); err != nil {
		return nil, err
	}

	tok, err := s.TokenForUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/repos/%s/%s/forks", s.apiURL, owner, repo)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build fork request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, &wberrors.UpstreamError{
			Provider: "github", Op: "fork_repository",
			Message: "fork request failed", Retryable: true, Cause: err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read fork response: %w", err)
	}
	if resp.StatusCode == http.StatusNotFound {
		return nil, &wberrors.NotFoundError{
			Resource: "repository",
			ID:       owner + "/" + repo,
		}
	}
	// GitHub forks asynchronously and answers 202 with the fork's eventual
	// coordinates.
	if resp.StatusCode != http.StatusAccepted {
		return nil, apiError("fork_repository", resp.StatusCode, body)
	}

	var fr forkResponse
	if err := json.Unmarshal(body, &fr); err != nil {
		return nil, fmt.Errorf("failed to decode fork response: %w", err)
	}

	s.logger.Info("repository forked",
		slog.String("user_id", userID),
		slog.String("upstream", owner+"/"+repo),
		slog.String("fork", fr.FullName))

	return &Fork{
		Owner:         fr.Owner.Login,
		Repo:          fr.Name,
		FullName:      fr.FullName,
		CloneURL:      fr.CloneURL,
		HTMLURL:       fr.HTMLURL,
		DefaultBranch: fr.DefaultBranch,
	}, nil
}

// admitFork charges one fork against the user's per-minute budget.
func (s *Service) admitFork(userID string) error {
	s.mu.Lock()
	lim, ok := s.limiters[userID]
	if !ok {
		lim = rate.NewLimiter(rate.Every(time.Minute/forkBurst), forkBurst)
		s.limiters[userID] = lim
	}
	s.mu.Unlock()

	now := s.now()
	r := lim.ReserveN(now, 1)
	if delay := r.DelayFrom(now); delay > 0 {
		r.CancelAt(now)
		return &wberrors.RateLimitedError{RetryAfter: delay}
	}
	return nil
}
