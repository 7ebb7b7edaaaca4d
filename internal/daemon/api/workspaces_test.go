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

package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/store"
)

func createWorkspaceBody() CreateWorkspaceRequest {
	return CreateWorkspaceRequest{
		Name:            "my-api",
		AgentTypeID:     "at-code",
		CloudProviderID: "cp-cloud",
		RegionID:        "rg-cloud",
		RepositoryURL:   "https://github.com/acme/app",
	}
}

func createTestWorkspace(t *testing.T, env *apiEnv, token string) *store.Workspace {
	t.Helper()
	rec := env.doJSON(t, http.MethodPost, "/v1/workspaces", token, createWorkspaceBody())
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var ws store.Workspace
	decodeBody(t, rec, &ws)
	return &ws
}

func TestWorkspacesRequireSession(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.doJSON(t, http.MethodGet, "/v1/workspaces", "", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	envlp := decodeErrorBody(t, rec)
	assert.Equal(t, "unauthorized", envlp.Error.Type)

	rec = env.doJSON(t, http.MethodGet, "/v1/workspaces", "bogus-token", nil)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestWorkspaceCreate(t *testing.T) {
	env := newAPIEnv(t)

	ws := createTestWorkspace(t, env, userToken)
	assert.Equal(t, "user-1", ws.UserID)
	assert.Equal(t, "my-api", ws.Name)
	assert.Equal(t, store.WorkspaceStatusPending, ws.Status)
	assert.NotEmpty(t, ws.Subdomain)
	assert.True(t, strings.HasSuffix(ws.Domain, ".wb.dev"), "domain %q", ws.Domain)

	rec := env.doJSON(t, http.MethodGet, "/v1/workspaces/"+ws.ID, userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var got store.Workspace
	decodeBody(t, rec, &got)
	assert.Equal(t, ws.ID, got.ID)
}

func TestWorkspaceCreateValidation(t *testing.T) {
	env := newAPIEnv(t)

	body := createWorkspaceBody()
	body.RegionID = "rg-nowhere"
	rec := env.doJSON(t, http.MethodPost, "/v1/workspaces", userToken, body)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	envlp := decodeErrorBody(t, rec)
	assert.Equal(t, "validation", envlp.Error.Type)
}

func TestWorkspaceListWrapsKey(t *testing.T) {
	env := newAPIEnv(t)
	createTestWorkspace(t, env, userToken)

	rec := env.doJSON(t, http.MethodGet, "/v1/workspaces", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Workspaces []*store.Workspace `json:"workspaces"`
	}
	decodeBody(t, rec, &body)
	require.Len(t, body.Workspaces, 1)
}

func TestWorkspaceHiddenFromOtherUsers(t *testing.T) {
	env := newAPIEnv(t)
	ws := createTestWorkspace(t, env, userToken)

	// Another user sees a 404, not a 403; resource existence is not leaked.
	rec := env.doJSON(t, http.MethodGet, "/v1/workspaces/"+ws.ID, otherToken, nil)
	require.Equal(t, http.StatusNotFound, rec.Code)
	envlp := decodeErrorBody(t, rec)
	assert.Equal(t, "not_found", envlp.Error.Type)

	// Admins can reach any workspace.
	rec = env.doJSON(t, http.MethodGet, "/v1/workspaces/"+ws.ID, adminToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// The other user's list stays empty.
	rec = env.doJSON(t, http.MethodGet, "/v1/workspaces", otherToken, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Workspaces []*store.Workspace `json:"workspaces"`
	}
	decodeBody(t, rec, &body)
	assert.Empty(t, body.Workspaces)
}

func TestWorkspaceStopRestartTerminate(t *testing.T) {
	env := newAPIEnv(t)
	ws := createTestWorkspace(t, env, userToken)

	rec := env.doJSON(t, http.MethodPost, "/v1/workspaces/"+ws.ID+"/stop", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var stopped store.Workspace
	decodeBody(t, rec, &stopped)
	assert.Equal(t, store.WorkspaceStatusStopped, stopped.Status)

	rec = env.doJSON(t, http.MethodPost, "/v1/workspaces/"+ws.ID+"/restart", userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var restarted store.Workspace
	decodeBody(t, rec, &restarted)
	assert.Equal(t, store.WorkspaceStatusPending, restarted.Status)

	rec = env.doJSON(t, http.MethodDelete, "/v1/workspaces/"+ws.ID, userToken, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var terminated store.Workspace
	decodeBody(t, rec, &terminated)
	assert.Equal(t, store.WorkspaceStatusTerminated, terminated.Status)

	// Restarting a terminated workspace is a state conflict.
	rec = env.doJSON(t, http.MethodPost, "/v1/workspaces/"+ws.ID+"/restart", userToken, nil)
	require.Equal(t, http.StatusConflict, rec.Code)
	envlp := decodeErrorBody(t, rec)
	assert.Equal(t, "conflict", envlp.Error.Type)
}
