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

package agent

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "workbench.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoadTunnelConfig(t *testing.T) {
	path := writeConfig(t, `
workspace: ws-1
expose:
  web:
    port: 3000
    description: dev server
  api:
    port: 8080
`)

	cfg, err := LoadTunnelConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "ws-1", cfg.Workspace)
	assert.Equal(t, "127.0.0.1", cfg.LocalHost)
	assert.Equal(t, 3000, cfg.Expose["web"].Port)
	assert.Equal(t, "dev server", cfg.Expose["web"].Description)
	assert.Equal(t, map[string]int{"web": 3000, "api": 8080}, cfg.Ports())
	assert.Equal(t, 3000, cfg.PrimaryPort())
}

func TestLoadTunnelConfig_LocalHostOverride(t *testing.T) {
	path := writeConfig(t, `
workspace: ws-1
local_host: 0.0.0.0
expose:
  api:
    port: 8080
`)

	cfg, err := LoadTunnelConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0", cfg.LocalHost)
}

func TestLoadTunnelConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "no services", content: "workspace: ws-1\n"},
		{name: "bad port", content: "workspace: ws-1\nexpose:\n  web:\n    port: 70000\n"},
		{name: "zero port", content: "workspace: ws-1\nexpose:\n  web:\n    port: 0\n"},
		{name: "not yaml", content: "{{{"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadTunnelConfig(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestPrimaryPort_NoWebService(t *testing.T) {
	cfg := &TunnelConfig{Expose: map[string]ExposeEntry{
		"api":     {Port: 8080},
		"metrics": {Port: 9090},
	}}
	assert.Equal(t, 8080, cfg.PrimaryPort())
}
