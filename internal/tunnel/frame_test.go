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

package tunnel

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tombee/workbench/internal/store"
)

func TestFrameValidate(t *testing.T) {
	ports := map[string]store.ExposedPort{"root": {Port: 3000}}

	tests := []struct {
		name    string
		frame   Frame
		wantErr bool
	}{
		{"auth ok", Frame{Type: FrameAuth, Token: "jwt"}, false},
		{"auth missing token", Frame{Type: FrameAuth}, true},
		{"open ok", Frame{Type: FrameOpen, ExposedPorts: ports}, false},
		{"open empty", Frame{Type: FrameOpen}, true},
		{"open bad port", Frame{Type: FrameOpen, ExposedPorts: map[string]store.ExposedPort{"root": {Port: 0}}}, true},
		{"open port out of range", Frame{Type: FrameOpen, ExposedPorts: map[string]store.ExposedPort{"root": {Port: 70000}}}, true},
		{"close ok", Frame{Type: FrameClose, ID: "r1"}, false},
		{"close missing id", Frame{Type: FrameClose}, true},
		{"ping", Frame{Type: FramePing}, false},
		{"pong", Frame{Type: FramePong}, false},
		{"request ok", Frame{Type: FrameRequest, ID: "r1", Method: "GET", Path: "/", Port: 3000}, false},
		{"request missing port", Frame{Type: FrameRequest, ID: "r1", Method: "GET", Path: "/"}, true},
		{"request missing method", Frame{Type: FrameRequest, ID: "r1", Path: "/", Port: 3000}, true},
		{"request missing id", Frame{Type: FrameRequest, Method: "GET", Path: "/", Port: 3000}, true},
		{"response ok", Frame{Type: FrameResponse, ID: "r1", StatusCode: 200}, false},
		{"response bad status", Frame{Type: FrameResponse, ID: "r1", StatusCode: 42}, true},
		{"response missing id", Frame{Type: FrameResponse, StatusCode: 200}, true},
		{"data ok", Frame{Type: FrameData, ID: "r1", Final: true}, false},
		{"data missing id", Frame{Type: FrameData}, true},
		{"error connection level", Frame{Type: FrameError, Data: []byte("boom")}, false},
		{"error request level", Frame{Type: FrameError, ID: "r1"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.frame.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestFrameValidate_UnknownType(t *testing.T) {
	f := Frame{Type: "hologram"}
	err := f.Validate()
	require.Error(t, err)

	var unknown *ErrUnknownFrameType
	require.True(t, errors.As(err, &unknown))
	assert.Equal(t, FrameType("hologram"), unknown.Type)
}

// The wire protocol predates this server, so the JSON field names are part
// of the contract: camelCase keys, base64 data.
func TestFrameWireFormat(t *testing.T) {
	f := Frame{
		Type:        FrameRequest,
		ID:          "r1",
		Method:      "POST",
		Path:        "/api/items?page=2",
		Headers:     map[string]string{"Content-Type": "application/json"},
		Port:        4000,
		ServiceName: "api",
		Data:        []byte("hello"),
		Final:       true,
		Timestamp:   1718445600000,
	}
	raw, err := json.Marshal(f)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(raw, &wire))
	for _, key := range []string{"type", "id", "method", "path", "headers", "port", "serviceName", "data", "final", "timestamp"} {
		assert.Contains(t, wire, key)
	}
	assert.Equal(t, "aGVsbG8=", wire["data"], "data travels base64-encoded")

	announce := OpenFrame(3000, map[string]store.ExposedPort{"root": {Port: 3000, Description: "dev server"}})
	raw, err = json.Marshal(announce)
	require.NoError(t, err)
	wire = nil
	require.NoError(t, json.Unmarshal(raw, &wire))
	assert.Contains(t, wire, "exposedPorts")

	var back Frame
	require.NoError(t, json.Unmarshal(raw, &back))
	assert.Equal(t, 3000, back.ExposedPorts["root"].Port)
}
