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

// Package tunnel implements the WebSocket transport that maps public HTTPS
// requests on a workspace subdomain to HTTP ports on a developer's machine.
// The broker side terminates inbound requests and forwards them as frames
// over the agent's connection; the agent side lives in internal/agent.
package tunnel

import (
	"fmt"
	"time"

	"github.com/tombee/workbench/internal/store"
)

// FrameType tags a tunnel frame.
type FrameType string

// Frame types. Auth and open flow agent to broker; request, data and close
// flow broker to agent; response, data and error flow back. Ping and pong
// travel both ways.
const (
	FrameAuth     FrameType = "auth"
	FrameOpen     FrameType = "open"
	FrameClose    FrameType = "close"
	FramePing     FrameType = "ping"
	FramePong     FrameType = "pong"
	FrameRequest  FrameType = "request"
	FrameResponse FrameType = "response"
	FrameData     FrameType = "data"
	FrameError    FrameType = "error"
)

// Frame is one JSON message on a tunnel connection. Field names follow the
// wire protocol; agents written against earlier platform versions keep
// working unchanged.
type Frame struct {
	Type FrameType `json:"type"`

	// ID correlates the frames of one forwarded request. Empty on
	// connection-level frames (auth, open, ping, pong).
	ID string `json:"id,omitempty"`

	// Request fields (broker to agent).
	Method      string            `json:"method,omitempty"`
	Path        string            `json:"path,omitempty"`
	Headers     map[string]string `json:"headers,omitempty"`
	Port        int               `json:"port,omitempty"`
	ServiceName string            `json:"serviceName,omitempty"`

	// Response fields (agent to broker).
	StatusCode int `json:"statusCode,omitempty"`

	// Auth carries the tunnel JWT; open announces the agent's ports.
	Token        string                       `json:"token,omitempty"`
	ExposedPorts map[string]store.ExposedPort `json:"exposedPorts,omitempty"`

	// Body chunk, base64 on the wire. Final marks the last chunk of an ID;
	// a lone final frame with no data closes an empty body.
	Data  []byte `json:"data,omitempty"`
	Final bool   `json:"final,omitempty"`

	// Timestamp is set by the sender, milliseconds since the epoch.
	Timestamp int64 `json:"timestamp,omitempty"`
}

// ErrUnknownFrameType marks a frame whose type this build does not know.
// Receivers drop such frames without closing the connection so older and
// newer peers interoperate.
type ErrUnknownFrameType struct {
	Type FrameType
}

func (e *ErrUnknownFrameType) Error() string {
	return fmt.Sprintf("unknown frame type %q", e.Type)
}

// Validate checks the per-type required fields.
func (f *Frame) Validate() error {
	switch f.Type {
	case FrameAuth:
		if f.Token == "" {
			return fmt.Errorf("auth frame missing token")
		}
	case FrameOpen:
		if len(f.ExposedPorts) == 0 {
			return fmt.Errorf("open frame missing exposedPorts")
		}
		for name, p := range f.ExposedPorts {
			if name == "" || p.Port <= 0 || p.Port > 65535 {
				return fmt.Errorf("open frame has invalid port entry %q: %d", name, p.Port)
			}
		}
	case FrameClose:
		if f.ID == "" {
			return fmt.Errorf("close frame missing id")
		}
	case FramePing, FramePong:
		// No required fields.
	case FrameRequest:
		if f.ID == "" {
			return fmt.Errorf("request frame missing id")
		}
		if f.Method == "" || f.Path == "" {
			return fmt.Errorf("request frame missing method or path")
		}
		if f.Port <= 0 {
			return fmt.Errorf("request frame missing port")
		}
	case FrameResponse:
		if f.ID == "" {
			return fmt.Errorf("response frame missing id")
		}
		if f.StatusCode < 100 || f.StatusCode > 599 {
			return fmt.Errorf("response frame has invalid status %d", f.StatusCode)
		}
	case FrameData:
		if f.ID == "" {
			return fmt.Errorf("data frame missing id")
		}
	case FrameError:
		// Error frames may be connection-level (no id) or request-level.
	default:
		return &ErrUnknownFrameType{Type: f.Type}
	}
	return nil
}

// stamp returns the wire timestamp for frames built now.
func stamp() int64 {
	return time.Now().UnixMilli()
}

// AuthFrame builds the first frame an agent sends when the token was not
// already passed in the connect URL.
func AuthFrame(token string) Frame {
	return Frame{Type: FrameAuth, Token: token, Timestamp: stamp()}
}

// OpenFrame builds a port announcement. Port carries the primary local port
// the workspace row records.
func OpenFrame(localPort int, ports map[string]store.ExposedPort) Frame {
	return Frame{Type: FrameOpen, Port: localPort, ExposedPorts: ports, Timestamp: stamp()}
}

// DataFrame builds one body chunk for id.
func DataFrame(id string, chunk []byte, final bool) Frame {
	return Frame{Type: FrameData, ID: id, Data: chunk, Final: final, Timestamp: stamp()}
}

// CloseFrame tells the peer to abandon all work for id.
func CloseFrame(id string) Frame {
	return Frame{Type: FrameClose, ID: id, Timestamp: stamp()}
}

// ErrorFrame reports a failure for id. The message travels in the data
// field.
func ErrorFrame(id, message string) Frame {
	return Frame{Type: FrameError, ID: id, Data: []byte(message), Timestamp: stamp()}
}
