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

// Package events provides an in-process event bus. Services publish
// lifecycle events; the SSE endpoint and the MCP server subscribe per user.
// Delivery is best-effort: a slow subscriber drops events rather than
// blocking publishers.
package events

import (
	"time"
)

// Type names an event kind.
type Type = string

// Event types published by the services.
const (
	TypeWorkspaceCreated    = "workspace.created"
	TypeWorkspaceRunning    = "workspace.running"
	TypeWorkspaceStopped    = "workspace.stopped"
	TypeWorkspaceRestarted  = "workspace.restarted"
	TypeWorkspaceTerminated = "workspace.terminated"

	TypeLoopCreated   = "loop.created"
	TypeLoopPaused    = "loop.paused"
	TypeLoopResumed   = "loop.resumed"
	TypeLoopCompleted = "loop.completed"
	TypeLoopArchived  = "loop.archived"

	TypeRunStarted   = "run.started"
	TypeRunProgress  = "run.progress"
	TypeRunCompleted = "run.completed"
	TypeRunFailed    = "run.failed"
	TypeRunCancelled = "run.cancelled"
	TypeRunHalted    = "run.halted"

	TypeCredentialUpdated = "credential.updated"
	TypeCredentialDeleted = "credential.deleted"

	TypeQuotaExhausted = "quota.exhausted"
)

// Event is a single bus message.
type Event struct {
	Type       string         `json:"type"`
	UserID     string         `json:"user_id"`
	ResourceID string         `json:"resource_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Timestamp  time.Time      `json:"timestamp"`
}
