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

// Package leader provides leader election so that reapers run on exactly
// one daemon replica. Postgres deployments elect via an advisory lock;
// single-node deployments use the static elector, which is always leader.
package leader

import (
	"context"
)

// Elector reports whether this replica should run singleton background work.
type Elector interface {
	// Start begins the election loop. Non-blocking.
	Start(ctx context.Context)

	// Stop ends participation and releases leadership if held. Blocks
	// until the election loop has exited.
	Stop()

	// IsLeader reports whether this replica currently holds leadership.
	IsLeader() bool

	// OnChange registers a callback invoked whenever leadership is
	// gained or lost.
	OnChange(fn func(isLeader bool))
}

// Static is an Elector that is always the leader. Used by sqlite and
// memory deployments, which are single-replica by construction.
type Static struct {
	callbacks []func(bool)
}

// NewStatic creates a static elector.
func NewStatic() *Static {
	return &Static{}
}

// Start invokes registered callbacks with leadership immediately.
func (s *Static) Start(ctx context.Context) {
	for _, fn := range s.callbacks {
		fn(true)
	}
}

// Stop is a no-op.
func (s *Static) Stop() {}

// IsLeader always reports true.
func (s *Static) IsLeader() bool { return true }

// OnChange registers a callback. It fires once Start is called.
func (s *Static) OnChange(fn func(bool)) {
	s.callbacks = append(s.callbacks, fn)
}
