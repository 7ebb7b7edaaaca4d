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

package events

import (
	"sync"
	"time"
)

// subscriberBuffer is the per-subscriber channel depth. Events beyond it are
// dropped for that subscriber only.
const subscriberBuffer = 64

// Bus routes events to per-user subscribers and to firehose subscribers that
// see every event. The zero value is not usable; call NewBus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string][]chan Event
	firehose    []chan Event
}

// NewBus creates a new event bus.
func NewBus() *Bus {
	return &Bus{
		subscribers: make(map[string][]chan Event),
	}
}

// Publish delivers an event to the user's subscribers and the firehose.
// Never blocks; subscribers with full buffers miss the event. A zero
// timestamp is stamped with the current time.
func (b *Bus) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	b.mu.RLock()
	subs := b.subscribers[event.UserID]
	fire := b.firehose
	b.mu.RUnlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber too slow, drop
		}
	}
	for _, ch := range fire {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe returns a channel receiving the given user's events and an
// unsubscribe function. The channel is not closed on unsubscribe so
// in-flight publishers never send on a closed channel.
func (b *Bus) Subscribe(userID string) (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.subscribers[userID] = append(b.subscribers[userID], ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[userID]
		for i, sub := range subs {
			if sub == ch {
				b.subscribers[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		if len(b.subscribers[userID]) == 0 {
			delete(b.subscribers, userID)
		}
	}

	return ch, unsub
}

// SubscribeAll returns a channel receiving every event regardless of user,
// for admin feeds and tests.
func (b *Bus) SubscribeAll() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	b.mu.Lock()
	b.firehose = append(b.firehose, ch)
	b.mu.Unlock()

	unsub := func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		for i, sub := range b.firehose {
			if sub == ch {
				b.firehose = append(b.firehose[:i], b.firehose[i+1:]...)
				break
			}
		}
	}

	return ch, unsub
}

// SubscriberCount returns the number of subscribers for a user.
func (b *Bus) SubscriberCount(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID])
}
