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
	"testing"
	"time"
)

func TestBus_PublishSubscribe(t *testing.T) {
	bus := NewBus()

	ch, unsub := bus.Subscribe("user-1")
	defer unsub()

	bus.Publish(Event{Type: TypeWorkspaceCreated, UserID: "user-1", ResourceID: "ws-abcd1234"})

	select {
	case event := <-ch:
		if event.Type != TypeWorkspaceCreated {
			t.Errorf("Type = %q, want %q", event.Type, TypeWorkspaceCreated)
		}
		if event.ResourceID != "ws-abcd1234" {
			t.Errorf("ResourceID = %q, want ws-abcd1234", event.ResourceID)
		}
		if event.Timestamp.IsZero() {
			t.Error("expected timestamp to be stamped")
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
	}
}

func TestBus_UserIsolation(t *testing.T) {
	bus := NewBus()

	ch1, unsub1 := bus.Subscribe("user-1")
	ch2, unsub2 := bus.Subscribe("user-2")
	defer unsub1()
	defer unsub2()

	bus.Publish(Event{Type: TypeRunStarted, UserID: "user-1", ResourceID: "run-1"})

	select {
	case <-ch1:
	case <-time.After(100 * time.Millisecond):
		t.Error("user-1 subscriber should have received the event")
	}

	select {
	case <-ch2:
		t.Error("user-2 subscriber should not receive user-1 events")
	case <-time.After(10 * time.Millisecond):
	}
}

func TestBus_Firehose(t *testing.T) {
	bus := NewBus()

	all, unsub := bus.SubscribeAll()
	defer unsub()

	bus.Publish(Event{Type: TypeRunStarted, UserID: "user-1"})
	bus.Publish(Event{Type: TypeRunCompleted, UserID: "user-2"})

	for i := 0; i < 2; i++ {
		select {
		case <-all:
		case <-time.After(100 * time.Millisecond):
			t.Fatalf("firehose received %d/2 events", i)
		}
	}
}

func TestBus_Unsubscribe(t *testing.T) {
	bus := NewBus()

	_, unsub := bus.Subscribe("user-1")
	if bus.SubscriberCount("user-1") != 1 {
		t.Error("expected 1 subscriber")
	}

	unsub()
	if bus.SubscriberCount("user-1") != 0 {
		t.Error("expected 0 subscribers after unsubscribe")
	}

	// Publishing after unsubscribe must not panic.
	bus.Publish(Event{Type: TypeRunStarted, UserID: "user-1"})
}

func TestBus_SlowSubscriberDoesNotBlock(t *testing.T) {
	bus := NewBus()

	_, unsub := bus.Subscribe("user-1")
	defer unsub()

	done := make(chan struct{})
	go func() {
		// Overflow the buffer without anyone draining.
		for i := 0; i < subscriberBuffer*2; i++ {
			bus.Publish(Event{Type: TypeRunProgress, UserID: "user-1"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Publish blocked on a full subscriber")
	}
}

func TestBus_Concurrent(t *testing.T) {
	bus := NewBus()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, unsub := bus.Subscribe("user-1")
			time.Sleep(5 * time.Millisecond)
			unsub()
		}()
	}
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			bus.Publish(Event{Type: TypeRunProgress, UserID: "user-1"})
		}()
	}
	wg.Wait()

	if bus.SubscriberCount("user-1") != 0 {
		t.Errorf("subscribers = %d, want 0", bus.SubscriberCount("user-1"))
	}
}
