// internal/events/hub_test.go
package events

import (
	"context"
	"testing"
)

func TestHub_Emit(t *testing.T) {
	hub := New(context.Background())

	var gotName string
	var gotPayload interface{}
	hub.SetBroadcaster(BroadcastFunc(func(eventType string, payload interface{}) {
		gotName = eventType
		gotPayload = payload
	}))

	hub.EmitSessionCreated(SessionCreatedEvent{SessionID: "abc", Title: "New session"})
	if gotName != "session:created" {
		t.Errorf("Expected session:created, got %q", gotName)
	}
	event, ok := gotPayload.(SessionCreatedEvent)
	if !ok {
		t.Fatalf("Expected SessionCreatedEvent payload, got %T", gotPayload)
	}
	if event.Title != "New session" {
		t.Errorf("Expected title preserved, got %q", event.Title)
	}

	hub.EmitCheckpointCreated(CheckpointCreatedEvent{SessionID: "abc", Label: "stable"})
	if gotName != "checkpoint:created" {
		t.Errorf("Expected checkpoint:created, got %q", gotName)
	}
}

func TestHub_NoBroadcaster(t *testing.T) {
	hub := New(context.Background())
	// Must not panic without a sink.
	hub.EmitSessionDeleted(SessionDeletedEvent{SessionID: "abc"})
	hub.Emit("custom", 42)

	var nilHub *Hub
	nilHub.Emit("custom", 42)
}

func TestHub_StopsAfterCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	hub := New(ctx)

	calls := 0
	hub.SetBroadcaster(BroadcastFunc(func(string, interface{}) { calls++ }))

	hub.Emit("before", nil)
	cancel()
	hub.Emit("after", nil)

	if calls != 1 {
		t.Errorf("Expected 1 broadcast, got %d", calls)
	}
}
