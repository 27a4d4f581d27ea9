// internal/events/hub.go
package events

import (
	"context"
)

// Broadcaster receives every emitted event, typically to forward it to a
// UI or log sink.
type Broadcaster interface {
	BroadcastEvent(eventType string, payload interface{})
}

// BroadcastFunc adapts a function to the Broadcaster interface.
type BroadcastFunc func(eventType string, payload interface{})

func (f BroadcastFunc) BroadcastEvent(eventType string, payload interface{}) {
	f(eventType, payload)
}

// Hub is the central event dispatch point.
type Hub struct {
	ctx         context.Context
	broadcaster Broadcaster
}

// New creates a Hub. Emission stops once ctx is cancelled.
func New(ctx context.Context) *Hub {
	return &Hub{ctx: ctx}
}

// SetBroadcaster installs the event sink. A nil broadcaster silences the
// hub.
func (h *Hub) SetBroadcaster(b Broadcaster) {
	h.broadcaster = b
}

func (h *Hub) emit(eventName string, payload interface{}) {
	if h == nil {
		return
	}
	if h.ctx != nil && h.ctx.Err() != nil {
		return
	}
	if h.broadcaster != nil {
		h.broadcaster.BroadcastEvent(eventName, payload)
	}
}

// Emit sends an arbitrary event.
func (h *Hub) Emit(eventName string, payload interface{}) {
	h.emit(eventName, payload)
}

// Session lifecycle events

type SessionCreatedEvent struct {
	SessionID string `json:"session_id"`
	Title     string `json:"title"`
}

func (h *Hub) EmitSessionCreated(event SessionCreatedEvent) {
	h.emit("session:created", event)
}

type SessionSavedEvent struct {
	SessionID string `json:"session_id"`
	Snapshots int    `json:"snapshots"`
	FileSize  int64  `json:"file_size"`
	Auto      bool   `json:"auto"`
}

func (h *Hub) EmitSessionSaved(event SessionSavedEvent) {
	h.emit("session:saved", event)
}

type SessionDeletedEvent struct {
	SessionID string `json:"session_id"`
}

func (h *Hub) EmitSessionDeleted(event SessionDeletedEvent) {
	h.emit("session:deleted", event)
}

type SessionMigratedEvent struct {
	SessionID   string `json:"session_id"`
	FromVersion uint16 `json:"from_version"`
	ToVersion   uint16 `json:"to_version"`
}

func (h *Hub) EmitSessionMigrated(event SessionMigratedEvent) {
	h.emit("session:migrated", event)
}

// History events

type CheckpointCreatedEvent struct {
	SessionID string `json:"session_id"`
	Label     string `json:"label"`
}

func (h *Hub) EmitCheckpointCreated(event CheckpointCreatedEvent) {
	h.emit("checkpoint:created", event)
}

type BranchCreatedEvent struct {
	SessionID string `json:"session_id"`
	Name      string `json:"name"`
}

func (h *Hub) EmitBranchCreated(event BranchCreatedEvent) {
	h.emit("branch:created", event)
}

// Index events

type IndexRefreshedEvent struct {
	Sessions int `json:"sessions"`
}

func (h *Hub) EmitIndexRefreshed(event IndexRefreshedEvent) {
	h.emit("index:refreshed", event)
}
