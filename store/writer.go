package store

import (
	"context"

	"maunium.net/go/mautrix/id"
)

// InsertedEvent is what the VM's INDEX phase hands to Writer.Insert: the
// minimal durable projection of an event, plus its canonical JSON source.
type InsertedEvent struct {
	RoomID     id.RoomID
	EventID    id.EventID
	Depth      int64
	Origin     string
	PrevEvents []id.EventID
	AuthEvents []id.EventID
	Type       string
	StateKey   *string
	EventJSON  []byte
}

// Writer is the mutation surface the VM's INDEX/POST phases use. Appendix
// regions (spec.md §6 "Persisted state layout") are represented as
// individually toggleable write paths: Insert always runs when INDEX is
// enabled, while UpdateHead only runs when the ROOM_HEAD appendix is
// enabled for the eval (the acquirer disables it for every event it
// submits).
type Writer interface {
	// Exists reports whether eventID is already indexed, used to produce
	// the EXISTS fault for duplicate submissions.
	Exists(ctx context.Context, eventID id.EventID) (bool, error)

	// Insert assigns a fresh monotone index to evt and durably records it,
	// along with its prev/auth backlinks (EVENT_REFS) and canonical source
	// (EVENT_JSON).
	Insert(ctx context.Context, evt InsertedEvent) (Index, error)

	// UpdateHead updates the room's head set (ROOM_HEAD) after evt is
	// appended: evt's prev_events are removed from the head set and evt
	// itself is added. Whether another local event already refers to evt
	// is not checked.
	UpdateHead(ctx context.Context, roomID id.RoomID, evt InsertedEvent) error

	// PutState records evt as the current value for (type, state_key) in
	// ROOM_STATE, for state events only.
	PutState(ctx context.Context, roomID id.RoomID, evtType string, stateKey string, eventID id.EventID) error

	// GetState resolves the current state event ID for (type, state_key).
	GetState(ctx context.Context, roomID id.RoomID, evtType string, stateKey string) (id.EventID, bool, error)

	// Redact overwrites a present target's stored canonical JSON (EVENT_JSON)
	// with its essential-fields projection, applied by the VM's EVALUATE
	// phase when a redaction's target is locally present.
	Redact(ctx context.Context, eventID id.EventID, essentialJSON []byte) error
}
