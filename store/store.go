// Package store defines the Room DAG store collaborator surface that the
// acquirer and event VM depend on (spec.md §4.3), independent of any
// particular backing database. A concrete implementation lives in
// store/postgres.
package store

import (
	"context"
	"iter"

	"maunium.net/go/mautrix/id"
)

// Index is an opaque, monotone 64-bit primary key assigned to an event at
// insertion time. It exists to give callers a cheap sort/range key
// independent of event IDs.
type Index int64

// Ref describes an event reference found while scanning for gaps: the
// referenced (but locally absent) event ID, and the depth/index of the
// local event that referred to it.
type Ref struct {
	EventID  id.EventID
	RefDepth int64
	RefIndex Index
}

// RoomDAG is the read/query surface spec.md §4.3 requires. All methods are
// safe for concurrent use; read-only queries never block on the VM's
// per-room evaluation lock.
type RoomDAG interface {
	// Top returns the room's current frontier event of maximum depth.
	Top(ctx context.Context, room id.RoomID) (eventID id.EventID, depth int64, idx Index, err error)

	// Viewport returns the configured recent-history depth window.
	Viewport(ctx context.Context, room id.RoomID) (low, high int64, err error)

	// Sounding returns the deepest contiguous depth reachable from ref
	// without hitting a gap.
	Sounding(ctx context.Context, room id.RoomID, ref id.EventID) (depth int64, idx Index, err error)

	// Twain returns the depth just above the highest gap below Sounding.
	Twain(ctx context.Context, room id.RoomID, ref id.EventID) (depth int64, idx Index, err error)

	// Missing enumerates (event_id, ref_depth, ref_idx) triples for events
	// referenced (as prev_events or auth_events) by local events in
	// depthRange but not themselves present locally.
	Missing(ctx context.Context, room id.RoomID, depthLow, depthHigh int64) iter.Seq2[Ref, error]

	// Count returns the number of events between two indices, inclusive.
	Count(ctx context.Context, room id.RoomID, lo, hi Index) (int64, error)

	// EventIDByIndex resolves an index to an event ID.
	EventIDByIndex(ctx context.Context, idx Index) (id.EventID, error)

	// IndexByEventID resolves an event ID to its index.
	IndexByEventID(ctx context.Context, eventID id.EventID) (Index, error)

	// EventJSON returns an event's stored canonical source (EVENT_JSON),
	// used by the VM's EVALUATE phase to load a redaction's target.
	EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error)

	// Heads enumerates the room's current candidate head events: events
	// known to exist (referenced by others, or announced by a peer) but
	// not yet fetched, each with the origin server that hinted at it and
	// its claimed depth.
	Heads(ctx context.Context, room id.RoomID) iter.Seq2[Head, error]
}

// Head is one row of the acquirer's head branch input (spec.md §4.4).
type Head struct {
	EventID    id.EventID
	HintOrigin string
	Depth      int64
}
