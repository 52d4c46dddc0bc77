// Package fetch defines the collaborator surface the acquirer uses to pull
// events from peer homeservers (spec.md §2 "Fetch client"), and a
// federation HTTP implementation of it.
package fetch

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
)

// Result is what a fetch resolves to: the PDUs a peer returned for a
// backfill request.
type Result struct {
	Events []*event.Event
}

// Client issues backfill requests to peer servers. Backfill blocks until
// the request completes, fails, or ctx is done; the acquirer is what turns
// a set of these into a bounded pool of concurrent "futures" (spec.md
// §4.4), so this interface stays synchronous per call.
type Client interface {
	Backfill(ctx context.Context, destination string, room id.RoomID, eventID id.EventID, limit int) (Result, error)
}
