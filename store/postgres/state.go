package postgres

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"
)

const (
	upsertStateQuery = `
		INSERT INTO room_state (room_id, event_type, state_key, event_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, event_type, state_key) DO UPDATE SET event_id = EXCLUDED.event_id
	`
	getStateQuery = `SELECT event_id FROM room_state WHERE room_id = $1 AND event_type = $2 AND state_key = $3`
)

// StateQuery is the room_state table's query surface: the VM's current
// resolved state projection, keyed by (type, state_key) per room.
type StateQuery struct {
	db *dbutil.Database
}

// Put records eventID as the current state event for (evtType, stateKey).
func (q *StateQuery) Put(ctx context.Context, roomID id.RoomID, evtType, stateKey string, eventID id.EventID) error {
	_, err := q.db.Exec(ctx, upsertStateQuery, roomID, evtType, stateKey, eventID)
	return err
}

// Get resolves the current state event ID for (evtType, stateKey), if any.
func (q *StateQuery) Get(ctx context.Context, roomID id.RoomID, evtType, stateKey string) (id.EventID, bool, error) {
	var eventID id.EventID
	err := q.db.QueryRow(ctx, getStateQuery, roomID, evtType, stateKey).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return eventID, true, nil
}
