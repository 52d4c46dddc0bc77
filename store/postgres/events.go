package postgres

import (
	"context"
	"database/sql"
	"errors"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/store"
)

const (
	insertEventQuery = `
		INSERT INTO events (room_id, event_id, event_type, state_key, depth, origin, event_json, received_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (event_id) DO NOTHING
		RETURNING event_idx
	`
	existsEventQuery   = `SELECT EXISTS(SELECT 1 FROM events WHERE event_id=$1)`
	eventIdxByIDQuery  = `SELECT event_idx FROM events WHERE event_id=$1`
	eventJSONByIDQuery = `SELECT event_json FROM events WHERE event_id=$1`
	eventIDByIdxQuery  = `SELECT event_id FROM events WHERE event_idx=$1`
	topEventQuery      = `SELECT event_id, depth, event_idx FROM events WHERE room_id=$1 ORDER BY depth DESC, event_idx DESC LIMIT 1`
	countBetweenQuery  = `SELECT COUNT(*) FROM events WHERE room_id=$1 AND event_idx BETWEEN $2 AND $3`
	soundingSeedQuery  = `SELECT depth, event_idx FROM events WHERE event_id=$1`
	redactEventQuery   = `UPDATE events SET event_json = $2 WHERE event_id = $1`
)

// eventRow is the dbutil.QueryHelper value type backing EventQuery; it is
// intentionally minimal, existing purely to satisfy the Scan/sqlVariables
// pairing the teacher's database package uses for every table.
type eventRow struct {
	qh *dbutil.QueryHelper[*eventRow]

	EventIdx  int64
	RoomID    id.RoomID
	EventID   id.EventID
	EventType string
	StateKey  sql.NullString
	Depth     int64
	Origin    string
	EventJSON []byte
	Received  int64
}

func newEventRow(qh *dbutil.QueryHelper[*eventRow]) *eventRow {
	return &eventRow{qh: qh}
}

func (e *eventRow) Scan(row dbutil.Scannable) (*eventRow, error) {
	return dbutil.ValueOrErr(e, row.Scan(
		&e.EventIdx, &e.RoomID, &e.EventID, &e.EventType, &e.StateKey,
		&e.Depth, &e.Origin, &e.EventJSON, &e.Received,
	))
}

func (e *eventRow) sqlVariables() []any {
	return []any{e.RoomID, e.EventID, e.EventType, e.StateKey, e.Depth, e.Origin, e.EventJSON, e.Received}
}

// EventQuery is the events table's query helper.
type EventQuery struct {
	*dbutil.QueryHelper[*eventRow]
	db *dbutil.Database
}

// Insert assigns a fresh event_idx and durably records evt. It returns
// (0, store.ErrAlreadyExists) when event_id already exists so callers can
// surface the spec's EXISTS fault rather than a generic error.
func (q *EventQuery) Insert(ctx context.Context, evt store.InsertedEvent) (store.Index, error) {
	var stateKey sql.NullString
	if evt.StateKey != nil {
		stateKey = sql.NullString{String: *evt.StateKey, Valid: true}
	}
	var idx int64
	err := q.db.QueryRow(ctx, insertEventQuery,
		evt.RoomID, evt.EventID, evt.Type, stateKey, evt.Depth, evt.Origin, evt.EventJSON, nowPlaceholder(),
	).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrAlreadyExists
	}
	if err != nil {
		return 0, err
	}
	return store.Index(idx), nil
}

// Exists reports whether eventID is already indexed.
func (q *EventQuery) Exists(ctx context.Context, eventID id.EventID) (bool, error) {
	var exists bool
	err := q.db.QueryRow(ctx, existsEventQuery, eventID).Scan(&exists)
	return exists, err
}

// IndexByEventID resolves an event ID to its index.
func (q *EventQuery) IndexByEventID(ctx context.Context, eventID id.EventID) (store.Index, error) {
	var idx int64
	err := q.db.QueryRow(ctx, eventIdxByIDQuery, eventID).Scan(&idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, store.ErrNotFound
	}
	return store.Index(idx), err
}

// EventIDByIndex resolves an index to an event ID.
func (q *EventQuery) EventIDByIndex(ctx context.Context, idx store.Index) (id.EventID, error) {
	var eventID id.EventID
	err := q.db.QueryRow(ctx, eventIDByIdxQuery, int64(idx)).Scan(&eventID)
	if errors.Is(err, sql.ErrNoRows) {
		return "", store.ErrNotFound
	}
	return eventID, err
}

// Top returns the room's current frontier event of maximum depth.
func (q *EventQuery) Top(ctx context.Context, room id.RoomID) (id.EventID, int64, store.Index, error) {
	var eventID id.EventID
	var depth, idx int64
	err := q.db.QueryRow(ctx, topEventQuery, room).Scan(&eventID, &depth, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, 0, store.ErrNotFound
	}
	return eventID, depth, store.Index(idx), err
}

// Count returns the number of events between two indices, inclusive.
func (q *EventQuery) Count(ctx context.Context, room id.RoomID, lo, hi store.Index) (int64, error) {
	var n int64
	err := q.db.QueryRow(ctx, countBetweenQuery, room, int64(lo), int64(hi)).Scan(&n)
	return n, err
}

// EventJSON returns a stored event's canonical source.
func (q *EventQuery) EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error) {
	var raw []byte
	err := q.db.QueryRow(ctx, eventJSONByIDQuery, eventID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return raw, err
}

// Redact overwrites a present event's stored canonical JSON with its
// essential-fields projection.
func (q *EventQuery) Redact(ctx context.Context, eventID id.EventID, essentialJSON []byte) error {
	_, err := q.db.Exec(ctx, redactEventQuery, eventID, essentialJSON)
	return err
}

// depthIndexOf returns the (depth, index) of a single known event, used as
// the seed for Sounding/Twain walks.
func (q *EventQuery) depthIndexOf(ctx context.Context, eventID id.EventID) (int64, store.Index, bool, error) {
	var depth, idx int64
	err := q.db.QueryRow(ctx, soundingSeedQuery, eventID).Scan(&depth, &idx)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, false, nil
	}
	return depth, store.Index(idx), true, err
}

// nowPlaceholder isolates the single call site that would read wall-clock
// time, so tests can swap it without touching query logic. It reads the
// real clock through clockNowMillis.
var nowPlaceholder = func() int64 { return clockNowMillis() }
