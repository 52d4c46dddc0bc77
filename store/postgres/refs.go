package postgres

import (
	"context"
	"iter"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/store"
)

const (
	insertRefQuery = `
		INSERT INTO event_refs (event_idx, ref_event_id, ref_kind)
		VALUES ($1, $2, $3)
	`
	// missingQuery finds references made by events in the given depth range
	// that do not themselves have a row in events yet, i.e. the gaps the
	// acquirer needs to fetch.
	missingQuery = `
		SELECT DISTINCT er.ref_event_id, e.depth, e.event_idx
		FROM event_refs er
		JOIN events e ON e.event_idx = er.event_idx
		WHERE e.room_id = $1 AND e.depth BETWEEN $2 AND $3
		  AND NOT EXISTS (SELECT 1 FROM events e2 WHERE e2.event_id = er.ref_event_id)
	`
)

const (
	refKindPrev = "prev"
	refKindAuth = "auth"
)

// RefQuery is the event_refs table's query surface, backing the acquirer's
// gap scan (store.RoomDAG.Missing) and the backlink rows Insert writes
// alongside every event.
type RefQuery struct {
	db *dbutil.Database
}

// insertRefs records evt's prev_events and auth_events as backlink rows
// against the index just assigned to it.
func (q *RefQuery) insertRefs(ctx context.Context, idx store.Index, evt store.InsertedEvent) error {
	for _, ref := range evt.PrevEvents {
		if _, err := q.db.Exec(ctx, insertRefQuery, int64(idx), ref, refKindPrev); err != nil {
			return err
		}
	}
	for _, ref := range evt.AuthEvents {
		if _, err := q.db.Exec(ctx, insertRefQuery, int64(idx), ref, refKindAuth); err != nil {
			return err
		}
	}
	return nil
}

// Missing enumerates the gaps referenced by events in [depthLow, depthHigh]
// but absent locally.
func (q *RefQuery) Missing(ctx context.Context, room id.RoomID, depthLow, depthHigh int64) iter.Seq2[store.Ref, error] {
	return func(yield func(store.Ref, error) bool) {
		rows, err := q.db.Query(ctx, missingQuery, room, depthLow, depthHigh)
		if err != nil {
			yield(store.Ref{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var ref store.Ref
			var idx int64
			if err := rows.Scan(&ref.EventID, &ref.RefDepth, &idx); err != nil {
				yield(store.Ref{}, err)
				return
			}
			ref.RefIndex = store.Index(idx)
			if !yield(ref, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(store.Ref{}, err)
		}
	}
}
