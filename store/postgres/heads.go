package postgres

import (
	"context"
	"iter"

	"go.mau.fi/util/dbutil"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/store"
)

const (
	upsertHeadQuery = `
		INSERT INTO room_heads (room_id, event_id, hint_origin, depth)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (room_id, event_id) DO UPDATE SET hint_origin = EXCLUDED.hint_origin, depth = EXCLUDED.depth
	`
	deleteHeadQuery = `DELETE FROM room_heads WHERE room_id = $1 AND event_id = $2`
	listHeadsQuery  = `SELECT event_id, hint_origin, depth FROM room_heads WHERE room_id = $1`
)

// HeadQuery is the room_heads table's query surface: the acquirer's head
// branch input (store.RoomDAG.Heads) and the VM's POST-phase frontier
// maintenance (store.Writer.UpdateHead).
type HeadQuery struct {
	db *dbutil.Database
}

// Heads enumerates the room's current candidate head events.
func (q *HeadQuery) Heads(ctx context.Context, room id.RoomID) iter.Seq2[store.Head, error] {
	return func(yield func(store.Head, error) bool) {
		rows, err := q.db.Query(ctx, listHeadsQuery, room)
		if err != nil {
			yield(store.Head{}, err)
			return
		}
		defer rows.Close()
		for rows.Next() {
			var h store.Head
			if err := rows.Scan(&h.EventID, &h.HintOrigin, &h.Depth); err != nil {
				yield(store.Head{}, err)
				return
			}
			if !yield(h, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(store.Head{}, err)
		}
	}
}

// update removes evt's prev_events from the head set and adds evt itself,
// so the head set always reflects the room's current frontier.
func (q *HeadQuery) update(ctx context.Context, roomID id.RoomID, evt store.InsertedEvent) error {
	for _, prev := range evt.PrevEvents {
		if _, err := q.db.Exec(ctx, deleteHeadQuery, roomID, prev); err != nil {
			return err
		}
	}
	_, err := q.db.Exec(ctx, upsertHeadQuery, roomID, evt.EventID, evt.Origin, evt.Depth)
	return err
}
