package postgres

import (
	"context"
	"database/sql"
	"errors"
	"iter"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/store"
)

var (
	_ store.RoomDAG = (*Store)(nil)
	_ store.Writer  = (*Store)(nil)
)

const prevRefsOfQuery = `
	SELECT er.ref_event_id
	FROM event_refs er
	WHERE er.event_idx = $1 AND er.ref_kind = 'prev'
`

const depthIdxByIDQuery = `SELECT depth, event_idx FROM events WHERE event_id = $1`

// Top delegates to the events table.
func (s *Store) Top(ctx context.Context, room id.RoomID) (id.EventID, int64, store.Index, error) {
	return s.Events.Top(ctx, room)
}

// Count delegates to the events table.
func (s *Store) Count(ctx context.Context, room id.RoomID, lo, hi store.Index) (int64, error) {
	return s.Events.Count(ctx, room, lo, hi)
}

// EventIDByIndex delegates to the events table.
func (s *Store) EventIDByIndex(ctx context.Context, idx store.Index) (id.EventID, error) {
	return s.Events.EventIDByIndex(ctx, idx)
}

// IndexByEventID delegates to the events table.
func (s *Store) IndexByEventID(ctx context.Context, eventID id.EventID) (store.Index, error) {
	return s.Events.IndexByEventID(ctx, eventID)
}

// EventJSON delegates to the events table.
func (s *Store) EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error) {
	return s.Events.EventJSON(ctx, eventID)
}

// Heads delegates to room_heads.
func (s *Store) Heads(ctx context.Context, room id.RoomID) iter.Seq2[store.Head, error] {
	return s.HeadsTable.Heads(ctx, room)
}

// Missing delegates to event_refs.
func (s *Store) Missing(ctx context.Context, room id.RoomID, depthLow, depthHigh int64) iter.Seq2[store.Ref, error] {
	return s.Refs.Missing(ctx, room, depthLow, depthHigh)
}

// Viewport returns the configured recent-history depth window. A store with
// no explicit window configured exposes the full room (0, top depth), which
// callers treat as "no windowing".
func (s *Store) Viewport(ctx context.Context, room id.RoomID) (int64, int64, error) {
	if s.viewportWidth <= 0 {
		_, top, _, err := s.Events.Top(ctx, room)
		if errors.Is(err, store.ErrNotFound) {
			return 0, 0, nil
		}
		return 0, top, err
	}
	_, top, _, err := s.Events.Top(ctx, room)
	if errors.Is(err, store.ErrNotFound) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, err
	}
	low := top - s.viewportWidth
	if low < 0 {
		low = 0
	}
	return low, top, nil
}

// WithViewportWidth sets the recent-history depth window width used by
// Viewport. A width of 0 (the default) means unwindowed.
func (s *Store) WithViewportWidth(width int64) *Store {
	s.viewportWidth = width
	return s
}

// Sounding walks backward from ref along prev_events, following the chain
// only while every referenced event is locally present, and returns the
// depth/index of the deepest point reached. Twain shares this walk and
// returns the depth just above the first gap encountered (or Sounding's own
// depth, if the walk reaches the room's creation without a gap).
func (s *Store) Sounding(ctx context.Context, room id.RoomID, ref id.EventID) (int64, store.Index, error) {
	depth, idx, _, _, _, err := s.walkFromRef(ctx, ref)
	return depth, idx, err
}

func (s *Store) Twain(ctx context.Context, room id.RoomID, ref id.EventID) (int64, store.Index, error) {
	soundDepth, soundIdx, gapDepth, gapIdx, hasGap, err := s.walkFromRef(ctx, ref)
	if err != nil {
		return 0, 0, err
	}
	if !hasGap {
		return soundDepth, soundIdx, nil
	}
	return gapDepth, gapIdx, nil
}

// walkFromRef performs the shared backward walk used by Sounding and Twain.
func (s *Store) walkFromRef(ctx context.Context, ref id.EventID) (soundDepth int64, soundIdx store.Index, gapDepth int64, gapIdx store.Index, hasGap bool, err error) {
	depth, idx, ok, err := s.Events.depthIndexOf(ctx, ref)
	if err != nil {
		return 0, 0, 0, 0, false, err
	}
	if !ok {
		return 0, 0, 0, 0, false, store.ErrNotFound
	}
	soundDepth, soundIdx = depth, idx
	frontierIdx := idx
	frontierDepth := depth

	for {
		rows, err := s.Query(ctx, prevRefsOfQuery, int64(frontierIdx))
		if err != nil {
			return soundDepth, soundIdx, 0, 0, false, err
		}
		var prevIDs []id.EventID
		for rows.Next() {
			var prevID id.EventID
			if err := rows.Scan(&prevID); err != nil {
				rows.Close()
				return soundDepth, soundIdx, 0, 0, false, err
			}
			prevIDs = append(prevIDs, prevID)
		}
		rows.Close()
		if len(prevIDs) == 0 {
			// Room creation event or no recorded backlinks; walk ends cleanly.
			return soundDepth, soundIdx, 0, 0, false, nil
		}

		var minDepth int64 = -1
		var minIdx store.Index
		gapFound := false
		for _, prevID := range prevIDs {
			var pDepth int64
			var pIdx int64
			err := s.QueryRow(ctx, depthIdxByIDQuery, prevID).Scan(&pDepth, &pIdx)
			if errors.Is(err, sql.ErrNoRows) {
				gapFound = true
				continue
			}
			if err != nil {
				return soundDepth, soundIdx, 0, 0, false, err
			}
			if minDepth == -1 || pDepth < minDepth {
				minDepth = pDepth
				minIdx = store.Index(pIdx)
			}
		}
		if gapFound {
			return soundDepth, soundIdx, frontierDepth, store.Index(frontierIdx), true, nil
		}
		soundDepth, soundIdx = minDepth, minIdx
		frontierDepth, frontierIdx = minDepth, minIdx
	}
}

// Exists delegates to the events table.
func (s *Store) Exists(ctx context.Context, eventID id.EventID) (bool, error) {
	return s.Events.Exists(ctx, eventID)
}

// Insert durably records evt and its prev/auth backlinks.
func (s *Store) Insert(ctx context.Context, evt store.InsertedEvent) (store.Index, error) {
	idx, err := s.Events.Insert(ctx, evt)
	if err != nil {
		return 0, err
	}
	if err := s.Refs.insertRefs(ctx, idx, evt); err != nil {
		return 0, err
	}
	return idx, nil
}

// Redact delegates to the events table.
func (s *Store) Redact(ctx context.Context, eventID id.EventID, essentialJSON []byte) error {
	return s.Events.Redact(ctx, eventID, essentialJSON)
}

// UpdateHead delegates to room_heads.
func (s *Store) UpdateHead(ctx context.Context, roomID id.RoomID, evt store.InsertedEvent) error {
	return s.HeadsTable.update(ctx, roomID, evt)
}

// PutState delegates to room_state.
func (s *Store) PutState(ctx context.Context, roomID id.RoomID, evtType, stateKey string, eventID id.EventID) error {
	return s.State.Put(ctx, roomID, evtType, stateKey, eventID)
}

// GetState delegates to room_state.
func (s *Store) GetState(ctx context.Context, roomID id.RoomID, evtType, stateKey string) (id.EventID, bool, error) {
	return s.State.Get(ctx, roomID, evtType, stateKey)
}
