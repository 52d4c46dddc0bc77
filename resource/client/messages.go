package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/ferr"
	"github.com/hearth-chat/hearth/store"
)

// RespMessages mirrors spec.md §6's {chunk, start, end} response shape.
type RespMessages struct {
	Chunk []json.RawMessage `json:"chunk"`
	Start string            `json:"start"`
	End   string            `json:"end"`
}

const maxMessagesLimit = 255
const defaultMessagesLimit = 10

// annotateAge stamps unsigned.age onto a stored PDU's raw bytes without a
// full unmarshal/remarshal round trip, computed fresh on every read so it
// reflects how long ago the event landed rather than a value baked in at
// insert time.
func annotateAge(raw []byte) []byte {
	ts := gjson.GetBytes(raw, "origin_server_ts").Int()
	if ts == 0 {
		return raw
	}
	age := time.Now().UnixMilli() - ts
	if age < 0 {
		age = 0
	}
	out, err := sjson.SetBytes(raw, "unsigned.age", age)
	if err != nil {
		return raw
	}
	return out
}

// GetMessages implements GET .../rooms/{roomId}/messages. from is required;
// limit is clamped to [1, 255], defaulting to 10; dir selects direction (b
// walks toward lower indices, f toward higher).
func (res *Resource) GetMessages(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(mux.Vars(r)["roomId"])
	q := r.URL.Query()
	from := q.Get("from")
	if from == "" {
		mautrix.MInvalidParam.WithMessage("Missing required 'from' parameter").Write(w)
		return
	}
	dir := q.Get("dir")
	if dir != "b" && dir != "f" {
		mautrix.MInvalidParam.WithMessage("'dir' must be 'b' or 'f'").Write(w)
		return
	}
	limit := defaultMessagesLimit
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			limit = n
		}
	}
	if limit < 1 {
		limit = 1
	}
	if limit > maxMessagesLimit {
		limit = maxMessagesLimit
	}

	fromIdx, err := res.Store.IndexByEventID(r.Context(), id.EventID(from))
	if err != nil {
		ferr.RespError(ferr.Wrap(ferr.NotFound, "unknown pagination token", err)).Write(w)
		return
	}
	var toIdx *store.Index
	if to := q.Get("to"); to != "" {
		idx, err := res.Store.IndexByEventID(r.Context(), id.EventID(to))
		if err == nil {
			toIdx = &idx
		}
	}

	chunk := make([]json.RawMessage, 0, limit)
	cur := fromIdx
	maxFilterMiss := res.Config.Event.RoomsMessagesMaxFilterMiss
	if maxFilterMiss <= 0 {
		maxFilterMiss = 2048
	}
	misses := 0
	var last store.Index
	for len(chunk) < limit && misses < maxFilterMiss {
		if toIdx != nil && cur == *toIdx {
			break
		}
		eventID, err := res.Store.EventIDByIndex(r.Context(), cur)
		if err != nil {
			break
		}
		raw, err := res.Store.EventJSON(r.Context(), eventID)
		if err != nil {
			misses++
		} else {
			evt, err := event.Parse(raw, nil)
			if err == nil && evt.RoomID() == roomID {
				chunk = append(chunk, json.RawMessage(annotateAge(raw)))
				last = cur
			} else {
				misses++
			}
		}
		if dir == "b" {
			if cur == 0 {
				break
			}
			cur--
		} else {
			cur++
		}
	}

	resp := RespMessages{Chunk: chunk, Start: from}
	if len(chunk) > 0 {
		eventID, err := res.Store.EventIDByIndex(r.Context(), last)
		if err == nil {
			resp.End = string(eventID)
		}
	} else {
		resp.End = from
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
