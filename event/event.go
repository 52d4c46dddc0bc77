// Package event implements the Matrix event model: canonical hashing,
// ed25519 signing and verification, the redaction ("essential fields")
// algorithm, and event ID derivation across room versions. It is the typed
// view over an opaque JSON object described in spec.md §3.
package event

import (
	"bytes"
	"encoding/json"
	"fmt"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/canonicaljson"
)

// MaxSize is the default value of the m.event.max_size configuration key:
// the largest PDU this server will create or accept.
const MaxSize = 65507

// Event is a typed view over a parsed (or freshly built) Matrix event. Raw
// holds the full decoded JSON object, including fields this package doesn't
// model explicitly (arbitrary content, unsigned extensions); Raw, not the
// typed accessors, is what hashing/signing/canonicalization operate on, so
// that an Event round-trips byte-for-byte through verification.
type Event struct {
	Raw map[string]any

	// Source is a back-pointer to the arena-owned bytes this event was
	// parsed from, if any. It is never serialized and is the zero SourceRef
	// for events built fresh by the local API.
	Source SourceRef
}

// New wraps a freshly built (not-yet-hashed, not-yet-signed) raw object,
// e.g. one produced by the local createRoom handler.
func New(raw map[string]any) *Event {
	return &Event{Raw: raw}
}

// Parse decodes src (a single JSON object) into an Event, storing src in
// arena and keeping a SourceRef back-pointer. It fails with an error
// wrapping the encoding/json decode error if src isn't a JSON object.
func Parse(src []byte, arena *Arena) (*Event, error) {
	dec := json.NewDecoder(bytes.NewReader(src))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("event: malformed JSON: %w", err)
	}
	ev := &Event{Raw: raw}
	if arena != nil {
		ev.Source = arena.Store(src)
	}
	return ev, nil
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// RoomID returns the event's room_id field.
func (e *Event) RoomID() id.RoomID { return id.RoomID(str(e.Raw["room_id"])) }

// Sender returns the event's sender field.
func (e *Event) Sender() id.UserID { return id.UserID(str(e.Raw["sender"])) }

// Origin returns the event's origin field (the server that created it).
func (e *Event) Origin() string { return str(e.Raw["origin"]) }

// Type returns the event's type field.
func (e *Event) Type() string { return str(e.Raw["type"]) }

// StateKey returns the event's state_key field and whether it is present.
func (e *Event) StateKey() (string, bool) {
	v, ok := e.Raw["state_key"]
	if !ok {
		return "", false
	}
	return str(v), true
}

// IsState reports whether the event carries a state_key.
func (e *Event) IsState() bool {
	_, ok := e.Raw["state_key"]
	return ok
}

// Content returns the event's opaque content object.
func (e *Event) Content() map[string]any {
	c, _ := e.Raw["content"].(map[string]any)
	return c
}

// OriginServerTS returns the event's origin_server_ts field.
func (e *Event) OriginServerTS() int64 { return intOf(e.Raw["origin_server_ts"]) }

// Depth returns the event's depth field.
func (e *Event) Depth() int64 { return intOf(e.Raw["depth"]) }

func intOf(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		i, _ := n.Int64()
		return i
	case float64:
		return int64(n)
	case int64:
		return n
	case int:
		return int64(n)
	default:
		return 0
	}
}

// eventIDList decodes a JSON array field into a list of event IDs,
// tolerating both the bare-ID list form and the [id, hash-object] v1/v2
// tuple form (the hash-object half is discarded; reference hashes for
// prev/auth events are not verified by this server, matching common
// practice among v3+-only deployments).
func eventIDList(v any) []id.EventID {
	arr, _ := v.([]any)
	out := make([]id.EventID, 0, len(arr))
	for _, item := range arr {
		switch it := item.(type) {
		case string:
			out = append(out, id.EventID(it))
		case []any:
			if len(it) > 0 {
				if s, ok := it[0].(string); ok {
					out = append(out, id.EventID(s))
				}
			}
		}
	}
	return out
}

// PrevEvents returns the event's prev_events field.
func (e *Event) PrevEvents() []id.EventID { return eventIDList(e.Raw["prev_events"]) }

// AuthEvents returns the event's auth_events field.
func (e *Event) AuthEvents() []id.EventID { return eventIDList(e.Raw["auth_events"]) }

// EventID returns the event's event_id field and whether it is set.
func (e *Event) EventID() (id.EventID, bool) {
	v, ok := e.Raw["event_id"]
	if !ok {
		return "", false
	}
	return id.EventID(str(v)), true
}

// SetEventID assigns the event_id field, used after DeriveID for v3+ rooms.
func (e *Event) SetEventID(eventID id.EventID) {
	e.Raw["event_id"] = string(eventID)
}

// Redacts returns the event's redacts field (only meaningful for
// m.room.redaction events) and whether it is present.
func (e *Event) Redacts() (id.EventID, bool) {
	v, ok := e.Raw["redacts"]
	if !ok {
		return "", false
	}
	return id.EventID(str(v)), true
}

// Hashes returns the event's hashes.* map (algorithm -> base64 digest).
func (e *Event) Hashes() map[string]string {
	out := map[string]string{}
	if m, ok := e.Raw["hashes"].(map[string]any); ok {
		for k, v := range m {
			out[k] = str(v)
		}
	}
	return out
}

// SetHash assigns hashes[algo] = value, creating the hashes object if absent.
func (e *Event) SetHash(algo, value string) {
	m, ok := e.Raw["hashes"].(map[string]any)
	if !ok {
		m = map[string]any{}
		e.Raw["hashes"] = m
	}
	m[algo] = value
}

// Signatures returns the event's signatures map (server -> keyID -> sig).
func (e *Event) Signatures() map[string]map[string]string {
	out := map[string]map[string]string{}
	if m, ok := e.Raw["signatures"].(map[string]any); ok {
		for server, v := range m {
			inner, _ := v.(map[string]any)
			sigs := map[string]string{}
			for keyID, sv := range inner {
				sigs[keyID] = str(sv)
			}
			out[server] = sigs
		}
	}
	return out
}

// AddSignature merges a signature into signatures[server][keyID].
func (e *Event) AddSignature(server, keyID, signature string) {
	m, ok := e.Raw["signatures"].(map[string]any)
	if !ok {
		m = map[string]any{}
		e.Raw["signatures"] = m
	}
	serverMap, ok := m[server].(map[string]any)
	if !ok {
		serverMap = map[string]any{}
		m[server] = serverMap
	}
	serverMap[keyID] = signature
}

// CanonicalJSON returns the event's canonical serialization: Source's bytes
// re-canonicalized if present (so a round-tripped parse always reproduces
// the wire form byte-for-byte), or a fresh canonicalization of Raw for
// events built locally.
func (e *Event) CanonicalJSON() ([]byte, error) {
	if e.Source.Valid() {
		return canonicaljson.Canonicalize(e.Source.Bytes())
	}
	return canonicaljson.CanonicalizeMap(e.Raw)
}

// Clone returns a deep copy of the event's raw object, safe to mutate
// without affecting the original (used before stripping fields for a hash
// or signing preimage).
func (e *Event) Clone() map[string]any {
	return cloneValue(e.Raw).(map[string]any)
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = cloneValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = cloneValue(val)
		}
		return out
	default:
		return v
	}
}
