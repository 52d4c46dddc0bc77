package client

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/hlog"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/ferr"
	"github.com/hearth-chat/hearth/vm"
)

// ReqCreateRoom mirrors the createroom tuple spec.md §6 names.
type ReqCreateRoom struct {
	Preset                   string           `json:"preset"`
	RoomVersion              string           `json:"room_version"`
	Name                     string           `json:"name"`
	Topic                    string           `json:"topic"`
	Invite                   []string         `json:"invite"`
	InitialState             []map[string]any `json:"initial_state"`
	PowerLevelContentOverride map[string]any  `json:"power_level_content_override"`
	CreationContent          map[string]any   `json:"creation_content"`
	Visibility               string           `json:"visibility"`
	IsDirect                 bool             `json:"is_direct"`
	GuestCanJoin             bool             `json:"guest_can_join"`
	ParentRoomID             string           `json:"parent_room_id"`
}

// RespCreateRoom is what createRoom returns: the new room, plus any
// non-fatal errors accumulated while applying initial_state (spec.md §7
// "local recoveries ... accumulate into a response errors array").
type RespCreateRoom struct {
	RoomID id.RoomID `json:"room_id"`
	Errors []string  `json:"errors"`
}

var presets = map[string]struct {
	joinRule    string
	historyVis  string
	guestAccess string
}{
	"private_chat":         {joinRule: "invite", historyVis: "shared", guestAccess: "can_join"},
	"trusted_private_chat": {joinRule: "invite", historyVis: "shared", guestAccess: "can_join"},
	"public_chat":          {joinRule: "public", historyVis: "shared", guestAccess: "forbidden"},
}

// PostCreateRoom implements POST .../createRoom. The creator is always the
// authenticated user, regardless of any creator field the client sent; this
// server treats every other field of the request as a hint, not a command,
// applying each to the best of its ability and recording failures in the
// response errors array rather than aborting the whole room.
func (res *Resource) PostCreateRoom(w http.ResponseWriter, r *http.Request) {
	log := hlog.FromRequest(r)
	creator, err := res.authenticate(r)
	if err != nil {
		ferr.RespError(err).Write(w)
		return
	}

	var req ReqCreateRoom
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			mautrix.MNotJSON.WithMessage("Invalid JSON").Write(w)
			return
		}
	}
	roomVersion := id.RoomVersion(req.RoomVersion)
	if roomVersion == "" {
		roomVersion = id.RoomVersion(res.Config.Event.CreateRoomVersionDefault)
	}
	if _, ok := event.LookupRoomVersion(roomVersion); !ok {
		mautrix.MInvalidParam.WithMessage("Unknown or unsupported room version").Write(w)
		return
	}

	roomID := id.RoomID("!" + uuid.NewString() + ":" + res.Domain)
	errs := []string{}

	createContent := req.CreationContent
	if createContent == nil {
		createContent = map[string]any{}
	}
	createContent["creator"] = string(creator)
	createContent["room_version"] = string(roomVersion)

	events := []map[string]any{
		res.stateEvent(roomID, creator, "m.room.create", "", createContent),
		res.stateEvent(roomID, creator, "m.room.member", string(creator), map[string]any{"membership": "join"}),
		res.stateEvent(roomID, creator, "m.room.power_levels", "", powerLevelContent(creator, req.PowerLevelContentOverride)),
	}

	preset, ok := presets[req.Preset]
	if !ok {
		preset = presets["private_chat"]
	}
	events = append(events,
		res.stateEvent(roomID, creator, "m.room.join_rules", "", map[string]any{"join_rule": preset.joinRule}),
		res.stateEvent(roomID, creator, "m.room.history_visibility", "", map[string]any{"history_visibility": preset.historyVis}),
		res.stateEvent(roomID, creator, "m.room.guest_access", "", map[string]any{"guest_access": preset.guestAccess}),
	)
	if req.Name != "" {
		events = append(events, res.stateEvent(roomID, creator, "m.room.name", "", map[string]any{"name": req.Name}))
	}
	if req.Topic != "" {
		events = append(events, res.stateEvent(roomID, creator, "m.room.topic", "", map[string]any{"topic": req.Topic}))
	}
	for i, content := range req.InitialState {
		evtType, _ := content["type"].(string)
		stateKey, _ := content["state_key"].(string)
		inner, _ := content["content"].(map[string]any)
		if evtType == "" {
			errs = append(errs, "initial_state["+strconv.Itoa(i)+"]: missing type")
			continue
		}
		events = append(events, res.stateEvent(roomID, creator, evtType, stateKey, inner))
	}

	var prev id.EventID
	depth := int64(0)
	opts := vm.Default(roomVersion)
	for _, raw := range events {
		if prev != "" {
			raw["prev_events"] = []string{string(prev)}
			raw["auth_events"] = authEventsFor(raw, events)
		}
		raw["depth"] = depth
		evt := event.New(raw)
		if err := event.ApplyContentHash(evt); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		eventID, err := event.AssignID(evt, roomVersion)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		format := event.IDFormatBase64URL
		if info, known := event.LookupRoomVersion(roomVersion); known {
			format = info.IDFormat
		}
		if err := event.Sign(evt, res.SigningKey, res.Domain, res.KeyID, format); err != nil {
			errs = append(errs, err.Error())
			continue
		}
		outs, err := res.VM.Eval(r.Context(), []*event.Event{evt}, opts)
		if err != nil {
			errs = append(errs, err.Error())
			continue
		}
		if len(outs) > 0 && outs[0].Fault != vm.FaultAccept {
			errs = append(errs, "failed to apply "+raw["type"].(string)+": "+vm.FaultName(outs[0].Fault))
			continue
		}
		prev = eventID
		depth++
	}

	log.Info().Stringer("room_id", roomID).Int("error_count", len(errs)).Msg("created room")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(RespCreateRoom{RoomID: roomID, Errors: errs})
}

// powerLevelContent builds the m.room.power_levels content every created
// room gets: standard Matrix defaults with the creator granted level 100,
// then any caller-supplied override fields layered on top. The creator's
// level is preserved unless the override explicitly assigns them a
// different one.
func powerLevelContent(creator id.UserID, override map[string]any) map[string]any {
	content := map[string]any{
		"ban":            int64(50),
		"kick":           int64(50),
		"redact":         int64(50),
		"invite":         int64(0),
		"events_default": int64(0),
		"state_default":  int64(50),
		"users_default":  int64(0),
		"events":         map[string]any{},
		"users":          map[string]any{string(creator): int64(100)},
	}
	for k, v := range override {
		content[k] = v
	}
	users, ok := content["users"].(map[string]any)
	if !ok {
		users = map[string]any{}
		content["users"] = users
	}
	if _, set := users[string(creator)]; !set {
		users[string(creator)] = int64(100)
	}
	return content
}

func (res *Resource) stateEvent(roomID id.RoomID, sender id.UserID, evtType, stateKey string, content map[string]any) map[string]any {
	return map[string]any{
		"room_id":          string(roomID),
		"sender":           string(sender),
		"origin":           res.Domain,
		"type":             evtType,
		"state_key":        stateKey,
		"content":          content,
		"origin_server_ts": time.Now().UnixMilli(),
	}
}

// authEventsFor resolves the minimal auth chain (create, creator's
// membership, power_levels, relevant join_rules) from the events built so
// far in this request, mirroring the standard Matrix auth_events selection
// rule in miniature for locally originated events.
func authEventsFor(raw map[string]any, built []map[string]any) []string {
	var out []string
	for _, e := range built {
		t, _ := e["type"].(string)
		switch t {
		case "m.room.create", "m.room.power_levels", "m.room.join_rules":
			if id, ok := e["event_id"].(string); ok {
				out = append(out, id)
			}
		case "m.room.member":
			if sk, _ := e["state_key"].(string); sk == raw["sender"] {
				if id, ok := e["event_id"].(string); ok {
					out = append(out, id)
				}
			}
		}
	}
	return out
}
