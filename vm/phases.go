package vm

import (
	"context"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/store"
)

// issue validates shape, required fields and size.
func (v *VM) issue(e *event.Event) (Fault, error) {
	raw, err := e.CanonicalJSON()
	if err != nil {
		return FaultInvalid, err
	}
	maxSize := v.MaxSize
	if maxSize <= 0 {
		maxSize = event.MaxSize
	}
	if len(raw) > maxSize {
		return FaultBufOverflow, nil
	}
	if e.RoomID() == "" || e.Sender() == "" || e.Origin() == "" || e.Type() == "" {
		return FaultInvalid, nil
	}
	return FaultAccept, nil
}

// conform checks structural conformance beyond ISSUE's presence checks.
func (v *VM) conform(e *event.Event) (Fault, error) {
	if e.IsState() {
		if _, ok := e.StateKey(); !ok {
			return FaultInvalid, nil
		}
	}
	if e.Type() == "m.room.redaction" {
		if _, ok := e.Redacts(); !ok {
			return FaultInvalid, nil
		}
	}
	return FaultAccept, nil
}

// access applies sender ACL and room-wide ban checks.
func (v *VM) access(e *event.Event) (Fault, error) {
	if v.Access == nil {
		return FaultAccept, nil
	}
	allowed, reason := v.Access.Check(e.RoomID(), e.Sender().Homeserver(), e.Sender())
	if !allowed {
		return FaultAuth, errStr(reason)
	}
	return FaultAccept, nil
}

type simpleError string

func (s simpleError) Error() string { return string(s) }

func errStr(s string) error {
	if s == "" {
		return nil
	}
	return simpleError(s)
}

// verify checks the content hash and at least one signature from origin.
func (v *VM) verify(ctx context.Context, e *event.Event, roomVersion id.RoomVersion) (Fault, error) {
	ok, err := event.VerifyContentHash(e)
	if err != nil {
		return FaultGeneral, err
	}
	if !ok {
		return FaultEvent, nil
	}
	format := event.IDFormatBase64URL
	if info, known := event.LookupRoomVersion(roomVersion); known {
		format = info.IDFormat
	}
	ok, err = event.Verify(ctx, e, e.Origin(), format, v.KeyFetcher)
	if err != nil {
		return FaultGeneral, err
	}
	if !ok {
		return FaultEvent, nil
	}
	return FaultAccept, nil
}

// resolveMissing reports which of ids are absent from the store.
func (v *VM) resolveMissing(ctx context.Context, ids []id.EventID) ([]id.EventID, error) {
	var missing []id.EventID
	for _, eid := range ids {
		ok, err := v.Store.Exists(ctx, eid)
		if err != nil {
			return nil, err
		}
		if !ok {
			missing = append(missing, eid)
		}
	}
	return missing, nil
}

// fetchAuth ensures auth_events are present locally, fetching via the
// acquirer if configured.
func (v *VM) fetchAuth(ctx context.Context, e *event.Event, opts Options) (Fault, error) {
	missing, err := v.resolveMissing(ctx, e.AuthEvents())
	if err != nil {
		return FaultGeneral, err
	}
	if len(missing) == 0 {
		return FaultAccept, nil
	}
	if v.Backfill == nil {
		return FaultState, nil
	}
	if err := v.Backfill.FillGaps(ctx, e.RoomID(), opts.Hint); err != nil {
		return FaultState, err
	}
	missing, err = v.resolveMissing(ctx, e.AuthEvents())
	if err != nil {
		return FaultGeneral, err
	}
	if len(missing) > 0 {
		return FaultState, nil
	}
	return FaultAccept, nil
}

// fetchPrev mirrors fetchAuth for prev_events.
func (v *VM) fetchPrev(ctx context.Context, e *event.Event, opts Options) (Fault, error) {
	missing, err := v.resolveMissing(ctx, e.PrevEvents())
	if err != nil {
		return FaultGeneral, err
	}
	if len(missing) == 0 {
		return FaultAccept, nil
	}
	if v.Backfill == nil {
		return FaultState, nil
	}
	if err := v.Backfill.FillGaps(ctx, e.RoomID(), opts.Hint); err != nil {
		return FaultState, err
	}
	missing, err = v.resolveMissing(ctx, e.PrevEvents())
	if err != nil {
		return FaultGeneral, err
	}
	if len(missing) > 0 {
		return FaultState, nil
	}
	return FaultAccept, nil
}

// authStatic applies the room authorization rules using the referenced
// auth chain. It implements the load-bearing subset of the 11-rule Matrix
// auth algorithm (creation, membership, power levels) rather than the full
// state-resolution-aware algorithm; see DESIGN.md.
func (v *VM) authStatic(ctx context.Context, e *event.Event, roomVersion id.RoomVersion) (Fault, error) {
	return v.authorize(ctx, e, e.AuthEvents())
}

// authRelative re-runs authorization against the room's currently resolved
// state (ROOM_STATE), approximating "state derived from prev_events".
func (v *VM) authRelative(ctx context.Context, e *event.Event, roomVersion id.RoomVersion) (Fault, error) {
	powerLevelsID, ok, err := v.Store.GetState(ctx, e.RoomID(), "m.room.power_levels", "")
	if err != nil {
		return FaultGeneral, err
	}
	var chain []id.EventID
	if ok {
		chain = append(chain, powerLevelsID)
	}
	memberID, ok, err := v.Store.GetState(ctx, e.RoomID(), "m.room.member", string(e.Sender()))
	if err != nil {
		return FaultGeneral, err
	}
	if ok {
		chain = append(chain, memberID)
	}
	createID, ok, err := v.Store.GetState(ctx, e.RoomID(), "m.room.create", "")
	if err != nil {
		return FaultGeneral, err
	}
	if ok {
		chain = append(chain, createID)
	}
	return v.authorize(ctx, e, chain)
}

// evaluate applies the redaction projection when e redacts a present
// target: the target's stored EVENT_JSON is overwritten with its
// essential-fields projection.
func (v *VM) evaluate(ctx context.Context, e *event.Event) (Fault, error) {
	target, ok := e.Redacts()
	if !ok {
		return FaultAccept, nil
	}
	raw, err := v.Store.EventJSON(ctx, target)
	if err == store.ErrNotFound {
		// Nothing to redact locally yet; not an error, the redaction still
		// commits and will apply if the target later arrives.
		return FaultAccept, nil
	}
	if err != nil {
		return FaultGeneral, err
	}
	targetEvent, err := event.Parse(raw, nil)
	if err != nil {
		return FaultGeneral, err
	}
	essentialJSON, err := event.Essential(targetEvent).CanonicalJSON()
	if err != nil {
		return FaultGeneral, err
	}
	if err := v.Store.Redact(ctx, target, essentialJSON); err != nil {
		return FaultGeneral, err
	}
	return FaultAccept, nil
}

// index assigns a fresh monotone event_idx and durably records the event.
func (v *VM) index(ctx context.Context, e *event.Event) (Fault, store.Index, error) {
	eventID, _ := e.EventID()
	exists, err := v.Store.Exists(ctx, eventID)
	if err != nil {
		return FaultGeneral, 0, err
	}
	if exists {
		return FaultExists, 0, nil
	}
	raw, err := e.CanonicalJSON()
	if err != nil {
		return FaultInvalid, 0, err
	}
	var stateKeyPtr *string
	if sk, ok := e.StateKey(); ok {
		stateKeyPtr = &sk
	}
	idx, err := v.Store.Insert(ctx, store.InsertedEvent{
		RoomID:     e.RoomID(),
		EventID:    eventID,
		Depth:      e.Depth(),
		Origin:     e.Origin(),
		PrevEvents: e.PrevEvents(),
		AuthEvents: e.AuthEvents(),
		Type:       e.Type(),
		StateKey:   stateKeyPtr,
		EventJSON:  raw,
	})
	if err == store.ErrAlreadyExists {
		return FaultExists, 0, nil
	}
	if err != nil {
		return FaultGeneral, 0, err
	}
	v.sequence.Add(1)
	return FaultAccept, idx, nil
}

// post appends to the room DAG (head set, current state projection).
func (v *VM) post(ctx context.Context, e *event.Event, opts Options) (Fault, error) {
	eventID, _ := e.EventID()
	var stateKeyPtr *string
	if sk, ok := e.StateKey(); ok {
		stateKeyPtr = &sk
	}
	inserted := store.InsertedEvent{
		RoomID:     e.RoomID(),
		EventID:    eventID,
		Depth:      e.Depth(),
		Origin:     e.Origin(),
		PrevEvents: e.PrevEvents(),
		AuthEvents: e.AuthEvents(),
		Type:       e.Type(),
		StateKey:   stateKeyPtr,
	}
	if opts.WriteRoomHead {
		if err := v.Store.UpdateHead(ctx, e.RoomID(), inserted); err != nil {
			return FaultGeneral, err
		}
	}
	if e.IsState() {
		sk, _ := e.StateKey()
		if err := v.Store.PutState(ctx, e.RoomID(), e.Type(), sk, eventID); err != nil {
			return FaultGeneral, err
		}
	}
	return FaultAccept, nil
}

// effects applies side effects: access-control state updates from
// membership/ACL events, which ACCESS and AUTH_* phases consult on the
// next event.
func (v *VM) effects(e *event.Event) {
	if v.Access == nil {
		return
	}
	switch e.Type() {
	case "m.room.server_acl", "m.room.member":
		v.Access.Update(e)
	}
}
