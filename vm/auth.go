package vm

import (
	"context"
	"encoding/json"

	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/event"
)

// powerLevels is the parsed subset of m.room.power_levels content this
// package's auth rules consult.
type powerLevels struct {
	ban, kick, redact, invite, eventsDefault, stateDefault, usersDefault int64
	events                                                               map[string]int64
	users                                                                map[string]int64
}

func defaultPowerLevels() powerLevels {
	return powerLevels{ban: 50, kick: 50, redact: 50, invite: 0, eventsDefault: 0, stateDefault: 50, usersDefault: 0,
		events: map[string]int64{}, users: map[string]int64{}}
}

func parsePowerLevels(content map[string]any) powerLevels {
	pl := defaultPowerLevels()
	if v, ok := content["ban"]; ok {
		pl.ban = intFrom(v, pl.ban)
	}
	if v, ok := content["kick"]; ok {
		pl.kick = intFrom(v, pl.kick)
	}
	if v, ok := content["redact"]; ok {
		pl.redact = intFrom(v, pl.redact)
	}
	if v, ok := content["invite"]; ok {
		pl.invite = intFrom(v, pl.invite)
	}
	if v, ok := content["events_default"]; ok {
		pl.eventsDefault = intFrom(v, pl.eventsDefault)
	}
	if v, ok := content["state_default"]; ok {
		pl.stateDefault = intFrom(v, pl.stateDefault)
	}
	if v, ok := content["users_default"]; ok {
		pl.usersDefault = intFrom(v, pl.usersDefault)
	}
	if m, ok := content["events"].(map[string]any); ok {
		for k, v := range m {
			pl.events[k] = intFrom(v, 0)
		}
	}
	if m, ok := content["users"].(map[string]any); ok {
		for k, v := range m {
			pl.users[k] = intFrom(v, 0)
		}
	}
	return pl
}

func intFrom(v any, fallback int64) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case float64:
		return int64(n)
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		return fallback
	default:
		return fallback
	}
}

func (pl powerLevels) levelFor(userID id.UserID) int64 {
	if lvl, ok := pl.users[string(userID)]; ok {
		return lvl
	}
	return pl.usersDefault
}

func (pl powerLevels) requiredFor(e *event.Event) int64 {
	if lvl, ok := pl.events[e.Type()]; ok {
		return lvl
	}
	if e.IsState() {
		return pl.stateDefault
	}
	return pl.eventsDefault
}

// authorize implements the load-bearing subset of Matrix's room auth rules
// against the event chain resolved by chainIDs: room creation is always
// accepted, every other event requires the sender to hold sufficient power
// per the chain's m.room.power_levels (or the room defaults, absent one),
// and m.room.member transitions additionally require ban/kick authority
// when the target differs from the sender. State resolution across
// divergent branches is not implemented; see DESIGN.md.
func (v *VM) authorize(ctx context.Context, e *event.Event, chainIDs []id.EventID) (Fault, error) {
	if e.Type() == "m.room.create" && len(e.PrevEvents()) == 0 {
		return FaultAccept, nil
	}

	pl := defaultPowerLevels()
	var senderMembership string
	sawPowerLevels := false
	for _, chainID := range chainIDs {
		raw, err := v.Store.EventJSON(ctx, chainID)
		if err != nil {
			continue
		}
		chainEvt, err := event.Parse(raw, nil)
		if err != nil {
			continue
		}
		switch chainEvt.Type() {
		case "m.room.power_levels":
			pl = parsePowerLevels(chainEvt.Content())
			sawPowerLevels = true
		case "m.room.member":
			if sk, ok := chainEvt.StateKey(); ok && id.UserID(sk) == e.Sender() {
				senderMembership, _ = chainEvt.Content()["membership"].(string)
			}
		}
	}

	// A room's first m.room.power_levels event has no predecessor to be
	// measured against, so it is always allowed (mirrors the real Matrix
	// auth rule for power_levels events: "if there is no previous
	// m.room.power_levels event in the room, allow").
	if e.Type() == "m.room.power_levels" && !sawPowerLevels {
		return FaultAccept, nil
	}

	if e.Type() == "m.room.member" {
		stateKey, _ := e.StateKey()
		target := id.UserID(stateKey)
		newMembership, _ := e.Content()["membership"].(string)
		senderLevel := pl.levelFor(e.Sender())
		switch newMembership {
		case "ban":
			if senderLevel < pl.ban {
				return FaultAuth, nil
			}
			return FaultAccept, nil
		case "leave":
			if target == e.Sender() {
				return FaultAccept, nil
			}
			if senderLevel < pl.kick {
				return FaultAuth, nil
			}
			return FaultAccept, nil
		case "join":
			if target == e.Sender() {
				return FaultAccept, nil
			}
			if senderLevel < pl.invite {
				return FaultAuth, nil
			}
			return FaultAccept, nil
		case "invite":
			if senderLevel < pl.invite {
				return FaultAuth, nil
			}
			return FaultAccept, nil
		}
	}

	if senderMembership != "join" && senderMembership != "" {
		// A sender with no recorded membership is tolerated (room creation
		// bootstrap, v1/v2 rooms not tracked in ROOM_STATE yet); an explicit
		// non-join membership is not.
		return FaultAuth, nil
	}

	if pl.levelFor(e.Sender()) < pl.requiredFor(e) {
		return FaultAuth, nil
	}
	return FaultAccept, nil
}
