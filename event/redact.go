package event

// essentialKeys lists, per event type, the content sub-keys preserved by
// the redaction algorithm (spec.md §4.2 essential). A type not listed here
// has its entire content replaced with {}.
var essentialKeys = map[string][]string{
	"m.room.aliases":            {"aliases"},
	"m.room.create":             {"creator"},
	"m.room.history_visibility": {"history_visibility"},
	"m.room.join_rules":         {"join_rule"},
	"m.room.member":             {"membership"},
	"m.room.power_levels": {
		"ban", "events", "events_default", "kick", "redact",
		"state_default", "users", "users_default",
	},
}

// Essential produces the redaction-algorithm projection of e: a new raw
// object whose content retains only the type's whitelisted sub-keys (or is
// replaced entirely with {} for unlisted types and for m.room.redaction),
// and whose signatures are always cleared. The original event is not
// mutated.
func Essential(e *Event) *Event {
	raw := e.Clone()
	delete(raw, "signatures")

	evtType, _ := raw["type"].(string)
	content, _ := raw["content"].(map[string]any)

	if evtType == "m.room.redaction" {
		raw["content"] = map[string]any{}
		// The top-level redacts field is preserved here for v1/v2 signing
		// preimages; callers signing a v3+ preimage must strip it
		// separately (see SigningPreimage).
		return &Event{Raw: raw}
	}

	keep, known := essentialKeys[evtType]
	newContent := map[string]any{}
	if known {
		for _, k := range keep {
			if v, ok := content[k]; ok {
				newContent[k] = v
			}
		}
	}
	raw["content"] = newContent
	return &Event{Raw: raw}
}

// SigningPreimage returns the raw object used as the ed25519 signing
// preimage: Essential(e), with the redacts field elided for room versions
// that derive event IDs from a content hash (v3+). v1/v2 rooms retain
// redacts in the signing preimage since their event IDs are assigned
// out-of-band rather than derived from it.
func SigningPreimage(e *Event, format IDFormat) map[string]any {
	ess := Essential(e)
	if format != IDFormatOutOfBand {
		delete(ess.Raw, "redacts")
	}
	return ess.Raw
}
