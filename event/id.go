package event

import (
	"crypto/sha256"
	"fmt"

	"github.com/hearth-chat/hearth/canonicaljson"
	"maunium.net/go/mautrix/id"
)

// referenceHashPreimage returns the canonical bytes hashed to derive a v3+
// event ID: the signing preimage (Essential with signatures cleared and,
// for v3+, redacts elided), NOT the content-hash preimage. The two
// preimages strip different field sets and must never be conflated.
func referenceHashPreimage(e *Event, format IDFormat) ([]byte, error) {
	return canonicaljson.CanonicalizeMap(SigningPreimage(e, format))
}

// DeriveID computes the event ID for e under room version v, per spec.md
// §3 "Event ID". For v1/v2 it simply returns e's existing event_id (those
// IDs are assigned out-of-band, not derived); for v3 it is "$" + unpadded
// base64 of the reference hash; for v4+ it is "$" + unpadded base64url.
// DeriveID does not assign the result back onto e -- callers that want that
// use AssignID.
func DeriveID(e *Event, v id.RoomVersion) (id.EventID, error) {
	info, ok := LookupRoomVersion(v)
	if !ok {
		return "", fmt.Errorf("event: unknown room version %q", v)
	}
	if info.IDFormat == IDFormatOutOfBand {
		existing, _ := e.EventID()
		return existing, nil
	}
	preimage, err := referenceHashPreimage(e, info.IDFormat)
	if err != nil {
		return "", err
	}
	digest := sha256.Sum256(preimage)
	switch info.IDFormat {
	case IDFormatBase64:
		return id.EventID("$" + Base64Unpadded(digest[:])), nil
	default:
		return id.EventID("$" + Base64URLUnpadded(digest[:])), nil
	}
}

// AssignID derives and assigns e's event_id for room version v. It is a
// no-op (returning the existing ID) for v1/v2 rooms, whose IDs are assigned
// by their creator rather than derived.
func AssignID(e *Event, v id.RoomVersion) (id.EventID, error) {
	if info, ok := LookupRoomVersion(v); ok && info.IDFormat == IDFormatOutOfBand {
		existing, _ := e.EventID()
		return existing, nil
	}
	derived, err := DeriveID(e, v)
	if err != nil {
		return "", err
	}
	e.SetEventID(derived)
	return derived, nil
}

// CheckID implements spec.md §4.2 check_id: for v1/v2 it only checks that
// event_id is present (those IDs cannot be independently verified); for v3+
// it re-derives the ID from e's content and compares against the stored
// event_id.
func CheckID(e *Event, v id.RoomVersion) (bool, error) {
	info, ok := LookupRoomVersion(v)
	if !ok {
		return false, fmt.Errorf("event: unknown room version %q", v)
	}
	existing, has := e.EventID()
	if !has || existing == "" {
		return false, nil
	}
	if info.IDFormat == IDFormatOutOfBand {
		return true, nil
	}
	derived, err := DeriveID(e, v)
	if err != nil {
		return false, err
	}
	return derived == existing, nil
}
