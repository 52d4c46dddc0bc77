package event

import "maunium.net/go/mautrix/id"

// IDFormat selects how an event ID is derived for a given room version, per
// spec.md §3 "Event ID".
type IDFormat int

const (
	// IDFormatOutOfBand covers room versions 1 and 2: the event ID is
	// generated by the event's creator (typically "$<random>:<server>") and
	// is not re-derivable from the event's content.
	IDFormatOutOfBand IDFormat = iota
	// IDFormatBase64 covers room version 3: "$" + unpadded standard base64
	// of the reference hash.
	IDFormatBase64
	// IDFormatBase64URL covers room version 4 and later: "$" + unpadded
	// base64url of the reference hash.
	IDFormatBase64URL
)

// RoomVersionInfo describes the event-ID-derivation behavior of one room
// version. Other per-version behaviors (auth rules, state resolution
// algorithm) are out of this package's scope; see the vm package.
type RoomVersionInfo struct {
	Version  id.RoomVersion
	IDFormat IDFormat
}

var knownRoomVersions = map[id.RoomVersion]RoomVersionInfo{
	"1":  {Version: "1", IDFormat: IDFormatOutOfBand},
	"2":  {Version: "2", IDFormat: IDFormatOutOfBand},
	"3":  {Version: "3", IDFormat: IDFormatBase64},
	"4":  {Version: "4", IDFormat: IDFormatBase64URL},
	"5":  {Version: "5", IDFormat: IDFormatBase64URL},
	"6":  {Version: "6", IDFormat: IDFormatBase64URL},
	"7":  {Version: "7", IDFormat: IDFormatBase64URL},
	"8":  {Version: "8", IDFormat: IDFormatBase64URL},
	"9":  {Version: "9", IDFormat: IDFormatBase64URL},
	"10": {Version: "10", IDFormat: IDFormatBase64URL},
	"11": {Version: "11", IDFormat: IDFormatBase64URL},
}

// LookupRoomVersion returns the derivation behavior for a room version.
func LookupRoomVersion(v id.RoomVersion) (RoomVersionInfo, bool) {
	info, ok := knownRoomVersions[v]
	return info, ok
}

// DefaultRoomVersion is used when a caller does not specify one; it mirrors
// the ircd.m.createroom.version_default configuration key's factory value.
const DefaultRoomVersion id.RoomVersion = "5"
