package vm

import "maunium.net/go/mautrix/id"

// Phase identifies one stage of the evaluation pipeline. Values are bits so
// Options.Phases can disable a subset, as ForAcquirer does for every event
// the acquirer submits.
type Phase uint16

const (
	PhaseExecute Phase = 1 << iota
	PhaseIssue
	PhaseConform
	PhaseAccess
	PhaseVerify
	PhaseFetchAuth
	PhaseAuthStatic
	PhaseFetchPrev
	PhaseAuthRelative
	PhaseEvaluate
	PhaseIndex
	PhasePost
	PhaseNotify
	PhaseEffects
)

// AllPhases runs the full pipeline, the default for directly-submitted
// events (createRoom, client sends).
const AllPhases = PhaseExecute | PhaseIssue | PhaseConform | PhaseAccess | PhaseVerify |
	PhaseFetchAuth | PhaseAuthStatic | PhaseFetchPrev | PhaseAuthRelative | PhaseEvaluate |
	PhaseIndex | PhasePost | PhaseNotify | PhaseEffects

// AcquirerPhases is what the acquirer uses for events it already fetched
// and supplied parents for directly: no recursive FETCH_PREV (it would
// recurse through the VM back into the acquirer), no NOTIFY (acquired
// events are historical backfill, not live traffic).
const AcquirerPhases = PhaseExecute | PhaseIssue | PhaseConform | PhaseAccess | PhaseVerify |
	PhaseFetchAuth | PhaseAuthStatic | PhaseAuthRelative | PhaseEvaluate | PhaseIndex | PhasePost | PhaseEffects

// enabledIn reports whether p is enabled in the mask.
func (p Phase) enabledIn(mask Phase) bool { return mask&p != 0 }

// Options carries the per-eval knobs spec.md describes: enabled phases, the
// three fault masks, and write-appendix / notification toggles.
type Options struct {
	Phases Phase

	Accept Mask
	Warn   Mask
	Reject Mask

	RoomVersion id.RoomVersion

	// InfologAccept logs ACCEPT at info level instead of debug; the
	// acquirer sets this so backfilled commits are visible in normal logs.
	InfologAccept bool

	// NotifyServers controls whether POST/NOTIFY fan out to local
	// subscribers. The acquirer disables this for historical events.
	NotifyServers bool

	// WriteRoomHead controls whether POST updates the ROOM_HEAD appendix.
	// ForAcquirer disables this for every event the acquirer submits.
	WriteRoomHead bool

	// Hint is the peer server to consult for FETCH_AUTH/FETCH_PREV, if any.
	Hint string
}

// Default returns the full-pipeline options used for directly-submitted
// events.
func Default(roomVersion id.RoomVersion) Options {
	return Options{
		Phases:        AllPhases,
		Accept:        DefaultAccept,
		Warn:          Mask(0),
		Reject:        DefaultReject,
		RoomVersion:   roomVersion,
		NotifyServers: true,
		WriteRoomHead: true,
	}
}

// ForAcquirer returns the options the acquirer uses for PDUs it resolved
// itself: EXISTS faults are suppressed (warned, not rejected), ACCEPT logs
// at info level, NOTIFY/FETCH_PREV are disabled, and ROOM_HEAD writes are
// skipped.
func ForAcquirer(roomVersion id.RoomVersion, hint string) Options {
	return Options{
		Phases:        AcquirerPhases,
		Accept:        Mask(FaultAccept),
		Warn:          Mask(FaultExists),
		Reject:        Mask(FaultGeneral | FaultInvalid | FaultAuth | FaultState | FaultEvent | FaultBufOverflow | FaultInterrupt),
		RoomVersion:   roomVersion,
		InfologAccept: true,
		NotifyServers: false,
		WriteRoomHead: false,
		Hint:          hint,
	}
}
