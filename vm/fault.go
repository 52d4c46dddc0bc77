package vm

// Fault is the outcome a single VM phase reports. It is a bitmask so a
// caller's accept/warn/reject options can test membership with a single
// AND, mirroring the teacher's glob/policylist recommendation bitmasks.
type Fault uint16

const (
	// FaultAccept means the phase succeeded outright.
	FaultAccept Fault = 1 << iota
	// FaultExists means the event is already indexed; informational by
	// default.
	FaultExists
	// FaultGeneral is an unclassified failure (I/O error, context cancel
	// aside).
	FaultGeneral
	// FaultInvalid means the event fails a shape or size check.
	FaultInvalid
	// FaultAuth means authorization was denied under room rules.
	FaultAuth
	// FaultState means required state (auth or prev events) could not be
	// resolved, locally or via fetch.
	FaultState
	// FaultEvent means the event itself is malformed (bad hash, bad
	// signature, bad ID).
	FaultEvent
	// FaultBufOverflow means the event exceeds event.max_size.
	FaultBufOverflow
	// FaultInterrupt means the evaluation was cancelled. Always propagates
	// regardless of any mask.
	FaultInterrupt
)

// Mask is a set of Faults a caller treats uniformly.
type Mask Fault

// Has reports whether m includes f.
func (m Mask) Has(f Fault) bool { return Fault(m)&f != 0 }

// DefaultAccept treats ACCEPT and EXISTS as success.
const DefaultAccept = Mask(FaultAccept | FaultExists)

// DefaultReject aborts the event atomically on any of these.
const DefaultReject = Mask(FaultGeneral | FaultInvalid | FaultAuth | FaultState | FaultEvent | FaultBufOverflow | FaultInterrupt)

// FaultName returns f's identifier name, for error messages and logs.
func FaultName(f Fault) string {
	switch f {
	case FaultAccept:
		return "ACCEPT"
	case FaultExists:
		return "EXISTS"
	case FaultGeneral:
		return "GENERAL"
	case FaultInvalid:
		return "INVALID"
	case FaultAuth:
		return "AUTH"
	case FaultState:
		return "STATE"
	case FaultEvent:
		return "EVENT"
	case FaultBufOverflow:
		return "BUF_OVERFLOW"
	case FaultInterrupt:
		return "INTERRUPT"
	default:
		return "UNKNOWN"
	}
}
