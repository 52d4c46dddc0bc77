// Package ferr defines the error taxonomy the HTTP resource handlers use
// to map failures onto Matrix error responses, dispatching on Kind instead
// of string-matching messages. Lower layers (canonicaljson, event, keys,
// store, vm) return their own error values; RespError maps any error that
// is not a *ferr.Error to M_UNKNOWN.
package ferr

import (
	"errors"
	"fmt"

	"maunium.net/go/mautrix"
)

// Kind classifies why an operation failed.
type Kind int

const (
	// MalformedInput covers JSON parse failures and structurally invalid
	// identifiers (bad MXIDs, bad event IDs).
	MalformedInput Kind = iota
	// TooDeep covers canonical JSON nesting beyond the implementation bound.
	TooDeep
	// Invalid covers well-formed input that fails a shape or field check
	// (missing required field, oversized event, bad room version).
	Invalid
	// Auth covers authorization denied under room rules (ACCESS or
	// AUTH_STATIC/AUTH_RELATIVE rejection).
	Auth
	// Unauthenticated covers a request with no usable credential at all
	// (missing or malformed access token / X-Matrix header), distinct from
	// Auth's "credential present but denied".
	Unauthenticated
	// Verify covers hash or signature mismatch.
	Verify
	// Exists covers idempotent re-insertion of an already-indexed event.
	Exists
	// NotFound covers lookups with no matching row.
	NotFound
	// Transient covers network or timeout failures; safe to retry.
	Transient
	// Interrupted covers cooperative cancellation via context.
	Interrupted
	// Internal covers invariant violations; fatal for the operation.
	Internal
)

func (k Kind) String() string {
	switch k {
	case MalformedInput:
		return "malformed_input"
	case TooDeep:
		return "too_deep"
	case Invalid:
		return "invalid"
	case Auth:
		return "auth"
	case Unauthenticated:
		return "unauthenticated"
	case Verify:
		return "verify"
	case Exists:
		return "exists"
	case NotFound:
		return "not_found"
	case Transient:
		return "transient"
	case Interrupted:
		return "interrupted"
	case Internal:
		return "internal"
	default:
		return "unknown"
	}
}

// Error is the concrete error type the resource handlers build and
// RespError translates.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is reports whether err carries the given Kind, looking through wrapping.
func Is(err error, kind Kind) bool {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind == kind
	}
	return false
}

// New constructs an *Error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap constructs an *Error that preserves cause for errors.Unwrap/errors.Is
// chains.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// respErrors maps each Kind to the mautrix.RespError the client/federation
// resources write back on failure. Kinds with no natural Matrix error code
// (Internal, Transient, Interrupted) fall back to M_UNKNOWN.
var respErrors = map[Kind]mautrix.RespError{
	MalformedInput:  mautrix.MNotJSON,
	TooDeep:         mautrix.MBadJSON,
	Invalid:         mautrix.MInvalidParam,
	Auth:            mautrix.MForbidden,
	Unauthenticated: mautrix.MMissingToken,
	Verify:          mautrix.MForbidden,
	Exists:          mautrix.MUnknown,
	NotFound:        mautrix.MNotFound,
	Transient:       mautrix.MUnknown,
	Interrupted:     mautrix.MUnknown,
	Internal:        mautrix.MUnknown,
}

// RespError translates err into the mautrix.RespError a federation or
// client resource should write to the response. Non-*Error values map to
// M_UNKNOWN with their Error() text as the message.
func RespError(err error) mautrix.RespError {
	var fe *Error
	if errors.As(err, &fe) {
		base, ok := respErrors[fe.Kind]
		if !ok {
			base = mautrix.MUnknown
		}
		return base.WithMessage(fe.Message)
	}
	return mautrix.MUnknown.WithMessage(err.Error())
}
