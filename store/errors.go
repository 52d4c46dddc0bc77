package store

import "errors"

// ErrNotFound is returned by lookups that find no matching row. It maps to
// the NotFound error kind in spec.md §7.
var ErrNotFound = errors.New("store: not found")

// ErrAlreadyExists is returned by Writer.Insert when the event ID is
// already indexed. It maps to the Exists error kind in spec.md §7 and the
// VM's EXISTS fault.
var ErrAlreadyExists = errors.New("store: event already exists")
