package event

import "sync"

// Arena owns the raw JSON source bytes that parsed events keep a
// back-pointer into. Per the "cyclic/back-pointers" design note, an event
// never stores a pointer into its source directly -- it stores a stable
// offset+length into an Arena, and the Arena outlives any event view built
// from it. Views never own the bytes they reference.
type Arena struct {
	mu  sync.Mutex
	buf []byte
}

// NewArena creates an empty arena.
func NewArena() *Arena {
	return &Arena{}
}

// Store appends src to the arena and returns a stable reference to it.
func (a *Arena) Store(src []byte) SourceRef {
	a.mu.Lock()
	defer a.mu.Unlock()
	offset := len(a.buf)
	a.buf = append(a.buf, src...)
	return SourceRef{arena: a, offset: offset, length: len(src)}
}

// SourceRef is a non-owning view into an Arena's buffer. The zero value
// refers to no source (e.g. an event built fresh by the local API rather
// than parsed from a wire buffer).
type SourceRef struct {
	arena  *Arena
	offset int
	length int
}

// Valid reports whether the reference points at an arena.
func (r SourceRef) Valid() bool {
	return r.arena != nil
}

// Bytes returns the referenced slice of the arena's buffer. The returned
// slice must not be mutated; it aliases the arena's storage.
func (r SourceRef) Bytes() []byte {
	if r.arena == nil {
		return nil
	}
	r.arena.mu.Lock()
	defer r.arena.mu.Unlock()
	return r.arena.buf[r.offset : r.offset+r.length]
}
