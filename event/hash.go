package event

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"

	"github.com/hearth-chat/hearth/canonicaljson"
)

// contentHashStrip lists the top-level fields removed before computing the
// content hash preimage (spec.md §4.2 content_hash). This strip-set is
// deliberately distinct from the one used for the signing preimage
// (Essential only clears signatures; see redact.go) -- conflating the two
// is a common interop bug in from-scratch Matrix implementations.
var contentHashStrip = []string{"signatures", "hashes", "unsigned", "age_ts", "outlier", "destinations"}

// ContentHashPreimage returns the canonical JSON bytes hashed to produce
// hashes.sha256: e with signatures/hashes/unsigned/age_ts/outlier/
// destinations removed.
func ContentHashPreimage(e *Event) ([]byte, error) {
	raw := e.Clone()
	for _, k := range contentHashStrip {
		delete(raw, k)
	}
	return canonicaljson.CanonicalizeMap(raw)
}

// ContentHash computes SHA-256 over ContentHashPreimage(e).
func ContentHash(e *Event) ([sha256.Size]byte, error) {
	preimage, err := ContentHashPreimage(e)
	if err != nil {
		return [sha256.Size]byte{}, err
	}
	return sha256.Sum256(preimage), nil
}

// Base64Unpadded returns the unpadded standard-alphabet base64 encoding of
// digest, used for hashes.sha256 and for v3 event IDs.
func Base64Unpadded(digest []byte) string {
	return base64.RawStdEncoding.EncodeToString(digest)
}

// Base64URLUnpadded returns the unpadded base64url encoding of digest, used
// for v4+ event IDs.
func Base64URLUnpadded(digest []byte) string {
	return base64.RawURLEncoding.EncodeToString(digest)
}

// VerifyContentHash recomputes the content hash and compares it against
// hashes.sha256, per invariant 2 in spec.md §3.
func VerifyContentHash(e *Event) (bool, error) {
	want, ok := e.Hashes()["sha256"]
	if !ok {
		return false, fmt.Errorf("event has no hashes.sha256")
	}
	got, err := ContentHash(e)
	if err != nil {
		return false, err
	}
	return Base64Unpadded(got[:]) == want, nil
}

// ApplyContentHash computes and assigns hashes.sha256 on e in place.
func ApplyContentHash(e *Event) error {
	digest, err := ContentHash(e)
	if err != nil {
		return err
	}
	e.SetHash("sha256", Base64Unpadded(digest[:]))
	return nil
}
