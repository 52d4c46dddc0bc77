package event

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"

	"github.com/hearth-chat/hearth/canonicaljson"
)

// KeyFetcher resolves a server's public signing key for verification. It is
// satisfied by the keys.Cache service; kept as a narrow interface here so
// the event package never imports the keys cache (which itself depends on
// a federation fetch client).
//
// Per spec.md §4.2, a NotFound result must not be surfaced as an error --
// Verify treats it as a failed verification, not a fault.
type KeyFetcher interface {
	PublicKey(ctx context.Context, serverName string, keyID string) (ed25519.PublicKey, bool, error)
}

// Sign computes an ed25519 signature over canonicalize(essential(event))
// and merges it into signatures[origin][keyID]. format selects whether the
// redacts field is part of the signing preimage (see Essential/
// SigningPreimage); callers pass the IDFormat for the event's room version.
func Sign(e *Event, priv ed25519.PrivateKey, origin string, keyID string, format IDFormat) error {
	preimage, err := canonicaljson.CanonicalizeMap(SigningPreimage(e, format))
	if err != nil {
		return fmt.Errorf("event: failed to build signing preimage: %w", err)
	}
	sig := ed25519.Sign(priv, preimage)
	e.AddSignature(origin, keyID, Base64Unpadded(sig))
	return nil
}

// Verify reports whether at least one signature in signatures[origin]
// verifies under a public key fetched for (origin, keyID). A NotFound
// result from fetcher for every keyID present yields (false, nil): per
// spec.md §4.2 this is not an error condition.
func Verify(ctx context.Context, e *Event, origin string, format IDFormat, fetcher KeyFetcher) (bool, error) {
	sigs, ok := e.Signatures()[origin]
	if !ok || len(sigs) == 0 {
		return false, nil
	}
	preimage, err := canonicaljson.CanonicalizeMap(SigningPreimage(e, format))
	if err != nil {
		return false, fmt.Errorf("event: failed to build signing preimage: %w", err)
	}
	for keyID, sigB64 := range sigs {
		pub, found, err := fetcher.PublicKey(ctx, origin, keyID)
		if err != nil {
			return false, err
		}
		if !found {
			continue
		}
		sig, err := decodeUnpaddedBase64(sigB64)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, preimage, sig) {
			return true, nil
		}
	}
	return false, nil
}

func decodeUnpaddedBase64(s string) ([]byte, error) {
	return base64.RawStdEncoding.DecodeString(s)
}
