package fetch

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"

	"github.com/tidwall/gjson"
	"maunium.net/go/mautrix/id"
	"maunium.net/go/mautrix/federation"

	"github.com/hearth-chat/hearth/event"
)

// FederationClient implements Client over the Matrix server-to-server
// backfill endpoint, resolving destinations the way the teacher's outbound
// tooling does (federation.NewServerResolvingTransport handles the
// .well-known/SRV lookup chain) and signing each request with the same
// federation.SigningKey the teacher's PolicyServer holds
// (policyeval/policyserver.go's ServerAuth/SigningKey fields), reusing its
// SignJSON for the canonical-JSON-then-ed25519-then-base64 steps instead of
// redoing them by hand.
type FederationClient struct {
	HTTP *http.Client

	Origin     string
	SigningKey *federation.SigningKey
}

// NewFederationClient builds a FederationClient whose transport resolves
// peer server names via .well-known/SRV, caching results in cache, wrapping
// keyID/priv into the same federation.SigningKey shape
// policyeval/policyserver.go builds its PolicyServer around.
func NewFederationClient(origin, keyID string, priv ed25519.PrivateKey, cache federation.ResolutionCache) *FederationClient {
	pub := priv.Public().(ed25519.PublicKey)
	return &FederationClient{
		HTTP:   &http.Client{Transport: federation.NewServerResolvingTransport(cache)},
		Origin: origin,
		SigningKey: &federation.SigningKey{
			ID:   id.KeyID(keyID),
			Pub:  id.SigningKey(base64.RawStdEncoding.EncodeToString(pub)),
			Priv: priv,
		},
	}
}

// Backfill issues GET /_matrix/federation/v1/backfill/{roomId}?v={eventId}&limit={limit}
// against destination and parses the returned PDU array.
func (c *FederationClient) Backfill(ctx context.Context, destination string, room id.RoomID, eventID id.EventID, limit int) (Result, error) {
	uri := fmt.Sprintf("/_matrix/federation/v1/backfill/%s?v=%s&limit=%d",
		room, eventID, limit)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "https://"+destination+uri, nil)
	if err != nil {
		return Result{}, err
	}
	if err := c.sign(req, destination, uri, nil); err != nil {
		return Result{}, err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch: backfill to %s returned HTTP %d: %s", destination, resp.StatusCode, body)
	}
	pdus := gjson.GetBytes(body, "pdus")
	if !pdus.IsArray() {
		return Result{}, fmt.Errorf("fetch: malformed backfill response: %q: \"pdus\" is not an array", body)
	}
	arena := event.NewArena()
	events := make([]*event.Event, 0, len(pdus.Array()))
	for _, pdu := range pdus.Array() {
		evt, err := event.Parse([]byte(pdu.Raw), arena)
		if err != nil {
			continue
		}
		events = append(events, evt)
	}
	return Result{Events: events}, nil
}

// sign attaches an X-Matrix Authorization header per the server-to-server
// request authentication algorithm: sign {method, uri, origin, destination,
// content} with SigningKey.SignJSON (the same primitive
// policyeval/policyserver.go's HandleSign uses to sign outgoing PDUs) and
// encode the result as origin=...,key=...,sig=....
func (c *FederationClient) sign(req *http.Request, destination, uri string, content map[string]any) error {
	preimage := map[string]any{
		"method":      req.Method,
		"uri":         uri,
		"origin":      c.Origin,
		"destination": destination,
	}
	if content != nil {
		preimage["content"] = content
	}
	sig, err := c.SigningKey.SignJSON(preimage)
	if err != nil {
		return err
	}
	header := fmt.Sprintf(`X-Matrix origin=%q,destination=%q,key=%q,sig=%q`,
		c.Origin, destination, c.SigningKey.ID, sig)
	req.Header.Set("Authorization", header)
	return nil
}
