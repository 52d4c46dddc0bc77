package federation

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"iter"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/canonicaljson"
	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/store"
)

// fakeKeyFetcher resolves a single fixed keypair for one server name,
// mirroring a populated keys.Cache entry without any network I/O.
type fakeKeyFetcher struct {
	origin string
	keyID  string
	pub    ed25519.PublicKey
}

func (f fakeKeyFetcher) PublicKey(ctx context.Context, serverName, keyID string) (ed25519.PublicKey, bool, error) {
	if serverName != f.origin || keyID != f.keyID {
		return nil, false, nil
	}
	return f.pub, true, nil
}

// fakeDAG is a minimal in-memory store.RoomDAG for GetBackfill.
type fakeDAG struct {
	events map[id.EventID][]byte
}

func (f *fakeDAG) Top(context.Context, id.RoomID) (id.EventID, int64, store.Index, error) {
	return "", 0, 0, nil
}
func (f *fakeDAG) Viewport(context.Context, id.RoomID) (int64, int64, error)      { return 0, 0, nil }
func (f *fakeDAG) Sounding(context.Context, id.RoomID, id.EventID) (int64, store.Index, error) {
	return 0, 0, nil
}
func (f *fakeDAG) Twain(context.Context, id.RoomID, id.EventID) (int64, store.Index, error) {
	return 0, 0, nil
}
func (f *fakeDAG) Missing(context.Context, id.RoomID, int64, int64) iter.Seq2[store.Ref, error] {
	return func(yield func(store.Ref, error) bool) {}
}
func (f *fakeDAG) Count(context.Context, id.RoomID, store.Index, store.Index) (int64, error) {
	return 0, nil
}
func (f *fakeDAG) EventIDByIndex(context.Context, store.Index) (id.EventID, error) { return "", nil }
func (f *fakeDAG) IndexByEventID(context.Context, id.EventID) (store.Index, error) { return 0, nil }
func (f *fakeDAG) EventJSON(ctx context.Context, eventID id.EventID) ([]byte, error) {
	raw, ok := f.events[eventID]
	if !ok {
		return nil, store.ErrNotFound
	}
	return raw, nil
}
func (f *fakeDAG) Heads(context.Context, id.RoomID) iter.Seq2[store.Head, error] {
	return func(yield func(store.Head, error) bool) {}
}

// signRequest builds the X-Matrix Authorization header value verifyOrigin
// expects, signing over canonicalize({method, uri, origin, destination[, content]}).
func signRequest(t *testing.T, priv ed25519.PrivateKey, origin, keyID, method, uri, destination string, content map[string]any) string {
	t.Helper()
	preimage := map[string]any{
		"method":      method,
		"uri":         uri,
		"origin":      origin,
		"destination": destination,
	}
	if content != nil {
		preimage["content"] = content
	}
	canonical, err := canonicaljson.CanonicalizeMap(preimage)
	if err != nil {
		t.Fatalf("canonicalize: %v", err)
	}
	sig := ed25519.Sign(priv, canonical)
	return `X-Matrix origin="` + origin + `",key="` + keyID + `",sig="` + base64.RawStdEncoding.EncodeToString(sig) + `"`
}

func TestGetBackfillRequiresXMatrixHeader(t *testing.T) {
	res := &Resource{Store: &fakeDAG{}, Keys: fakeKeyFetcher{}, Domain: "example.org"}
	router := mux.NewRouter()
	res.Register(router, zerolog.Nop())

	req := httptest.NewRequest(http.MethodGet, "/v1/backfill/!room:example.org?v=$x", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetBackfillRequiresVParam(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	res := &Resource{
		Store:  &fakeDAG{},
		Keys:   fakeKeyFetcher{origin: "peer.example.org", keyID: "ed25519:1", pub: pub},
		Domain: "example.org",
	}
	router := mux.NewRouter()
	res.Register(router, zerolog.Nop())

	uri := "/v1/backfill/!room:example.org"
	req := httptest.NewRequest(http.MethodGet, uri, nil)
	req.Header.Set("Authorization", signRequest(t, priv, "peer.example.org", "ed25519:1", http.MethodGet, uri, "example.org", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetBackfillWalksPrevEvents(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	roomID := id.RoomID("!room:example.org")
	root := event.New(map[string]any{
		"room_id":  string(roomID),
		"event_id": "$root",
		"type":     "m.room.create",
		"sender":   "@alice:example.org",
		"origin":   "example.org",
	})
	rootRaw, err := root.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}
	head := event.New(map[string]any{
		"room_id":     string(roomID),
		"event_id":    "$head",
		"type":        "m.room.message",
		"sender":      "@alice:example.org",
		"origin":      "example.org",
		"prev_events": []string{"$root"},
	})
	headRaw, err := head.CanonicalJSON()
	if err != nil {
		t.Fatalf("CanonicalJSON: %v", err)
	}

	dag := &fakeDAG{events: map[id.EventID][]byte{
		"$root": rootRaw,
		"$head": headRaw,
	}}
	res := &Resource{
		Store:  dag,
		Keys:   fakeKeyFetcher{origin: "peer.example.org", keyID: "ed25519:1", pub: pub},
		Domain: "example.org",
	}
	router := mux.NewRouter()
	res.Register(router, zerolog.Nop())

	uri := "/v1/backfill/!room:example.org?v=%24head&limit=10"
	req := httptest.NewRequest(http.MethodGet, uri, nil)
	req.Header.Set("Authorization", signRequest(t, priv, "peer.example.org", "ed25519:1", http.MethodGet, uri, "example.org", nil))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		PDUs []json.RawMessage `json:"pdus"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp.PDUs) != 2 {
		t.Fatalf("expected 2 PDUs ($head and $root), got %d", len(resp.PDUs))
	}
}

func TestGetKeyQueryUnknownKeyIsNotFound(t *testing.T) {
	res := &Resource{Keys: fakeKeyFetcher{}, Domain: "example.org"}
	router := mux.NewRouter()
	router.HandleFunc("/v2/query/{serverName}/{keyId}", res.GetKeyQuery).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/v2/query/peer.example.org/ed25519:1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestGetKeyQueryReturnsKnownKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	res := &Resource{
		Keys:   fakeKeyFetcher{origin: "peer.example.org", keyID: "ed25519:1", pub: pub},
		Domain: "example.org",
	}
	router := mux.NewRouter()
	router.HandleFunc("/v2/query/{serverName}/{keyId}", res.GetKeyQuery).Methods(http.MethodGet)

	req := httptest.NewRequest(http.MethodGet, "/v2/query/peer.example.org/ed25519:1", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp ServerKey
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ServerName != "peer.example.org" {
		t.Errorf("unexpected server_name: %s", resp.ServerName)
	}
	if _, ok := resp.VerifyKeys["ed25519:1"]; !ok {
		t.Errorf("expected verify_keys to contain ed25519:1, got %v", resp.VerifyKeys)
	}
}

func TestPostUserKeysQueryReturnsEmptyDeviceMaps(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	res := &Resource{
		Keys:   fakeKeyFetcher{origin: "peer.example.org", keyID: "ed25519:1", pub: pub},
		Domain: "example.org",
	}
	router := mux.NewRouter()
	res.Register(router, zerolog.Nop())

	uri := "/v1/user/keys/query"
	content := map[string]any{"device_keys": map[string]any{"@alice:example.org": []any{}}}
	body, err := json.Marshal(content)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, uri, bytes.NewReader(body))
	req.Header.Set("Authorization", signRequest(t, priv, "peer.example.org", "ed25519:1", http.MethodPost, uri, "example.org", content))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp RespUserKeysQuery
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	devices, ok := resp.DeviceKeys["@alice:example.org"]
	if !ok {
		t.Fatalf("expected device_keys entry for @alice:example.org, got %v", resp.DeviceKeys)
	}
	if len(devices) != 0 {
		t.Errorf("expected empty device map, got %v", devices)
	}
}
