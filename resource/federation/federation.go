// Package federation implements the server-to-server endpoints spec.md §6
// names: user key queries, peer key queries, and backfill.
package federation

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/canonicaljson"
	"github.com/hearth-chat/hearth/event"
	"github.com/hearth-chat/hearth/ferr"
	"github.com/hearth-chat/hearth/store"
	"github.com/hearth-chat/hearth/vm"
)

// KeyFetcher resolves a peer server's public signing key. It is satisfied
// by *keys.Cache; kept narrow here so this package doesn't need to import
// the concrete cache (or its Redis/LRU dependencies) to be tested.
type KeyFetcher interface {
	PublicKey(ctx context.Context, serverName string, keyID string) (ed25519.PublicKey, bool, error)
}

// Resource holds the collaborators the federation handlers need.
type Resource struct {
	Store  store.RoomDAG
	Keys   KeyFetcher
	VM     *vm.VM
	Domain string
}

// Register mounts the federation resource's server-to-server routes
// (everything under /_matrix/federation) onto router. GetKeyQuery lives
// under the separate /_matrix/key prefix and is registered by the caller
// directly, since it isn't a /_matrix/federation/* path.
func (res *Resource) Register(router *mux.Router, log zerolog.Logger) {
	router.HandleFunc("/v1/user/keys/query", res.PostUserKeysQuery).Methods(http.MethodPost)
	router.HandleFunc("/v1/backfill/{roomId}", res.GetBackfill).Methods(http.MethodGet)
}

var xMatrixAuthRe = regexp.MustCompile(`(\w+)="?([^",]+)"?`)

// verifyOrigin checks the request's X-Matrix Authorization header, the
// server-to-server request signing scheme fetch.FederationClient.sign
// produces on the way out: signature over
// canonicalize({method, uri, origin, destination, content}).
//
// The header's origin, key and sig fields are parsed here, and the
// signature check is hand-rolled as well: federation.ServerAuth
// is the only other X-Matrix-auth type the pack exposes, and meowlnir itself
// only ever constructs one (policyeval/policyserver.go's NewPolicyServer)
// without ever calling it anywhere in that repo, so there's no evidenced
// method to verify an inbound request against; its MSC4284 handlers
// (cmd/meowlnir/policyserver.go's PostMSC4284LegacyEventCheck) authenticate
// PDUs by recomputing the event ID from the body instead of checking this
// header at all.
func (res *Resource) verifyOrigin(r *http.Request, uri string, content map[string]any) (string, error) {
	header := r.Header.Get("Authorization")
	if !strings.HasPrefix(header, "X-Matrix ") {
		return "", ferr.New(ferr.Unauthenticated, "missing X-Matrix authorization header")
	}
	fields := map[string]string{}
	for _, m := range xMatrixAuthRe.FindAllStringSubmatch(header[len("X-Matrix "):], -1) {
		fields[m[1]] = m[2]
	}
	origin, keyID, sigB64 := fields["origin"], fields["key"], fields["sig"]
	if origin == "" || keyID == "" || sigB64 == "" {
		return "", ferr.New(ferr.Unauthenticated, "malformed X-Matrix authorization header")
	}
	preimage := map[string]any{
		"method":      r.Method,
		"uri":         uri,
		"origin":      origin,
		"destination": res.Domain,
	}
	if content != nil {
		preimage["content"] = content
	}
	canonical, err := canonicaljson.CanonicalizeMap(preimage)
	if err != nil {
		return "", ferr.Wrap(ferr.MalformedInput, "failed to canonicalize request preimage", err)
	}
	sig, err := base64.RawStdEncoding.DecodeString(sigB64)
	if err != nil {
		return "", ferr.Wrap(ferr.Verify, "malformed signature encoding", err)
	}
	pub, found, err := res.Keys.PublicKey(r.Context(), origin, keyID)
	if err != nil {
		return "", ferr.Wrap(ferr.Transient, "failed to resolve origin signing key", err)
	}
	if !found || !ed25519.Verify(pub, canonical, sig) {
		return "", ferr.New(ferr.Verify, "request signature verification failed")
	}
	return origin, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// ReqUserKeysQuery mirrors spec.md §6's device_keys request body.
type ReqUserKeysQuery struct {
	DeviceKeys map[string][]string `json:"device_keys"`
}

// RespUserKeysQuery mirrors spec.md §6's response body. Hearth doesn't
// implement device/E2E key storage (spec.md Non-goals: "end-to-end crypto
// key management beyond passthrough federation queries"), so every user
// resolves to an empty device map -- a conformant, if uninformative,
// response for a server with no local device keys on file.
type RespUserKeysQuery struct {
	DeviceKeys map[string]map[string]json.RawMessage `json:"device_keys"`
}

func (res *Resource) PostUserKeysQuery(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		ferr.RespError(ferr.Wrap(ferr.MalformedInput, "failed to read request body", err)).Write(w)
		return
	}
	var content map[string]any
	if err := json.Unmarshal(body, &content); err != nil {
		ferr.RespError(ferr.Wrap(ferr.MalformedInput, "request body is not valid JSON", err)).Write(w)
		return
	}
	if _, err := res.verifyOrigin(r, r.URL.RequestURI(), content); err != nil {
		ferr.RespError(err).Write(w)
		return
	}
	var req ReqUserKeysQuery
	if err := json.Unmarshal(body, &req); err != nil {
		ferr.RespError(ferr.Wrap(ferr.MalformedInput, "request body is not valid JSON", err)).Write(w)
		return
	}
	resp := RespUserKeysQuery{DeviceKeys: map[string]map[string]json.RawMessage{}}
	for userID := range req.DeviceKeys {
		resp.DeviceKeys[userID] = map[string]json.RawMessage{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// ServerKey mirrors one server_keys entry the peer key cache can serve
// back out: a re-export of what keys.Cache fetched, not a freshly signed
// document (Hearth only mints one for its own domain; see its own
// /_matrix/key/v2/server, which lives outside this resource's scope since
// spec.md §6 only names the query endpoint).
type ServerKey struct {
	ServerName   string                    `json:"server_name"`
	VerifyKeys   map[string]json.RawMessage `json:"verify_keys"`
	ValidUntilTS int64                      `json:"valid_until_ts"`
}

func (res *Resource) GetKeyQuery(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	serverName := vars["serverName"]
	keyID := vars["keyId"]
	minValidUntil, _ := strconv.ParseInt(r.URL.Query().Get("minimum_valid_until_ts"), 10, 64)

	if keyID != "" {
		pub, ok, err := res.Keys.PublicKey(r.Context(), serverName, keyID)
		if err != nil {
			ferr.RespError(ferr.Wrap(ferr.Transient, "failed to resolve server key", err)).Write(w)
			return
		}
		if !ok {
			ferr.RespError(ferr.New(ferr.NotFound, "unknown server or key ID")).Write(w)
			return
		}
		writeJSON(w, http.StatusOK, ServerKey{
			ServerName:   serverName,
			VerifyKeys:   map[string]json.RawMessage{keyID: rawKey(pub)},
			ValidUntilTS: time.Now().Add(24 * time.Hour).UnixMilli(),
		})
		return
	}

	_ = minValidUntil
	writeJSON(w, http.StatusOK, map[string]any{"server_keys": []any{}})
}

func rawKey(pub ed25519.PublicKey) json.RawMessage {
	out, _ := json.Marshal(map[string]string{"key": base64.RawStdEncoding.EncodeToString(pub)})
	return out
}

func (res *Resource) GetBackfill(w http.ResponseWriter, r *http.Request) {
	roomID := id.RoomID(mux.Vars(r)["roomId"])
	if _, err := res.verifyOrigin(r, r.URL.RequestURI(), nil); err != nil {
		ferr.RespError(err).Write(w)
		return
	}
	limit := 10
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	var frontier []id.EventID
	for _, v := range r.URL.Query()["v"] {
		frontier = append(frontier, id.EventID(v))
	}
	if len(frontier) == 0 {
		ferr.RespError(ferr.New(ferr.Invalid, "missing required 'v' parameter")).Write(w)
		return
	}

	pdus := make([]json.RawMessage, 0, limit)
	seen := map[id.EventID]bool{}
	queue := append([]id.EventID{}, frontier...)
	for len(queue) > 0 && len(pdus) < limit {
		eventID := queue[0]
		queue = queue[1:]
		if seen[eventID] {
			continue
		}
		seen[eventID] = true
		raw, err := res.Store.EventJSON(r.Context(), eventID)
		if err != nil {
			continue
		}
		evt, err := event.Parse(raw, nil)
		if err != nil || evt.RoomID() != roomID {
			continue
		}
		pdus = append(pdus, json.RawMessage(raw))
		queue = append(queue, evt.PrevEvents()...)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"origin":          res.Domain,
		"origin_server_ts": time.Now().UnixMilli(),
		"pdus":            pdus,
	})
}
