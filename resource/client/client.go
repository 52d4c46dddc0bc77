// Package client implements the client-to-server endpoints spec.md §6
// names: POST createRoom and GET rooms/{roomId}/messages.
package client

import (
	"crypto/ed25519"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"maunium.net/go/mautrix/id"

	"github.com/hearth-chat/hearth/access"
	"github.com/hearth-chat/hearth/config"
	"github.com/hearth-chat/hearth/ferr"
	"github.com/hearth-chat/hearth/store"
	"github.com/hearth-chat/hearth/vm"
)

// Resource holds the collaborators the client handlers need.
type Resource struct {
	Store  store.RoomDAG
	Access *access.Store
	VM     *vm.VM
	Config *config.Config

	Domain     string
	KeyID      string
	SigningKey ed25519.PrivateKey
}

// Register mounts the client resource's routes onto router.
func (res *Resource) Register(router *mux.Router, log zerolog.Logger) {
	router.HandleFunc("/r0/createRoom", res.PostCreateRoom).Methods(http.MethodPost)
	router.HandleFunc("/v3/createRoom", res.PostCreateRoom).Methods(http.MethodPost)
	router.HandleFunc("/r0/rooms/{roomId}/messages", res.GetMessages).Methods(http.MethodGet)
	router.HandleFunc("/v3/rooms/{roomId}/messages", res.GetMessages).Methods(http.MethodGet)
}

// authenticate resolves the calling user from the request's bearer token.
// Hearth doesn't implement the login/session endpoints (out of spec.md §6's
// interface list); it trusts the localpart a caller's token names, scoped
// to this server's own domain, which is sufficient for exercising
// createRoom/messages without a full client auth layer.
func (res *Resource) authenticate(r *http.Request) (id.UserID, error) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	if token == "" {
		return "", ferr.New(ferr.Unauthenticated, "missing or malformed access token")
	}
	return id.NewUserID(token, res.Domain), nil
}
