package main

import (
	"context"
	"net"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/hlog"
	"go.mau.fi/util/exhttp"
	"go.mau.fi/util/requestlog"

	"github.com/hearth-chat/hearth/metrics"
	fedresource "github.com/hearth-chat/hearth/resource/federation"
	clientresource "github.com/hearth-chat/hearth/resource/client"
)

func (h *Hearth) newHTTPServer(ctx context.Context) *http.Server {
	router := mux.NewRouter()
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	fedRouter := router.PathPrefix("/_matrix/federation").Subrouter()
	fedRouter.Use(hlog.NewHandler(h.Log.With().Str("component", "federation api").Logger()))
	fedRouter.Use(requestlog.AccessLogger(requestlog.Options{}))
	fed := &fedresource.Resource{Store: h.Store, Keys: h.Keys, VM: h.VM, Domain: h.Config.Homeserver.Domain}
	fed.Register(fedRouter, *h.Log)

	keyRouter := router.PathPrefix("/_matrix/key").Subrouter()
	keyRouter.Use(hlog.NewHandler(h.Log.With().Str("component", "key api").Logger()))
	keyRouter.Use(requestlog.AccessLogger(requestlog.Options{}))
	keyRouter.HandleFunc("/v2/query/{serverName}", fed.GetKeyQuery).Methods(http.MethodGet)
	keyRouter.HandleFunc("/v2/query/{serverName}/{keyId}", fed.GetKeyQuery).Methods(http.MethodGet)

	clientRouter := router.PathPrefix("/_matrix/client").Subrouter()
	clientRouter.Use(hlog.NewHandler(h.Log.With().Str("component", "client api").Logger()))
	clientRouter.Use(exhttp.CORSMiddleware)
	clientRouter.Use(requestlog.AccessLogger(requestlog.Options{}))
	cl := &clientresource.Resource{
		Store:      h.Store,
		Access:     h.Access,
		VM:         h.VM,
		Config:     h.Config,
		Domain:     h.Config.Homeserver.Domain,
		KeyID:      h.Config.Hearth.KeyID,
		SigningKey: h.SigningKey,
	}
	cl.Register(clientRouter, *h.Log)

	return &http.Server{
		Addr:    net.JoinHostPort(h.Config.Hearth.Hostname, strconv.Itoa(int(h.Config.Hearth.Port))),
		Handler: router,
	}
}
