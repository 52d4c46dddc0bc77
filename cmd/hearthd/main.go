package main

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	up "go.mau.fi/util/configupgrade"
	"go.mau.fi/util/dbutil"
	_ "go.mau.fi/util/dbutil/litestream"
	"go.mau.fi/util/exzerolog"
	"gopkg.in/yaml.v3"
	flag "maunium.net/go/mauflag"
	"maunium.net/go/mautrix/federation"

	"github.com/hearth-chat/hearth/access"
	"github.com/hearth-chat/hearth/acquire"
	"github.com/hearth-chat/hearth/config"
	"github.com/hearth-chat/hearth/fetch"
	"github.com/hearth-chat/hearth/keys"
	"github.com/hearth-chat/hearth/store/postgres"
	"github.com/hearth-chat/hearth/vm"
)

var configPath = flag.MakeFull("c", "config", "Path to the config file", "config.yaml").String()
var noSaveConfig = flag.MakeFull("n", "no-update", "Don't update the config file", "false").Bool()
var version = flag.MakeFull("v", "version", "Print the version and exit", "false").Bool()
var wantHelp, _ = flag.MakeHelpFlag()

// Hearth is the top-level server, wiring the config, store, access
// controller, key cache, acquirer and event VM into one running process.
type Hearth struct {
	Config *config.Config
	Log    *zerolog.Logger

	Store      *postgres.Store
	Access     *access.Store
	Keys       *keys.Cache
	Fetch      *fetch.FederationClient
	Acquirer   *acquire.Acquirer
	VM         *vm.VM
	SigningKey ed25519.PrivateKey
}

func (h *Hearth) Init(ctx context.Context, configPath string, noSave bool) {
	var err error
	h.Config = loadConfig(configPath, noSave)
	h.Log, err = h.Config.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to configure logger:", err)
		os.Exit(11)
	}
	exzerolog.SetupDefaults(h.Log)
	ctx = h.Log.WithContext(ctx)

	h.Log.Info().
		Str("version", VersionWithCommit).
		Time("built_at", ParsedBuildTime).
		Str("go_version", runtime.Version()).
		Msg("Initializing Hearth")

	h.SigningKey, err = loadSigningKey(h.Config.Hearth.SigningKeyPath)
	if err != nil {
		h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to load signing key")
		os.Exit(12)
	}

	mainDB, err := dbutil.NewFromConfig("hearth", h.Config.Database, dbutil.ZeroLogger(h.Log.With().Str("db_section", "main").Logger()))
	if err != nil {
		h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to connect to database")
		os.Exit(13)
	}
	h.Store = postgres.New(mainDB).WithViewportWidth(h.Config.Acquirer.ViewportSize)
	if err := h.Store.CheckSchema(ctx); err != nil {
		h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to check database schema")
		os.Exit(13)
	}

	h.Access = access.NewStore()

	var redisClient *redis.Client
	if h.Config.Keys.Redis != "" {
		opts, err := redis.ParseURL(h.Config.Keys.Redis)
		if err != nil {
			h.Log.WithLevel(zerolog.FatalLevel).Err(err).Msg("Failed to parse keys.redis URL")
			os.Exit(14)
		}
		redisClient = redis.NewClient(opts)
	}
	keyTTL, _ := time.ParseDuration(h.Config.Keys.TTL)
	h.Keys = keys.New(keys.Config{
		CacheSize: h.Config.Keys.CacheSize,
		TTL:       keyTTL,
		Redis:     redisClient,
	}, h.Log.With().Str("component", "keys").Logger())

	cache := federation.NewInMemoryCache()
	h.Fetch = fetch.NewFederationClient(h.Config.Homeserver.Domain, h.Config.Hearth.KeyID, h.SigningKey, cache)

	h.VM = vm.New(h.Store, h.Access, h.Keys, h.Config.Event.MaxSize, h.Log.With().Str("component", "vm").Logger())
	h.Acquirer = acquire.New(h.Store, h.Fetch, h.VM, h.Log.With().Str("component", "acquirer").Logger())
	h.VM.Backfill = h.Acquirer

	h.Log.Info().Msg("Initialization complete")
}

func (h *Hearth) Run(ctx context.Context) {
	srv := h.newHTTPServer(ctx)
	go func() {
		h.Log.Info().Str("address", srv.Addr).Msg("Starting HTTP listener")
		if err := srv.ListenAndServe(); err != nil {
			h.Log.Err(err).Msg("HTTP listener stopped")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		h.Log.Err(err).Msg("Failed to shut down HTTP listener cleanly")
	}
	if err := h.Store.Close(); err != nil {
		h.Log.Err(err).Msg("Failed to close database")
	}
}

func loadSigningKey(path string) (ed25519.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read signing key: %w", err)
	}
	raw, err := base64.RawStdEncoding.DecodeString(string(data))
	if err != nil {
		return nil, fmt.Errorf("failed to decode signing key: %w", err)
	}
	if len(raw) == ed25519.SeedSize {
		return ed25519.NewKeyFromSeed(raw), nil
	}
	if len(raw) == ed25519.PrivateKeySize {
		return ed25519.PrivateKey(raw), nil
	}
	return nil, fmt.Errorf("signing key at %s has unexpected length %d", path, len(raw))
}

func loadConfig(path string, noSave bool) *config.Config {
	configData, _, err := up.Do(path, !noSave, config.Upgrader)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to upgrade config:", err)
		os.Exit(10)
	}
	var cfg config.Config
	if err := yaml.Unmarshal(configData, &cfg); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to parse config:", err)
		os.Exit(10)
	}
	return &cfg
}

func main() {
	initVersion()
	err := flag.Parse()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	} else if *version {
		fmt.Println(VersionDescription)
		os.Exit(0)
	}
	var h Hearth
	ctx, cancel := context.WithCancel(context.Background())
	h.Init(ctx, *configPath, *noSaveConfig)
	ctx = h.Log.WithContext(ctx)
	go func() {
		c := make(chan os.Signal, 1)
		signal.Notify(c, os.Interrupt, syscall.SIGTERM)
		<-c
		cancel()
	}()
	h.Run(ctx)
	h.Log.Info().Msg("Hearth stopped")
}
