package config

import (
	_ "embed"

	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
)

//go:embed example-config.yaml
var ExampleConfig string

// HomeserverConfig points at the Matrix homeserver this instance federates
// on behalf of.
type HomeserverConfig struct {
	Address string `yaml:"address"`
	Domain  string `yaml:"domain"`
}

// HearthConfig holds this server's own identity, listen address, and
// federation signing key.
type HearthConfig struct {
	Address  string `yaml:"address"`
	Hostname string `yaml:"hostname"`
	Port     uint16 `yaml:"port"`

	SigningKeyPath string `yaml:"signing_key_path"`
	KeyID          string `yaml:"key_id"`
}

// EventConfig carries the VM's size and default-version knobs.
type EventConfig struct {
	MaxSize                  int    `yaml:"max_size"`
	CreateRoomVersionDefault string `yaml:"createroom_version_default"`
	RoomsMessagesMaxFilterMiss int  `yaml:"rooms_messages_max_filter_miss"`
}

// AcquirerConfig configures the backfill-gap-filling acquirer.
type AcquirerConfig struct {
	FetchWidth     int   `yaml:"fetch_width"`
	ViewportSize   int64 `yaml:"viewport_size"`
	GapLow         int64 `yaml:"gap_low"`
	GapHigh        int64 `yaml:"gap_high"`
	Rounds         int   `yaml:"rounds"`
	TimeoutMS      int   `yaml:"timeout_ms"`
	SlackTimeoutMS int   `yaml:"slack_timeout_ms"`
}

// KeysConfig configures the peer signing-key cache: an in-process LRU
// fronting an optional Redis tier for cross-process sharing.
type KeysConfig struct {
	CacheSize int    `yaml:"cache_size"`
	TTL       string `yaml:"ttl"`
	Redis     string `yaml:"redis"`
}

type Config struct {
	Homeserver HomeserverConfig  `yaml:"homeserver"`
	Hearth     HearthConfig      `yaml:"hearth"`
	Event      EventConfig       `yaml:"event"`
	Acquirer   AcquirerConfig    `yaml:"acquirer"`
	Keys       KeysConfig        `yaml:"keys"`
	Database   dbutil.Config     `yaml:"database"`
	Logging    zeroconfig.Config `yaml:"logging"`
}
