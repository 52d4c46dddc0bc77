package config

import (
	up "go.mau.fi/util/configupgrade"
)

var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: upgradeConfig,
	Blocks:         SpacedBlocks,
	Base:           ExampleConfig,
}

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "homeserver", "address")
	helper.Copy(up.Str, "homeserver", "domain")

	helper.Copy(up.Str, "hearth", "address")
	helper.Copy(up.Str, "hearth", "hostname")
	helper.Copy(up.Int, "hearth", "port")
	helper.Copy(up.Str, "hearth", "signing_key_path")
	helper.Copy(up.Str, "hearth", "key_id")

	helper.Copy(up.Int, "event", "max_size")
	helper.Copy(up.Str, "event", "createroom_version_default")
	helper.Copy(up.Int, "event", "rooms_messages_max_filter_miss")

	helper.Copy(up.Int, "acquirer", "fetch_width")
	helper.Copy(up.Int, "acquirer", "viewport_size")
	helper.Copy(up.Int, "acquirer", "gap_low")
	helper.Copy(up.Int, "acquirer", "gap_high")
	helper.Copy(up.Int, "acquirer", "rounds")
	helper.Copy(up.Int, "acquirer", "timeout_ms")
	helper.Copy(up.Int, "acquirer", "slack_timeout_ms")

	helper.Copy(up.Int, "keys", "cache_size")
	helper.Copy(up.Str, "keys", "ttl")
	helper.Copy(up.Str|up.Null, "keys", "redis")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "max_conn_idle_time")
	helper.Copy(up.Str|up.Null, "database", "max_conn_lifetime")

	helper.Copy(up.Map, "logging")
}

var SpacedBlocks = [][]string{
	{"hearth"},
	{"hearth", "signing_key_path"},
	{"event"},
	{"acquirer"},
	{"keys"},
	{"database"},
	{"logging"},
}
