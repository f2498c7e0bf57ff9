// Copyright 2024-2026 Aiku AI

package config

import (
	up "go.mau.fi/util/configupgrade"
)

func upgradeConfig(helper up.Helper) {
	helper.Copy(up.Str, "platform", "type")
	helper.Copy(up.Str, "platform", "mattermost", "server_url")
	helper.Copy(up.Str, "platform", "mattermost", "bot_prefix")

	helper.Copy(up.Str, "database", "type")
	helper.Copy(up.Str, "database", "uri")
	helper.Copy(up.Int, "database", "max_open_conns")
	helper.Copy(up.Int, "database", "max_idle_conns")
	helper.Copy(up.Str|up.Null, "database", "conn_max_idle_time")
	helper.Copy(up.Str|up.Null, "database", "conn_max_lifetime")

	helper.Copy(up.Str, "relay", "command_prefix")
	helper.Copy(up.Int, "relay", "activity_log_limit")
	helper.Copy(up.Str, "relay", "send_timeout")
	helper.Copy(up.Str, "relay", "pacing_timeout")
	helper.Copy(up.Str, "relay", "preflight_timeout")
	helper.Copy(up.Str, "relay", "connect_timeout")
	helper.Copy(up.Str, "relay", "reconnect", "initial_backoff")
	helper.Copy(up.Str, "relay", "reconnect", "max_backoff")
	helper.Copy(up.Int, "relay", "reconnect", "max_attempts")
	helper.Copy(up.Str, "relay", "uptime_schedule")
	helper.Copy(up.Bool, "relay", "connect_on_start")

	helper.Copy(up.Str, "admin_api", "listen_address")

	helper.Copy(up.Map, "logging")
}

// Upgrader copies user values onto the example config so keys added in
// newer versions appear in old files.
var Upgrader = &up.StructUpgrader{
	SimpleUpgrader: up.SimpleUpgrader(upgradeConfig),
	Blocks: [][]string{
		{"database"},
		{"relay"},
		{"admin_api"},
		{"logging"},
	},
	Base: ExampleConfig,
}

// Upgrade rewrites the config file at path onto the current example layout
// and parses the result. When save is false the file is left untouched.
func Upgrade(path string, save bool) (*Config, error) {
	data, _, err := up.Do(path, save, Upgrader)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}
