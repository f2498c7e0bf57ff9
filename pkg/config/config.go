// Copyright 2024-2026 Aiku AI

// Package config loads the channel-relay process configuration.
package config

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/zeroconfig"
	"gopkg.in/yaml.v3"

	"github.com/aiku/channel-relay/pkg/connector/mattermost"
	"github.com/aiku/channel-relay/pkg/relay"
)

//go:embed example-config.yaml
var ExampleConfig string

// Supported platform types.
const (
	PlatformDiscord    = "discord"
	PlatformMattermost = "mattermost"
)

// Environment variables that override the persisted bot token, in order of
// precedence.
var TokenEnvVars = []string{"RELAY_BOT_TOKEN", "DISCORD_BOT_TOKEN"}

// Config is the root of the YAML configuration file.
type Config struct {
	Platform PlatformConfig    `yaml:"platform"`
	Database dbutil.Config     `yaml:"database"`
	Relay    RelayConfig       `yaml:"relay"`
	AdminAPI AdminAPIConfig    `yaml:"admin_api"`
	Logging  zeroconfig.Config `yaml:"logging"`
}

type PlatformConfig struct {
	Type       string            `yaml:"type"`
	Mattermost mattermost.Config `yaml:"mattermost"`
}

type ReconnectConfig struct {
	InitialBackoff string `yaml:"initial_backoff"`
	MaxBackoff     string `yaml:"max_backoff"`
	MaxAttempts    int    `yaml:"max_attempts"`
}

type RelayConfig struct {
	CommandPrefix    string          `yaml:"command_prefix"`
	ActivityLogLimit int             `yaml:"activity_log_limit"`
	SendTimeout      string          `yaml:"send_timeout"`
	PacingTimeout    string          `yaml:"pacing_timeout"`
	PreflightTimeout string          `yaml:"preflight_timeout"`
	ConnectTimeout   string          `yaml:"connect_timeout"`
	Reconnect        ReconnectConfig `yaml:"reconnect"`
	UptimeSchedule   string          `yaml:"uptime_schedule"`
	ConnectOnStart   bool            `yaml:"connect_on_start"`

	sendTimeout      time.Duration
	pacingTimeout    time.Duration
	preflightTimeout time.Duration
	connectTimeout   time.Duration
	backoff          relay.BackoffConfig
}

type AdminAPIConfig struct {
	// ListenAddress is the admin HTTP API address. Empty disables the API.
	ListenAddress string `yaml:"listen_address"`
}

func (c *Config) UnmarshalYAML(node *yaml.Node) error {
	type rawConfig Config
	return node.Decode((*rawConfig)(c))
}

// Load reads and parses the config file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	return Parse(data)
}

// Parse decodes data on top of the example config, so keys missing from
// data keep their defaults, and post-processes the result.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(ExampleConfig), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse example config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func parseDuration(field, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid relay.%s: %w", field, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("invalid relay.%s: must not be negative", field)
	}
	return d, nil
}

// PostProcess validates the config and parses derived values.
func (c *Config) PostProcess() error {
	c.Platform.Type = strings.ToLower(strings.TrimSpace(c.Platform.Type))
	switch c.Platform.Type {
	case PlatformDiscord:
	case PlatformMattermost:
		if c.Platform.Mattermost.ServerURL == "" {
			return errors.New("platform.mattermost.server_url is required for the mattermost platform")
		}
	default:
		return fmt.Errorf("unsupported platform.type %q", c.Platform.Type)
	}

	r := &c.Relay
	var err error
	if r.sendTimeout, err = parseDuration("send_timeout", r.SendTimeout); err != nil {
		return err
	}
	if r.pacingTimeout, err = parseDuration("pacing_timeout", r.PacingTimeout); err != nil {
		return err
	}
	if r.preflightTimeout, err = parseDuration("preflight_timeout", r.PreflightTimeout); err != nil {
		return err
	}
	if r.connectTimeout, err = parseDuration("connect_timeout", r.ConnectTimeout); err != nil {
		return err
	}
	if r.backoff.Initial, err = parseDuration("reconnect.initial_backoff", r.Reconnect.InitialBackoff); err != nil {
		return err
	}
	if r.backoff.Max, err = parseDuration("reconnect.max_backoff", r.Reconnect.MaxBackoff); err != nil {
		return err
	}
	if r.Reconnect.MaxAttempts < 0 {
		return errors.New("relay.reconnect.max_attempts must not be negative")
	}
	r.backoff.MaxAttempts = r.Reconnect.MaxAttempts
	if r.ActivityLogLimit < 0 {
		return errors.New("relay.activity_log_limit must not be negative")
	}
	if r.UptimeSchedule != "" {
		if _, err = cron.ParseStandard(r.UptimeSchedule); err != nil {
			return fmt.Errorf("invalid relay.uptime_schedule: %w", err)
		}
	}
	return nil
}

// RelayOptions converts the relay section into service options. Fields that
// are not file-configurable are left for the caller to fill.
func (c *Config) RelayOptions() relay.Options {
	return relay.Options{
		CommandPrefix:    c.Relay.CommandPrefix,
		SendTimeout:      c.Relay.sendTimeout,
		PacingTimeout:    c.Relay.pacingTimeout,
		PreflightTimeout: c.Relay.preflightTimeout,
		ConnectTimeout:   c.Relay.connectTimeout,
		Backoff:          c.Relay.backoff,
	}
}

// TokenOverride returns the first non-empty token environment variable.
func TokenOverride(getenv func(string) string) string {
	for _, key := range TokenEnvVars {
		if val := strings.TrimSpace(getenv(key)); val != "" {
			return val
		}
	}
	return ""
}

// LogLevel returns the minimum level of the logging section, if set.
func (c *Config) LogLevel() (zerolog.Level, bool) {
	if c.Logging.MinLevel == nil {
		return zerolog.NoLevel, false
	}
	return *c.Logging.MinLevel, true
}
