// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command channel-relay relays chat messages between channels of a single
// Discord or Mattermost deployment according to configured routes.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"go.mau.fi/util/exzerolog"
	"go.mau.fi/util/progver"
	flag "maunium.net/go/mauflag"

	"github.com/aiku/channel-relay/pkg/adminapi"
	"github.com/aiku/channel-relay/pkg/config"
	"github.com/aiku/channel-relay/pkg/configwatch"
	"github.com/aiku/channel-relay/pkg/connector/discord"
	"github.com/aiku/channel-relay/pkg/connector/mattermost"
	"github.com/aiku/channel-relay/pkg/relay"
	"github.com/aiku/channel-relay/pkg/relay/store"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var programVersion = progver.ProgramVersion{
	Name:        "channel-relay",
	URL:         "https://github.com/aiku/channel-relay",
	BaseVersion: "0.1.0",
}

var (
	configPath         = flag.MakeFull("c", "config", "The path to your config file.", "config.yaml").String()
	dontSaveConfig     = flag.MakeFull("n", "no-update", "Don't save updated config to disk.", "false").Bool()
	writeExampleConfig = flag.MakeFull("e", "generate-example-config", "Save the example config to the config path and quit.", "false").Bool()
	printVersion       = flag.MakeFull("v", "version", "View version and quit.", "false").Bool()
	wantHelp, _        = flag.MakeHelpFlag()
)

const shutdownTimeout = 10 * time.Second

func main() {
	flag.SetHelpTitles(
		"channel-relay - relay chat messages between channels.",
		"channel-relay [-hnev] [-c <path>]",
	)
	if err := flag.Parse(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		flag.PrintHelp()
		os.Exit(1)
	} else if *wantHelp {
		flag.PrintHelp()
		os.Exit(0)
	}

	ver := programVersion.Init(Tag, Commit, BuildTime)
	if *printVersion {
		fmt.Println(ver.VersionDescription)
		return
	}
	if *writeExampleConfig {
		if _, err := os.Stat(*configPath); err == nil {
			_, _ = fmt.Fprintln(os.Stderr, *configPath, "already exists, please remove it if you want to generate a new example")
			os.Exit(1)
		}
		if err := os.WriteFile(*configPath, []byte(config.ExampleConfig), 0o600); err != nil {
			_, _ = fmt.Fprintln(os.Stderr, "Failed to write example config:", err)
			os.Exit(1)
		}
		fmt.Println("Wrote example config to", *configPath)
		return
	}

	cfg, err := config.Upgrade(*configPath, !*dontSaveConfig)
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to load config:", err)
		os.Exit(10)
	}
	log, err := cfg.Logging.Compile()
	if err != nil {
		_, _ = fmt.Fprintln(os.Stderr, "Failed to initialize logger:", err)
		os.Exit(12)
	}
	exzerolog.SetupDefaults(log)
	log.Info().
		Str("version", ver.FormattedVersion).
		Str("built", ver.VersionDescription).
		Str("platform", cfg.Platform.Type).
		Msg("Initializing channel-relay")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err = run(ctx, cfg, *log); err != nil {
		log.Fatal().Err(err).Msg("channel-relay stopped with an error")
	}
	log.Info().Msg("Shutdown complete")
}

func newPlatform(cfg *config.Config, log zerolog.Logger) (relay.Platform, error) {
	switch cfg.Platform.Type {
	case config.PlatformDiscord:
		return discord.New(log), nil
	case config.PlatformMattermost:
		return mattermost.New(cfg.Platform.Mattermost, log), nil
	default:
		return nil, fmt.Errorf("unsupported platform %q", cfg.Platform.Type)
	}
}

func run(ctx context.Context, cfg *config.Config, log zerolog.Logger) error {
	db, err := dbutil.NewFromConfig("channel-relay", cfg.Database, dbutil.ZeroLogger(log.With().Str("db_section", "main").Logger()))
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			log.Warn().Err(closeErr).Msg("Failed to close database")
		}
	}()
	st := store.New(db, cfg.Relay.ActivityLogLimit)
	if err = st.Upgrade(ctx); err != nil {
		return fmt.Errorf("failed to upgrade database: %w", err)
	}

	platform, err := newPlatform(cfg, log)
	if err != nil {
		return err
	}
	opts := cfg.RelayOptions()
	opts.TokenOverride = config.TokenOverride(os.Getenv)
	opts.Registerer = prometheus.DefaultRegisterer
	svc := relay.NewService(opts, st, platform, log)
	if _, err = svc.ReloadConfig(ctx); err != nil {
		return err
	}

	scheduler := cron.New()
	if cfg.Relay.UptimeSchedule != "" {
		_, err = scheduler.AddFunc(cfg.Relay.UptimeSchedule, func() {
			if _, err := svc.UpdateUptime(ctx); err != nil {
				log.Warn().Err(err).Msg("Scheduled uptime update failed")
			}
		})
		if err != nil {
			return fmt.Errorf("invalid uptime schedule: %w", err)
		}
	}
	scheduler.Start()
	defer scheduler.Stop()

	var api *adminapi.Server
	if cfg.AdminAPI.ListenAddress != "" {
		api = adminapi.New(cfg.AdminAPI.ListenAddress, svc, prometheus.DefaultGatherer, log)
		api.Start()
	}

	watcher, err := configwatch.New(*configPath, configwatch.DefaultDebounce, func(ctx context.Context) {
		reloadFromFile(ctx, svc, log)
	}, log)
	if err != nil {
		log.Warn().Err(err).Msg("Config file watching disabled")
	} else {
		watcher.Start()
		defer func() { _ = watcher.Stop() }()
	}

	if cfg.Relay.ConnectOnStart {
		if err = svc.Connect(ctx); err != nil {
			log.Error().Err(err).Msg("Initial connection failed, use the admin API to retry")
		}
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if api != nil {
		if err = api.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
			log.Warn().Err(err).Msg("Failed to stop admin API")
		}
	}
	return svc.Disconnect(shutdownCtx)
}

// reloadFromFile applies the log level of the edited config file and
// re-reads the persisted bot settings. Other file changes need a restart.
func reloadFromFile(ctx context.Context, svc *relay.Service, log zerolog.Logger) {
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Warn().Err(err).Msg("Ignoring invalid config change")
		return
	}
	if level, ok := cfg.LogLevel(); ok {
		zerolog.SetGlobalLevel(level)
	}
	changed, err := svc.ReloadConfig(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Failed to reload bot settings")
		return
	}
	log.Info().Strs("changed", changed).Msg("Configuration reloaded")
}
