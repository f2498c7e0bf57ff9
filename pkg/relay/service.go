// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Options tunes a Service. Zero values select the defaults.
type Options struct {
	// TokenOverride is the deployment-supplied token. When set it always
	// wins over the persisted one and is written back to storage.
	TokenOverride    string
	CommandPrefix    string
	SendTimeout      time.Duration
	// PacingTimeout bounds the wait for a rate-limit slot before a send.
	PacingTimeout    time.Duration
	PreflightTimeout time.Duration
	ConnectTimeout   time.Duration
	Backoff          BackoffConfig
	Clock            clock.Clock
	Registerer       prometheus.Registerer
	// SetLogLevel applies a persisted log level. Defaults to
	// zerolog.SetGlobalLevel.
	SetLogLevel func(zerolog.Level)
}

func (o *Options) setDefaults() {
	if o.CommandPrefix == "" {
		o.CommandPrefix = DefaultCommandPrefix
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = DefaultSendTimeout
	}
	if o.PacingTimeout <= 0 {
		o.PacingTimeout = DefaultPacingTimeout
	}
	if o.PreflightTimeout <= 0 {
		o.PreflightTimeout = DefaultPreflightTimeout
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = DefaultConnectTimeout
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = DefaultBackoff.Initial
	}
	if o.Backoff.Max < o.Backoff.Initial {
		o.Backoff.Max = max(DefaultBackoff.Max, o.Backoff.Initial)
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.SetLogLevel == nil {
		o.SetLogLevel = zerolog.SetGlobalLevel
	}
}

// Service is the relay bot. It is constructed once at startup and handed to
// the platform binding (as its EventHandler) and to the admin API.
type Service struct {
	store      Storage
	platform   Platform
	dispatcher *Dispatcher
	commands   *CommandHandler
	supervisor *Supervisor
	limiter    *PostureLimiter
	notifier   *WebhookNotifier
	metrics    *Metrics
	journal    *journal
	opts       Options
	log        zerolog.Logger

	reloadLock sync.Mutex
	applied    BotConfig
}

var _ EventHandler = (*Service)(nil)

// NewService wires the relay engine around store and platform. Call
// ReloadConfig once before Connect to apply the persisted settings.
func NewService(opts Options, store Storage, platform Platform, log zerolog.Logger) *Service {
	opts.setDefaults()
	metrics := NewMetrics(opts.Registerer)
	limiter := NewPostureLimiter(PostureModerate)
	j := &journal{
		store: store,
		clock: opts.Clock,
		log:   log.With().Str("component", "activity").Logger(),
	}
	paced := &pacedMessenger{
		Messenger:     platform,
		limiter:       limiter,
		sendTimeout:   opts.SendTimeout,
		pacingTimeout: opts.PacingTimeout,
	}
	svc := &Service{
		store:    store,
		platform: platform,
		limiter:  limiter,
		notifier: NewWebhookNotifier("", log.With().Str("component", "webhook").Logger()),
		metrics:  metrics,
		journal:  j,
		opts:     opts,
		log:      log,
	}
	svc.supervisor = &Supervisor{
		gateway:        platform,
		store:          store,
		quota:          NewQuotaGuard(platform, opts.PreflightTimeout),
		journal:        j,
		metrics:        metrics,
		handler:        svc,
		clock:          opts.Clock,
		tokenOverride:  opts.TokenOverride,
		connectTimeout: opts.ConnectTimeout,
		backoff:        opts.Backoff,
		log:            log.With().Str("component", "supervisor").Logger(),
		state:          StatusOffline,
	}
	svc.dispatcher = &Dispatcher{
		store:       store,
		messenger:   paced,
		journal:     j,
		notifier:    svc.notifier,
		metrics:     metrics,
		clock:       opts.Clock,
		sendTimeout: opts.SendTimeout,
		log:         log.With().Str("component", "dispatcher").Logger(),
	}
	svc.commands = &CommandHandler{
		prefix:      opts.CommandPrefix,
		store:       store,
		messenger:   paced,
		status:      svc.supervisor,
		journal:     j,
		metrics:     metrics,
		clock:       opts.Clock,
		sendTimeout: opts.SendTimeout,
		log:         log.With().Str("component", "commands").Logger(),
	}
	metrics.setState(StatusOffline)
	return svc
}

// HandleMessage is the single entry point for inbound messages. Commands
// are executed, everything else is relayed.
func (s *Service) HandleMessage(ctx context.Context, msg *Message) {
	if msg == nil || msg.AuthorIsBot {
		return
	}
	if cmd, ok := s.commands.Parse(msg.Content); ok {
		s.commands.Handle(ctx, msg, cmd)
		return
	}
	s.dispatcher.Dispatch(ctx, msg)
}

// HandleDisconnect forwards an unexpected transport drop to the supervisor.
func (s *Service) HandleDisconnect(err error) {
	s.supervisor.HandleDisconnect(err)
}

// Connect opens the platform connection.
func (s *Service) Connect(ctx context.Context) error {
	return s.supervisor.Connect(ctx)
}

// Disconnect closes the platform connection.
func (s *Service) Disconnect(ctx context.Context) error {
	return s.supervisor.Disconnect(ctx)
}

// ConnectionStatus returns the live connection state.
func (s *Service) ConnectionStatus() ConnectionStatus {
	return s.supervisor.Status()
}

// Posture returns the rate-limit posture currently in effect.
func (s *Service) Posture() RateLimitPosture {
	return s.limiter.Posture()
}

// UpdateUptime writes the current uptime string into the stats row.
func (s *Service) UpdateUptime(ctx context.Context) (*Stats, error) {
	uptime := s.supervisor.Status().Uptime
	stats, err := s.store.ApplyStatsDelta(ctx, StatsDelta{Uptime: &uptime})
	if err != nil {
		return nil, fmt.Errorf("failed to update uptime: %w", err)
	}
	return stats, nil
}

// ReloadConfig re-reads the persisted bot configuration and applies it
// without reconnecting. It returns the names of the fields that changed
// since the previous reload.
func (s *Service) ReloadConfig(ctx context.Context) ([]string, error) {
	s.reloadLock.Lock()
	defer s.reloadLock.Unlock()

	cfg, err := s.store.GetBotConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load bot config: %w", err)
	}
	override := strings.TrimSpace(s.opts.TokenOverride)
	if override != "" && override != cfg.BotToken {
		cfg, err = s.store.UpdateBotConfig(ctx, BotConfigPatch{BotToken: &override})
		if err != nil {
			return nil, fmt.Errorf("failed to persist token override: %w", err)
		}
	}

	var changed []string
	if cfg.BotToken != s.applied.BotToken {
		changed = append(changed, "bot_token")
	}
	if cfg.WebhookURL != s.applied.WebhookURL {
		s.notifier.SetURL(cfg.WebhookURL)
		changed = append(changed, "webhook_url")
	}
	if cfg.RateLimit != s.applied.RateLimit {
		if err = s.limiter.SetPosture(cfg.RateLimit); err != nil {
			s.log.Warn().Err(err).Str("rate_limit", string(cfg.RateLimit)).Msg("Ignoring invalid persisted rate limit")
		} else {
			changed = append(changed, "rate_limit")
		}
	}
	if cfg.LogLevel != s.applied.LogLevel {
		if lvl, parseErr := zerolog.ParseLevel(cfg.LogLevel); parseErr != nil || cfg.LogLevel == "" {
			s.log.Warn().Str("log_level", cfg.LogLevel).Msg("Ignoring invalid persisted log level")
		} else {
			s.opts.SetLogLevel(lvl)
			changed = append(changed, "log_level")
		}
	}
	if cfg.AutoReconnect != s.applied.AutoReconnect {
		changed = append(changed, "auto_reconnect")
	}
	s.applied = *cfg
	if len(changed) > 0 {
		s.log.Info().Strs("changed", changed).Msg("Applied bot configuration")
	}
	return changed, nil
}

// ListRoutes returns every configured route.
func (s *Service) ListRoutes(ctx context.Context) ([]*Route, error) {
	return s.store.ListRoutes(ctx)
}

// CreateRoute validates and stores a new route.
func (s *Service) CreateRoute(ctx context.Context, route NewRoute) (*Route, error) {
	if err := ValidateRoute(route.SourceChannelID, route.TargetChannelID); err != nil {
		return nil, err
	}
	if route.Name == "" {
		route.Name = orDefault(route.SourceChannelName, route.SourceChannelID) +
			" → " + orDefault(route.TargetChannelName, route.TargetChannelID)
	}
	created, err := s.store.CreateRoute(ctx, route)
	if err != nil {
		return nil, fmt.Errorf("failed to create route: %w", err)
	}
	s.journal.add(ctx, ActivityInfo, "", "", "New relay created: %s", created.Name)
	return created, nil
}

// UpdateRoute applies patch to the route with the given id. The patched
// route must still satisfy the route invariants.
func (s *Service) UpdateRoute(ctx context.Context, id string, patch RoutePatch) (*Route, error) {
	existing, err := s.store.GetRoute(ctx, id)
	if err != nil {
		return nil, err
	}
	updated := patch.Apply(*existing)
	if err = ValidateRoute(updated.SourceChannelID, updated.TargetChannelID); err != nil {
		return nil, err
	}
	route, err := s.store.UpdateRoute(ctx, id, patch)
	if err != nil {
		return nil, err
	}
	s.journal.add(ctx, ActivityInfo, "", "", "Relay updated: %s", route.Name)
	return route, nil
}

// DeleteRoute removes a route. It returns ErrNotFound if there is none.
func (s *Service) DeleteRoute(ctx context.Context, id string) error {
	removed, err := s.store.DeleteRoute(ctx, id)
	if err != nil {
		return err
	} else if !removed {
		return ErrNotFound
	}
	s.journal.add(ctx, ActivityInfo, "", "", "Relay removed: %s", id)
	return nil
}

// Stats returns the stats row.
func (s *Service) Stats(ctx context.Context) (*Stats, error) {
	return s.store.GetStats(ctx)
}

// ResetStats zeroes the counters.
func (s *Service) ResetStats(ctx context.Context) (*Stats, error) {
	stats, err := s.store.ResetStats(ctx)
	if err != nil {
		return nil, err
	}
	s.journal.add(ctx, ActivityInfo, "", "", "Statistics reset")
	return stats, nil
}

// ListActivity returns up to limit of the newest activity entries.
func (s *Service) ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error) {
	return s.store.ListActivity(ctx, limit)
}

// ClearActivity empties the activity log.
func (s *Service) ClearActivity(ctx context.Context) error {
	return s.store.ClearActivity(ctx)
}

// BotConfig returns the persisted configuration with the token masked.
func (s *Service) BotConfig(ctx context.Context) (*BotConfig, error) {
	cfg, err := s.store.GetBotConfig(ctx)
	if err != nil {
		return nil, err
	}
	masked := cfg.Masked()
	return &masked, nil
}

// UpdateBotConfig validates and persists patch, then applies it live. A
// token equal to the mask is treated as unchanged.
func (s *Service) UpdateBotConfig(ctx context.Context, patch BotConfigPatch) (*BotConfig, error) {
	if patch.RateLimit != nil && !patch.RateLimit.Valid() {
		return nil, ErrInvalidPosture
	}
	if patch.LogLevel != nil {
		if _, err := zerolog.ParseLevel(*patch.LogLevel); err != nil || *patch.LogLevel == "" {
			return nil, fmt.Errorf("%w: %q", ErrInvalidLogLevel, *patch.LogLevel)
		}
	}
	if patch.BotToken != nil && *patch.BotToken == MaskedToken {
		patch.BotToken = nil
	}
	patch.LastConnectedAt = nil
	if _, err := s.store.UpdateBotConfig(ctx, patch); err != nil {
		return nil, fmt.Errorf("failed to update bot config: %w", err)
	}
	if _, err := s.ReloadConfig(ctx); err != nil {
		return nil, err
	}
	s.journal.add(ctx, ActivityInfo, "", "", "Bot configuration updated")
	return s.BotConfig(ctx)
}

func orDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
