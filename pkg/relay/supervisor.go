// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package relay

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// DefaultConnectTimeout bounds the gateway handshake.
const DefaultConnectTimeout = 30 * time.Second

// BackoffConfig controls automatic reconnect pacing.
type BackoffConfig struct {
	Initial time.Duration
	Max     time.Duration
	// MaxAttempts stops automatic reconnects after this many consecutive
	// failures. Zero means no limit.
	MaxAttempts int
}

// DefaultBackoff starts at one second and doubles up to five minutes.
var DefaultBackoff = BackoffConfig{
	Initial: 1 * time.Second,
	Max:     5 * time.Minute,
}

// Delay returns the wait before the given attempt, counting from 1.
func (b BackoffConfig) Delay(attempt int) time.Duration {
	d := b.Initial
	for i := 1; i < attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	return d
}

// ConnectionStatus is the supervisor's view of the gateway connection.
type ConnectionStatus struct {
	Connected   bool       `json:"connected"`
	State       ConnStatus `json:"state"`
	Uptime      string     `json:"uptime"`
	ConnectedAt *time.Time `json:"connectedAt,omitempty"`
	Platform    string     `json:"platform"`
}

// Supervisor owns the gateway connection lifecycle. State transitions are
// serialized: at most one connection attempt is in flight at any time.
type Supervisor struct {
	gateway        Gateway
	store          Storage
	quota          *QuotaGuard
	journal        *journal
	metrics        *Metrics
	handler        EventHandler
	clock          clock.Clock
	tokenOverride  string
	connectTimeout time.Duration
	backoff        BackoffConfig
	log            zerolog.Logger

	mu             sync.Mutex
	attempts       int
	reconnectTimer *clock.Timer
	reconnectGen   uint64

	stateMu     sync.RWMutex
	state       ConnStatus
	connectedAt time.Time
}

// State returns the current connection state.
func (s *Supervisor) State() ConnStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state
}

// Status returns the connection flag and the uptime since the last
// successful connect. Uptime is "0m" while not online.
func (s *Supervisor) Status() ConnectionStatus {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	st := ConnectionStatus{
		State:     s.state,
		Connected: s.state == StatusOnline,
		Uptime:    FormatUptime(0),
		Platform:  s.gateway.Name(),
	}
	if st.Connected {
		connectedAt := s.connectedAt
		st.ConnectedAt = &connectedAt
		st.Uptime = FormatUptime(s.clock.Since(connectedAt))
	}
	return st
}

func (s *Supervisor) setState(ctx context.Context, state ConnStatus) {
	s.stateMu.Lock()
	s.state = state
	s.stateMu.Unlock()
	s.metrics.setState(state)
	if _, err := s.store.ApplyStatsDelta(ctx, StatsDelta{Status: &state}); err != nil {
		s.log.Warn().Err(err).Str("status", string(state)).Msg("Failed to persist connection status")
	}
}

// Connect resolves the token, checks the session quota and opens the
// gateway. It is a no-op when already online.
func (s *Supervisor) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelReconnectLocked()
	if s.State() == StatusOnline {
		return nil
	}
	return s.connectLocked(ctx)
}

// resolveToken applies the override-then-persist rule: a deployment
// override always wins, and is written back to storage when it differs
// from the persisted token.
func (s *Supervisor) resolveToken(ctx context.Context) (string, error) {
	cfg, err := s.store.GetBotConfig(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load bot config: %w", err)
	}
	persisted := strings.TrimSpace(cfg.BotToken)
	override := strings.TrimSpace(s.tokenOverride)
	if override == "" {
		if persisted == "" {
			return "", &ConfigurationError{Reason: "bot token not configured"}
		}
		return persisted, nil
	}
	if override != persisted {
		if _, err = s.store.UpdateBotConfig(ctx, BotConfigPatch{BotToken: &override}); err != nil {
			return "", fmt.Errorf("failed to persist token override: %w", err)
		}
		s.log.Info().Msg("Synchronized persisted bot token with deployment override")
	}
	return override, nil
}

func (s *Supervisor) connectLocked(ctx context.Context) error {
	platform := s.gateway.Name()
	token, err := s.resolveToken(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Cannot connect")
		s.journal.add(ctx, ActivityError, "", "", "Failed to connect to %s: %v", platform, err)
		return err
	}
	s.log.Info().Str("token", maskToken(token)).Str("platform", platform).Msg("Connecting")
	s.setState(ctx, StatusConnecting)

	if err = s.quota.Check(ctx, token); err != nil {
		s.setState(ctx, StatusOffline)
		var quotaErr *QuotaExhaustedError
		if errors.As(err, &quotaErr) {
			s.log.Warn().Err(err).Dur("retry_after", quotaErr.RetryAfter).Msg("Session quota exhausted, not connecting")
			s.journal.add(ctx, ActivityWarn, "", "", "Connection to %s skipped: %v", platform, err)
		} else {
			s.log.Error().Err(err).Msg("Session preflight failed, not connecting")
			s.journal.add(ctx, ActivityError, "", "", "Connection to %s aborted: %v", platform, err)
		}
		return err
	}

	openCtx, cancel := context.WithTimeout(ctx, s.connectTimeout)
	defer cancel()
	if err = s.gateway.Open(openCtx, token, s.handler); err != nil {
		s.setState(ctx, StatusOffline)
		s.log.Error().Err(err).Msg("Failed to open gateway connection")
		s.journal.add(ctx, ActivityError, "", "", "Failed to connect to %s: %v", platform, err)
		return fmt.Errorf("failed to open %s gateway: %w", platform, err)
	}

	now := s.clock.Now()
	s.stateMu.Lock()
	s.connectedAt = now
	s.stateMu.Unlock()
	s.attempts = 0
	s.setState(ctx, StatusOnline)
	if _, err = s.store.UpdateBotConfig(ctx, BotConfigPatch{LastConnectedAt: &now}); err != nil {
		s.log.Warn().Err(err).Msg("Failed to record last connection time")
	}
	s.log.Info().Str("platform", platform).Msg("Connected")
	s.journal.add(ctx, ActivityInfo, "", "", "Bot connected to %s", platform)
	return nil
}

// Disconnect closes the gateway and cancels any pending reconnect. It is
// safe to call when already offline.
func (s *Supervisor) Disconnect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelReconnectLocked()
	wasOffline := s.State() == StatusOffline
	if err := s.gateway.Close(); err != nil {
		s.log.Warn().Err(err).Msg("Error while closing gateway")
	}
	s.setState(ctx, StatusOffline)
	if !wasOffline {
		s.log.Info().Msg("Disconnected")
		s.journal.add(ctx, ActivityInfo, "", "", "Bot disconnected from %s", s.gateway.Name())
	}
	return nil
}

// HandleDisconnect reacts to an unexpected transport drop reported by the
// binding. Drops observed while not online are ignored.
func (s *Supervisor) HandleDisconnect(cause error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.State() != StatusOnline {
		return
	}
	ctx := context.Background()
	if cause == nil {
		cause = ErrTransportDisconnected
	}
	s.setState(ctx, StatusOffline)
	s.log.Warn().Err(cause).Msg("Gateway connection lost")
	s.journal.add(ctx, ActivityWarn, "", "", "Bot connection lost: %v", cause)

	cfg, err := s.store.GetBotConfig(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("Failed to read auto-reconnect setting, staying offline")
		return
	}
	if !cfg.AutoReconnect {
		s.log.Info().Msg("Auto-reconnect disabled, staying offline")
		return
	}
	s.scheduleReconnectLocked(cause)
}

func (s *Supervisor) scheduleReconnectLocked(cause error) {
	s.attempts++
	if s.backoff.MaxAttempts > 0 && s.attempts > s.backoff.MaxAttempts {
		s.log.Error().Int("attempts", s.attempts-1).Msg("Giving up on automatic reconnect")
		s.journal.add(context.Background(), ActivityError, "", "", "Giving up reconnecting after %d attempts", s.attempts-1)
		s.attempts = 0
		return
	}
	delay := s.backoff.Delay(s.attempts)
	var quotaErr *QuotaExhaustedError
	if errors.As(cause, &quotaErr) && quotaErr.RetryAfter > delay {
		delay = quotaErr.RetryAfter
	}
	s.reconnectGen++
	gen := s.reconnectGen
	s.reconnectTimer = s.clock.AfterFunc(delay, func() {
		s.reconnect(gen)
	})
	s.log.Info().Int("attempt", s.attempts).Dur("delay", delay).Msg("Scheduled reconnect")
}

func (s *Supervisor) reconnect(gen uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.reconnectGen || s.State() != StatusOffline {
		return
	}
	s.reconnectTimer = nil
	err := s.connectLocked(context.Background())
	if err == nil {
		return
	}
	var cfgErr *ConfigurationError
	if errors.As(err, &cfgErr) {
		return
	}
	s.scheduleReconnectLocked(err)
}

func (s *Supervisor) cancelReconnectLocked() {
	if s.reconnectTimer != nil {
		s.reconnectTimer.Stop()
		s.reconnectTimer = nil
	}
	s.reconnectGen++
	s.attempts = 0
}

// maskToken keeps only enough of a token to tell tokens apart in logs.
func maskToken(token string) string {
	if len(token) <= 10 {
		return "(hidden)"
	}
	return token[:5] + "..." + token[len(token)-5:]
}
