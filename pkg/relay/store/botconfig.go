// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/channel-relay/pkg/relay"
)

const (
	botConfigColumns = `
		bot_token, rate_limit, log_level, auto_reconnect, webhook_url, last_connected_at, updated_at
	`
	getBotConfigQuery    = `SELECT ` + botConfigColumns + ` FROM bot_config WHERE id=1`
	updateBotConfigQuery = `
		UPDATE bot_config
		SET bot_token=COALESCE($1, bot_token),
			rate_limit=COALESCE($2, rate_limit),
			log_level=COALESCE($3, log_level),
			auto_reconnect=COALESCE($4, auto_reconnect),
			webhook_url=COALESCE($5, webhook_url),
			last_connected_at=COALESCE($6, last_connected_at),
			updated_at=$7
		WHERE id=1
		RETURNING ` + botConfigColumns
)

func scanBotConfig(row dbutil.Scannable) (*relay.BotConfig, error) {
	var cfg relay.BotConfig
	var rateLimit string
	var lastConnected sql.NullInt64
	var updatedAt int64
	err := row.Scan(
		&cfg.BotToken, &rateLimit, &cfg.LogLevel, &cfg.AutoReconnect, &cfg.WebhookURL,
		&lastConnected, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	cfg.RateLimit = relay.RateLimitPosture(rateLimit)
	if lastConnected.Valid {
		ts := time.UnixMilli(lastConnected.Int64)
		cfg.LastConnectedAt = &ts
	}
	cfg.UpdatedAt = time.UnixMilli(updatedAt)
	return &cfg, nil
}

func (s *Store) GetBotConfig(ctx context.Context) (*relay.BotConfig, error) {
	cfg, err := scanBotConfig(s.db.QueryRow(ctx, getBotConfigQuery))
	if err != nil {
		return nil, fmt.Errorf("failed to get bot config: %w", err)
	}
	return cfg, nil
}

func (s *Store) UpdateBotConfig(ctx context.Context, patch relay.BotConfigPatch) (*relay.BotConfig, error) {
	var lastConnected *int64
	if patch.LastConnectedAt != nil {
		ms := patch.LastConnectedAt.UnixMilli()
		lastConnected = &ms
	}
	cfg, err := scanBotConfig(s.db.QueryRow(ctx, updateBotConfigQuery,
		patch.BotToken, stringPtr(patch.RateLimit), patch.LogLevel, patch.AutoReconnect, patch.WebhookURL,
		lastConnected, s.now().UnixMilli(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to update bot config: %w", err)
	}
	return cfg, nil
}
