// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"fmt"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/channel-relay/pkg/relay"
)

const (
	statsColumns    = `messages_relayed, api_calls, status, uptime, last_updated`
	getStatsQuery   = `SELECT ` + statsColumns + ` FROM bot_stats WHERE id=1`
	applyDeltaQuery = `
		UPDATE bot_stats
		SET messages_relayed=messages_relayed + $1,
			api_calls=api_calls + $2,
			status=COALESCE($3, status),
			uptime=COALESCE($4, uptime),
			last_updated=$5
		WHERE id=1
		RETURNING ` + statsColumns
	resetStatsQuery = `
		UPDATE bot_stats
		SET messages_relayed=0, api_calls=0, last_updated=$1
		WHERE id=1
		RETURNING ` + statsColumns
)

func scanStats(row dbutil.Scannable) (*relay.Stats, error) {
	var st relay.Stats
	var status string
	var lastUpdated int64
	err := row.Scan(&st.MessagesRelayed, &st.APICalls, &status, &st.Uptime, &lastUpdated)
	if err != nil {
		return nil, err
	}
	st.Status = relay.ConnStatus(status)
	st.LastUpdated = time.UnixMilli(lastUpdated)
	return &st, nil
}

func (s *Store) GetStats(ctx context.Context) (*relay.Stats, error) {
	st, err := scanStats(s.db.QueryRow(ctx, getStatsQuery))
	if err != nil {
		return nil, fmt.Errorf("failed to get stats: %w", err)
	}
	return st, nil
}

// ApplyStatsDelta adds the delta's counters in a single UPDATE, so
// concurrent callers never lose increments.
func (s *Store) ApplyStatsDelta(ctx context.Context, delta relay.StatsDelta) (*relay.Stats, error) {
	st, err := scanStats(s.db.QueryRow(ctx, applyDeltaQuery,
		delta.MessagesRelayed, delta.APICalls,
		stringPtr(delta.Status), delta.Uptime,
		s.now().UnixMilli(),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to apply stats delta: %w", err)
	}
	return st, nil
}

func (s *Store) ResetStats(ctx context.Context) (*relay.Stats, error) {
	st, err := scanStats(s.db.QueryRow(ctx, resetStatsQuery, s.now().UnixMilli()))
	if err != nil {
		return nil, fmt.Errorf("failed to reset stats: %w", err)
	}
	return st, nil
}
