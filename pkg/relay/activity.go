// Copyright 2024-2026 Aiku AI

package relay

import (
	"context"
	"fmt"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

// journal appends activity entries. Append failures are logged and never
// propagate: the activity log is for operator visibility only.
type journal struct {
	store Storage
	clock clock.Clock
	log   zerolog.Logger
}

func (j *journal) add(ctx context.Context, typ ActivityType, channelID, userID, format string, args ...any) {
	entry := ActivityEntry{
		Type:      typ,
		Message:   fmt.Sprintf(format, args...),
		ChannelID: channelID,
		UserID:    userID,
		Timestamp: j.clock.Now(),
	}
	if err := j.store.AppendActivity(ctx, entry); err != nil {
		j.log.Warn().Err(err).
			Str("activity_type", string(typ)).
			Str("activity_message", entry.Message).
			Msg("Failed to append activity entry")
	}
}
