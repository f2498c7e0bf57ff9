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
	insertActivityQuery = `
		INSERT INTO activity_log (type, message, channel_id, user_id, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	// Keeps the newest $1 entries. The subquery yields NULL while the log
	// is below the limit, which deletes nothing.
	pruneActivityQuery = `
		DELETE FROM activity_log
		WHERE id <= (SELECT id FROM activity_log ORDER BY id DESC LIMIT 1 OFFSET $1)
	`
	getActivityQuery = `
		SELECT id, type, message, channel_id, user_id, created_at
		FROM activity_log
		ORDER BY id DESC
		LIMIT $1
	`
	clearActivityQuery = `DELETE FROM activity_log`
)

func scanActivity(row dbutil.Scannable) (*relay.ActivityEntry, error) {
	var e relay.ActivityEntry
	var typ string
	var channelID, userID sql.NullString
	var createdAt int64
	err := row.Scan(&e.ID, &typ, &e.Message, &channelID, &userID, &createdAt)
	if err != nil {
		return nil, err
	}
	e.Type = relay.ActivityType(typ)
	e.ChannelID = channelID.String
	e.UserID = userID.String
	e.Timestamp = time.UnixMilli(createdAt)
	return &e, nil
}

// AppendActivity inserts entry and prunes the log to the retention limit in
// the same transaction.
func (s *Store) AppendActivity(ctx context.Context, entry relay.ActivityEntry) error {
	ts := entry.Timestamp
	if ts.IsZero() {
		ts = s.now()
	}
	return s.db.DoTxn(ctx, nil, func(ctx context.Context) error {
		_, err := s.db.Exec(ctx, insertActivityQuery,
			string(entry.Type), entry.Message,
			nullableString(entry.ChannelID), nullableString(entry.UserID),
			ts.UnixMilli(),
		)
		if err != nil {
			return fmt.Errorf("failed to insert activity entry: %w", err)
		}
		if _, err = s.db.Exec(ctx, pruneActivityQuery, s.activityLimit); err != nil {
			return fmt.Errorf("failed to prune activity log: %w", err)
		}
		return nil
	})
}

// ListActivity returns up to limit entries, newest first. A non-positive
// limit returns everything retained.
func (s *Store) ListActivity(ctx context.Context, limit int) ([]*relay.ActivityEntry, error) {
	if limit <= 0 || limit > s.activityLimit {
		limit = s.activityLimit
	}
	entries, err := dbutil.ConvertRowFn[*relay.ActivityEntry](scanActivity).
		NewRowIter(s.db.Query(ctx, getActivityQuery, limit)).
		AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list activity: %w", err)
	}
	return entries, nil
}

func (s *Store) ClearActivity(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, clearActivityQuery); err != nil {
		return fmt.Errorf("failed to clear activity log: %w", err)
	}
	return nil
}
