// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package store implements relay.Storage on top of dbutil, supporting both
// SQLite and Postgres.
package store

import (
	"context"
	"embed"
	"time"

	"go.mau.fi/util/dbutil"

	"github.com/aiku/channel-relay/pkg/relay"
)

// DefaultActivityLogLimit is the number of activity entries kept.
const DefaultActivityLogLimit = 1000

//go:embed upgrades/*.sql
var rawUpgrades embed.FS

// UpgradeTable holds the schema migrations.
var UpgradeTable dbutil.UpgradeTable

func init() {
	UpgradeTable.RegisterFSPath(rawUpgrades, "upgrades")
}

// Store is the SQL-backed relay storage.
type Store struct {
	db            *dbutil.Database
	activityLimit int
	now           func() time.Time
}

var _ relay.Storage = (*Store)(nil)

// New wraps db. Call Upgrade before use.
func New(db *dbutil.Database, activityLimit int) *Store {
	if activityLimit <= 0 {
		activityLimit = DefaultActivityLogLimit
	}
	db.UpgradeTable = UpgradeTable
	return &Store{db: db, activityLimit: activityLimit, now: time.Now}
}

// Upgrade brings the schema to the latest version.
func (s *Store) Upgrade(ctx context.Context) error {
	return s.db.Upgrade(ctx)
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func nullableString(val string) *string {
	if val == "" {
		return nil
	}
	return &val
}

func stringPtr[T ~string](val *T) *string {
	if val == nil {
		return nil
	}
	str := string(*val)
	return &str
}
