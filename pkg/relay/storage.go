// Copyright 2024-2026 Aiku AI

package relay

import "context"

// Storage is the persistence collaborator. Implementations must make
// ApplyStatsDelta atomic: concurrent deltas may not lose updates.
type Storage interface {
	ListRoutes(ctx context.Context) ([]*Route, error)
	GetRoute(ctx context.Context, id string) (*Route, error)
	CreateRoute(ctx context.Context, route NewRoute) (*Route, error)
	// UpdateRoute returns ErrNotFound if the route does not exist.
	UpdateRoute(ctx context.Context, id string, patch RoutePatch) (*Route, error)
	// DeleteRoute reports whether a route was removed.
	DeleteRoute(ctx context.Context, id string) (bool, error)

	GetStats(ctx context.Context) (*Stats, error)
	ApplyStatsDelta(ctx context.Context, delta StatsDelta) (*Stats, error)
	ResetStats(ctx context.Context) (*Stats, error)

	AppendActivity(ctx context.Context, entry ActivityEntry) error
	ListActivity(ctx context.Context, limit int) ([]*ActivityEntry, error)
	ClearActivity(ctx context.Context) error

	GetBotConfig(ctx context.Context) (*BotConfig, error)
	UpdateBotConfig(ctx context.Context, patch BotConfigPatch) (*BotConfig, error)
}
