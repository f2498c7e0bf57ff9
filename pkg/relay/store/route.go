// Copyright 2024-2026 Aiku AI

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/channel-relay/pkg/relay"
)

const (
	routeColumns = `
		id, name, source_channel_id, target_channel_id, source_channel_name, target_channel_name,
		bidirectional, active, created_at
	`
	getAllRoutesQuery = `SELECT ` + routeColumns + ` FROM relay_route ORDER BY created_at, id`
	getRouteQuery     = `SELECT ` + routeColumns + ` FROM relay_route WHERE id=$1`
	insertRouteQuery  = `
		INSERT INTO relay_route (
			id, name, source_channel_id, target_channel_id, source_channel_name, target_channel_name,
			bidirectional, active, created_at
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	updateRouteQuery = `
		UPDATE relay_route
		SET name=COALESCE($2, name),
			source_channel_id=COALESCE($3, source_channel_id),
			target_channel_id=COALESCE($4, target_channel_id),
			source_channel_name=COALESCE($5, source_channel_name),
			target_channel_name=COALESCE($6, target_channel_name),
			bidirectional=COALESCE($7, bidirectional),
			active=COALESCE($8, active)
		WHERE id=$1
		RETURNING ` + routeColumns
	deleteRouteQuery = `DELETE FROM relay_route WHERE id=$1`
)

func scanRoute(row dbutil.Scannable) (*relay.Route, error) {
	var r relay.Route
	var createdAt int64
	err := row.Scan(
		&r.ID, &r.Name, &r.SourceChannelID, &r.TargetChannelID, &r.SourceChannelName, &r.TargetChannelName,
		&r.Bidirectional, &r.Active, &createdAt,
	)
	if err != nil {
		return nil, err
	}
	r.CreatedAt = time.UnixMilli(createdAt)
	return &r, nil
}

func (s *Store) ListRoutes(ctx context.Context) ([]*relay.Route, error) {
	routes, err := dbutil.ConvertRowFn[*relay.Route](scanRoute).NewRowIter(s.db.Query(ctx, getAllRoutesQuery)).AsList()
	if err != nil {
		return nil, fmt.Errorf("failed to list routes: %w", err)
	}
	return routes, nil
}

func (s *Store) GetRoute(ctx context.Context, id string) (*relay.Route, error) {
	route, err := scanRoute(s.db.QueryRow(ctx, getRouteQuery, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to get route %s: %w", id, err)
	}
	return route, nil
}

func (s *Store) CreateRoute(ctx context.Context, nr relay.NewRoute) (*relay.Route, error) {
	if err := relay.ValidateRoute(nr.SourceChannelID, nr.TargetChannelID); err != nil {
		return nil, err
	}
	route := &relay.Route{
		ID:                uuid.NewString(),
		Name:              nr.Name,
		SourceChannelID:   nr.SourceChannelID,
		TargetChannelID:   nr.TargetChannelID,
		SourceChannelName: nr.SourceChannelName,
		TargetChannelName: nr.TargetChannelName,
		Bidirectional:     nr.Bidirectional,
		Active:            nr.Active,
		CreatedAt:         time.UnixMilli(s.now().UnixMilli()),
	}
	_, err := s.db.Exec(ctx, insertRouteQuery,
		route.ID, route.Name, route.SourceChannelID, route.TargetChannelID,
		route.SourceChannelName, route.TargetChannelName,
		route.Bidirectional, route.Active, route.CreatedAt.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to insert route: %w", err)
	}
	return route, nil
}

func (s *Store) UpdateRoute(ctx context.Context, id string, patch relay.RoutePatch) (*relay.Route, error) {
	route, err := scanRoute(s.db.QueryRow(ctx, updateRouteQuery, id,
		patch.Name, patch.SourceChannelID, patch.TargetChannelID,
		patch.SourceChannelName, patch.TargetChannelName,
		patch.Bidirectional, patch.Active,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, relay.ErrNotFound
	} else if err != nil {
		return nil, fmt.Errorf("failed to update route %s: %w", id, err)
	}
	return route, nil
}

func (s *Store) DeleteRoute(ctx context.Context, id string) (bool, error) {
	res, err := s.db.Exec(ctx, deleteRouteQuery, id)
	if err != nil {
		return false, fmt.Errorf("failed to delete route %s: %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to count deleted routes: %w", err)
	}
	return affected > 0, nil
}
