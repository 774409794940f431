// Package search is the geo + text query façade: radius filtering runs in
// the relational store, text relevance comes from the external index, and
// results are joined here.
package search

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/teacurran/village-homepage/pkg/gateway"
)

// earthRadiusMiles is used by the haversine distance expression.
const earthRadiusMiles = 3958.8

// GeoResult is one row from a radius query.
type GeoResult struct {
	ID            uuid.UUID
	DistanceMiles float64
}

// Service fronts the relational geography and the text index.
type Service struct {
	pool   *pgxpool.Pool
	index  gateway.SearchIndex
	logger *slog.Logger
}

// NewService creates a search Service.
func NewService(pool *pgxpool.Pool, index gateway.SearchIndex, logger *slog.Logger) *Service {
	return &Service{pool: pool, index: index, logger: logger}
}

// Nearby returns marketplace listings within radiusMiles of the point,
// closest first. The bounding-box pre-filter keeps the haversine off most
// rows.
func (s *Service) Nearby(ctx context.Context, lat, lng, radiusMiles float64, limit int) ([]GeoResult, error) {
	if radiusMiles <= 0 {
		return nil, fmt.Errorf("radius must be positive, got %f", radiusMiles)
	}
	if limit <= 0 {
		limit = 50
	}

	// Degrees of latitude per mile is constant; longitude shrinks with
	// the cosine of the latitude.
	latDelta := radiusMiles / 69.0
	lngDelta := radiusMiles / (69.0 * math.Max(0.01, math.Cos(lat*math.Pi/180)))

	rows, err := s.pool.Query(ctx, `
		SELECT id,
		       2 * $5 * asin(sqrt(
		           power(sin(radians(geo_lat - $1) / 2), 2) +
		           cos(radians($1)) * cos(radians(geo_lat)) *
		           power(sin(radians(geo_lng - $2) / 2), 2)
		       )) AS distance_miles
		FROM marketplace_listings
		WHERE status = 'active'
		  AND geo_lat BETWEEN $1 - $3 AND $1 + $3
		  AND geo_lng BETWEEN $2 - $4 AND $2 + $4
		ORDER BY distance_miles
		LIMIT $6`,
		lat, lng, latDelta, lngDelta, earthRadiusMiles, limit*2,
	)
	if err != nil {
		return nil, fmt.Errorf("geo query: %w", err)
	}
	defer rows.Close()

	var out []GeoResult
	for rows.Next() {
		var r GeoResult
		if err := rows.Scan(&r.ID, &r.DistanceMiles); err != nil {
			return nil, fmt.Errorf("scanning geo result: %w", err)
		}
		// The box pre-filter admits corners beyond the radius.
		if r.DistanceMiles <= radiusMiles {
			out = append(out, r)
		}
		if len(out) == limit {
			break
		}
	}
	return out, rows.Err()
}

// Result is one text search hit.
type Result struct {
	ID uuid.UUID
}

// Query runs a text query against the external index and keeps only ids
// that still exist and are visible in the store.
func (s *Service) Query(ctx context.Context, q gateway.SearchQuery) ([]Result, int, error) {
	ids, total, err := s.index.Query(ctx, q)
	if err != nil {
		return nil, 0, fmt.Errorf("text index query: %w", err)
	}
	if len(ids) == 0 {
		return nil, total, nil
	}

	parsed := make([]uuid.UUID, 0, len(ids))
	for _, raw := range ids {
		id, err := uuid.Parse(raw)
		if err != nil {
			s.logger.Warn("text index returned malformed id", "id", raw)
			continue
		}
		parsed = append(parsed, id)
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id FROM directory_sites WHERE id = ANY($1) AND status = 'approved'`, parsed)
	if err != nil {
		return nil, 0, fmt.Errorf("filtering search hits: %w", err)
	}
	defer rows.Close()

	visible := make(map[uuid.UUID]bool)
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, 0, fmt.Errorf("scanning search hit: %w", err)
		}
		visible[id] = true
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Preserve index relevance order.
	out := make([]Result, 0, len(parsed))
	for _, id := range parsed {
		if visible[id] {
			out = append(out, Result{ID: id})
		}
	}
	return out, total, nil
}
