// Package cache puts Redis in front of the SQL route topology. Stop lists
// change only on a routes import, so they are safe to cache for minutes.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

// Store is the byte cache the topology cache is built on. Get returns
// nil, nil on a miss.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, keys ...string) error
}

// KeyRouteStops is the cache key of a route's stop list
func KeyRouteStops(routeID int32) string {
	return fmt.Sprintf("stops:route:%d", routeID)
}

// TopologyCache is a read-through tracking.RouteTopology. Cache failures
// fall through to the source.
type TopologyCache struct {
	store  Store
	source tracking.RouteTopology
	ttl    time.Duration
	logger *slog.Logger
}

// NewTopologyCache wraps source with a cache entry per route
func NewTopologyCache(store Store, source tracking.RouteTopology, ttl time.Duration, logger *slog.Logger) *TopologyCache {
	return &TopologyCache{
		store:  store,
		source: source,
		ttl:    ttl,
		logger: logger.With("component", "topology_cache"),
	}
}

// RouteStops serves from the cache and fills it from source on a miss
func (c *TopologyCache) RouteStops(ctx context.Context, routeID int32) ([]models.Stop, error) {
	key := KeyRouteStops(routeID)

	data, err := c.store.Get(ctx, key)
	if err == nil && data != nil {
		var stops []models.Stop
		if err := json.Unmarshal(data, &stops); err == nil {
			return stops, nil
		}
		c.logger.Warn("discarding corrupt cache entry", "key", key)
	}

	stops, err := c.source.RouteStops(ctx, routeID)
	if err != nil {
		return nil, err
	}

	// Empty routes are not cached so a later import shows up immediately
	if len(stops) > 0 {
		if data, err := json.Marshal(stops); err == nil {
			if err := c.store.Set(ctx, key, data, c.ttl); err != nil {
				c.logger.Warn("cache fill failed", "route_id", routeID, "error", err)
			}
		}
	}
	return stops, nil
}

// Invalidate drops the cached stops of the given routes
func (c *TopologyCache) Invalidate(ctx context.Context, routeIDs ...int32) error {
	keys := make([]string, len(routeIDs))
	for i, id := range routeIDs {
		keys[i] = KeyRouteStops(id)
	}
	return c.store.Delete(ctx, keys...)
}
