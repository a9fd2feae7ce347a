package cache

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-tracker/internal/models"
)

type mapStore struct {
	data   map[string][]byte
	getErr error
	sets   int
}

func newMapStore() *mapStore { return &mapStore{data: make(map[string][]byte)} }

func (m *mapStore) Get(_ context.Context, key string) ([]byte, error) {
	if m.getErr != nil {
		return nil, m.getErr
	}
	return m.data[key], nil
}

func (m *mapStore) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	m.sets++
	m.data[key] = value
	return nil
}

func (m *mapStore) Delete(_ context.Context, keys ...string) error {
	for _, k := range keys {
		delete(m.data, k)
	}
	return nil
}

type countingTopology struct {
	stops map[int32][]models.Stop
	calls int
	err   error
}

func (c *countingTopology) RouteStops(_ context.Context, routeID int32) ([]models.Stop, error) {
	c.calls++
	if c.err != nil {
		return nil, c.err
	}
	return c.stops[routeID], nil
}

func newCache(store Store, src *countingTopology) *TopologyCache {
	return NewTopologyCache(store, src, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestTopologyCache_ReadThrough(t *testing.T) {
	store := newMapStore()
	src := &countingTopology{stops: map[int32][]models.Stop{
		1: {{ID: 10, Position: 0, Name: "Library", Latitude: 40, Longitude: -75}},
	}}
	c := newCache(store, src)
	ctx := context.Background()

	first, err := c.RouteStops(ctx, 1)
	require.NoError(t, err)
	second, err := c.RouteStops(ctx, 1)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, 1, src.calls)
	assert.Contains(t, store.data, "stops:route:1")

	require.NoError(t, c.Invalidate(ctx, 1))
	_, err = c.RouteStops(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, src.calls)
}

func TestTopologyCache_EmptyRouteNotCached(t *testing.T) {
	store := newMapStore()
	src := &countingTopology{stops: map[int32][]models.Stop{}}
	c := newCache(store, src)

	stops, err := c.RouteStops(context.Background(), 9)
	require.NoError(t, err)
	assert.Empty(t, stops)
	assert.Zero(t, store.sets)
}

func TestTopologyCache_FallsThroughOnCacheError(t *testing.T) {
	store := newMapStore()
	store.getErr = errors.New("connection refused")
	src := &countingTopology{stops: map[int32][]models.Stop{2: {{ID: 20}}}}
	c := newCache(store, src)

	stops, err := c.RouteStops(context.Background(), 2)
	require.NoError(t, err)
	assert.Len(t, stops, 1)
}

func TestTopologyCache_CorruptEntryIgnored(t *testing.T) {
	store := newMapStore()
	store.data[KeyRouteStops(3)] = []byte("{not json")
	src := &countingTopology{stops: map[int32][]models.Stop{3: {{ID: 30}}}}
	c := newCache(store, src)

	stops, err := c.RouteStops(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, stops, 1)
	assert.Equal(t, int64(30), stops[0].ID)
	assert.Equal(t, 1, src.calls)
}

func TestTopologyCache_SourceErrorPropagates(t *testing.T) {
	src := &countingTopology{err: errors.New("db down")}
	c := newCache(newMapStore(), src)

	_, err := c.RouteStops(context.Background(), 1)
	assert.ErrorContains(t, err, "db down")
}
