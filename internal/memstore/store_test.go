package memstore

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

var now = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

func TestStore_StartSessionEndsPrevious(t *testing.T) {
	s := New(tracking.DefaultWindows())
	ctx := context.Background()

	first, err := s.StartSession(ctx, "van-1", 1, now)
	require.NoError(t, err)
	second, err := s.StartSession(ctx, "van-1", 2, now.Add(time.Second))
	require.NoError(t, err)

	all := s.Sessions("van-1")
	require.Len(t, all, 2)
	assert.True(t, all[0].Dead)
	assert.Equal(t, first.ID, all[0].ID)
	assert.False(t, all[1].Dead)

	active, err := s.ActiveSession(ctx, "van-1", now.Add(2*time.Second))
	require.NoError(t, err)
	require.NotNil(t, active)
	assert.Equal(t, second.ID, active.ID)
	assert.Equal(t, int32(2), active.RouteID)
}

func TestStore_ConcurrentStartsLeaveOneLive(t *testing.T) {
	s := New(tracking.DefaultWindows())
	ctx := context.Background()

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := s.StartSession(ctx, "van-1", int32(i%3+1), now)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	all := s.Sessions("van-1")
	require.Len(t, all, n)
	live := 0
	for _, sess := range all {
		if !sess.Dead {
			live++
		}
	}
	assert.Equal(t, 1, live)

	// The live one is the last started
	assert.False(t, all[n-1].Dead)
}

func TestStore_ActiveSessionTTL(t *testing.T) {
	s := New(tracking.Windows{SessionTTL: time.Minute})
	ctx := context.Background()

	_, err := s.StartSession(ctx, "van-1", 1, now)
	require.NoError(t, err)

	active, err := s.ActiveSession(ctx, "van-1", now.Add(59*time.Second))
	require.NoError(t, err)
	assert.NotNil(t, active)

	active, err = s.ActiveSession(ctx, "van-1", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Nil(t, active)

	active, err = s.ActiveSession(ctx, "unknown", now)
	require.NoError(t, err)
	assert.Nil(t, active)
}

func TestStore_RecentSamplesWindowAndOrder(t *testing.T) {
	s := New(tracking.DefaultWindows())
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "van-1", 1, now)
	require.NoError(t, err)

	// Appended out of order; one falls outside the lookback window
	for _, at := range []time.Duration{-301 * time.Second, -10 * time.Second, -30 * time.Second, -20 * time.Second} {
		require.NoError(t, s.AppendSample(ctx, models.LocationSample{SessionID: sess.ID, Timestamp: now.Add(at)}))
	}

	samples, err := s.RecentSamples(ctx, sess.ID, now)
	require.NoError(t, err)
	require.Len(t, samples, 3)
	assert.Equal(t, now.Add(-10*time.Second), samples[0].Timestamp)
	assert.Equal(t, now.Add(-20*time.Second), samples[1].Timestamp)
	assert.Equal(t, now.Add(-30*time.Second), samples[2].Timestamp)
}

func TestStore_AppendUnknownSession(t *testing.T) {
	s := New(tracking.DefaultWindows())
	err := s.AppendSample(context.Background(), models.LocationSample{SessionID: "missing", Timestamp: now})
	assert.ErrorIs(t, err, tracking.ErrSessionNotFound)
	assert.ErrorIs(t, s.AdvanceStopIndex(context.Background(), "missing", 1), tracking.ErrSessionNotFound)
}

func TestStore_AtomicallyRollsBack(t *testing.T) {
	s := New(tracking.DefaultWindows())
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "van-1", 1, now)
	require.NoError(t, err)
	require.NoError(t, s.AppendSample(ctx, models.LocationSample{SessionID: sess.ID, Timestamp: now}))

	boom := errors.New("boom")
	err = s.Atomically(ctx, func(tx tracking.SessionStore) error {
		require.NoError(t, tx.EnsureVan(ctx, "van-2", now))
		require.NoError(t, tx.AppendSample(ctx, models.LocationSample{SessionID: sess.ID, Timestamp: now.Add(time.Second)}))
		require.NoError(t, tx.AdvanceStopIndex(ctx, sess.ID, 3))
		_, err := tx.StartSession(ctx, "van-1", 2, now)
		require.NoError(t, err)
		return boom
	})
	assert.ErrorIs(t, err, boom)

	assert.False(t, s.HasVan("van-2"))
	assert.Equal(t, 1, s.SampleCount(sess.ID))
	all := s.Sessions("van-1")
	require.Len(t, all, 1)
	assert.False(t, all[0].Dead)
	assert.Equal(t, 0, all[0].StopIndex)
}

func TestStore_AtomicallyCommits(t *testing.T) {
	s := New(tracking.DefaultWindows())
	ctx := context.Background()
	sess, err := s.StartSession(ctx, "van-1", 1, now)
	require.NoError(t, err)

	err = s.Atomically(ctx, func(tx tracking.SessionStore) error {
		if err := tx.AppendSample(ctx, models.LocationSample{SessionID: sess.ID, Timestamp: now}); err != nil {
			return err
		}
		return tx.AdvanceStopIndex(ctx, sess.ID, 2)
	})
	require.NoError(t, err)

	assert.Equal(t, 1, s.SampleCount(sess.ID))
	active, err := s.ActiveSession(ctx, "van-1", now)
	require.NoError(t, err)
	assert.Equal(t, 2, active.StopIndex)
}

func TestStore_SetRouteRewritesPositions(t *testing.T) {
	s := New(tracking.DefaultWindows())
	s.SetRoute(5, []models.Stop{{ID: 30, Position: 9}, {ID: 31, Position: 4}})

	stops, err := s.RouteStops(context.Background(), 5)
	require.NoError(t, err)
	require.Len(t, stops, 2)
	assert.Equal(t, 0, stops[0].Position)
	assert.Equal(t, 1, stops[1].Position)

	missing, err := s.RouteStops(context.Background(), 6)
	require.NoError(t, err)
	assert.Empty(t, missing)
}

func TestStore_EnsureVanIdempotent(t *testing.T) {
	s := New(tracking.DefaultWindows())
	ctx := context.Background()
	require.NoError(t, s.EnsureVan(ctx, "van-1", now))
	require.NoError(t, s.EnsureVan(ctx, "van-1", now.Add(time.Hour)))
	assert.True(t, s.HasVan("van-1"))
}
