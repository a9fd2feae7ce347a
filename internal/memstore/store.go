// Package memstore is an in-memory SessionStore and RouteTopology. It backs
// tests and single-process development runs; nothing survives a restart.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

// Store is an in-memory SessionStore and RouteTopology
type Store struct {
	// txMu serialises writers so a rolled back transaction cannot clobber
	// a concurrent write.
	txMu sync.Mutex

	mu       sync.RWMutex
	vans     map[string]models.Van
	sessions map[string]*models.TrackingSession
	byVan    map[string][]string // van guid -> session ids, oldest first
	samples  map[string][]models.LocationSample
	routes   map[int32][]models.Stop

	windows tracking.Windows
}

// New creates an empty store
func New(windows tracking.Windows) *Store {
	return &Store{
		vans:     make(map[string]models.Van),
		sessions: make(map[string]*models.TrackingSession),
		byVan:    make(map[string][]string),
		samples:  make(map[string][]models.LocationSample),
		routes:   make(map[int32][]models.Stop),
		windows:  windows.WithDefaults(),
	}
}

// SetRoute replaces the ordered stops of a route. Positions are rewritten to
// match slice order.
func (s *Store) SetRoute(routeID int32, stops []models.Stop) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make([]models.Stop, len(stops))
	for i, st := range stops {
		st.Position = i
		cp[i] = st
	}
	s.routes[routeID] = cp
}

// RouteStops returns a copy of the route's ordered stops
func (s *Store) RouteStops(_ context.Context, routeID int32) ([]models.Stop, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stops := s.routes[routeID]
	out := make([]models.Stop, len(stops))
	copy(out, stops)
	return out, nil
}

// EnsureVan records the van on first sight
func (s *Store) EnsureVan(ctx context.Context, vanGUID string, now time.Time) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.ensureVan(vanGUID, now)
}

// StartSession ends the van's live sessions and starts a new one
func (s *Store) StartSession(ctx context.Context, vanGUID string, routeID int32, now time.Time) (*models.TrackingSession, error) {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.startSession(vanGUID, routeID, now)
}

// ActiveSession returns the van's newest live session inside the TTL
func (s *Store) ActiveSession(_ context.Context, vanGUID string, now time.Time) (*models.TrackingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-s.windows.SessionTTL)
	ids := s.byVan[vanGUID]
	for i := len(ids) - 1; i >= 0; i-- {
		sess := s.sessions[ids[i]]
		if !sess.Dead && sess.CreatedAt.After(cutoff) {
			cp := *sess
			return &cp, nil
		}
	}
	return nil, nil
}

// LiveSessions returns unexpired live sessions on a route, by van
func (s *Store) LiveSessions(_ context.Context, routeID int32, now time.Time) ([]models.TrackingSession, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-s.windows.SessionTTL)
	var out []models.TrackingSession
	for _, sess := range s.sessions {
		if sess.RouteID == routeID && !sess.Dead && sess.CreatedAt.After(cutoff) {
			out = append(out, *sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].VanGUID < out[j].VanGUID })
	return out, nil
}

// RecentSamples returns samples inside the lookback window, newest first
func (s *Store) RecentSamples(_ context.Context, sessionID string, now time.Time) ([]models.LocationSample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := now.Add(-s.windows.Lookback)
	all := s.samples[sessionID]
	out := make([]models.LocationSample, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		if all[i].Timestamp.After(cutoff) {
			out = append(out, all[i])
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
	return out, nil
}

// AppendSample records a location sample
func (s *Store) AppendSample(ctx context.Context, sample models.LocationSample) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.appendSample(sample)
}

// AdvanceStopIndex sets a session's stop index
func (s *Store) AdvanceStopIndex(ctx context.Context, sessionID string, newIndex int) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()
	return s.advanceStopIndex(sessionID, newIndex)
}

// Atomically snapshots the store, runs fn and restores the snapshot if fn
// fails. Writers are blocked for the duration.
func (s *Store) Atomically(ctx context.Context, fn func(tx tracking.SessionStore) error) error {
	s.txMu.Lock()
	defer s.txMu.Unlock()

	snap := s.snapshot()
	if err := fn(&txView{s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

// Sessions returns every session of a van, oldest first, dead ones included
func (s *Store) Sessions(vanGUID string) []models.TrackingSession {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := s.byVan[vanGUID]
	out := make([]models.TrackingSession, 0, len(ids))
	for _, id := range ids {
		out = append(out, *s.sessions[id])
	}
	return out
}

// SampleCount returns how many samples are stored for a session
func (s *Store) SampleCount(sessionID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.samples[sessionID])
}

// HasVan reports whether the van has been recorded
func (s *Store) HasVan(vanGUID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.vans[vanGUID]
	return ok
}

func (s *Store) ensureVan(vanGUID string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.vans[vanGUID]; !ok {
		s.vans[vanGUID] = models.Van{GUID: vanGUID, FirstSeenAt: now}
	}
	return nil
}

func (s *Store) startSession(vanGUID string, routeID int32, now time.Time) (*models.TrackingSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range s.byVan[vanGUID] {
		s.sessions[id].Dead = true
	}
	sess := &models.TrackingSession{
		ID:        uuid.NewString(),
		VanGUID:   vanGUID,
		RouteID:   routeID,
		StopIndex: 0,
		CreatedAt: now,
	}
	s.sessions[sess.ID] = sess
	s.byVan[vanGUID] = append(s.byVan[vanGUID], sess.ID)

	cp := *sess
	return &cp, nil
}

func (s *Store) appendSample(sample models.LocationSample) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.sessions[sample.SessionID]; !ok {
		return fmt.Errorf("session %s: %w", sample.SessionID, tracking.ErrSessionNotFound)
	}
	s.samples[sample.SessionID] = append(s.samples[sample.SessionID], sample)
	return nil
}

func (s *Store) advanceStopIndex(sessionID string, newIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess, ok := s.sessions[sessionID]
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, tracking.ErrSessionNotFound)
	}
	sess.StopIndex = newIndex
	return nil
}

type snapshot struct {
	vans     map[string]models.Van
	sessions map[string]models.TrackingSession
	byVan    map[string][]string
	samples  map[string]int // session id -> sample count
}

func (s *Store) snapshot() snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := snapshot{
		vans:     make(map[string]models.Van, len(s.vans)),
		sessions: make(map[string]models.TrackingSession, len(s.sessions)),
		byVan:    make(map[string][]string, len(s.byVan)),
		samples:  make(map[string]int, len(s.samples)),
	}
	for k, v := range s.vans {
		snap.vans[k] = v
	}
	for k, v := range s.sessions {
		snap.sessions[k] = *v
	}
	for k, v := range s.byVan {
		snap.byVan[k] = append([]string(nil), v...)
	}
	for k, v := range s.samples {
		snap.samples[k] = len(v)
	}
	return snap
}

// restore rolls back to snap. Samples are append-only so truncating each
// session's slice to its snapshot length is enough.
func (s *Store) restore(snap snapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.vans = snap.vans
	s.byVan = snap.byVan
	s.sessions = make(map[string]*models.TrackingSession, len(snap.sessions))
	for k, v := range snap.sessions {
		sess := v
		s.sessions[k] = &sess
	}
	for id, list := range s.samples {
		n, ok := snap.samples[id]
		if !ok {
			delete(s.samples, id)
			continue
		}
		s.samples[id] = list[:n]
	}
}

// txView is the store as seen from inside Atomically. txMu is already held.
type txView struct {
	s *Store
}

func (t *txView) EnsureVan(_ context.Context, vanGUID string, now time.Time) error {
	return t.s.ensureVan(vanGUID, now)
}

func (t *txView) StartSession(_ context.Context, vanGUID string, routeID int32, now time.Time) (*models.TrackingSession, error) {
	return t.s.startSession(vanGUID, routeID, now)
}

func (t *txView) ActiveSession(ctx context.Context, vanGUID string, now time.Time) (*models.TrackingSession, error) {
	return t.s.ActiveSession(ctx, vanGUID, now)
}

func (t *txView) LiveSessions(ctx context.Context, routeID int32, now time.Time) ([]models.TrackingSession, error) {
	return t.s.LiveSessions(ctx, routeID, now)
}

func (t *txView) RecentSamples(ctx context.Context, sessionID string, now time.Time) ([]models.LocationSample, error) {
	return t.s.RecentSamples(ctx, sessionID, now)
}

func (t *txView) AppendSample(_ context.Context, sample models.LocationSample) error {
	return t.s.appendSample(sample)
}

func (t *txView) AdvanceStopIndex(_ context.Context, sessionID string, newIndex int) error {
	return t.s.advanceStopIndex(sessionID, newIndex)
}

func (t *txView) Atomically(_ context.Context, fn func(tx tracking.SessionStore) error) error {
	return fn(t)
}
