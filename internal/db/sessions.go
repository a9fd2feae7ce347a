package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

const sessionColumns = `id, van_guid, route_id, stop_index, dead, created_at_ms`

// EnsureVan inserts the van on first sight; the primary key makes it idempotent
func (qs *queries) EnsureVan(ctx context.Context, vanGUID string, now time.Time) error {
	query := `INSERT INTO vans (guid, first_seen_ms) VALUES (?, ?) ON CONFLICT (guid) DO NOTHING`
	_, err := qs.q.ExecContext(ctx, qs.rebind(query), vanGUID, toMillis(now))
	return err
}

// StartSession marks the van's live sessions dead and inserts a new one.
// Database wraps this in a transaction.
func (qs *queries) StartSession(ctx context.Context, vanGUID string, routeID int32, now time.Time) (*models.TrackingSession, error) {
	kill := `UPDATE tracker_sessions SET dead = TRUE WHERE van_guid = ? AND NOT dead`
	if _, err := qs.q.ExecContext(ctx, qs.rebind(kill), vanGUID); err != nil {
		return nil, fmt.Errorf("end previous sessions: %w", err)
	}

	s := &models.TrackingSession{
		ID:        uuid.NewString(),
		VanGUID:   vanGUID,
		RouteID:   routeID,
		StopIndex: 0,
		CreatedAt: now.UTC().Truncate(time.Millisecond),
	}
	insert := `
		INSERT INTO tracker_sessions (id, van_guid, route_id, stop_index, dead, created_at_ms)
		VALUES (?, ?, ?, ?, FALSE, ?)
	`
	if _, err := qs.q.ExecContext(ctx, qs.rebind(insert), s.ID, s.VanGUID, s.RouteID, s.StopIndex, toMillis(now)); err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s, nil
}

// ActiveSession returns the van's newest live session created inside the TTL
func (qs *queries) ActiveSession(ctx context.Context, vanGUID string, now time.Time) (*models.TrackingSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM tracker_sessions
		WHERE van_guid = ? AND NOT dead AND created_at_ms > ?
		ORDER BY created_at_ms DESC
		LIMIT 1
	`
	cutoff := now.Add(-qs.windows.SessionTTL)
	s, err := scanSession(qs.q.QueryRowContext(ctx, qs.rebind(query), vanGUID, toMillis(cutoff)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return s, nil
}

// LiveSessions returns unexpired live sessions on a route
func (qs *queries) LiveSessions(ctx context.Context, routeID int32, now time.Time) ([]models.TrackingSession, error) {
	query := `
		SELECT ` + sessionColumns + `
		FROM tracker_sessions
		WHERE route_id = ? AND NOT dead AND created_at_ms > ?
		ORDER BY van_guid
	`
	cutoff := now.Add(-qs.windows.SessionTTL)
	rows, err := qs.q.QueryContext(ctx, qs.rebind(query), routeID, toMillis(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// SessionsForVan returns every session of a van, newest first
func (qs *queries) SessionsForVan(ctx context.Context, vanGUID string, limit int) ([]models.TrackingSession, error) {
	query := `SELECT ` + sessionColumns + ` FROM tracker_sessions WHERE van_guid = ? ORDER BY created_at_ms DESC`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := qs.q.QueryContext(ctx, qs.rebind(query), vanGUID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSessions(rows)
}

// RecentSamples returns samples inside the lookback window, newest first
func (qs *queries) RecentSamples(ctx context.Context, sessionID string, now time.Time) ([]models.LocationSample, error) {
	query := `
		SELECT session_id, timestamp_ms, lat, lon, received_at_ms
		FROM van_locations
		WHERE session_id = ? AND timestamp_ms > ?
		ORDER BY timestamp_ms DESC, id DESC
	`
	cutoff := now.Add(-qs.windows.Lookback)
	rows, err := qs.q.QueryContext(ctx, qs.rebind(query), sessionID, toMillis(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSamples(rows)
}

// SessionSamples returns up to limit samples of a session, newest first
func (qs *queries) SessionSamples(ctx context.Context, sessionID string, limit int) ([]models.LocationSample, error) {
	query := `
		SELECT session_id, timestamp_ms, lat, lon, received_at_ms
		FROM van_locations
		WHERE session_id = ?
		ORDER BY timestamp_ms DESC, id DESC
	`
	if limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", limit)
	}
	rows, err := qs.q.QueryContext(ctx, qs.rebind(query), sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSamples(rows)
}

// AppendSample records a location sample
func (qs *queries) AppendSample(ctx context.Context, s models.LocationSample) error {
	query := `
		INSERT INTO van_locations (session_id, timestamp_ms, lat, lon, received_at_ms)
		VALUES (?, ?, ?, ?, ?)
	`
	_, err := qs.q.ExecContext(ctx, qs.rebind(query),
		s.SessionID, toMillis(s.Timestamp), s.Latitude, s.Longitude, toMillis(s.ReceivedAt))
	return err
}

// AdvanceStopIndex writes the new stop index in a single statement
func (qs *queries) AdvanceStopIndex(ctx context.Context, sessionID string, newIndex int) error {
	query := `UPDATE tracker_sessions SET stop_index = ? WHERE id = ?`
	result, err := qs.q.ExecContext(ctx, qs.rebind(query), newIndex, sessionID)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("session %s: %w", sessionID, tracking.ErrSessionNotFound)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.TrackingSession, error) {
	var s models.TrackingSession
	var createdMS int64
	if err := row.Scan(&s.ID, &s.VanGUID, &s.RouteID, &s.StopIndex, &s.Dead, &createdMS); err != nil {
		return nil, err
	}
	s.CreatedAt = fromMillis(createdMS)
	return &s, nil
}

func scanSessions(rows *sql.Rows) ([]models.TrackingSession, error) {
	var sessions []models.TrackingSession
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSamples(rows *sql.Rows) ([]models.LocationSample, error) {
	var samples []models.LocationSample
	for rows.Next() {
		var s models.LocationSample
		var tsMS, receivedMS int64
		if err := rows.Scan(&s.SessionID, &tsMS, &s.Latitude, &s.Longitude, &receivedMS); err != nil {
			return nil, err
		}
		s.Timestamp = fromMillis(tsMS)
		s.ReceivedAt = fromMillis(receivedMS)
		samples = append(samples, s)
	}
	return samples, rows.Err()
}
