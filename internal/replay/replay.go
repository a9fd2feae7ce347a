// Package replay runs recorded GPS traces through the tracking service on a
// simulated clock, for tuning dwell and radius thresholds offline.
package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"shuttle-tracker/internal/memstore"
	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/parser"
	"shuttle-tracker/internal/tracking"
)

// Options are the thresholds a replay runs with. Zero values fall back to
// the tracking defaults.
type Options struct {
	Windows          tracking.Windows
	MaxReportAge     time.Duration
	StopRadiusMeters float64
	DwellThreshold   time.Duration
	Logger           *slog.Logger
}

// Advance is one stop arrival detected during a replay
type Advance struct {
	At            time.Time   `json:"at"`
	VanGUID       string      `json:"van_guid"`
	RouteID       int32       `json:"route_id"`
	SessionID     string      `json:"session_id"`
	PreviousIndex int         `json:"previous_index"`
	StopIndex     int         `json:"stop_index"`
	Stop          models.Stop `json:"stop"`
}

// Summary counts what happened to each trace event
type Summary struct {
	Sessions int            `json:"sessions"`
	Accepted int            `json:"accepted"`
	Rejected map[string]int `json:"rejected"`
	Advances []Advance      `json:"advances"`
}

// Run replays events, which must be ordered by timestamp, against an
// in-memory store seeded with routes. The clock reads each event's own
// timestamp, so every fix is evaluated as if it had just arrived. onAdvance,
// if set, is called as each arrival is detected.
func Run(ctx context.Context, events []parser.Event, routes []models.Route, opts Options, onAdvance func(Advance)) (*Summary, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	store := memstore.New(opts.Windows)
	for _, r := range routes {
		store.SetRoute(r.ID, r.Stops)
	}

	var now time.Time
	svc := tracking.NewService(store, store,
		tracking.WithClock(func() time.Time { return now }),
		tracking.WithValidator(tracking.NewValidator(opts.MaxReportAge)),
		tracking.WithEstimator(tracking.NewEstimator(opts.StopRadiusMeters, opts.DwellThreshold)),
		tracking.WithLogger(opts.Logger),
	)

	summary := &Summary{Rejected: make(map[string]int)}
	for i, e := range events {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		now = e.Timestamp

		if e.Kind == parser.KindBegin {
			if _, err := svc.BeginSession(ctx, e.VanGUID, e.RouteID); err != nil {
				return summary, fmt.Errorf("event %d: %w", i, err)
			}
			summary.Sessions++
			continue
		}

		result, err := svc.ReportLocation(ctx, e.VanGUID, models.LocationReport{
			Timestamp: e.Timestamp,
			Latitude:  e.Latitude,
			Longitude: e.Longitude,
		})
		if err != nil {
			reason := tracking.RejectReason(err)
			if reason == "storage" {
				return summary, fmt.Errorf("event %d: %w", i, err)
			}
			summary.Rejected[reason]++
			continue
		}
		summary.Accepted++

		if !result.Advanced {
			continue
		}
		adv, err := advanceFor(ctx, store, e, result)
		if err != nil {
			return summary, fmt.Errorf("event %d: %w", i, err)
		}
		summary.Advances = append(summary.Advances, adv)
		if onAdvance != nil {
			onAdvance(adv)
		}
	}
	return summary, nil
}

// advanceFor describes a committed advance using the route's current stops
func advanceFor(ctx context.Context, topology tracking.RouteTopology, e parser.Event, result *tracking.ReportResult) (Advance, error) {
	stops, err := topology.RouteStops(ctx, result.Session.RouteID)
	if err != nil {
		return Advance{}, fmt.Errorf("route stops: %w", err)
	}
	if result.StopIndex < 0 || result.StopIndex >= len(stops) {
		return Advance{}, fmt.Errorf("stop index %d outside route %d", result.StopIndex, result.Session.RouteID)
	}
	return Advance{
		At:            e.Timestamp,
		VanGUID:       e.VanGUID,
		RouteID:       result.Session.RouteID,
		SessionID:     result.Session.ID,
		PreviousIndex: result.PreviousIndex,
		StopIndex:     result.StopIndex,
		Stop:          stops[result.StopIndex],
	}, nil
}
