package tracking

import (
	"time"

	"shuttle-tracker/internal/geo"
	"shuttle-tracker/internal/models"
)

const (
	// DefaultStopRadiusMeters is the radius (100 ft) counted as "at the stop"
	DefaultStopRadiusMeters = 30.48
	// DefaultDwellThreshold is the unbroken dwell that counts as an arrival
	DefaultDwellThreshold = 30 * time.Second
)

// Estimator decides when a van has arrived at one of its upcoming stops.
//
// GPS fixes are noisy and a van may pass through a stop's radius without
// stopping, so nearest-stop matching is not enough. Instead the estimator
// looks for the longest unbroken run of recent fixes inside a stop's radius
// and advances only when that run lasts at least DwellThreshold.
type Estimator struct {
	RadiusMeters   float64
	DwellThreshold time.Duration
}

// NewEstimator creates an estimator; zero values fall back to the defaults
func NewEstimator(radiusMeters float64, dwell time.Duration) *Estimator {
	if radiusMeters <= 0 {
		radiusMeters = DefaultStopRadiusMeters
	}
	if dwell <= 0 {
		dwell = DefaultDwellThreshold
	}
	return &Estimator{RadiusMeters: radiusMeters, DwellThreshold: dwell}
}

// Estimate returns the stop index the session should advance to, if any.
// samples must be ordered newest first.
//
// Candidates are walked in route order starting after the current stop, so
// the nearest stop that satisfies the dwell wins even if a later stop has a
// longer streak.
func (e *Estimator) Estimate(session models.TrackingSession, stops []models.Stop, samples []models.LocationSample) (int, bool) {
	n := len(stops)
	if n == 0 {
		return 0, false
	}
	current := session.StopIndex % n
	if current < 0 {
		current += n
	}

	for offset, stop := range upcomingStops(stops, current) {
		if e.Dwell(stop, samples) >= e.DwellThreshold {
			return (current + offset + 1) % n, true
		}
	}
	return current, false
}

// Dwell returns how long the longest unbroken run of samples inside the
// stop's radius lasted. Runs are measured between their endpoint timestamps.
func (e *Estimator) Dwell(stop models.Stop, samples []models.LocationSample) time.Duration {
	target := stop.Coordinate()

	bestStart, bestLen := 0, 0
	runStart, runLen := 0, 0
	for i, s := range samples {
		if geo.DistanceMeters(s.Coordinate(), target) < e.RadiusMeters {
			if runLen == 0 {
				runStart = i
			}
			runLen++
			continue
		}
		if runLen > bestLen {
			bestStart, bestLen = runStart, runLen
		}
		runLen = 0
	}
	if runLen > bestLen {
		bestStart, bestLen = runStart, runLen
	}
	if bestLen == 0 {
		return 0
	}

	d := samples[bestStart+bestLen-1].Timestamp.Sub(samples[bestStart].Timestamp)
	if d < 0 {
		d = -d
	}
	return d
}

// upcomingStops lists every stop after current, then wraps to the start of
// the route, leaving out the current and immediately preceding stop. The wrap
// slice end is clamped at zero.
func upcomingStops(stops []models.Stop, current int) []models.Stop {
	wrapEnd := current - 1
	if wrapEnd < 0 {
		wrapEnd = 0
	}
	out := make([]models.Stop, 0, len(stops))
	out = append(out, stops[current+1:]...)
	out = append(out, stops[:wrapEnd]...)
	return out
}
