package tracking

import (
	"context"
	"time"

	"shuttle-tracker/internal/models"
)

const (
	// DefaultSessionTTL is how long a session stays active without renewal
	DefaultSessionTTL = 300 * time.Second
	// DefaultLookback bounds which samples count as recent
	DefaultLookback = 300 * time.Second
)

// Windows are the time horizons a store applies to its queries
type Windows struct {
	SessionTTL time.Duration
	Lookback   time.Duration
}

// DefaultWindows returns the 300 second session and lookback windows
func DefaultWindows() Windows {
	return Windows{SessionTTL: DefaultSessionTTL, Lookback: DefaultLookback}
}

// WithDefaults fills unset windows with the defaults
func (w Windows) WithDefaults() Windows {
	if w.SessionTTL <= 0 {
		w.SessionTTL = DefaultSessionTTL
	}
	if w.Lookback <= 0 {
		w.Lookback = DefaultLookback
	}
	return w
}

// SessionStore persists vans, tracking sessions and location samples.
// Implementations own the session TTL and lookback windows.
type SessionStore interface {
	// EnsureVan records the van if it has never been seen. Idempotent.
	EnsureVan(ctx context.Context, vanGUID string, now time.Time) error
	// StartSession marks every live session of the van dead and creates a
	// new one at stop index 0, as a single atomic unit.
	StartSession(ctx context.Context, vanGUID string, routeID int32, now time.Time) (*models.TrackingSession, error)
	// ActiveSession returns the van's live, unexpired session or nil.
	ActiveSession(ctx context.Context, vanGUID string, now time.Time) (*models.TrackingSession, error)
	// LiveSessions returns the live, unexpired sessions on a route.
	LiveSessions(ctx context.Context, routeID int32, now time.Time) ([]models.TrackingSession, error)
	// RecentSamples returns samples inside the lookback window, newest first.
	RecentSamples(ctx context.Context, sessionID string, now time.Time) ([]models.LocationSample, error)
	AppendSample(ctx context.Context, sample models.LocationSample) error
	AdvanceStopIndex(ctx context.Context, sessionID string, newIndex int) error
	// Atomically runs fn against a transactional view of the store. Either
	// every write made through tx is kept or none is.
	Atomically(ctx context.Context, fn func(tx SessionStore) error) error
}

// RouteTopology supplies the ordered stops of a route
type RouteTopology interface {
	RouteStops(ctx context.Context, routeID int32) ([]models.Stop, error)
}

// ArrivalPublisher receives stop arrivals after they are committed
type ArrivalPublisher interface {
	PublishArrival(ctx context.Context, arrival models.StopArrival) error
}

// Metrics is the instrumentation surface the service reports to
type Metrics interface {
	ReportAccepted()
	ReportRejected(reason string)
	SessionStarted()
	StopAdvanced()
	ArrivalPublished(err error)
	ObserveReport(d time.Duration)
}
