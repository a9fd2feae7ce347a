package tracking

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"shuttle-tracker/internal/models"
)

// Service is the ingestion entry point for van telemetry. It keeps no
// per-van state of its own; sessions and samples live in the store.
type Service struct {
	store     SessionStore
	topology  RouteTopology
	validator *Validator
	estimator *Estimator
	publisher ArrivalPublisher
	metrics   Metrics
	clock     Clock
	logger    *slog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithClock overrides the time source
func WithClock(c Clock) Option {
	return func(s *Service) { s.clock = c }
}

// WithValidator overrides the telemetry validator
func WithValidator(v *Validator) Option {
	return func(s *Service) { s.validator = v }
}

// WithEstimator overrides the stop index estimator
func WithEstimator(e *Estimator) Option {
	return func(s *Service) { s.estimator = e }
}

// WithPublisher sets where committed stop arrivals are sent
func WithPublisher(p ArrivalPublisher) Option {
	return func(s *Service) { s.publisher = p }
}

// WithMetrics sets the instrumentation sink
func WithMetrics(m Metrics) Option {
	return func(s *Service) { s.metrics = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Service) { s.logger = l }
}

// NewService creates a tracking service over the given store and topology
func NewService(store SessionStore, topology RouteTopology, opts ...Option) *Service {
	s := &Service{
		store:     store,
		topology:  topology,
		validator: NewValidator(DefaultMaxReportAge),
		estimator: NewEstimator(DefaultStopRadiusMeters, DefaultDwellThreshold),
		clock:     SystemClock,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "tracking")
	return s
}

// ReportResult describes the outcome of an accepted location report
type ReportResult struct {
	Session       models.TrackingSession `json:"session"`
	Advanced      bool                   `json:"advanced"`
	PreviousIndex int                    `json:"previous_index"`
	StopIndex     int                    `json:"stop_index"`
}

// BeginSession starts a fresh session for the van, ending any prior one.
// The route is not checked for existence here.
func (s *Service) BeginSession(ctx context.Context, vanGUID string, routeID int32) (*models.TrackingSession, error) {
	session, err := s.store.StartSession(ctx, vanGUID, routeID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	if s.metrics != nil {
		s.metrics.SessionStarted()
	}
	s.logger.Info("session started",
		"van_guid", vanGUID,
		"route_id", routeID,
		"session_id", session.ID,
	)
	return session, nil
}

// ReportLocation ingests one GPS fix from a van.
//
// The fix is appended before the estimator runs, in the same transaction, so
// the in-flight sample counts toward the dwell streak it completes. A
// rejected report leaves session and sample state untouched.
func (s *Service) ReportLocation(ctx context.Context, vanGUID string, report models.LocationReport) (*ReportResult, error) {
	start := time.Now()
	result, err := s.reportLocation(ctx, vanGUID, report)
	if s.metrics != nil {
		s.metrics.ObserveReport(time.Since(start))
		if err != nil {
			s.metrics.ReportRejected(RejectReason(err))
		} else {
			s.metrics.ReportAccepted()
		}
	}
	return result, err
}

func (s *Service) reportLocation(ctx context.Context, vanGUID string, report models.LocationReport) (*ReportResult, error) {
	now := s.clock()

	if err := s.store.EnsureVan(ctx, vanGUID, now); err != nil {
		return nil, fmt.Errorf("ensure van: %w", err)
	}

	if err := s.validator.Validate(report.Timestamp, now); err != nil {
		s.logger.Warn("report rejected",
			"van_guid", vanGUID,
			"timestamp", report.Timestamp,
			"error", err,
		)
		return nil, err
	}

	session, err := s.store.ActiveSession(ctx, vanGUID, now)
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}

	stops, err := s.topology.RouteStops(ctx, session.RouteID)
	if err != nil {
		return nil, fmt.Errorf("route stops: %w", err)
	}
	if len(stops) == 0 {
		return nil, fmt.Errorf("route %d: %w", session.RouteID, ErrEmptyRoute)
	}

	result := &ReportResult{
		Session:       *session,
		PreviousIndex: session.StopIndex,
		StopIndex:     session.StopIndex,
	}

	err = s.store.Atomically(ctx, func(tx SessionStore) error {
		sample := models.LocationSample{
			SessionID:  session.ID,
			Timestamp:  report.Timestamp.UTC(),
			Latitude:   report.Latitude,
			Longitude:  report.Longitude,
			ReceivedAt: now,
		}
		if err := tx.AppendSample(ctx, sample); err != nil {
			return fmt.Errorf("append sample: %w", err)
		}

		samples, err := tx.RecentSamples(ctx, session.ID, now)
		if err != nil {
			return fmt.Errorf("recent samples: %w", err)
		}

		next, ok := s.estimator.Estimate(*session, stops, samples)
		if !ok {
			return nil
		}
		if err := tx.AdvanceStopIndex(ctx, session.ID, next); err != nil {
			return fmt.Errorf("advance stop index: %w", err)
		}
		result.Advanced = true
		result.StopIndex = next
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Session.StopIndex = result.StopIndex

	if result.Advanced {
		s.arrived(ctx, result, stops, report, now)
	}
	return result, nil
}

// arrived logs, counts and publishes a committed stop advance
func (s *Service) arrived(ctx context.Context, result *ReportResult, stops []models.Stop, report models.LocationReport, now time.Time) {
	stop := stops[result.StopIndex]
	s.logger.Info("stop arrival",
		"van_guid", result.Session.VanGUID,
		"route_id", result.Session.RouteID,
		"session_id", result.Session.ID,
		"previous_index", result.PreviousIndex,
		"stop_index", result.StopIndex,
		"stop_id", stop.ID,
	)
	if s.metrics != nil {
		s.metrics.StopAdvanced()
	}
	if s.publisher == nil {
		return
	}

	arrival := models.StopArrival{
		ID:            uuid.NewString(),
		VanGUID:       result.Session.VanGUID,
		RouteID:       result.Session.RouteID,
		SessionID:     result.Session.ID,
		PreviousIndex: result.PreviousIndex,
		StopIndex:     result.StopIndex,
		StopID:        stop.ID,
		StopName:      stop.Name,
		Latitude:      report.Latitude,
		Longitude:     report.Longitude,
		Timestamp:     report.Timestamp.UTC(),
		DetectedAt:    now,
	}
	err := s.publisher.PublishArrival(ctx, arrival)
	if s.metrics != nil {
		s.metrics.ArrivalPublished(err)
	}
	if err != nil {
		s.logger.Error("publish arrival failed", "session_id", arrival.SessionID, "error", err)
	}
}

// VanStatus returns the van's active session with its current and next stop
func (s *Service) VanStatus(ctx context.Context, vanGUID string) (*models.VanStatus, error) {
	session, err := s.store.ActiveSession(ctx, vanGUID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("active session: %w", err)
	}
	if session == nil {
		return nil, ErrNoActiveSession
	}
	return s.status(ctx, *session)
}

// RouteVans returns the status of every van with a live session on the route
func (s *Service) RouteVans(ctx context.Context, routeID int32) ([]models.VanStatus, error) {
	sessions, err := s.store.LiveSessions(ctx, routeID, s.clock())
	if err != nil {
		return nil, fmt.Errorf("live sessions: %w", err)
	}
	out := make([]models.VanStatus, 0, len(sessions))
	for _, session := range sessions {
		st, err := s.status(ctx, session)
		if err != nil {
			return nil, err
		}
		out = append(out, *st)
	}
	return out, nil
}

// RouteStops exposes the topology the service tracks against
func (s *Service) RouteStops(ctx context.Context, routeID int32) ([]models.Stop, error) {
	return s.topology.RouteStops(ctx, routeID)
}

func (s *Service) status(ctx context.Context, session models.TrackingSession) (*models.VanStatus, error) {
	stops, err := s.topology.RouteStops(ctx, session.RouteID)
	if err != nil {
		return nil, fmt.Errorf("route stops: %w", err)
	}
	st := &models.VanStatus{Session: session}
	if n := len(stops); n > 0 {
		idx := session.StopIndex % n
		current := stops[idx]
		next := stops[(idx+1)%n]
		st.CurrentStop = &current
		st.NextStop = &next
	}
	return st, nil
}
