package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/klauspost/compress/gzhttp"

	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

// StatsSource supplies aggregate store counts
type StatsSource interface {
	GetStats(ctx context.Context) (*models.StoreStats, error)
}

// HealthChecker reports whether the backing store is reachable
type HealthChecker interface {
	Ping(ctx context.Context) error
}

// RequestMetrics records served HTTP requests
type RequestMetrics interface {
	ObserveRequest(method, route string, status int, d time.Duration)
}

// Server represents the API server
type Server struct {
	tracker        *tracking.Service
	stats          StatsSource
	health         HealthChecker
	stream         http.HandlerFunc
	metrics        RequestMetrics
	metricsHandler http.Handler
	logger         *slog.Logger
	router         *mux.Router
}

// Option configures a Server
type Option func(*Server)

// WithStats exposes store counts at /api/v1/stats
func WithStats(src StatsSource) Option {
	return func(s *Server) { s.stats = src }
}

// WithHealthCheck makes /health ping the store
func WithHealthCheck(h HealthChecker) Option {
	return func(s *Server) { s.health = h }
}

// WithStream mounts the websocket arrival stream
func WithStream(h http.HandlerFunc) Option {
	return func(s *Server) { s.stream = h }
}

// WithMetrics records request metrics and exposes handler at /metrics
func WithMetrics(m RequestMetrics, handler http.Handler) Option {
	return func(s *Server) {
		s.metrics = m
		s.metricsHandler = handler
	}
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// NewServer creates a new API server
func NewServer(tracker *tracking.Service, opts ...Option) *Server {
	s := &Server{
		tracker: tracker,
		logger:  slog.Default(),
		router:  mux.NewRouter(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "http")
	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	// Hardware endpoints, binary bodies
	s.router.HandleFunc("/vans/routeselect/{van_guid}", s.handleBeginSession).Methods("POST")
	s.router.HandleFunc("/vans/location/{van_guid}", s.handleReportLocation).Methods("POST")

	// Health check
	s.router.Handle("/health", jsonMiddleware(http.HandlerFunc(s.handleHealth))).Methods("GET")

	// Rider endpoints
	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(jsonMiddleware, gzipMiddleware)
	api.HandleFunc("/vans/{van_guid}", s.handleVanStatus).Methods("GET")
	api.HandleFunc("/routes/{route_id:[0-9]+}/vans", s.handleRouteVans).Methods("GET")
	api.HandleFunc("/routes/{route_id:[0-9]+}/stops", s.handleRouteStops).Methods("GET")
	if s.stats != nil {
		api.HandleFunc("/stats", s.handleStats).Methods("GET")
	}

	// The stream writes its own frames, so it sits outside jsonMiddleware
	if s.stream != nil {
		s.router.HandleFunc("/api/v1/stream", s.stream).Methods("GET")
	}
	if s.metricsHandler != nil {
		s.router.Handle("/metrics", s.metricsHandler).Methods("GET")
	}

	s.router.Use(s.loggingMiddleware)
}

// Router returns the configured router
func (s *Server) Router() *mux.Router {
	return s.router
}

// Middleware
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		elapsed := time.Since(start)

		route := r.URL.Path
		if cr := mux.CurrentRoute(r); cr != nil {
			if tpl, err := cr.GetPathTemplate(); err == nil {
				route = tpl
			}
		}
		if s.metrics != nil {
			s.metrics.ObserveRequest(r.Method, route, rec.status, elapsed)
		}
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

var gzipWrapper = sync.OnceValues(func() (func(http.Handler) http.HandlerFunc, error) {
	return gzhttp.NewWrapper(
		gzhttp.MinSize(1024),
		gzhttp.CompressionLevel(6),
	)
})

// gzipMiddleware compresses rider responses above 1 KiB for clients that
// accept it
func gzipMiddleware(next http.Handler) http.Handler {
	wrapper, err := gzipWrapper()
	if err != nil {
		return next
	}
	return wrapper(next)
}

func jsonMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// statusRecorder captures the response status. It passes hijacking through
// for the websocket stream.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Response helpers
type apiResponse struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Meta    *meta       `json:"meta,omitempty"`
}

type meta struct {
	Total   int   `json:"total,omitempty"`
	QueryMs int64 `json:"query_ms,omitempty"`
}

func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data})
}

func respondError(w http.ResponseWriter, status int, message string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(apiResponse{Success: false, Error: message})
}

func respondWithMeta(w http.ResponseWriter, data interface{}, m *meta) {
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(apiResponse{Success: true, Data: data, Meta: m})
}

// Handlers
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health != nil {
		if err := s.health.Ping(r.Context()); err != nil {
			s.logger.Error("health check failed", "error", err)
			respondError(w, http.StatusServiceUnavailable, "database unreachable")
			return
		}
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleVanStatus(w http.ResponseWriter, r *http.Request) {
	vanGUID := mux.Vars(r)["van_guid"]

	status, err := s.tracker.VanStatus(r.Context(), vanGUID)
	if errors.Is(err, tracking.ErrNoActiveSession) {
		respondError(w, http.StatusNotFound, "no active session for van")
		return
	}
	if err != nil {
		s.logger.Error("van status failed", "van_guid", vanGUID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, status)
}

func (s *Server) handleRouteVans(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	routeID, ok := routeIDVar(w, r)
	if !ok {
		return
	}

	vans, err := s.tracker.RouteVans(r.Context(), routeID)
	if err != nil {
		s.logger.Error("route vans failed", "route_id", routeID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondWithMeta(w, vans, &meta{
		Total:   len(vans),
		QueryMs: time.Since(start).Milliseconds(),
	})
}

func (s *Server) handleRouteStops(w http.ResponseWriter, r *http.Request) {
	routeID, ok := routeIDVar(w, r)
	if !ok {
		return
	}

	stops, err := s.tracker.RouteStops(r.Context(), routeID)
	if err != nil {
		s.logger.Error("route stops failed", "route_id", routeID, "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if len(stops) == 0 {
		respondError(w, http.StatusNotFound, "route not found")
		return
	}

	respondWithMeta(w, stops, &meta{Total: len(stops)})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.GetStats(r.Context())
	if err != nil {
		s.logger.Error("stats failed", "error", err)
		respondError(w, http.StatusInternalServerError, "internal error")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

func routeIDVar(w http.ResponseWriter, r *http.Request) (int32, bool) {
	id, err := strconv.ParseInt(mux.Vars(r)["route_id"], 10, 32)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid route id")
		return 0, false
	}
	return int32(id), true
}
