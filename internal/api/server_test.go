package api

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"shuttle-tracker/internal/memstore"
	"shuttle-tracker/internal/models"
	"shuttle-tracker/internal/tracking"
)

const van = "0f8e0d4c-6b1a-4c4e-9a51-2b7c0c7a9e11"

var start = time.Date(2024, 3, 4, 12, 0, 0, 0, time.UTC)

type fixedStats struct{}

func (fixedStats) GetStats(context.Context) (*models.StoreStats, error) {
	return &models.StoreStats{Vans: 3, Sessions: 4, LiveSessions: 2}, nil
}

type failingPing struct{}

func (failingPing) Ping(context.Context) error { return errors.New("dial tcp: connection refused") }

type requestLog struct {
	routes []string
}

func (l *requestLog) ObserveRequest(method, route string, status int, _ time.Duration) {
	l.routes = append(l.routes, method+" "+route)
}

type harness struct {
	now    time.Time
	server *Server
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{now: start}
	store := memstore.New(tracking.DefaultWindows())
	store.SetRoute(1, []models.Stop{
		{ID: 10, Name: "Library", Latitude: 40.000, Longitude: -75.000},
		{ID: 11, Name: "Union", Latitude: 40.001, Longitude: -75.000},
		{ID: 12, Name: "Gym", Latitude: 40.002, Longitude: -75.000},
	})
	quiet := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := tracking.NewService(store, store,
		tracking.WithClock(func() time.Time { return h.now }),
		tracking.WithLogger(quiet),
	)
	h.server = NewServer(svc, append([]Option{WithLogger(quiet)}, opts...)...)
	return h
}

func (h *harness) do(method, path string, body []byte) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	h.server.Router().ServeHTTP(rec, req)
	return rec
}

func (h *harness) beginSession(t *testing.T, routeID int32) {
	t.Helper()
	rec := h.do(http.MethodPost, "/vans/routeselect/"+van, EncodeRouteSelect(routeID))
	require.Equal(t, http.StatusOK, rec.Code)
}

func (h *harness) report(at time.Duration, lat, lon float64) *httptest.ResponseRecorder {
	h.now = start.Add(at)
	body := EncodeLocation(models.LocationReport{Timestamp: h.now, Latitude: lat, Longitude: lon})
	return h.do(http.MethodPost, "/vans/location/"+van, body)
}

func hardwareCode(t *testing.T, rec *httptest.ResponseRecorder) HardwareCode {
	t.Helper()
	code, err := DecodeHardwareResponse(rec.Body.Bytes())
	require.NoError(t, err)
	return code
}

func decodeResponse(t *testing.T, rec *httptest.ResponseRecorder, data interface{}) apiResponse {
	t.Helper()
	var resp struct {
		apiResponse
		Data json.RawMessage `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	if data != nil && len(resp.Data) > 0 {
		require.NoError(t, json.Unmarshal(resp.Data, data))
	}
	return resp.apiResponse
}

func TestLocationCodec(t *testing.T) {
	report := models.LocationReport{Timestamp: start.Add(1500 * time.Millisecond), Latitude: 40.001, Longitude: -75.25}
	body := EncodeLocation(report)
	require.Len(t, body, LocationSize)

	got, err := DecodeLocation(body)
	require.NoError(t, err)
	assert.Equal(t, report, got)

	// Known byte layout: epoch ms first
	assert.Equal(t, []byte{0xdc, 0xcb, 0x55, 0x09, 0x8e, 0x01, 0x00, 0x00}, body[:8])
}

func TestDecodeLocation_Malformed(t *testing.T) {
	good := EncodeLocation(models.LocationReport{Timestamp: start, Latitude: 40, Longitude: -75})

	_, err := DecodeLocation(good[:23])
	assert.ErrorIs(t, err, ErrMalformedPayload)
	_, err = DecodeLocation(append(good, 0))
	assert.ErrorIs(t, err, ErrMalformedPayload)

	nan := EncodeLocation(models.LocationReport{Timestamp: start, Latitude: math.NaN(), Longitude: -75})
	_, err = DecodeLocation(nan)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	far := EncodeLocation(models.LocationReport{Timestamp: start, Latitude: 40, Longitude: 200})
	_, err = DecodeLocation(far)
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestRouteSelectCodec(t *testing.T) {
	assert.Equal(t, []byte{0x07, 0x00, 0x00, 0x00}, EncodeRouteSelect(7))
	id, err := DecodeRouteSelect([]byte{0xff, 0xff, 0xff, 0xff})
	require.NoError(t, err)
	assert.Equal(t, int32(-1), id)

	_, err = DecodeRouteSelect([]byte{1, 0})
	assert.ErrorIs(t, err, ErrMalformedPayload)
}

func TestHardwareCodeFor(t *testing.T) {
	assert.Equal(t, HardwareOK, hardwareCodeFor(nil))
	assert.Equal(t, HardwareTimestampTooFarInPast, hardwareCodeFor(tracking.ErrStaleTimestamp))
	assert.Equal(t, HardwareTimestampInFuture, hardwareCodeFor(tracking.ErrFutureTimestamp))
	assert.Equal(t, HardwareCreateNewSession, hardwareCodeFor(tracking.ErrNoActiveSession))
	assert.Equal(t, HardwareCreateNewSession, hardwareCodeFor(tracking.ErrEmptyRoute))
	assert.Equal(t, HardwareInternal, hardwareCodeFor(errors.New("database is locked")))
	assert.Equal(t, "CREATE_NEW_SESSION", HardwareCreateNewSession.String())
	assert.Equal(t, http.StatusInternalServerError, HardwareInternal.HTTPStatus())
}

func TestReportLocation_Endpoint(t *testing.T) {
	h := newHarness(t)

	// No session yet
	rec := h.report(0, 40.001, -75.0)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, HardwareCreateNewSession, hardwareCode(t, rec))
	assert.Equal(t, "CREATE_NEW_SESSION", rec.Header().Get(HardwareErrorHeader))

	h.beginSession(t, 1)

	rec = h.report(0, 40.001, -75.0)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, HardwareOK, hardwareCode(t, rec))
	assert.Empty(t, rec.Header().Get(HardwareErrorHeader))
	assert.Equal(t, "application/octet-stream", rec.Header().Get("Content-Type"))
}

func TestReportLocation_TimestampErrors(t *testing.T) {
	h := newHarness(t)
	h.beginSession(t, 1)

	h.now = start.Add(2 * time.Minute)
	stale := EncodeLocation(models.LocationReport{Timestamp: h.now.Add(-61 * time.Second), Latitude: 40, Longitude: -75})
	rec := h.do(http.MethodPost, "/vans/location/"+van, stale)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, HardwareTimestampTooFarInPast, hardwareCode(t, rec))

	future := EncodeLocation(models.LocationReport{Timestamp: h.now.Add(time.Second), Latitude: 40, Longitude: -75})
	rec = h.do(http.MethodPost, "/vans/location/"+van, future)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, HardwareTimestampInFuture, hardwareCode(t, rec))
	assert.Equal(t, "TIMESTAMP_IN_FUTURE", rec.Header().Get(HardwareErrorHeader))
}

func TestHardwareEndpoints_MalformedPayload(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodPost, "/vans/routeselect/"+van, []byte{1, 0, 0})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, HardwareMalformedPayload, hardwareCode(t, rec))

	rec = h.do(http.MethodPost, "/vans/location/"+van, make([]byte, 100))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, HardwareMalformedPayload, hardwareCode(t, rec))
}

func TestVanStatusAndRouteEndpoints(t *testing.T) {
	h := newHarness(t)

	rec := h.do(http.MethodGet, "/api/v1/vans/"+van, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, decodeResponse(t, rec, nil).Success)

	h.beginSession(t, 1)
	for _, at := range []time.Duration{0, 10 * time.Second, 20 * time.Second, 30 * time.Second} {
		rec := h.report(at, 40.001, -75.0)
		require.Equal(t, http.StatusOK, rec.Code)
	}

	rec = h.do(http.MethodGet, "/api/v1/vans/"+van, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var status models.VanStatus
	resp := decodeResponse(t, rec, &status)
	assert.True(t, resp.Success)
	assert.Equal(t, 1, status.Session.StopIndex)
	require.NotNil(t, status.CurrentStop)
	assert.Equal(t, "Union", status.CurrentStop.Name)
	require.NotNil(t, status.NextStop)
	assert.Equal(t, "Gym", status.NextStop.Name)

	rec = h.do(http.MethodGet, "/api/v1/routes/1/vans", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var vans []models.VanStatus
	resp = decodeResponse(t, rec, &vans)
	require.Len(t, vans, 1)
	assert.Equal(t, van, vans[0].Session.VanGUID)
	require.NotNil(t, resp.Meta)
	assert.Equal(t, 1, resp.Meta.Total)

	rec = h.do(http.MethodGet, "/api/v1/routes/1/stops", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stops []models.Stop
	decodeResponse(t, rec, &stops)
	assert.Len(t, stops, 3)

	rec = h.do(http.MethodGet, "/api/v1/routes/9/stops", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/routes/abc/stops", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthAndStats(t *testing.T) {
	h := newHarness(t, WithStats(fixedStats{}))

	rec := h.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = h.do(http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats models.StoreStats
	decodeResponse(t, rec, &stats)
	assert.Equal(t, int64(3), stats.Vans)
	assert.Equal(t, int64(2), stats.LiveSessions)

	unhealthy := newHarness(t, WithHealthCheck(failingPing{}))
	rec = unhealthy.do(http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	// Stats is only mounted with a source
	rec = unhealthy.do(http.MethodGet, "/api/v1/stats", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsMiddlewareUsesRouteTemplates(t *testing.T) {
	log := &requestLog{}
	metricsHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("# metrics\n"))
	})
	h := newHarness(t, WithMetrics(log, metricsHandler))

	h.beginSession(t, 1)
	h.do(http.MethodGet, "/api/v1/routes/1/vans", nil)

	rec := h.do(http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "# metrics\n", rec.Body.String())

	assert.Equal(t, []string{
		"POST /vans/routeselect/{van_guid}",
		"GET /api/v1/routes/{route_id:[0-9]+}/vans",
		"GET /metrics",
	}, log.routes)
}

func TestGzipMiddleware(t *testing.T) {
	payload := strings.Repeat(`{"stop":"Library"}`, 200)
	handler := gzipMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, payload)
	}))

	t.Run("compresses when accepted", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/routes/1/stops", nil)
		req.Header.Set("Accept-Encoding", "gzip")
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Equal(t, "gzip", rec.Header().Get("Content-Encoding"))
		zr, err := gzip.NewReader(rec.Body)
		require.NoError(t, err)
		body, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, payload, string(body))
	})

	t.Run("plain otherwise", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/routes/1/stops", nil)
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)

		assert.Empty(t, rec.Header().Get("Content-Encoding"))
		assert.Equal(t, payload, rec.Body.String())
	})
}
