package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, c *Collector) string {
	t.Helper()
	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	return rec.Body.String()
}

func TestCollector_Counters(t *testing.T) {
	c := NewCollector(30.48, 30*time.Second, time.Minute)

	c.ReportAccepted()
	c.ReportAccepted()
	c.ReportRejected("stale_timestamp")
	c.SessionStarted()
	c.StopAdvanced()
	c.ArrivalPublished(nil)
	c.ArrivalPublished(errors.New("closed"))
	c.SamplesPrunedAdd(12)
	c.ObserveReport(2 * time.Millisecond)

	body := scrape(t, c)
	for _, line := range []string{
		"shuttle_reports_accepted_total 2",
		`shuttle_reports_rejected_total{reason="stale_timestamp"} 1`,
		"shuttle_sessions_started_total 1",
		"shuttle_stop_advances_total 1",
		`shuttle_arrivals_published_total{result="ok"} 1`,
		`shuttle_arrivals_published_total{result="error"} 1`,
		"shuttle_samples_pruned_total 12",
		"shuttle_report_duration_seconds_count 1",
		"shuttle_stop_radius_meters 30.48",
		"shuttle_dwell_threshold_seconds 30",
		"shuttle_max_report_age_seconds 60",
	} {
		assert.Contains(t, body, line)
	}
}

func TestCollector_HTTPAndConnectionGauges(t *testing.T) {
	c := NewCollector(30.48, 30*time.Second, time.Minute)
	c.ObserveRequest(http.MethodPost, "/vans/location/{van_guid}", 200, 3*time.Millisecond)
	c.NATSSetConnected(true)
	c.StreamClientsSet(3)

	body := scrape(t, c)
	assert.Contains(t, body, `shuttle_http_requests_total{method="POST",route="/vans/location/{van_guid}",status="200"} 1`)
	assert.Contains(t, body, "shuttle_nats_connected 1")
	assert.Contains(t, body, "shuttle_stream_clients 3")

	c.NATSSetConnected(false)
	assert.Contains(t, scrape(t, c), "shuttle_nats_connected 0")
}
