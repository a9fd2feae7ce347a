package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns a private registry with the tracker's instruments. It
// implements tracking.Metrics.
type Collector struct {
	reg *prometheus.Registry

	ReportsAccepted prometheus.Counter
	ReportsRejected *prometheus.CounterVec // reason label
	SessionsStarted prometheus.Counter
	StopAdvances    prometheus.Counter

	ArrivalsPublished *prometheus.CounterVec // result label: ok|error
	NATSConnected     prometheus.Gauge
	StreamClients     prometheus.Gauge

	SamplesPruned prometheus.Counter

	ReportDuration prometheus.Histogram
	HTTPRequests   *prometheus.CounterVec // method, route, status
	HTTPDuration   *prometheus.HistogramVec

	StopRadius     prometheus.Gauge // meters
	DwellThreshold prometheus.Gauge // seconds
	MaxReportAge   prometheus.Gauge // seconds
}

// NewCollector registers every instrument on a fresh registry
func NewCollector(stopRadiusMeters float64, dwell, maxReportAge time.Duration) *Collector {
	reg := prometheus.NewRegistry()

	c := &Collector{
		reg: reg,
		ReportsAccepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_reports_accepted_total",
			Help: "Location reports accepted and recorded.",
		}),
		ReportsRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_reports_rejected_total",
			Help: "Location reports rejected, by reason.",
		}, []string{"reason"}),
		SessionsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_sessions_started_total",
			Help: "Tracking sessions started.",
		}),
		StopAdvances: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_stop_advances_total",
			Help: "Committed stop index advances.",
		}),
		ArrivalsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_arrivals_published_total",
			Help: "Stop arrival events handed to publishers, by result.",
		}, []string{"result"}),
		NATSConnected: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_nats_connected",
			Help: "1 if NATS connection is established, 0 otherwise.",
		}),
		StreamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_stream_clients",
			Help: "Connected websocket stream clients.",
		}),
		SamplesPruned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "shuttle_samples_pruned_total",
			Help: "Location samples deleted by retention.",
		}),
		ReportDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "shuttle_report_duration_seconds",
			Help:    "Time spent handling a location report.",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 15),
		}),
		HTTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "shuttle_http_requests_total",
			Help: "HTTP requests served.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "shuttle_http_request_duration_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		StopRadius: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_stop_radius_meters",
			Help: "Configured stop radius.",
		}),
		DwellThreshold: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_dwell_threshold_seconds",
			Help: "Configured dwell needed to count an arrival.",
		}),
		MaxReportAge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "shuttle_max_report_age_seconds",
			Help: "Configured maximum age of an accepted report.",
		}),
	}

	reg.MustRegister(
		c.ReportsAccepted, c.ReportsRejected, c.SessionsStarted, c.StopAdvances,
		c.ArrivalsPublished, c.NATSConnected, c.StreamClients, c.SamplesPruned,
		c.ReportDuration, c.HTTPRequests, c.HTTPDuration,
		c.StopRadius, c.DwellThreshold, c.MaxReportAge,
	)

	c.StopRadius.Set(stopRadiusMeters)
	c.DwellThreshold.Set(dwell.Seconds())
	c.MaxReportAge.Set(maxReportAge.Seconds())

	return c
}

// Registry returns the private registry
func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Handler serves the registry in the Prometheus text format
func (c *Collector) Handler() http.Handler { return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{}) }

// ReportAccepted and the methods below implement tracking.Metrics
func (c *Collector) ReportAccepted() { c.ReportsAccepted.Inc() }

func (c *Collector) ReportRejected(reason string) { c.ReportsRejected.WithLabelValues(reason).Inc() }

func (c *Collector) SessionStarted() { c.SessionsStarted.Inc() }

func (c *Collector) StopAdvanced() { c.StopAdvances.Inc() }

func (c *Collector) ObserveReport(d time.Duration) { c.ReportDuration.Observe(d.Seconds()) }

// ArrivalPublished counts a publish by result
func (c *Collector) ArrivalPublished(err error) {
	if err != nil {
		c.ArrivalsPublished.WithLabelValues("error").Inc()
		return
	}
	c.ArrivalsPublished.WithLabelValues("ok").Inc()
}

// NATSSetConnected records the NATS connection state
func (c *Collector) NATSSetConnected(connected bool) {
	if connected {
		c.NATSConnected.Set(1)
		return
	}
	c.NATSConnected.Set(0)
}

// StreamClientsSet records the connected stream clients
func (c *Collector) StreamClientsSet(n int) { c.StreamClients.Set(float64(n)) }

// SamplesPrunedAdd counts samples removed by retention
func (c *Collector) SamplesPrunedAdd(n int64) { c.SamplesPruned.Add(float64(n)) }

// ObserveRequest records one served HTTP request. route is the mux path
// template, not the raw path, to keep label cardinality bounded.
func (c *Collector) ObserveRequest(method, route string, status int, d time.Duration) {
	c.HTTPRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	c.HTTPDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
