package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics contains all Prometheus metrics for the transcription service
type Metrics struct {
	registry *prometheus.Registry

	// Session metrics
	ActiveSessions   prometheus.Gauge
	SessionsOpened   prometheus.Counter
	SessionsClosed   prometheus.Counter
	SessionDuration  prometheus.Histogram
	ChunksReceived   prometheus.Counter
	ChunkSize        prometheus.Histogram
	ChunksRejected   prometheus.Counter
	NotificationSent *prometheus.CounterVec

	// Dispatch metrics
	DispatchResults  *prometheus.CounterVec
	DispatchDuration prometheus.Histogram
	DispatchTimeouts prometheus.Counter
	UnmatchedResults prometheus.Counter

	// Worker pool metrics
	WorkersAlive prometheus.Gauge
	QueueLength  prometheus.Gauge

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on a private registry that also carries
// the Go runtime and process collectors
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,

		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ats_active_sessions",
			Help: "Current number of connected streaming sessions",
		}),
		SessionsOpened: factory.NewCounter(prometheus.CounterOpts{
			Name: "ats_sessions_opened_total",
			Help: "Total number of sessions accepted",
		}),
		SessionsClosed: factory.NewCounter(prometheus.CounterOpts{
			Name: "ats_sessions_closed_total",
			Help: "Total number of sessions closed",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ats_session_duration_seconds",
			Help:    "Lifetime of streaming sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s to ~1 hour
		}),
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "ats_chunks_received_total",
			Help: "Total number of binary audio chunks received",
		}),
		ChunkSize: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ats_chunk_size_bytes",
			Help:    "Size of received audio chunks in bytes",
			Buckets: prometheus.ExponentialBuckets(64, 2, 14), // 64B to ~512KB
		}),
		ChunksRejected: factory.NewCounter(prometheus.CounterOpts{
			Name: "ats_chunks_rejected_total",
			Help: "Total number of chunks rejected as too small",
		}),
		NotificationSent: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ats_notifications_sent_total",
			Help: "Notifications written to clients by type and error code",
		}, []string{"type", "code"}),

		DispatchResults: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ats_dispatch_completed_total",
			Help: "Dispatches that received their result, by outcome",
		}, []string{"outcome"}),
		DispatchDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "ats_dispatch_duration_seconds",
			Help:    "Time from submission to matching result",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 15), // 1ms to ~16s
		}),
		DispatchTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "ats_dispatch_timeouts_total",
			Help: "Dispatches that timed out waiting for a result",
		}),
		UnmatchedResults: factory.NewCounter(prometheus.CounterOpts{
			Name: "ats_unmatched_results_total",
			Help: "Worker results discarded because no dispatch was waiting",
		}),

		WorkersAlive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ats_workers_alive",
			Help: "Number of worker goroutines currently running",
		}),
		QueueLength: factory.NewGauge(prometheus.GaugeOpts{
			Name: "ats_task_queue_length",
			Help: "Tasks waiting in the inbound worker queue",
		}),

		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ats_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ats_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "ats_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// Handler serves the metrics registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordSessionOpened increments opened sessions and sets the active gauge
func (m *Metrics) RecordSessionOpened(active int) {
	m.SessionsOpened.Inc()
	m.ActiveSessions.Set(float64(active))
}

// RecordSessionClosed records a closed session and its lifetime
func (m *Metrics) RecordSessionClosed(active int, lifetime time.Duration) {
	m.SessionsClosed.Inc()
	m.ActiveSessions.Set(float64(active))
	m.SessionDuration.Observe(lifetime.Seconds())
}

// RecordChunk records a received chunk; rejected marks it as below the minimum size
func (m *Metrics) RecordChunk(sizeBytes int, rejected bool) {
	m.ChunksReceived.Inc()
	m.ChunkSize.Observe(float64(sizeBytes))
	if rejected {
		m.ChunksRejected.Inc()
	}
}

// RecordNotification counts a notification written to a client
func (m *Metrics) RecordNotification(kind, code string) {
	m.NotificationSent.WithLabelValues(kind, code).Inc()
}

// DispatchCompleted records a dispatch that got its result
func (m *Metrics) DispatchCompleted(ok bool, elapsed time.Duration) {
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	m.DispatchResults.WithLabelValues(outcome).Inc()
	m.DispatchDuration.Observe(elapsed.Seconds())
}

// DispatchTimedOut increments the dispatch timeout counter
func (m *Metrics) DispatchTimedOut() {
	m.DispatchTimeouts.Inc()
}

// ResultUnmatched increments the discarded result counter
func (m *Metrics) ResultUnmatched() {
	m.UnmatchedResults.Inc()
}

// SetPoolState updates worker pool gauges
func (m *Metrics) SetPoolState(aliveWorkers, queueLength int) {
	m.WorkersAlive.Set(float64(aliveWorkers))
	m.QueueLength.Set(float64(queueLength))
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
