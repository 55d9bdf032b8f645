package monitoring

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec
	RequestSize     *prometheus.HistogramVec
	ResponseSize    *prometheus.HistogramVec

	// Tracing metrics
	SpansRecorded   *prometheus.CounterVec
	TracesPersisted prometheus.Counter
	TraceSpanCount  prometheus.Histogram

	// Capture metrics
	QueriesCaptured    prometheus.Counter
	SlowQueries        prometheus.Counter
	ExceptionsCaptured prometheus.Counter

	// Task metrics
	TasksTotal   *prometheus.CounterVec
	TaskDuration prometheus.Histogram
	TasksTracked prometheus.Gauge

	// WebSocket metrics
	WSConnections prometheus.Gauge
	WSSnapshots   prometheus.Counter

	// System metrics
	Uptime    prometheus.Gauge
	startTime time.Time

	registry *prometheus.Registry
}

// NewMetrics creates a metrics collector on its own registry, so multiple
// engines in one process never fight over metric names.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	factory := promauto.With(registry)

	m := &Metrics{
		startTime: time.Now(),
		registry:  registry,

		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_http_requests_total",
				Help: "Total number of captured HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radar_http_request_duration_seconds",
				Help:    "Captured HTTP request duration in seconds",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"method", "path"},
		),
		RequestSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radar_http_request_size_bytes",
				Help:    "Captured HTTP request size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),
		ResponseSize: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "radar_http_response_size_bytes",
				Help:    "Captured HTTP response size in bytes",
				Buckets: []float64{100, 1000, 10000, 100000, 1000000, 10000000},
			},
			[]string{"method", "path"},
		),

		SpansRecorded: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_spans_recorded_total",
				Help: "Total number of spans recorded, by kind and status",
			},
			[]string{"kind", "status"},
		),
		TracesPersisted: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_traces_persisted_total",
				Help: "Total number of closed traces written to storage",
			},
		),
		TraceSpanCount: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radar_trace_span_count",
				Help:    "Number of spans per closed trace",
				Buckets: []float64{1, 2, 5, 10, 25, 50, 100, 250},
			},
		),

		QueriesCaptured: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_queries_captured_total",
				Help: "Total number of database queries captured",
			},
		),
		SlowQueries: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_slow_queries_total",
				Help: "Total number of queries above the slow-query threshold",
			},
		),
		ExceptionsCaptured: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_exceptions_captured_total",
				Help: "Total number of exceptions captured",
			},
		),

		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radar_tasks_total",
				Help: "Total number of tracked task completions, by outcome",
			},
			[]string{"status"},
		),
		TaskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radar_task_duration_seconds",
				Help:    "Tracked task execution time in seconds",
				Buckets: []float64{.005, .01, .05, .1, .5, 1, 5, 10, 30, 60, 300},
			},
		),
		TasksTracked: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "radar_tasks_tracked",
				Help: "Number of task records currently retained",
			},
		),

		WSConnections: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "radar_ws_connections",
				Help: "Number of live task-feed WebSocket connections",
			},
		),
		WSSnapshots: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "radar_ws_snapshots_total",
				Help: "Total number of task snapshots pushed to subscribers",
			},
		),

		Uptime: factory.NewGauge(
			prometheus.GaugeOpts{
				Name: "radar_uptime_seconds",
				Help: "Engine uptime in seconds",
			},
		),
	}

	return m
}

// Registry exposes the backing registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordHTTPRequest records metrics for one captured HTTP request.
func (m *Metrics) RecordHTTPRequest(method, path, status string, duration time.Duration, reqSize, respSize int64) {
	m.RequestsTotal.WithLabelValues(method, path, status).Inc()
	m.RequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	m.RequestSize.WithLabelValues(method, path).Observe(float64(reqSize))
	m.ResponseSize.WithLabelValues(method, path).Observe(float64(respSize))
}

// RecordTrace records one persisted trace and its spans.
func (m *Metrics) RecordTrace(spanCount int) {
	m.TracesPersisted.Inc()
	m.TraceSpanCount.Observe(float64(spanCount))
}

// RecordSpan records one finished span.
func (m *Metrics) RecordSpan(kind, status string) {
	m.SpansRecorded.WithLabelValues(kind, status).Inc()
}

// RecordQuery records one captured database query.
func (m *Metrics) RecordQuery(slow bool) {
	m.QueriesCaptured.Inc()
	if slow {
		m.SlowQueries.Inc()
	}
}

// RecordException records one captured exception.
func (m *Metrics) RecordException() {
	m.ExceptionsCaptured.Inc()
}

// SetTasksTracked refreshes the retained-task gauge.
func (m *Metrics) SetTasksTracked(n int) {
	m.TasksTracked.Set(float64(n))
}

// RecordSnapshot records one task snapshot delivered to a subscriber.
func (m *Metrics) RecordSnapshot() {
	m.WSSnapshots.Inc()
}

// RecordTask records one task completion.
func (m *Metrics) RecordTask(status string, duration time.Duration) {
	m.TasksTotal.WithLabelValues(status).Inc()
	m.TaskDuration.Observe(duration.Seconds())
}

// UpdateUptime refreshes the uptime gauge.
func (m *Metrics) UpdateUptime() {
	m.Uptime.Set(time.Since(m.startTime).Seconds())
}
