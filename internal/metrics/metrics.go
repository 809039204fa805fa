// Package metrics exposes the logger's Prometheus metrics on a registry
// owned by the process.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "luxlogger"

// Poll results.
const (
	PollOK       = "ok"
	PollRejected = "rejected"
	PollFailed   = "read_error"
)

// Metrics is nil-safe: every method on a nil *Metrics is a no-op.
type Metrics struct {
	registry *prometheus.Registry

	polls        *prometheus.CounterVec
	pollDuration prometheus.Histogram
	flushPoints  *prometheus.CounterVec
	bufferSize   prometheus.Gauge
	reports      *prometheus.CounterVec
	queryCache   *prometheus.CounterVec
	httpRequests *prometheus.CounterVec
	httpDuration *prometheus.HistogramVec
}

// New creates the metrics and registers them with a fresh registry together
// with the Go runtime and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "polls_total",
			Help:      "Sensor polls by result.",
		}, []string{"result"}),
		pollDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "poll_duration_seconds",
			Help:      "Duration of one poll from read to flush.",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30},
		}),
		flushPoints: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flush_points_total",
			Help:      "Buffered points handled by flushes by outcome.",
		}, []string{"outcome"}),
		bufferSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "buffer_size",
			Help:      "Readings waiting in the write buffer.",
		}),
		reports: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_total",
			Help:      "Report generation attempts by kind and result.",
		}, []string{"kind", "result"}),
		queryCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "query_cache_total",
			Help:      "Query cache lookups by result.",
		}, []string{"result"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Dashboard requests by route and status.",
		}, []string{"route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Dashboard request durations by route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"route"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.polls,
		m.pollDuration,
		m.flushPoints,
		m.bufferSize,
		m.reports,
		m.queryCache,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Registry returns the registry the metrics live in.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObservePoll records one poll.
func (m *Metrics) ObservePoll(result string, d time.Duration) {
	if m == nil {
		return
	}
	m.polls.WithLabelValues(result).Inc()
	m.pollDuration.Observe(d.Seconds())
}

// ObserveFlush records the outcome of one flush.
func (m *Metrics) ObserveFlush(persisted, dropped, requeued int) {
	if m == nil {
		return
	}
	m.flushPoints.WithLabelValues("persisted").Add(float64(persisted))
	m.flushPoints.WithLabelValues("dropped").Add(float64(dropped))
	m.flushPoints.WithLabelValues("requeued").Add(float64(requeued))
}

// SetBufferSize records the write buffer length.
func (m *Metrics) SetBufferSize(n int) {
	if m == nil {
		return
	}
	m.bufferSize.Set(float64(n))
}

// ObserveCache records a query cache lookup.
func (m *Metrics) ObserveCache(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.queryCache.WithLabelValues(result).Inc()
}

// ObserveReport records one report generation step.
func (m *Metrics) ObserveReport(kind, result string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(kind, result).Inc()
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(status int) {
	s.status = status
	s.ResponseWriter.WriteHeader(status)
}

// WrapHandler counts and times requests to next under route.
func (m *Metrics) WrapHandler(route string, next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()

		next.ServeHTTP(recorder, r)

		m.httpRequests.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.httpDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}
