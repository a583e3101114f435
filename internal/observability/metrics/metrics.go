// Package metrics exposes Prometheus collectors for the HTTP API, the job
// processor and chain execution.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	xerrors "Aetherra-Core/internal/errors"
	"Aetherra-Core/internal/job"
)

// Metrics owns a private registry so tests can create independent instances.
type Metrics struct {
	registry          *prometheus.Registry
	requestTotal      *prometheus.CounterVec
	requestDuration   *prometheus.HistogramVec
	rateLimitRejected *prometheus.CounterVec
	jobsSubmitted     *prometheus.CounterVec
	jobsFinished      *prometheus.CounterVec
	jobDuration       *prometheus.HistogramVec
	nodeDuration      *prometheus.HistogramVec
	nodeFailures      *prometheus.CounterVec
}

// New registers every collector on a fresh registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		requestTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aetherra_http_requests_total",
			Help: "Total HTTP requests handled by the API.",
		}, []string{"method", "route", "status"}),
		requestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aetherra_http_request_duration_seconds",
			Help:    "API request latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
		rateLimitRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aetherra_http_rate_limit_rejections_total",
			Help: "Requests rejected by rate limiting.",
		}, []string{"route"}),
		jobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aetherra_jobs_submitted_total",
			Help: "Jobs accepted for execution.",
		}, []string{"script"}),
		jobsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aetherra_jobs_finished_total",
			Help: "Jobs that reached a terminal status.",
		}, []string{"script", "status"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aetherra_job_duration_seconds",
			Help:    "Wall time spent executing a job.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"script"}),
		nodeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "aetherra_chain_node_duration_seconds",
			Help:    "Duration of single plugin invocations inside a chain.",
			Buckets: prometheus.DefBuckets,
		}, []string{"plugin"}),
		nodeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "aetherra_chain_node_failures_total",
			Help: "Plugin invocations that returned an error.",
		}, []string{"plugin", "code"}),
	}
	registry.MustRegister(
		m.requestTotal,
		m.requestDuration,
		m.rateLimitRejected,
		m.jobsSubmitted,
		m.jobsFinished,
		m.jobDuration,
		m.nodeDuration,
		m.nodeFailures,
	)
	return m
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware records request counts and latency labelled by chi route pattern.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(recorder, r)

		route := RouteLabel(r)
		m.requestTotal.WithLabelValues(r.Method, route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
	})
}

// RateLimited counts a rejected request.
func (m *Metrics) RateLimited(route string) {
	m.rateLimitRejected.WithLabelValues(route).Inc()
}

// JobSubmitted implements job.Observer.
func (m *Metrics) JobSubmitted(script string) {
	m.jobsSubmitted.WithLabelValues(script).Inc()
}

// JobFinished implements job.Observer.
func (m *Metrics) JobFinished(script string, status job.Status, elapsed time.Duration) {
	m.jobsFinished.WithLabelValues(script, string(status)).Inc()
	m.jobDuration.WithLabelValues(script).Observe(elapsed.Seconds())
}

// NodeFinished implements chain.NodeObserver.
func (m *Metrics) NodeFinished(plugin string, seconds float64, err error) {
	m.nodeDuration.WithLabelValues(plugin).Observe(seconds)
	if err != nil {
		m.nodeFailures.WithLabelValues(plugin, string(xerrors.CodeOf(err))).Inc()
	}
}

// RouteLabel returns the matched chi pattern, or the raw path outside a router.
func RouteLabel(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.status = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
