// Package metrics exposes the portal's Prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Registry holds the application-specific Prometheus collectors.
	Registry = prometheus.NewRegistry()

	httpInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "oiat",
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		},
	)

	httpRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oiat",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		},
		[]string{"method", "status"},
	)

	httpDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "oiat",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 2, 10), // 5ms to ~2.56s
		},
		[]string{"method"},
	)

	// RunsTotal counts pipeline runs by terminal status.
	RunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oiat",
			Subsystem: "runs",
			Name:      "total",
			Help:      "Total pipeline runs by terminal status.",
		},
		[]string{"status"},
	)

	// DocsUploaded counts documents created on the remote service.
	DocsUploaded = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oiat",
			Subsystem: "uploads",
			Name:      "documents_total",
			Help:      "Documents created, skipped or failed per tenant.",
		},
		[]string{"tenant", "outcome"},
	)

	// ReconcileMismatches counts reconciliation mismatches per tenant.
	ReconcileMismatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "oiat",
			Subsystem: "reconcile",
			Name:      "mismatches_total",
			Help:      "Runs whose source and remote totals diverged.",
		},
		[]string{"tenant"},
	)

	// JobsReaped counts jobs failed by the stale-PID reaper.
	JobsReaped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "oiat",
			Subsystem: "dispatch",
			Name:      "jobs_reaped_total",
			Help:      "Running jobs reaped because their PID disappeared.",
		},
	)
)

func init() {
	Registry.MustRegister(
		httpInFlight,
		httpRequests,
		httpDuration,
		RunsTotal,
		DocsUploaded,
		ReconcileMismatches,
		JobsReaped,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
}

// Handler serves the registry at /metrics.
func Handler() http.Handler {
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// InstrumentHandler wraps an http.Handler with request counting and
// latency observation.
func InstrumentHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		httpInFlight.Inc()
		defer httpInFlight.Dec()

		recorder := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		started := time.Now()
		next.ServeHTTP(recorder, r)

		httpRequests.WithLabelValues(r.Method, strconv.Itoa(recorder.status)).Inc()
		httpDuration.WithLabelValues(r.Method).Observe(time.Since(started).Seconds())
	})
}
