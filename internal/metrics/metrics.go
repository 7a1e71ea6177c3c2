package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// JobsProcessed counts terminal job outcomes by kind.
	JobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Terminal deployment jobs by kind and outcome.",
	}, []string{"kind", "outcome"})

	// JobRetries counts transient-failure retries scheduled by the worker.
	JobRetries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "jobs",
		Name:      "retries_total",
		Help:      "Retries scheduled after transient job failures.",
	}, []string{"kind"})

	// JobRequeues counts claim misses where the job had to wait for its
	// tenant's turn.
	JobRequeues = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "jobs",
		Name:      "requeues_total",
		Help:      "Claim misses requeued because the tenant was busy or the job not yet due.",
	})

	// JobDuration observes wall time of job execution attempts.
	JobDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "jobs",
		Name:      "duration_seconds",
		Help:      "Execution time of job attempts.",
		Buckets:   prometheus.ExponentialBuckets(0.1, 2.5, 10),
	}, []string{"kind"})

	// LicensesIssued counts license token issuance.
	LicensesIssued = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "controlplane",
		Subsystem: "license",
		Name:      "issued_total",
		Help:      "License tokens issued.",
	})

	httpDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "controlplane",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request latency by route and status.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method", "route", "status"})
)

// Handler serves the Prometheus scrape endpoint.
func Handler() http.Handler { return promhttp.Handler() }

// Middleware records request latency labeled by chi route pattern, so
// per-tenant path segments do not explode cardinality.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		httpDuration.WithLabelValues(r.Method, route, strconv.Itoa(ww.Status())).
			Observe(time.Since(start).Seconds())
	})
}
