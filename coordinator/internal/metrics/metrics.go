// Package metrics exposes the coordinator's Prometheus collectors: request
// counts from the REST surface, job submission counts by mode, and gauges
// reflecting live engine/registry state. It mirrors the teacher's own
// metrics registration pattern — a dedicated registry built in New plus a handful of
// typed collectors wired in once at startup — generalized from the
// teacher's storage/backup counters to this domain's job and worker counts.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collectors groups every metric the coordinator reports.
type Collectors struct {
	HTTPRequestsTotal *prometheus.CounterVec
	JobsSubmittedTotal *prometheus.CounterVec
	ActiveJobs         prometheus.GaugeFunc
	LiveWorkers        prometheus.GaugeFunc
}

// New registers every collector against a fresh registry and returns both
// the collectors and an http.Handler serving them in the text exposition
// format at whatever path the caller mounts it under (conventionally
// /metrics).
func New(activeJobs, liveWorkers func() float64) (*Collectors, http.Handler) {
	reg := prometheus.NewRegistry()

	c := &Collectors{
		HTTPRequestsTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "coordinator",
			Name:      "http_requests_total",
			Help:      "Total HTTP requests served, by method, route, and status class.",
		}, []string{"method", "route", "status"}),

		JobsSubmittedTotal: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Namespace: "fabric",
			Subsystem: "coordinator",
			Name:      "jobs_submitted_total",
			Help:      "Total jobs accepted by /submit, by mode.",
		}, []string{"mode"}),
	}

	c.ActiveJobs = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "coordinator",
		Name:      "active_jobs",
		Help:      "Jobs currently queued or running.",
	}, activeJobs)

	c.LiveWorkers = promauto.With(reg).NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: "fabric",
		Subsystem: "coordinator",
		Name:      "live_workers",
		Help:      "Workers within the liveness timeout.",
	}, liveWorkers)

	return c, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// Middleware wraps an http.Handler, recording HTTPRequestsTotal for every
// request by its route pattern (not its raw path, to keep cardinality
// bounded) and response status class.
func (c *Collectors) Middleware(routePattern func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			c.HTTPRequestsTotal.WithLabelValues(r.Method, routePattern(r), statusClass(sw.status)).Inc()
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}
