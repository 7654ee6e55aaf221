package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/coordinator/internal/eventbus"
	"github.com/fabricrun/fabric/coordinator/internal/jobengine"
	"github.com/fabricrun/fabric/coordinator/internal/metrics"
	"github.com/fabricrun/fabric/coordinator/internal/registry"
	"github.com/fabricrun/fabric/coordinator/internal/signaling"
	"github.com/fabricrun/fabric/coordinator/internal/workerauth"
)

// RouterConfig holds every dependency the REST and event-channel handlers
// need. It is populated in main.go once all components are constructed and
// passed to NewRouter as a single struct, mirroring the teacher's own
// RouterConfig shape.
type RouterConfig struct {
	Engine    *jobengine.Engine
	Registry  *registry.Registry
	Signaling *signaling.Plane
	Hub       *eventbus.Hub
	Issuer    *workerauth.Issuer
	Logger    *zap.Logger

	// UploadDir is where POST /upload materializes multipart bodies before
	// handing back a file-ref for a later /submit.
	UploadDir string

	// CapacityThreshold is the device count advertised as "healthy" capacity
	// in GET /capacity; it does not gate anything, it is informational.
	CapacityThreshold int
}

// NewRouter builds the fully configured Chi router: public REST endpoints,
// the worker-token-gated registration/event-channel endpoints, and the
// unauthenticated GUI event channel.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	metricCollectors, metricsHandler := metrics.New(
		func() float64 { return float64(cfg.Engine.ActiveCount()) },
		func() float64 { return float64(len(cfg.Registry.List(true))) },
	)

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger(cfg.Logger))
	r.Use(metricCollectors.Middleware(routePattern))
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg)
	jobs := NewJobHandler(cfg.Engine, cfg.Logger, metricCollectors.JobsSubmittedTotal)
	workers := NewWorkerHandler(cfg.Registry, cfg.CapacityThreshold)
	sessions := NewSessionHandler(cfg.Signaling, cfg.Engine, cfg.Logger)
	upload := NewUploadHandler(cfg.UploadDir)
	events := NewEventHandler(cfg.Hub, cfg.Registry, cfg.Signaling, cfg.Engine, cfg.Issuer, cfg.Logger)

	r.Handle("/metrics", metricsHandler)
	r.Get("/", health.Health)
	r.Get("/workers", workers.List)
	r.Get("/capacity", workers.Capacity)

	r.Post("/submit", jobs.Submit)
	r.Post("/upload", upload.Upload)
	r.Get("/status/{job_id}", jobs.Status)
	r.Get("/artifact/{job_id}/{name}", jobs.Artifact)

	r.Post("/session", sessions.Create)
	r.Post("/session/{id}/exec", sessions.Exec)
	r.Post("/session/{id}/restart", sessions.Restart)

	// GUI event channel — no auth, topics chosen by query param, matching
	// the original protocol's unauthenticated push channel.
	r.Get("/events", events.ServeGUI)

	// Worker-facing registration and dispatch channel — gated behind the
	// short-lived bearer token minted out of band.
	r.Group(func(r chi.Router) {
		r.Use(RequireWorkerToken(cfg.Issuer.Validate))
		r.Get("/worker/connect", events.ServeWorker)
	})

	return r
}

// routePattern reports the chi route pattern a request matched (e.g.
// "/status/{job_id}"), bounding the cardinality of the request-count metric
// that would otherwise grow with every distinct job id.
func routePattern(r *http.Request) string {
	if rc := chi.RouteContext(r.Context()); rc != nil {
		if p := rc.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}
