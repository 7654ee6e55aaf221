package api

import (
	"net/http"
	"time"
)

// HealthHandler serves the root health/summary endpoint.
type HealthHandler struct {
	deps RouterConfig
	boot time.Time
}

// NewHealthHandler wires the handler against the dependencies already
// available to the router.
func NewHealthHandler(deps RouterConfig) *HealthHandler {
	return &HealthHandler{deps: deps, boot: time.Now()}
}

type healthResponse struct {
	Status      string  `json:"status"`
	UptimeSecs  float64 `json:"uptime_seconds"`
	ActiveJobs  int     `json:"active_jobs"`
	LiveWorkers int     `json:"live_workers"`
}

// Health reports coordinator liveness plus cheap activity counts.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	Ok(w, healthResponse{
		Status:      "ok",
		UptimeSecs:  time.Since(h.boot).Seconds(),
		ActiveJobs:  h.deps.Engine.ActiveCount(),
		LiveWorkers: len(h.deps.Registry.List(true)),
	})
}
