package api

import (
	"net/http"

	"github.com/fabricrun/fabric/coordinator/internal/registry"
)

// WorkerHandler implements the /workers and /capacity endpoints.
type WorkerHandler struct {
	registry  *registry.Registry
	threshold int
}

// NewWorkerHandler constructs a WorkerHandler.
func NewWorkerHandler(reg *registry.Registry, threshold int) *WorkerHandler {
	return &WorkerHandler{registry: reg, threshold: threshold}
}

// List handles GET /workers — every worker currently within the liveness
// timeout.
func (h *WorkerHandler) List(w http.ResponseWriter, r *http.Request) {
	Ok(w, h.registry.List(true))
}

type capacityResponse struct {
	DeviceCount int `json:"device_count"`
	Threshold   int `json:"threshold"`
}

// Capacity handles GET /capacity.
func (h *WorkerHandler) Capacity(w http.ResponseWriter, r *http.Request) {
	Ok(w, capacityResponse{
		DeviceCount: h.registry.DeviceCount(),
		Threshold:   h.threshold,
	})
}
