package api

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/coordinator/internal/jobengine"
	"github.com/fabricrun/fabric/shared/types"
)

// JobHandler implements the /submit, /status, and /artifact endpoints.
type JobHandler struct {
	engine  *jobengine.Engine
	logger  *zap.Logger
	submits *prometheus.CounterVec
}

// NewJobHandler constructs a JobHandler. submits may be nil, in which case
// submit counts are not recorded.
func NewJobHandler(engine *jobengine.Engine, logger *zap.Logger, submits *prometheus.CounterVec) *JobHandler {
	return &JobHandler{engine: engine, logger: logger, submits: submits}
}

type submitRequest struct {
	JobID   string   `json:"job_id,omitempty"`
	Mode    string   `json:"mode"`
	Payload string   `json:"payload,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
}

type submitResponse struct {
	JobID  string `json:"job_id"`
	Status string `json:"status"`
}

// Submit handles POST /submit.
func (h *JobHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.engine.Submit(r.Context(), jobengine.SubmitRequest{
		ID:      req.JobID,
		Mode:    types.JobMode(req.Mode),
		Payload: req.Payload,
		Command: req.Command,
		Args:    req.Args,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	if h.submits != nil {
		h.submits.WithLabelValues(req.Mode).Inc()
	}

	Accepted(w, submitResponse{JobID: job.ID, Status: string(job.Status)})
}

// Status handles GET /status/{job_id}.
func (h *JobHandler) Status(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	view, err := h.engine.Status(jobID)
	if err != nil {
		WriteError(w, err)
		return
	}
	Ok(w, view)
}

// Artifact handles GET /artifact/{job_id}/{name}.
func (h *JobHandler) Artifact(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	name := chi.URLParam(r, "name")

	f, err := h.engine.Artifact(jobID, name)
	if err != nil {
		WriteError(w, err)
		return
	}
	defer f.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	if _, err := io.Copy(w, f); err != nil {
		h.logger.Warn("api: failed to stream artifact", zap.String("job_id", jobID), zap.String("name", name), zap.Error(err))
	}
}
