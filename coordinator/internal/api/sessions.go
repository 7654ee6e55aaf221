package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/fabricrun/fabric/coordinator/internal/jobengine"
	"github.com/fabricrun/fabric/coordinator/internal/signaling"
	"github.com/fabricrun/fabric/shared/types"
)

// SessionHandler implements the notebook-cell session endpoints: create,
// exec, and restart. A session pins one client to one worker for the life of
// a notebook-style interactive run.
type SessionHandler struct {
	signaling *signaling.Plane
	engine    *jobengine.Engine
	logger    *zap.Logger
}

// NewSessionHandler constructs a SessionHandler.
func NewSessionHandler(plane *signaling.Plane, engine *jobengine.Engine, logger *zap.Logger) *SessionHandler {
	return &SessionHandler{signaling: plane, engine: engine, logger: logger}
}

type createSessionRequest struct {
	WorkerID string `json:"worker_id"`
	ClientID string `json:"client_id"`
}

type sessionResponse struct {
	SessionID string `json:"session_id"`
}

// Create handles POST /session.
func (h *SessionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := h.signaling.Offer("", req.WorkerID, req.ClientID)
	Ok(w, sessionResponse{SessionID: s.ID})
}

type execRequest struct {
	CellID  string `json:"cell_id"`
	Payload string `json:"payload"`
}

// Exec handles POST /session/{id}/exec — enqueues one notebook-cell job
// scoped to the session.
func (h *SessionHandler) Exec(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	s, ok := h.signaling.Get(sessionID)
	if !ok {
		ErrNotFound(w, "session not found")
		return
	}

	var req execRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	job, err := h.engine.Submit(r.Context(), jobengine.SubmitRequest{
		Mode:      types.ModeNotebookCell,
		Payload:   req.Payload,
		SessionID: s.ID,
		CellID:    req.CellID,
	})
	if err != nil {
		WriteError(w, err)
		return
	}

	Accepted(w, submitResponse{JobID: job.ID, Status: string(job.Status)})
}

// Restart handles POST /session/{id}/restart — tears down the session's
// signaling state and re-offers a fresh one under the same id, so any
// sandbox state a worker was holding for it is abandoned.
func (h *SessionHandler) Restart(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")

	s, ok := h.signaling.Get(sessionID)
	if !ok {
		ErrNotFound(w, "session not found")
		return
	}

	workerID, clientID := s.WorkerID, s.ClientID
	h.signaling.Close(sessionID)
	h.signaling.Offer(sessionID, workerID, clientID)

	Ok(w, sessionResponse{SessionID: sessionID})
}
