package api

import (
	"net/http"

	"github.com/rs/zerolog/hlog"

	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/reconstruct"
)

type ReconstructionHandler struct {
	db   *database.DB
	orch *reconstruct.Orchestrator
}

func NewReconstructionHandler(db *database.DB, orch *reconstruct.Orchestrator) *ReconstructionHandler {
	return &ReconstructionHandler{db: db, orch: orch}
}

type reconstructionRequest struct {
	SessionID string `json:"session_id"`
	Action    string `json:"action"` // "start" or "poll"
	ChatID    string `json:"chat_id,omitempty"`
}

// Control is the internal job-control surface. "start" kicks off a stitch
// for a session without waiting on it; "poll" reports the durable job state.
func (h *ReconstructionHandler) Control(w http.ResponseWriter, r *http.Request) {
	var req reconstructionRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	switch req.Action {
	case "start":
		if h.orch != nil {
			h.orch.OnCompletion(req.SessionID)
		}
		WriteJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"status":  database.JobRequested,
		})

	case "poll":
		job, err := h.db.GetJob(r.Context(), req.SessionID)
		if err != nil {
			hlog.FromRequest(r).Error().Err(err).Str("session_id", req.SessionID).Msg("job lookup failed")
			WriteError(w, http.StatusInternalServerError, "failed to load job")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "no reconstruction job for session")
			return
		}
		resp := map[string]any{
			"success": true,
			"status":  job.Status,
		}
		if job.ChatID != "" {
			resp["chat_id"] = job.ChatID
		}
		if job.ResultURL != "" {
			resp["result_url"] = job.ResultURL
		}
		WriteJSON(w, http.StatusOK, resp)

	default:
		WriteError(w, http.StatusBadRequest, "action must be start or poll")
	}
}
