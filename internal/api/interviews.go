package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/hlog"

	"github.com/voxhall/iv-engine/internal/database"
	"github.com/voxhall/iv-engine/internal/extract"
	"github.com/voxhall/iv-engine/internal/quality"
	"github.com/voxhall/iv-engine/internal/reconstruct"
	"github.com/voxhall/iv-engine/internal/sequence"
	"github.com/voxhall/iv-engine/internal/storage"
)

// InterviewStore is the slice of the durable store the interview endpoints
// read and write. *database.DB satisfies it.
type InterviewStore interface {
	StartConversation(ctx context.Context, sessionID, userID string) (string, error)
	CompleteConversation(ctx context.Context, sessionID string) (*database.ConversationRow, error)
	GetConversation(ctx context.Context, sessionID string) (*database.ConversationRow, error)
	DeleteConversation(ctx context.Context, sessionID string) (int64, error)
	ListConversations(ctx context.Context, filter database.ConversationFilter) ([]database.ConversationRow, int, error)
	ListTurns(ctx context.Context, sessionID string) ([]database.TurnRow, error)
	ListProsody(ctx context.Context, sessionID string) ([]database.ProsodyRow, error)
	ListAudioArtifacts(ctx context.Context, sessionID string) ([]database.AudioArtifactRow, error)
	GetJob(ctx context.Context, sessionID string) (*database.ReconstructionJobRow, error)
}

type InterviewsHandler struct {
	db       InterviewStore
	pipeline *extract.Pipeline
	orch     *reconstruct.Orchestrator
	store    storage.ArtifactStore
	log      zerolog.Logger
}

func NewInterviewsHandler(db InterviewStore, pipeline *extract.Pipeline, orch *reconstruct.Orchestrator, store storage.ArtifactStore, log zerolog.Logger) *InterviewsHandler {
	return &InterviewsHandler{
		db:       db,
		pipeline: pipeline,
		orch:     orch,
		store:    store,
		log:      log.With().Str("component", "api").Logger(),
	}
}

// Routes registers interview routes on the given router.
func (h *InterviewsHandler) Routes(r chi.Router) {
	r.Post("/interviews/start", h.StartInterview)
	r.Post("/interviews/turns", h.IngestTurn)
	r.Post("/interviews/complete", h.CompleteInterview)
	r.Get("/interviews", h.ListInterviews)
	r.Get("/interviews/{session_id}", h.GetInterview)
	r.Get("/interviews/{session_id}/audio", h.StreamAudio)
	r.Delete("/interviews/{session_id}", h.DeleteInterview)
}

type startRequest struct {
	SessionID string `json:"session_id"`
	UserID    string `json:"user_id"`
}

// StartInterview opens the active conversation for a session. Calling it
// again while the session is active returns the existing conversation.
func (h *InterviewsHandler) StartInterview(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" || req.UserID == "" {
		WriteError(w, http.StatusBadRequest, "session_id and user_id are required")
		return
	}

	id, err := h.db.StartConversation(r.Context(), req.SessionID, req.UserID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", req.SessionID).Msg("start conversation failed")
		WriteError(w, http.StatusInternalServerError, "failed to start conversation")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":         true,
		"conversation_id": id,
	})
}

// IngestTurn accepts one provider event. Malformed envelopes are rejected;
// everything else returns success, with processed reporting whether a turn
// was actually written.
func (h *InterviewsHandler) IngestTurn(w http.ResponseWriter, r *http.Request) {
	var req extract.TurnRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if err := req.Validate(); err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.pipeline.Process(r.Context(), &req)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", req.SessionID).Msg("turn persistence failed")
		WriteError(w, http.StatusInternalServerError, "failed to persist turn")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"processed": result.Processed,
	})
}

// CompleteInterview closes the active conversation and kicks off audio
// reconstruction. The reconstruction trigger is fire-and-forget: its failure
// never reaches this response.
func (h *InterviewsHandler) CompleteInterview(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.SessionID == "" {
		WriteError(w, http.StatusBadRequest, "session_id is required")
		return
	}

	conv, err := h.db.CompleteConversation(r.Context(), req.SessionID)
	if err != nil {
		if errors.Is(err, database.ErrNoActiveConversation) {
			WriteError(w, http.StatusNotFound, "no conversation for session")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("session_id", req.SessionID).Msg("complete conversation failed")
		WriteError(w, http.StatusInternalServerError, "failed to complete conversation")
		return
	}

	if h.orch != nil {
		h.orch.OnCompletion(req.SessionID)
	}
	h.pipeline.PublishCompletion(req.SessionID)

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":          true,
		"message":          "conversation completed",
		"conversation_id":  conv.ID,
		"duration_seconds": conv.DurationSeconds,
		"total_turns":      conv.TotalTurns,
	})
}

// transcriptEntry is one turn in the rendered chronological transcript.
type transcriptEntry struct {
	TurnNumber int                  `json:"turn_number"`
	Speaker    string               `json:"speaker"`
	Message    string               `json:"message"`
	Timestamp  any                  `json:"timestamp,omitempty"`
	Duration   *float64             `json:"duration,omitempty"`
	AudioURL   string               `json:"audio_url,omitempty"`
	Emotions   any                  `json:"emotions,omitempty"`
	Prosody    *database.ProsodyRow `json:"prosody,omitempty"`
}

// interviewResponse is one conversation rendered for listing/display.
type interviewResponse struct {
	ID              string            `json:"id"`
	SessionID       string            `json:"session_id"`
	UserID          string            `json:"user_id"`
	Status          string            `json:"status"`
	StartedAt       any               `json:"started_at"`
	CompletedAt     any               `json:"completed_at,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	TotalTurns      int               `json:"total_turns"`
	Quality         string            `json:"quality"`
	AudioURL        string            `json:"audio_url,omitempty"`
	Transcript      []transcriptEntry `json:"transcript"`
}

// ListInterviews returns conversations with their sequenced transcripts,
// quality ratings, and resolved audio URLs.
func (h *InterviewsHandler) ListInterviews(w http.ResponseWriter, r *http.Request) {
	p, err := ParsePagination(r)
	if err != nil {
		WriteError(w, http.StatusBadRequest, err.Error())
		return
	}

	filter := database.ConversationFilter{Limit: p.Limit, Offset: p.Offset}
	if v, ok := QueryString(r, "status"); ok {
		filter.Status = v
	}
	qualityFilter, _ := QueryString(r, "quality")

	convs, total, err := h.db.ListConversations(r.Context(), filter)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Msg("list conversations failed")
		WriteError(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}

	responses := make([]interviewResponse, 0, len(convs))
	for _, conv := range convs {
		resp := h.renderInterview(r.Context(), conv)
		if qualityFilter != "" && resp.Quality != qualityFilter {
			continue
		}
		responses = append(responses, resp)
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"responses": responses,
		"total":     total,
		"limit":     p.Limit,
		"offset":    p.Offset,
		"has_more":  p.Offset+len(convs) < total,
	})
}

// GetInterview returns one conversation with its rendered transcript.
func (h *InterviewsHandler) GetInterview(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	conv, err := h.db.GetConversation(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNoActiveConversation) {
			WriteError(w, http.StatusNotFound, "conversation not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("session_id", sessionID).Msg("get conversation failed")
		WriteError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"response": h.renderInterview(r.Context(), *conv),
	})
}

// StreamAudio serves the session's stitched recording through the artifact
// store, so playback works for local storage and private buckets alike.
func (h *InterviewsHandler) StreamAudio(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	conv, err := h.db.GetConversation(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, database.ErrNoActiveConversation) {
			WriteError(w, http.StatusNotFound, "conversation not found")
			return
		}
		hlog.FromRequest(r).Error().Err(err).Str("session_id", sessionID).Msg("get conversation failed")
		WriteError(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if h.store == nil || conv.ChatID == "" {
		WriteError(w, http.StatusNotFound, "no complete audio for session")
		return
	}

	key, err := reconstruct.ResolveAudioKey(r.Context(), h.store, conv.ChatID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", sessionID).Msg("complete audio resolution failed")
		WriteError(w, http.StatusInternalServerError, "failed to resolve complete audio")
		return
	}
	if key == "" {
		WriteError(w, http.StatusNotFound, "no complete audio for session")
		return
	}

	rc, err := h.store.Open(r.Context(), key)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("key", key).Msg("opening complete audio failed")
		WriteError(w, http.StatusInternalServerError, "failed to open complete audio")
		return
	}
	defer rc.Close()

	w.Header().Set("Content-Type", audioContentType(key))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		hlog.FromRequest(r).Warn().Err(err).Str("key", key).Msg("audio stream interrupted")
	}
}

func audioContentType(key string) string {
	switch strings.ToLower(path.Ext(key)) {
	case ".wav":
		return "audio/wav"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	default:
		return "application/octet-stream"
	}
}

// DeleteInterview removes a conversation and all dependent rows, cancelling
// any pending reconstruction poll.
func (h *InterviewsHandler) DeleteInterview(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "session_id")

	deleted, err := h.db.DeleteConversation(r.Context(), sessionID)
	if err != nil {
		hlog.FromRequest(r).Error().Err(err).Str("session_id", sessionID).Msg("delete conversation failed")
		WriteError(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	if deleted == 0 {
		WriteError(w, http.StatusNotFound, "conversation not found")
		return
	}

	WriteJSON(w, http.StatusOK, map[string]any{"success": true})
}

// renderInterview assembles the read-time view of one conversation: turns in
// derived chronological order, merged with per-turn prosody and audio rows,
// plus the session-level quality rating and complete-audio URL. Any per
// session resolution failure degrades that session's view instead of failing
// the whole listing.
func (h *InterviewsHandler) renderInterview(ctx context.Context, conv database.ConversationRow) interviewResponse {
	resp := interviewResponse{
		ID:              conv.ID,
		SessionID:       conv.SessionID,
		UserID:          conv.UserID,
		Status:          conv.Status,
		StartedAt:       conv.StartedAt,
		DurationSeconds: conv.DurationSeconds,
		TotalTurns:      conv.TotalTurns,
		Quality:         quality.RatingLow,
		Transcript:      []transcriptEntry{},
	}
	if conv.CompletedAt != nil {
		resp.CompletedAt = conv.CompletedAt
	}

	turns, err := h.db.ListTurns(ctx, conv.SessionID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", conv.SessionID).Msg("loading turns failed")
		return resp
	}
	ordered := sequence.Order(turns)

	resp.Quality = quality.Evaluate(quality.Metrics{
		DurationSeconds: conv.DurationSeconds,
		TotalTurns:      conv.TotalTurns,
	}, turns)

	type turnKey struct {
		turnNumber int
		speaker    string
	}

	prosodyByTurn := make(map[turnKey]*database.ProsodyRow)
	if rows, err := h.db.ListProsody(ctx, conv.SessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", conv.SessionID).Msg("loading prosody failed")
	} else {
		for i := range rows {
			prosodyByTurn[turnKey{rows[i].TurnNumber, rows[i].Speaker}] = &rows[i]
		}
	}

	audioByTurn := make(map[turnKey]string)
	if rows, err := h.db.ListAudioArtifacts(ctx, conv.SessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", conv.SessionID).Msg("loading audio artifacts failed")
	} else {
		for _, a := range rows {
			audioByTurn[turnKey{a.TurnNumber, a.Speaker}] = a.URL
		}
	}

	for _, t := range ordered {
		entry := transcriptEntry{
			TurnNumber: t.TurnNumber,
			Speaker:    t.Speaker,
			Message:    t.Content,
			Duration:   t.Duration,
		}
		if t.SpokenAt != nil {
			entry.Timestamp = t.SpokenAt
		}
		if len(t.Emotions) > 0 {
			entry.Emotions = t.Emotions
		}
		key := turnKey{t.TurnNumber, t.Speaker}
		entry.Prosody = prosodyByTurn[key]
		entry.AudioURL = audioByTurn[key]
		resp.Transcript = append(resp.Transcript, entry)
	}

	resp.AudioURL = h.resolveCompleteAudio(ctx, conv)
	return resp
}

// resolveCompleteAudio finds the stitched recording's URL. The stored job
// result wins; otherwise the storage prefix is consulted directly, since the
// stitcher may finish long after the single scheduled poll gave up.
func (h *InterviewsHandler) resolveCompleteAudio(ctx context.Context, conv database.ConversationRow) string {
	if job, err := h.db.GetJob(ctx, conv.SessionID); err != nil {
		h.log.Warn().Err(err).Str("session_id", conv.SessionID).Msg("loading reconstruction job failed")
	} else if job != nil && job.ResultURL != "" {
		return job.ResultURL
	}

	if h.store == nil || conv.ChatID == "" {
		return ""
	}
	url, err := reconstruct.ResolveAudioURL(ctx, h.store, conv.ChatID)
	if err != nil {
		h.log.Warn().Err(err).Str("session_id", conv.SessionID).Msg("complete audio resolution failed")
		return ""
	}
	return url
}
