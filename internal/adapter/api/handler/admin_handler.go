package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/V4T54L/agentlens-ingest/internal/domain"
	"github.com/V4T54L/agentlens-ingest/internal/usecase"
)

// StatsSource reports the running writer counters.
type StatsSource interface {
	Stats() domain.WriterStats
}

// AdminHandler handles HTTP requests for stream administration.
type AdminHandler struct {
	uc     *usecase.AdminStreamUseCase
	stats  StatsSource
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler.
func NewAdminHandler(uc *usecase.AdminStreamUseCase, stats StatsSource, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{uc: uc, stats: stats, logger: logger}
}

// HealthCheck is a simple health check endpoint.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// GetStats returns a snapshot of the writer counters.
// GET /stats
func (h *AdminHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	h.respondWithJSON(w, http.StatusOK, h.stats.Stats())
}

// GetGroupInfo handles requests to get consumer group info.
// GET /admin/streams/{stream}/groups
func (h *AdminHandler) GetGroupInfo(w http.ResponseWriter, r *http.Request) {
	groups, err := h.uc.GetGroupInfo(r.Context(), chi.URLParam(r, "stream"))
	if err != nil {
		h.respondWithError(w, "failed to get group info", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, groups)
}

// GetConsumerInfo handles requests to get consumer info for a group.
// GET /admin/streams/{stream}/groups/{group}/consumers
func (h *AdminHandler) GetConsumerInfo(w http.ResponseWriter, r *http.Request) {
	consumers, err := h.uc.GetConsumerInfo(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"))
	if err != nil {
		h.respondWithError(w, "failed to get consumer info", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, consumers)
}

// GetPendingSummary handles requests to get a summary of pending messages.
// GET /admin/streams/{stream}/groups/{group}/pending
func (h *AdminHandler) GetPendingSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := h.uc.GetPendingSummary(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"))
	if err != nil {
		h.respondWithError(w, "failed to get pending summary", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, summary)
}

// GetPendingMessages handles requests to list pending messages.
// GET /admin/streams/{stream}/groups/{group}/pending/messages?consumer=&start=&count=
func (h *AdminHandler) GetPendingMessages(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := parseCount(q.Get("count"))
	if err != nil {
		http.Error(w, "invalid count parameter", http.StatusBadRequest)
		return
	}

	messages, err := h.uc.GetPendingMessages(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"),
		q.Get("consumer"), q.Get("start"), count)
	if err != nil {
		h.respondWithError(w, "failed to get pending messages", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, messages)
}

// ClaimMessages handles requests to claim pending messages.
// POST /admin/streams/{stream}/groups/{group}/claim
func (h *AdminHandler) ClaimMessages(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Consumer    string   `json:"consumer"`
		MinIdleTime string   `json:"min_idle_time"`
		MessageIDs  []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	var minIdle time.Duration
	if payload.MinIdleTime != "" {
		var err error
		if minIdle, err = time.ParseDuration(payload.MinIdleTime); err != nil {
			http.Error(w, "invalid min_idle_time format", http.StatusBadRequest)
			return
		}
	}

	claimed, err := h.uc.ClaimMessages(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"),
		payload.Consumer, minIdle, payload.MessageIDs)
	if err != nil {
		h.respondWithError(w, "failed to claim messages", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, claimed)
}

// AcknowledgeMessages handles requests to acknowledge messages.
// POST /admin/streams/{stream}/groups/{group}/ack
func (h *AdminHandler) AcknowledgeMessages(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MessageIDs []string `json:"message_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if len(payload.MessageIDs) == 0 {
		http.Error(w, "message_ids cannot be empty", http.StatusBadRequest)
		return
	}

	count, err := h.uc.AcknowledgeMessages(r.Context(), chi.URLParam(r, "stream"), chi.URLParam(r, "group"), payload.MessageIDs...)
	if err != nil {
		h.respondWithError(w, "failed to acknowledge messages", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int64{"acknowledged": count})
}

// TrimStream handles requests to trim a stream.
// POST /admin/streams/{stream}/trim
func (h *AdminHandler) TrimStream(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		MaxLen int64 `json:"maxlen"`
	}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if payload.MaxLen <= 0 {
		http.Error(w, "maxlen must be a positive integer", http.StatusBadRequest)
		return
	}

	trimmed, err := h.uc.TrimStream(r.Context(), chi.URLParam(r, "stream"), payload.MaxLen)
	if err != nil {
		h.respondWithError(w, "failed to trim stream", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, map[string]int64{"trimmed": trimmed})
}

// ListDeadLetters pages through the dead-letter stream.
// GET /admin/dlq?start=&count=
func (h *AdminHandler) ListDeadLetters(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	count, err := parseCount(q.Get("count"))
	if err != nil {
		http.Error(w, "invalid count parameter", http.StatusBadRequest)
		return
	}

	entries, err := h.uc.ListDeadLetters(r.Context(), q.Get("start"), count)
	if err != nil {
		h.respondWithError(w, "failed to list dead letters", err)
		return
	}
	h.respondWithJSON(w, http.StatusOK, entries)
}

// ReplayDeadLetter re-publishes one dead letter to the event stream.
// POST /admin/dlq/{id}/replay
func (h *AdminHandler) ReplayDeadLetter(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	replayID := uuid.NewString()

	streamID, err := h.uc.ReplayDeadLetter(r.Context(), id)
	if err != nil {
		h.respondWithError(w, "failed to replay dead letter", err, "dlq_id", id, "replay_id", replayID)
		return
	}

	h.logger.Info("dead letter replayed", "dlq_id", id, "stream_id", streamID, "replay_id", replayID)
	h.respondWithJSON(w, http.StatusOK, map[string]string{
		"dlq_id":    id,
		"stream_id": streamID,
		"replay_id": replayID,
	})
}

func parseCount(s string) (int64, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.ParseInt(s, 10, 64)
}

// respondWithError maps domain errors to status codes and logs the rest.
func (h *AdminHandler) respondWithError(w http.ResponseWriter, msg string, err error, attrs ...any) {
	switch {
	case errors.Is(err, domain.ErrInvalidConfig):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, domain.ErrDeadLetterNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, domain.ErrNotReplayable):
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
	default:
		h.logger.Error(msg, append(attrs, "error", err)...)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *AdminHandler) respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		h.logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
