package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/ashureev/kozy/internal/domain"
	"github.com/ashureev/kozy/internal/store"
	"github.com/go-chi/chi/v5"
)

const maxListLimit = 200

// TranscriptStore is the subset of the transcript store the admin view reads.
type TranscriptStore interface {
	ListConversations(ctx context.Context, limit, offset int) ([]domain.ConversationSummary, error)
	GetConversation(ctx context.Context, conversationID string) ([]domain.Turn, error)
	DeleteConversation(ctx context.Context, conversationID string) error
	Stats(ctx context.Context, now time.Time) (domain.Stats, error)
}

// AdminHandler serves read and delete access to stored transcripts.
// Authentication is applied by the caller's middleware.
type AdminHandler struct {
	repo TranscriptStore
	now  func() time.Time
}

// NewAdminHandler creates an admin handler.
func NewAdminHandler(repo TranscriptStore) *AdminHandler {
	return &AdminHandler{repo: repo, now: time.Now}
}

// RegisterRoutes registers the admin routes on r.
func (h *AdminHandler) RegisterRoutes(r chi.Router) {
	r.Get("/conversations", h.HandleList)
	r.Get("/conversations/{id}", h.HandleGet)
	r.Delete("/conversations/{id}", h.HandleDelete)
	r.Get("/stats", h.HandleStats)
}

// HandleList handles GET /conversations?limit=&offset=.
func (h *AdminHandler) HandleList(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	if limit <= 0 || limit > maxListLimit {
		limit = 50
	}
	offset := queryInt(r, "offset", 0)
	if offset < 0 {
		offset = 0
	}

	convs, err := h.repo.ListConversations(r.Context(), limit, offset)
	if err != nil {
		slog.Error("Failed to list conversations", "error", err)
		Error(w, http.StatusInternalServerError, "failed to list conversations")
		return
	}
	JSON(w, http.StatusOK, map[string]any{
		"conversations": convs,
		"limit":         limit,
		"offset":        offset,
	})
}

// HandleGet handles GET /conversations/{id}.
func (h *AdminHandler) HandleGet(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	turns, err := h.repo.GetConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to load conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to load conversation")
		return
	}
	if turns == nil {
		turns = []domain.Turn{}
	}
	JSON(w, http.StatusOK, map[string]any{"id": id, "turns": turns})
}

// HandleDelete handles DELETE /conversations/{id}.
func (h *AdminHandler) HandleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	err := h.repo.DeleteConversation(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		slog.Error("Failed to delete conversation", "conversation_id", id, "error", err)
		Error(w, http.StatusInternalServerError, "failed to delete conversation")
		return
	}
	slog.Info("Conversation deleted by admin", "conversation_id", id)
	w.WriteHeader(http.StatusNoContent)
}

// HandleStats handles GET /stats.
func (h *AdminHandler) HandleStats(w http.ResponseWriter, r *http.Request) {
	st, err := h.repo.Stats(r.Context(), h.now())
	if err != nil {
		slog.Error("Failed to compute stats", "error", err)
		Error(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	JSON(w, http.StatusOK, st)
}

func queryInt(r *http.Request, key string, fallback int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
