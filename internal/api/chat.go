package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/kozy/internal/convlog"
	"github.com/ashureev/kozy/internal/identity"
	"github.com/ashureev/kozy/internal/pipeline"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// defaultMaxRequestBodySize is the default maximum allowed request body size (64KiB).
const defaultMaxRequestBodySize = 64 << 10

// Responder answers chat messages and ends conversations.
type Responder interface {
	Respond(ctx context.Context, in pipeline.Input) pipeline.Output
	End(ctx context.Context, conversationID string) error
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

// ChatResponse carries the first delivery unit and the ones still to come.
type ChatResponse struct {
	pipeline.Output
	ConversationID string `json:"conversation_id"`
}

// NextResponse is one staged unit fetched by polling.
type NextResponse struct {
	Unit      string `json:"unit"`
	Remaining int    `json:"remaining"`
	Done      bool   `json:"done"`
}

// ChatOptions tunes the chat handler.
type ChatOptions struct {
	MaxRequestBody int64
	TypingDelay    time.Duration
	RateLimit      int
	RateWindow     time.Duration
}

// ChatHandler serves the chat endpoints.
type ChatHandler struct {
	engine      Responder
	pending     *PendingQueue
	rateLimiter *RateLimiter
	log         *convlog.Logger
	opts        ChatOptions
}

// NewChatHandler creates a chat handler. log may be nil.
func NewChatHandler(engine Responder, log *convlog.Logger, opts ChatOptions) *ChatHandler {
	if opts.MaxRequestBody <= 0 {
		opts.MaxRequestBody = defaultMaxRequestBodySize
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 30
	}
	if opts.RateWindow <= 0 {
		opts.RateWindow = time.Minute
	}
	return &ChatHandler{
		engine:      engine,
		pending:     NewPendingQueue(16),
		rateLimiter: NewRateLimiter(opts.RateLimit, opts.RateWindow),
		log:         log,
		opts:        opts,
	}
}

// RegisterRoutes registers the chat routes.
func (h *ChatHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/chat", func(r chi.Router) {
		r.Post("/", h.HandleChat)
		r.Get("/next", h.HandleNext)
		r.Post("/stream", h.HandleStream)
		r.Delete("/", h.HandleEnd)
	})
}

// Close stops the rate limiter.
func (h *ChatHandler) Close() {
	h.rateLimiter.Stop()
}

// HandleChat handles POST /api/chat. Units after the first are staged for
// GET /api/chat/next.
func (h *ChatHandler) HandleChat(w http.ResponseWriter, r *http.Request) {
	in, ok := h.readInput(w, r)
	if !ok {
		return
	}

	out := h.engine.Respond(r.Context(), in)
	h.pending.Replace(in.ConversationID, out.RemainingUnits)
	h.logReply(r, "chat_http", out)

	JSON(w, http.StatusOK, ChatResponse{Output: out, ConversationID: in.ConversationID})
}

// HandleNext handles GET /api/chat/next.
func (h *ChatHandler) HandleNext(w http.ResponseWriter, r *http.Request) {
	convID := identity.ConversationIDFromContext(r.Context())
	unit, remaining, ok := h.pending.Pop(convID)
	if !ok {
		JSON(w, http.StatusOK, NextResponse{Done: true})
		return
	}
	JSON(w, http.StatusOK, NextResponse{Unit: unit, Remaining: remaining, Done: remaining == 0})
}

// HandleStream handles POST /api/chat/stream: one "message" event per unit,
// paced by the typing delay, then a "done" event.
func (h *ChatHandler) HandleStream(w http.ResponseWriter, r *http.Request) {
	in, ok := h.readInput(w, r)
	if !ok {
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	out := h.engine.Respond(r.Context(), in)
	h.pending.Drop(in.ConversationID)
	h.logReply(r, "chat_sse", out)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	units := out.Units()
	for i, unit := range units {
		if i > 0 && !pause(r.Context(), h.opts.TypingDelay) {
			slog.Debug("SSE client went away mid-reply", "conversation_id", in.ConversationID, "sent", i)
			return
		}
		data, err := json.Marshal(map[string]any{"unit": unit, "index": i})
		if err != nil {
			slog.Warn("failed to marshal SSE unit", "error", err)
			return
		}
		if err := writeSSE(w, "message", string(data)); err != nil {
			slog.Warn("failed to write SSE message event", "error", err)
			return
		}
		flusher.Flush()
	}

	data, err := json.Marshal(map[string]any{
		"emotion":         out.Emotion,
		"category":        out.Category,
		"conversation_id": in.ConversationID,
		"units":           len(units),
	})
	if err != nil {
		slog.Warn("failed to marshal SSE done event", "error", err)
		return
	}
	if err := writeSSE(w, "done", string(data)); err != nil {
		slog.Warn("failed to write SSE done event", "error", err)
		return
	}
	flusher.Flush()
}

// HandleEnd handles DELETE /api/chat. The conversation's rolling state is
// discarded and earlier turns stop feeding history; stored transcripts stay.
func (h *ChatHandler) HandleEnd(w http.ResponseWriter, r *http.Request) {
	convID := identity.ConversationIDFromContext(r.Context())
	h.pending.Drop(convID)
	if err := h.engine.End(r.Context(), convID); err != nil {
		slog.Warn("Failed to end conversation", "conversation_id", convID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *ChatHandler) readInput(w http.ResponseWriter, r *http.Request) (pipeline.Input, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return pipeline.Input{}, false
	}

	// Rate-limit by userID only so clients cannot bypass throttling by
	// rotating session IDs.
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return pipeline.Input{}, false
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.opts.MaxRequestBody)
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return pipeline.Input{}, false
		}
		Error(w, http.StatusBadRequest, "invalid request body")
		return pipeline.Input{}, false
	}
	if strings.TrimSpace(req.Message) == "" {
		Error(w, http.StatusBadRequest, "message is required")
		return pipeline.Input{}, false
	}

	in := pipeline.Input{
		Message:        req.Message,
		ConversationID: identity.ConversationIDFromContext(r.Context()),
		UserID:         userID,
	}
	slog.Info("Chat request",
		"user_id", userID,
		"conversation_id", in.ConversationID,
		"message_length", len(req.Message),
	)
	h.log.Log(convlog.Event{
		UserID:         userID,
		SessionID:      identity.SessionIDFromContext(r.Context()),
		ConversationID: in.ConversationID,
		Channel:        "chat_http",
		Direction:      convlog.DirectionInbound,
		EventType:      "user_message",
		Content:        req.Message,
	})
	return in, true
}

func (h *ChatHandler) logReply(r *http.Request, channel string, out pipeline.Output) {
	ctx := r.Context()
	h.log.Log(convlog.Event{
		UserID:         identity.UserIDFromContext(ctx),
		SessionID:      identity.SessionIDFromContext(ctx),
		ConversationID: identity.ConversationIDFromContext(ctx),
		Channel:        channel,
		Direction:      convlog.DirectionOutbound,
		EventType:      "bot_reply",
		Content:        strings.Join(out.Units(), "\n"),
		Emotion:        out.Emotion.String(),
		Category:       out.Category,
	})
	slog.Debug("Chat reply",
		"request_id", chiMiddleware.GetReqID(ctx),
		"category", out.Category,
		"units", 1+len(out.RemainingUnits),
	)
}

// pause waits d and reports false if ctx ended first.
func pause(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
