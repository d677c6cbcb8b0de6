package chatws

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/kozy/internal/convlog"
	"github.com/ashureev/kozy/internal/identity"
	"github.com/ashureev/kozy/internal/pipeline"
	"github.com/coder/websocket"
)

const (
	maxMessageBytes = 16 << 10
	writeTimeout    = 10 * time.Second
)

// Responder answers chat messages and ends conversations.
type Responder interface {
	Respond(ctx context.Context, in pipeline.Input) pipeline.Output
	End(ctx context.Context, conversationID string) error
}

// LastSeenUpdater records user activity.
type LastSeenUpdater interface {
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// Options configures the handler.
type Options struct {
	AllowedOrigins []string
	IsDev          bool
	TypingDelay    time.Duration
}

// Handler upgrades requests to chat sockets.
type Handler struct {
	engine Responder
	users  LastSeenUpdater
	sm     *SessionManager
	log    *convlog.Logger
	opts   Options
}

// NewHandler creates a WebSocket chat handler. users and log may be nil.
func NewHandler(engine Responder, users LastSeenUpdater, sm *SessionManager, log *convlog.Logger, opts Options) *Handler {
	return &Handler{engine: engine, users: users, sm: sm, log: log, opts: opts}
}

// inbound is a client frame.
type inbound struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
}

// outbound is a server frame.
type outbound struct {
	Type           string `json:"type"`
	Content        string `json:"content,omitempty"`
	Index          int    `json:"index,omitempty"`
	Emotion        string `json:"emotion,omitempty"`
	Category       string `json:"category,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

// ServeHTTP implements http.Handler for the WebSocket upgrade.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	sessionID := identity.SessionIDFromContext(r.Context())
	slog.Info("Chat socket request", "user_id", userID, "session_id", sessionID, "ip", r.RemoteAddr)

	if userID == "" {
		http.Error(w, `{"error": "unauthorized"}`, http.StatusUnauthorized)
		return
	}
	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "conversation ended"); closeErr != nil {
			slog.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()
	ws.SetReadLimit(maxMessageBytes)

	h.sm.Register(userID, sessionID, ws)
	defer h.sm.Unregister(userID, sessionID, ws)

	h.readLoop(r.Context(), ws, userID, sessionID)
	slog.Info("Chat socket ended", "user_id", userID, "session_id", sessionID)
}

func (h *Handler) checkOrigin(r *http.Request) bool {
	if h.opts.IsDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	for _, allowed := range h.opts.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	slog.Warn("WebSocket origin rejected", "origin", origin, "allowed", h.opts.AllowedOrigins)
	return false
}

func (h *Handler) readLoop(ctx context.Context, ws *websocket.Conn, userID, sessionID string) {
	convID := identity.ConversationID(userID, sessionID)
	for {
		_, data, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("WebSocket closed by client", "user_id", userID)
			} else if ctx.Err() == nil {
				slog.Warn("WebSocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			// Plain text frames are treated as chat messages.
			msg = inbound{Type: "message", Content: string(data)}
		}

		switch msg.Type {
		case "message":
			if strings.TrimSpace(msg.Content) == "" {
				h.write(ctx, ws, outbound{Type: "error", Error: "message is required"})
				continue
			}
			if !h.reply(ctx, ws, pipeline.Input{
				Message:        msg.Content,
				ConversationID: convID,
				UserID:         userID,
			}, sessionID) {
				return
			}
		case "ping":
			h.write(ctx, ws, outbound{Type: "pong"})
		case "end":
			if err := h.engine.End(ctx, convID); err != nil {
				slog.Warn("Failed to end conversation", "conversation_id", convID, "error", err)
			}
			h.write(ctx, ws, outbound{Type: "ended", ConversationID: convID})
			return
		default:
			h.write(ctx, ws, outbound{Type: "error", Error: "unknown message type"})
		}

		h.touch(userID)
	}
}

// reply runs one turn and streams its units. It reports false once the
// connection is unusable.
func (h *Handler) reply(ctx context.Context, ws *websocket.Conn, in pipeline.Input, sessionID string) bool {
	h.log.Log(convlog.Event{
		UserID:         in.UserID,
		SessionID:      sessionID,
		ConversationID: in.ConversationID,
		Channel:        "chat_ws",
		Direction:      convlog.DirectionInbound,
		EventType:      "user_message",
		Content:        in.Message,
	})

	out := h.engine.Respond(ctx, in)

	for i, unit := range out.Units() {
		if i > 0 && !pause(ctx, h.opts.TypingDelay) {
			return false
		}
		if err := h.write(ctx, ws, outbound{Type: "unit", Content: unit, Index: i}); err != nil {
			return false
		}
	}
	if err := h.write(ctx, ws, outbound{
		Type:           "done",
		Emotion:        out.Emotion.String(),
		Category:       out.Category,
		ConversationID: in.ConversationID,
	}); err != nil {
		return false
	}

	h.log.Log(convlog.Event{
		UserID:         in.UserID,
		SessionID:      sessionID,
		ConversationID: in.ConversationID,
		Channel:        "chat_ws",
		Direction:      convlog.DirectionOutbound,
		EventType:      "bot_reply",
		Content:        strings.Join(out.Units(), "\n"),
		Emotion:        out.Emotion.String(),
		Category:       out.Category,
	})
	return true
}

// touch updates last seen asynchronously with a timeout.
func (h *Handler) touch(userID string) {
	if h.users == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := h.users.UpdateLastSeen(ctx, userID, time.Now()); err != nil {
			slog.Warn("Failed to update last seen", "error", err)
		}
	}()
}

func (h *Handler) write(ctx context.Context, ws *websocket.Conn, v outbound) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	if err := ws.Write(wctx, websocket.MessageText, data); err != nil {
		slog.Debug("WebSocket write error", "error", err)
		return err
	}
	return nil
}

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
