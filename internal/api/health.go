package api

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// Pinger reports whether a backing service is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthHandler reports the status of the transcript database and, when
// configured, the shared state store.
type HealthHandler struct {
	db     Pinger
	state  Pinger
	extras map[string]Pinger
}

// NewHealthHandler creates a health handler. state may be nil.
func NewHealthHandler(db, state Pinger) *HealthHandler {
	return &HealthHandler{db: db, state: state, extras: make(map[string]Pinger)}
}

// AddCheck reports p under name. Used for optional services such as the
// model backend.
func (h *HealthHandler) AddCheck(name string, p Pinger) {
	h.extras[name] = p
}

// RegisterHealth registers GET /api/health.
func (h *HealthHandler) RegisterHealth(r chi.Router) {
	r.Get("/api/health", h.HandleHealth)
}

// HandleHealth pings every dependency with a short timeout.
func (h *HealthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	checks := map[string]string{"database": "ok"}
	status := http.StatusOK

	if err := h.db.Ping(ctx); err != nil {
		slog.Warn("Health check: database unreachable", "error", err)
		checks["database"] = "unavailable"
		status = http.StatusServiceUnavailable
	}
	if h.state != nil {
		checks["state"] = "ok"
		if err := h.state.Ping(ctx); err != nil {
			slog.Warn("Health check: state store unreachable", "error", err)
			checks["state"] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	for name, p := range h.extras {
		checks[name] = "ok"
		if err := p.Ping(ctx); err != nil {
			slog.Warn("Health check failed", "check", name, "error", err)
			checks[name] = "unavailable"
			status = http.StatusServiceUnavailable
		}
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	JSON(w, status, map[string]any{"status": overall, "checks": checks})
}
