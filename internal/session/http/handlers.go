package sessionhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-cms/internal/session"
)

// SessionService is the slice of the session manager used by the handlers.
type SessionService interface {
	Refresh(ctx context.Context, sessionID string) (*session.Context, error)
	Clear(ctx context.Context, sessionID string) error
}

// Handler serves the session endpoints.
type Handler struct {
	sessions SessionService
	cookie   CookieConfig
	logger   *slog.Logger
}

// NewHandler builds a session handler.
func NewHandler(sessions SessionService, cookie CookieConfig, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{sessions: sessions, cookie: cookie, logger: logger}
}

// MountRoutes registers the session endpoints.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/session", h.handleCurrent)
	r.Post("/session/refresh", h.handleRefresh)
	r.Delete("/session", h.handleClear)
	r.Get("/session/permissions/{name}", h.handlePermission)
}

type sessionResponse struct {
	Authenticated    bool      `json:"authenticated"`
	SessionID        string    `json:"session_id,omitempty"`
	UserID           *int64    `json:"user_id,omitempty"`
	Email            string    `json:"email,omitempty"`
	DisplayName      string    `json:"display_name,omitempty"`
	Role             string    `json:"role,omitempty"`
	Permissions      []string  `json:"permissions"`
	SessionStartTime time.Time `json:"session_start_time"`
	LastActivity     time.Time `json:"last_activity"`
	RequestID        string    `json:"request_id,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	Degraded         bool      `json:"degraded,omitempty"`
}

func newSessionResponse(sc *session.Context) sessionResponse {
	if sc == nil {
		return sessionResponse{Permissions: []string{}}
	}
	return sessionResponse{
		Authenticated:    !sc.IsAnonymous(),
		SessionID:        sc.SessionID,
		UserID:           sc.UserID,
		Email:            sc.Email,
		DisplayName:      sc.DisplayName,
		Role:             sc.Role,
		Permissions:      sc.Permissions.Names(),
		SessionStartTime: sc.SessionStartTime,
		LastActivity:     sc.LastActivity,
		RequestID:        sc.RequestID,
		CorrelationID:    sc.CorrelationID,
		Degraded:         sc.Degraded,
	}
}

func (h *Handler) handleCurrent(w http.ResponseWriter, r *http.Request) {
	httpx.JSON(w, http.StatusOK, newSessionResponse(session.FromContext(r.Context())))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	sc := session.FromContext(r.Context())
	if sc.IsAnonymous() {
		httpx.RespondError(w, fmt.Errorf("%w: no session to refresh", httpx.ErrUnauthorized))
		return
	}
	refreshed, err := h.sessions.Refresh(r.Context(), sc.SessionID)
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrNotFound, err))
		return
	case err != nil:
		h.logger.Warn("session refresh", slog.String("session_id", sc.SessionID), slog.Any("error", err))
		httpx.RespondError(w, fmt.Errorf("%w: session refresh failed", httpx.ErrUnavailable))
		return
	}
	if refreshed.IsAnonymous() {
		h.cookie.expire(w)
	}
	httpx.JSON(w, http.StatusOK, newSessionResponse(refreshed))
}

func (h *Handler) handleClear(w http.ResponseWriter, r *http.Request) {
	sc := session.FromContext(r.Context())
	if sc != nil && sc.SessionID != "" {
		if err := h.sessions.Clear(r.Context(), sc.SessionID); err != nil {
			h.logger.Warn("session clear", slog.String("session_id", sc.SessionID), slog.Any("error", err))
		}
	}
	h.cookie.expire(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handlePermission(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	httpx.JSON(w, http.StatusOK, map[string]any{
		"permission": name,
		"granted":    session.HasPermission(session.FromContext(r.Context()), name),
	})
}
