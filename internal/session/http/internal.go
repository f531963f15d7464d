package sessionhttp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/odyssey-cms/internal/invalidation"
	"github.com/odyssey-erp/odyssey-cms/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/session"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

// ManagePermission guards the internal cache endpoints.
const ManagePermission = "cache.manage"

const (
	internalRateLimit  = 30
	internalRateWindow = time.Minute
)

// Invalidator is the slice of the invalidation coordinator exposed over HTTP.
type Invalidator interface {
	OnRolePermissionsChanged(ctx context.Context, role string) error
	OnUserPermissionsChanged(ctx context.Context, userID int64) error
	OnUserChanged(ctx context.Context, ref users.Ref) error
	OnUserDeleted(ctx context.Context, ref users.Ref) error
	InvalidatePattern(ctx context.Context, pattern string) error
	Reset(ctx context.Context) error
}

// InternalHandler exposes cache invalidation to operators and other services.
type InternalHandler struct {
	invalidator Invalidator
	validate    *validator.Validate
	logger      *slog.Logger
}

// NewInternalHandler builds the internal cache handler.
func NewInternalHandler(invalidator Invalidator, logger *slog.Logger) *InternalHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &InternalHandler{
		invalidator: invalidator,
		validate:    validator.New(validator.WithRequiredStructEnabled()),
		logger:      logger,
	}
}

// MountRoutes registers the /internal/cache endpoints.
func (h *InternalHandler) MountRoutes(r chi.Router) {
	limiter := httprate.Limit(internalRateLimit, internalRateWindow,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		}),
	)
	r.Route("/internal/cache", func(r chi.Router) {
		r.Use(limiter, requirePermission(ManagePermission))
		r.Post("/roles/{role}", h.handleRole)
		r.Post("/users/{id}/permissions", h.handleUserPermissions)
		r.Post("/users", h.handleUser)
		r.Post("/patterns", h.handlePattern)
		r.Post("/reset", h.handleReset)
	})
}

func requirePermission(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sc := session.FromContext(r.Context())
			if sc.IsAnonymous() {
				httpx.RespondError(w, httpx.ErrUnauthorized)
				return
			}
			if !session.HasPermission(sc, name) {
				httpx.RespondError(w, fmt.Errorf("%w: missing %s", httpx.ErrForbidden, name))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type userPayload struct {
	ID       int64  `json:"id" validate:"required,gt=0"`
	Email    string `json:"email" validate:"omitempty,email"`
	Username string `json:"username" validate:"omitempty,max=64"`
	Deleted  bool   `json:"deleted"`
}

type patternPayload struct {
	Pattern string `json:"pattern" validate:"required,max=256"`
}

func (h *InternalHandler) handleRole(w http.ResponseWriter, r *http.Request) {
	role := chi.URLParam(r, "role")
	h.respond(w, r, "role", h.invalidator.OnRolePermissionsChanged(r.Context(), role))
}

func (h *InternalHandler) handleUserPermissions(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		httpx.RespondError(w, fmt.Errorf("%w: invalid user id", httpx.ErrValidation))
		return
	}
	h.respond(w, r, "user-permissions", h.invalidator.OnUserPermissionsChanged(r.Context(), id))
}

func (h *InternalHandler) handleUser(w http.ResponseWriter, r *http.Request) {
	var payload userPayload
	if err := h.decode(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	ref := users.Ref{ID: payload.ID, Email: payload.Email, Username: payload.Username}
	if payload.Deleted {
		h.respond(w, r, "user-deleted", h.invalidator.OnUserDeleted(r.Context(), ref))
		return
	}
	h.respond(w, r, "user", h.invalidator.OnUserChanged(r.Context(), ref))
}

func (h *InternalHandler) handlePattern(w http.ResponseWriter, r *http.Request) {
	var payload patternPayload
	if err := h.decode(r, &payload); err != nil {
		httpx.RespondError(w, err)
		return
	}
	h.respond(w, r, "pattern", h.invalidator.InvalidatePattern(r.Context(), payload.Pattern))
}

func (h *InternalHandler) handleReset(w http.ResponseWriter, r *http.Request) {
	h.respond(w, r, "reset", h.invalidator.Reset(r.Context()))
}

func (h *InternalHandler) decode(r *http.Request, target any) error {
	if err := httpx.DecodeJSON(r, target); err != nil {
		return err
	}
	if err := h.validate.Struct(target); err != nil {
		var fieldErrs validator.ValidationErrors
		if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
			return fmt.Errorf("%w: %s failed on %s", httpx.ErrValidation, fieldErrs[0].Field(), fieldErrs[0].Tag())
		}
		return fmt.Errorf("%w: %v", httpx.ErrValidation, err)
	}
	return nil
}

// respond maps coordinator outcomes. Local evictions have already happened when
// a shared-tier or broadcast failure is reported, so that case is a 502.
func (h *InternalHandler) respond(w http.ResponseWriter, r *http.Request, kind string, err error) {
	switch {
	case err == nil:
		w.WriteHeader(http.StatusAccepted)
	case errors.Is(err, rbac.ErrInvalidRole), errors.Is(err, invalidation.ErrInvalidPattern), errors.Is(err, invalidation.ErrInvalidUser):
		httpx.RespondError(w, fmt.Errorf("%w: %v", httpx.ErrValidation, err))
	default:
		h.logger.Warn("cache invalidation partially failed", slog.String("kind", kind), slog.Any("error", err))
		httpx.Problem(w, http.StatusBadGateway, "Partial Invalidation", err.Error())
	}
}
