package sessionhttp

import (
	"context"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/odyssey-erp/odyssey-cms/internal/session"
)

// CorrelationHeader carries the correlation id across services.
const CorrelationHeader = "X-Correlation-ID"

// Resolver turns request claims into a session.
type Resolver interface {
	Resolve(ctx context.Context, claims session.Claims) *session.Context
}

// CookieConfig describes the session cookie.
type CookieConfig struct {
	Name   string
	TTL    time.Duration
	Secure bool
}

func (c CookieConfig) write(w http.ResponseWriter, value string) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
		Expires:  time.Now().Add(c.TTL),
	})
}

func (c CookieConfig) expire(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.Name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   c.Secure,
		SameSite: http.SameSiteStrictMode,
	})
}

type claimsContextKey struct{}

// WithVerifiedClaims is called by the upstream authenticator once the
// request's token has been verified.
func WithVerifiedClaims(ctx context.Context, claims session.Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey{}, claims)
}

func verifiedClaims(ctx context.Context) session.Claims {
	claims, _ := ctx.Value(claimsContextKey{}).(session.Claims)
	return claims
}

// Middleware resolves the session for every request and stores it in the
// request context. The session cookie is rotated when a new id was issued.
func Middleware(resolver Resolver, cookie CookieConfig, logger *slog.Logger) func(http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()
			claims := verifiedClaims(ctx)
			if c, err := r.Cookie(cookie.Name); err == nil {
				claims.SessionToken = c.Value
			}
			claims.IPAddress = clientIP(r)
			claims.UserAgent = r.UserAgent()
			claims.RequestID = middleware.GetReqID(ctx)
			claims.CorrelationID = r.Header.Get(CorrelationHeader)
			if claims.CorrelationID == "" {
				claims.CorrelationID = claims.RequestID
			}

			sc := resolver.Resolve(ctx, claims)
			if !sc.IsAnonymous() && sc.SessionID != claims.SessionToken {
				cookie.write(w, sc.SessionID)
				logger.Debug("session cookie issued", slog.String("request_id", claims.RequestID))
			}
			if sc.CorrelationID != "" {
				w.Header().Set(CorrelationHeader, sc.CorrelationID)
			}
			next.ServeHTTP(w, r.WithContext(session.WithContext(ctx, sc)))
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
