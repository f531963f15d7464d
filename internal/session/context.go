package session

import (
	"context"
	"maps"
	"time"

	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

// Context is a fully resolved session. A nil UserID marks an anonymous
// session.
type Context struct {
	SessionID        string             `json:"session_id"`
	UserID           *int64             `json:"user_id,omitempty"`
	Email            string             `json:"email,omitempty"`
	DisplayName      string             `json:"display_name,omitempty"`
	Role             string             `json:"role,omitempty"`
	IsActive         bool               `json:"is_active"`
	Permissions      rbac.PermissionSet `json:"permissions"`
	Claims           map[string]string  `json:"claims,omitempty"`
	IPAddress        string             `json:"ip_address,omitempty"`
	UserAgent        string             `json:"user_agent,omitempty"`
	SessionStartTime time.Time          `json:"session_start_time"`
	LastActivity     time.Time          `json:"last_activity"`
	ResolvedAt       time.Time          `json:"resolved_at"`
	RequestID        string             `json:"request_id,omitempty"`
	CorrelationID    string             `json:"correlation_id,omitempty"`
	Degraded         bool               `json:"degraded,omitempty"`
}

// Anonymous builds the stateless context used for unauthenticated or
// unresolvable requests.
func Anonymous(claims Claims, now time.Time) *Context {
	return &Context{
		Permissions:      rbac.NewPermissionSet(),
		IPAddress:        claims.IPAddress,
		UserAgent:        claims.UserAgent,
		RequestID:        claims.RequestID,
		CorrelationID:    claims.CorrelationID,
		SessionStartTime: now,
		LastActivity:     now,
		ResolvedAt:       now,
	}
}

// IsAnonymous reports whether the session carries no user.
func (c *Context) IsAnonymous() bool {
	return c == nil || c.UserID == nil
}

// HasPermission reports whether the session holds the named permission.
func (c *Context) HasPermission(name string) bool {
	if c.IsAnonymous() {
		return false
	}
	return c.Permissions.Has(name)
}

// HasAny reports whether the session holds at least one of the permissions.
func (c *Context) HasAny(names ...string) bool {
	if c.IsAnonymous() {
		return false
	}
	return c.Permissions.HasAny(names...)
}

// HasAll reports whether the session holds every permission.
func (c *Context) HasAll(names ...string) bool {
	if c.IsAnonymous() {
		return false
	}
	return c.Permissions.HasAll(names...)
}

// HasPermission is the nil-safe form of (*Context).HasPermission.
func HasPermission(sc *Context, name string) bool {
	return sc.HasPermission(name)
}

// UpdateLastActivity records activity at now.
func (c *Context) UpdateLastActivity(now time.Time) {
	if now.After(c.LastActivity) {
		c.LastActivity = now
	}
}

// RefreshWithUser overwrites the identity and permission fields from a fresh
// user record, keeping the session identity and transport details.
func (c *Context) RefreshWithUser(u *users.User, perms rbac.PermissionSet, now time.Time) {
	id := u.ID
	c.UserID = &id
	c.Email = u.Email
	c.DisplayName = u.Name()
	c.Role = u.Role
	c.IsActive = u.IsActive
	c.Permissions = perms.Clone()
	c.ResolvedAt = now
	c.UpdateLastActivity(now)
}

// IdleAt reports whether the session has been inactive for longer than idle.
func (c *Context) IdleAt(now time.Time, idle time.Duration) bool {
	return idle > 0 && now.Sub(c.LastActivity) > idle
}

// Clone returns a deep copy.
func (c *Context) Clone() *Context {
	if c == nil {
		return nil
	}
	out := *c
	if c.UserID != nil {
		id := *c.UserID
		out.UserID = &id
	}
	out.Permissions = c.Permissions.Clone()
	out.Claims = maps.Clone(c.Claims)
	return &out
}

type contextKey struct{}

// WithContext stores the session in ctx.
func WithContext(ctx context.Context, sc *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, sc)
}

// FromContext extracts the session stored by WithContext.
func FromContext(ctx context.Context) *Context {
	sc, _ := ctx.Value(contextKey{}).(*Context)
	return sc
}
