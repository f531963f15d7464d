package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/singleflight"

	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

var (
	// ErrSessionNotFound is returned when an operation needs a cached session
	// that does not exist.
	ErrSessionNotFound = errors.New("session: not found")
	// ErrUserUnavailable is returned when the user may not hold a session.
	ErrUserUnavailable = errors.New("session: user unavailable")
)

// UserStore loads users from the system of record.
type UserStore interface {
	GetUserByID(ctx context.Context, id int64) (*users.User, error)
	GetUserWithProfile(ctx context.Context, id int64) (*users.User, error)
}

// PermissionResolver computes effective permission sets.
type PermissionResolver interface {
	Resolve(ctx context.Context, userID int64, role string) rbac.Resolution
}

// ManagerOptions tunes session resolution.
type ManagerOptions struct {
	// TTL is the lifetime of a resolved session.
	TTL time.Duration
	// DegradedTTL applies when permissions came from a fallback.
	DegradedTTL  time.Duration
	StoreTimeout time.Duration
	Logger       *slog.Logger
}

func (o ManagerOptions) withDefaults() ManagerOptions {
	if o.TTL <= 0 {
		o.TTL = 30 * time.Minute
	}
	if o.DegradedTTL <= 0 {
		o.DegradedTTL = time.Minute
	}
	if o.DegradedTTL > o.TTL {
		o.DegradedTTL = o.TTL
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Manager turns authenticated requests into resolved sessions.
type Manager struct {
	cache    *Cache
	users    UserStore
	perms    PermissionResolver
	opts     ManagerOptions
	logger   *slog.Logger
	validate *validator.Validate
	group    singleflight.Group
	now      func() time.Time
}

// NewManager wires the manager to its collaborators.
func NewManager(cache *Cache, userStore UserStore, perms PermissionResolver, opts ManagerOptions) *Manager {
	opts = opts.withDefaults()
	return &Manager{
		cache:    cache,
		users:    userStore,
		perms:    perms,
		opts:     opts,
		logger:   opts.Logger,
		validate: validator.New(validator.WithRequiredStructEnabled()),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Resolve returns the session for the request. It never fails: missing,
// locked or deactivated users and any unexpected error yield an anonymous
// session.
func (m *Manager) Resolve(ctx context.Context, claims Claims) (sc *Context) {
	defer func() {
		if rec := recover(); rec != nil {
			m.logger.Error("session resolution panicked", slog.Any("panic", rec),
				slog.String("request_id", claims.RequestID))
			sc = Anonymous(claims, m.now())
		}
	}()

	if !claims.Authenticated {
		return Anonymous(claims, m.now())
	}
	userID, ok := claims.UserID()
	if !ok {
		m.logger.Warn("session claims carry no usable subject", slog.String("request_id", claims.RequestID))
		return Anonymous(claims, m.now())
	}

	id := m.sessionID(claims)
	cached, ok, err := m.cache.TryGet(ctx, id)
	if err != nil {
		m.logger.Warn("session lookup", slog.String("session_id", id), slog.Any("error", err))
		return Anonymous(claims, m.now())
	}
	if ok {
		if cached.UserID != nil && *cached.UserID == userID {
			return withRequest(cached, claims)
		}
		m.logger.Warn("session user does not match claims, evicting", slog.String("session_id", id))
		_ = m.cache.Remove(ctx, id)
	}

	resolved, err := m.load(ctx, id, userID, claims)
	if err != nil {
		if !errors.Is(err, ErrUserUnavailable) {
			m.logger.Warn("session resolution failed", slog.String("session_id", id),
				slog.Int64("user_id", userID), slog.Any("error", err))
		}
		return Anonymous(claims, m.now())
	}
	return withRequest(resolved, claims)
}

// sessionID picks the transport token, then the token-embedded id, then a
// fresh id. Malformed candidates are skipped.
func (m *Manager) sessionID(claims Claims) string {
	for _, candidate := range []string{claims.SessionToken, claims.TokenSessionID()} {
		if candidate == "" {
			continue
		}
		if ValidateID(candidate) == nil {
			return candidate
		}
		m.logger.Debug("ignoring malformed session id", slog.String("request_id", claims.RequestID))
	}
	return NewID()
}

// load resolves the session from the user store and permission resolver.
// Concurrent loads for the same session share one result.
func (m *Manager) load(ctx context.Context, id string, userID int64, claims Claims) (*Context, error) {
	resultChan := m.group.DoChan(id+":"+strconv.FormatInt(userID, 10), func() (_ any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("session: load panicked: %v", rec)
			}
		}()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.opts.StoreTimeout)
		defer cancel()

		gen := m.cache.Generation()
		u, err := m.users.GetUserByID(loadCtx, userID)
		if err != nil {
			if errors.Is(err, users.ErrNotFound) {
				m.logger.Warn("session user not found", slog.Int64("user_id", userID))
				return nil, ErrUserUnavailable
			}
			return nil, fmt.Errorf("load user %d: %w", userID, err)
		}
		now := m.now()
		if !u.CanSignIn(now) {
			m.logger.Warn("session user rejected", slog.Int64("user_id", userID),
				slog.Bool("active", u.IsActive), slog.Bool("locked", u.IsLocked(now)))
			return nil, ErrUserUnavailable
		}

		res := m.perms.Resolve(loadCtx, u.ID, u.Role)
		sc := &Context{
			SessionID:        id,
			Claims:           claims.Bag(),
			IPAddress:        claims.IPAddress,
			UserAgent:        claims.UserAgent,
			RequestID:        claims.RequestID,
			CorrelationID:    claims.CorrelationID,
			SessionStartTime: now,
			Degraded:         res.Degraded,
		}
		sc.RefreshWithUser(u, res.Permissions, now)
		stored, err := m.cache.PutIfCurrent(loadCtx, id, sc, m.ttl(res.Degraded), gen)
		if err != nil {
			return nil, err
		}
		if !stored {
			m.logger.Debug("session invalidated during resolution, not cached",
				slog.String("session_id", id), slog.Int64("user_id", userID))
		}
		return sc, nil
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Context).Clone(), nil
	}
}

func (m *Manager) ttl(degraded bool) time.Duration {
	if degraded {
		return m.opts.DegradedTTL
	}
	return m.opts.TTL
}

// Attach stores a session for a user that has just signed in. An empty
// sessionID issues a new identifier.
func (m *Manager) Attach(ctx context.Context, sessionID string, u *users.User, ip, userAgent string) (*Context, error) {
	if sessionID == "" {
		sessionID = NewID()
	} else if err := ValidateID(sessionID); err != nil {
		return nil, err
	}
	if u == nil {
		return nil, ErrNilUser
	}
	if err := m.validate.Struct(u); err != nil {
		return nil, fmt.Errorf("session: attach user %d: %w", u.ID, err)
	}
	now := m.now()
	if !u.CanSignIn(now) {
		return nil, ErrUserUnavailable
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	res := m.perms.Resolve(loadCtx, u.ID, u.Role)
	sc := &Context{
		SessionID:        sessionID,
		IPAddress:        ip,
		UserAgent:        userAgent,
		SessionStartTime: now,
		Degraded:         res.Degraded,
	}
	sc.RefreshWithUser(u, res.Permissions, now)
	if err := m.cache.Put(ctx, sessionID, sc, m.ttl(res.Degraded)); err != nil {
		return nil, err
	}
	return sc, nil
}

// Refresh reloads the session's user from the source of truth and overwrites
// the cached session. When the user can no longer hold a session it is
// cleared and an anonymous session is returned.
func (m *Manager) Refresh(ctx context.Context, sessionID string) (*Context, error) {
	current, ok, err := m.cache.TryGet(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if !ok || current.IsAnonymous() {
		return nil, ErrSessionNotFound
	}

	loadCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	u, err := m.users.GetUserWithProfile(loadCtx, *current.UserID)
	now := m.now()
	switch {
	case errors.Is(err, users.ErrNotFound), err == nil && !u.CanSignIn(now):
		m.logger.Warn("session user no longer valid, clearing", slog.String("session_id", sessionID),
			slog.Int64("user_id", *current.UserID))
		if err := m.cache.Remove(ctx, sessionID); err != nil {
			return nil, err
		}
		anon := Anonymous(Claims{IPAddress: current.IPAddress, UserAgent: current.UserAgent}, now)
		return anon, nil
	case err != nil:
		return nil, fmt.Errorf("session: refresh %s: %w", sessionID, err)
	}

	res := m.perms.Resolve(loadCtx, u.ID, u.Role)
	current.RefreshWithUser(u, res.Permissions, now)
	current.Degraded = res.Degraded
	if err := m.cache.Put(ctx, sessionID, current, m.ttl(res.Degraded)); err != nil {
		return nil, err
	}
	return current, nil
}

// Clear removes the session from both cache tiers.
func (m *Manager) Clear(ctx context.Context, sessionID string) error {
	return m.cache.Remove(ctx, sessionID)
}

// EffectivePermissions returns the permission set the user would receive on
// a fresh resolution.
func (m *Manager) EffectivePermissions(ctx context.Context, userID int64) (rbac.PermissionSet, error) {
	loadCtx, cancel := context.WithTimeout(ctx, m.opts.StoreTimeout)
	defer cancel()
	u, err := m.users.GetUserByID(loadCtx, userID)
	if err != nil {
		return nil, err
	}
	return m.perms.Resolve(loadCtx, u.ID, u.Role).Permissions, nil
}

// withRequest stamps per-request identifiers on a resolved session.
func withRequest(sc *Context, claims Claims) *Context {
	if claims.RequestID != "" {
		sc.RequestID = claims.RequestID
	}
	if claims.CorrelationID != "" {
		sc.CorrelationID = claims.CorrelationID
	}
	return sc
}
