package invalidation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/session"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

// Validation errors returned before anything is evicted.
var (
	ErrInvalidPattern = errors.New("invalidation: invalid pattern")
	ErrInvalidUser    = errors.New("invalidation: invalid user id")
)

// UserEvictor removes cached user records under every alias.
type UserEvictor interface {
	EvictUser(ctx context.Context, ref users.Ref) error
}

// Options wires the coordinator to the caches it keeps consistent.
type Options struct {
	Sessions    *session.Cache
	Resolver    *rbac.Resolver
	Users       UserEvictor
	Shared      cache.Store
	Broadcaster Broadcaster
	// NodeID identifies this process so it ignores its own broadcasts.
	NodeID  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Coordinator evicts cached permission sets, user records and sessions after
// writes to the underlying records. Local evictions always happen; failures
// reaching the shared cache or peers are returned joined.
type Coordinator struct {
	sessions    *session.Cache
	resolver    *rbac.Resolver
	users       UserEvictor
	shared      cache.Store
	broadcaster Broadcaster
	nodeID      string
	timeout     time.Duration
	logger      *slog.Logger
}

// NewCoordinator builds a Coordinator. Nil collaborators are skipped.
func NewCoordinator(opts Options) *Coordinator {
	if opts.Shared == nil {
		opts.Shared = cache.NopStore{}
	}
	if opts.Broadcaster == nil {
		opts.Broadcaster = NopBroadcaster{}
	}
	if opts.NodeID == "" {
		opts.NodeID = uuid.NewString()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		sessions:    opts.Sessions,
		resolver:    opts.Resolver,
		users:       opts.Users,
		shared:      opts.Shared,
		broadcaster: opts.Broadcaster,
		nodeID:      opts.NodeID,
		timeout:     opts.Timeout,
		logger:      opts.Logger,
	}
}

// NodeID returns the identifier stamped on published events.
func (c *Coordinator) NodeID() string {
	return c.nodeID
}

// OnRolePermissionsChanged evicts the role's cached permission set. Sessions
// already resolved for users of the role keep their permissions until their
// own TTL elapses.
func (c *Coordinator) OnRolePermissionsChanged(ctx context.Context, role string) error {
	role = strings.TrimSpace(role)
	if role == "" {
		return rbac.ErrInvalidRole
	}
	c.forgetRole(role)
	c.logger.Info("role permissions invalidated", slog.String("role", role))
	return c.publish(ctx, Event{Kind: KindRole, Role: role})
}

// OnUserPermissionsChanged evicts the user's cached grants and sessions.
func (c *Coordinator) OnUserPermissionsChanged(ctx context.Context, userID int64) error {
	if userID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUser, userID)
	}
	errs := []error{c.evictUserState(ctx, userID)}
	c.logger.Info("user permissions invalidated", slog.Int64("user_id", userID))
	errs = append(errs, c.publish(ctx, Event{Kind: KindUserPermissions, UserID: userID}))
	return errors.Join(errs...)
}

// OnUserChanged evicts the cached user record under every alias together with
// the user's grants and sessions.
func (c *Coordinator) OnUserChanged(ctx context.Context, ref users.Ref) error {
	return c.onUser(ctx, ref, KindUser)
}

// OnUserDeleted is OnUserChanged for a removed account.
func (c *Coordinator) OnUserDeleted(ctx context.Context, ref users.Ref) error {
	return c.onUser(ctx, ref, KindUserDeleted)
}

func (c *Coordinator) onUser(ctx context.Context, ref users.Ref, kind string) error {
	if ref.ID <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidUser, ref.ID)
	}
	var errs []error
	if c.users != nil {
		if err := c.users.EvictUser(ctx, ref); err != nil {
			errs = append(errs, fmt.Errorf("evict user %d: %w", ref.ID, err))
		}
	}
	errs = append(errs, c.evictUserState(ctx, ref.ID))
	c.logger.Info("user invalidated", slog.Int64("user_id", ref.ID), slog.String("kind", kind))
	errs = append(errs, c.publish(ctx, Event{Kind: kind, UserID: ref.ID}))
	return errors.Join(errs...)
}

// InvalidatePattern removes every shared-cache key matching the glob pattern
// and every local session whose key matches it.
func (c *Coordinator) InvalidatePattern(ctx context.Context, pattern string) error {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ErrInvalidPattern
	}
	if err := c.evictLocalPattern(pattern); err != nil {
		return err
	}
	var errs []error
	sctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.shared.RemoveByPattern(sctx, pattern); err != nil {
		errs = append(errs, fmt.Errorf("remove pattern %q: %w", pattern, err))
	}
	c.logger.Info("cache pattern invalidated", slog.String("pattern", pattern))
	errs = append(errs, c.publish(ctx, Event{Kind: KindPattern, Pattern: pattern}))
	return errors.Join(errs...)
}

// Reset drops every locally cached permission set and session on all nodes.
// Shared-tier sessions expire on their own TTL.
func (c *Coordinator) Reset(ctx context.Context) error {
	c.resetLocal()
	c.logger.Warn("all local caches reset")
	return c.publish(ctx, Event{Kind: KindAll})
}

// Listen applies events published by other nodes until ctx is done.
func (c *Coordinator) Listen(ctx context.Context) error {
	return c.broadcaster.Subscribe(ctx, c.apply)
}

func (c *Coordinator) apply(ev Event) {
	if ev.Origin == c.nodeID {
		return
	}
	switch ev.Kind {
	case KindRole:
		c.forgetRole(ev.Role)
	case KindUser, KindUserPermissions, KindUserDeleted:
		if c.resolver != nil {
			c.resolver.ForgetUser(ev.UserID)
		}
		if c.sessions != nil {
			c.sessions.EvictUserLocal(ev.UserID)
		}
	case KindPattern:
		if err := c.evictLocalPattern(ev.Pattern); err != nil {
			c.logger.Warn("peer invalidation pattern", slog.String("pattern", ev.Pattern), slog.Any("error", err))
		}
	case KindAll:
		c.resetLocal()
	default:
		c.logger.Warn("unknown invalidation event", slog.String("kind", ev.Kind), slog.String("origin", ev.Origin))
		return
	}
	c.logger.Debug("peer invalidation applied", slog.String("kind", ev.Kind), slog.String("origin", ev.Origin))
}

func (c *Coordinator) forgetRole(role string) {
	if c.resolver != nil {
		c.resolver.ForgetRole(role)
	}
}

func (c *Coordinator) evictUserState(ctx context.Context, userID int64) error {
	if c.resolver != nil {
		c.resolver.ForgetUser(userID)
	}
	if c.sessions == nil {
		return nil
	}
	return c.sessions.RemoveUser(ctx, userID)
}

func (c *Coordinator) evictLocalPattern(pattern string) error {
	if c.sessions == nil {
		return nil
	}
	if _, err := c.sessions.EvictLocalMatching(pattern); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidPattern, err)
	}
	return nil
}

func (c *Coordinator) resetLocal() {
	if c.resolver != nil {
		c.resolver.ForgetAll()
	}
	if c.sessions != nil {
		c.sessions.Clear()
	}
}

func (c *Coordinator) publish(ctx context.Context, ev Event) error {
	ev.Origin = c.nodeID
	pctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	if err := c.broadcaster.Publish(pctx, ev); err != nil {
		return fmt.Errorf("broadcast %s: %w", ev.Kind, err)
	}
	return nil
}

var (
	_ rbac.Invalidator  = (*Coordinator)(nil)
	_ users.Invalidator = (*Coordinator)(nil)
)
