package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

const (
	kindRole = "role"
	kindUser = "user"
)

// ResolverOptions tunes the resolver caches.
type ResolverOptions struct {
	RoleTTL      time.Duration
	UserTTL      time.Duration
	CacheSize    int
	StoreTimeout time.Duration
	Logger       *slog.Logger
	Metrics      *ResolverMetrics
}

func (o ResolverOptions) withDefaults() ResolverOptions {
	if o.RoleTTL <= 0 {
		o.RoleTTL = 30 * time.Minute
	}
	if o.UserTTL <= 0 {
		o.UserTTL = 5 * time.Minute
	}
	if o.CacheSize <= 0 {
		o.CacheSize = 1024
	}
	if o.StoreTimeout <= 0 {
		o.StoreTimeout = 2 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Resolution is the outcome of resolving a user's effective permissions.
// Degraded is set when a fallback replaced data from the catalog.
type Resolution struct {
	Permissions PermissionSet
	Degraded    bool
}

// Resolver computes effective permission sets with process-local caches.
type Resolver struct {
	catalog Catalog
	roles   *expirable.LRU[string, PermissionSet]
	users   *expirable.LRU[int64, []UserPermission]
	group   singleflight.Group
	timeout time.Duration
	logger  *slog.Logger
	metrics *ResolverMetrics
	now     func() time.Time

	// genMu orders cache fills against Forget* so a load that raced an
	// invalidation is never stored.
	genMu   sync.Mutex
	roleGen atomic.Uint64
	userGen atomic.Uint64
}

// NewResolver wires the resolver to the permission catalog.
func NewResolver(catalog Catalog, opts ResolverOptions) *Resolver {
	opts = opts.withDefaults()
	return &Resolver{
		catalog: catalog,
		roles:   expirable.NewLRU[string, PermissionSet](opts.CacheSize, nil, opts.RoleTTL),
		users:   expirable.NewLRU[int64, []UserPermission](opts.CacheSize, nil, opts.UserTTL),
		timeout: opts.StoreTimeout,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// RolePermissions returns the permission set granted to the role. It never
// fails: when the catalog is unreachable the hardcoded baseline is returned.
func (r *Resolver) RolePermissions(ctx context.Context, role string) PermissionSet {
	set, _ := r.rolePermissions(ctx, role)
	return set
}

func (r *Resolver) rolePermissions(ctx context.Context, role string) (PermissionSet, bool) {
	key := normalizeRole(role)
	if set, ok := r.roles.Get(key); ok {
		r.metrics.hit(kindRole)
		return set.Clone(), false
	}
	r.metrics.miss(kindRole)
	r.logger.Debug("role permission cache miss", slog.String("role", key))

	gen := r.roleGen.Load()
	v, err := r.do(ctx, kindRole+":"+key, func(ctx context.Context) (any, error) {
		rows, err := r.catalog.RolePermissionsFor(ctx, key)
		if err != nil {
			return nil, err
		}
		set := make(PermissionSet, len(rows))
		for _, row := range rows {
			if row.Contributes() {
				set.Add(row.Permission.Name)
			}
		}
		r.genMu.Lock()
		if r.roleGen.Load() == gen {
			r.roles.Add(key, set)
		}
		r.genMu.Unlock()
		return set, nil
	})
	if err != nil {
		r.metrics.failure(kindRole)
		r.metrics.fallback()
		r.logger.Warn("role permissions unavailable, using baseline", slog.String("role", key), slog.Any("error", err))
		return Baseline(key), true
	}
	return v.(PermissionSet).Clone(), false
}

// UserPermissions returns the user's currently valid individual grants.
func (r *Resolver) UserPermissions(ctx context.Context, userID int64) (PermissionSet, error) {
	rows, err := r.userGrants(ctx, userID)
	if err != nil {
		return nil, err
	}
	now := r.now()
	set := make(PermissionSet, len(rows))
	for _, row := range rows {
		if row.ValidAt(now) {
			set.Add(row.Permission.Name)
		}
	}
	return set, nil
}

func (r *Resolver) userGrants(ctx context.Context, userID int64) ([]UserPermission, error) {
	if rows, ok := r.users.Get(userID); ok {
		r.metrics.hit(kindUser)
		return rows, nil
	}
	r.metrics.miss(kindUser)

	gen := r.userGen.Load()
	v, err := r.do(ctx, kindUser+":"+strconv.FormatInt(userID, 10), func(ctx context.Context) (any, error) {
		rows, err := r.catalog.UserPermissionsFor(ctx, userID)
		if err != nil {
			return nil, err
		}
		r.genMu.Lock()
		if r.userGen.Load() == gen {
			r.users.Add(userID, rows)
		}
		r.genMu.Unlock()
		return rows, nil
	})
	if err != nil {
		r.metrics.failure(kindUser)
		return nil, fmt.Errorf("rbac: user permissions %d: %w", userID, err)
	}
	return v.([]UserPermission), nil
}

// EffectivePermissions returns RolePermissions(role) ∪ UserPermissions(userID).
func (r *Resolver) EffectivePermissions(ctx context.Context, userID int64, role string) PermissionSet {
	return r.Resolve(ctx, userID, role).Permissions
}

// Resolve is EffectivePermissions with degradation reporting. A failure to load
// individual grants yields the role set alone, which can only narrow access.
func (r *Resolver) Resolve(ctx context.Context, userID int64, role string) Resolution {
	roleSet, degraded := r.rolePermissions(ctx, role)
	userSet, err := r.UserPermissions(ctx, userID)
	if err != nil {
		r.logger.Warn("user permissions unavailable, resolving from role only",
			slog.Int64("user_id", userID), slog.Any("error", err))
		return Resolution{Permissions: roleSet, Degraded: true}
	}
	return Resolution{Permissions: roleSet.Union(userSet), Degraded: degraded}
}

// ForgetRole drops the cached set for the role.
func (r *Resolver) ForgetRole(role string) {
	key := normalizeRole(role)
	r.genMu.Lock()
	r.roleGen.Add(1)
	r.roles.Remove(key)
	r.genMu.Unlock()
	r.group.Forget(kindRole + ":" + key)
}

// ForgetUser drops the cached grants for the user.
func (r *Resolver) ForgetUser(userID int64) {
	r.genMu.Lock()
	r.userGen.Add(1)
	r.users.Remove(userID)
	r.genMu.Unlock()
	r.group.Forget(kindUser + ":" + strconv.FormatInt(userID, 10))
}

// ForgetAll clears both caches.
func (r *Resolver) ForgetAll() {
	r.genMu.Lock()
	defer r.genMu.Unlock()
	r.roleGen.Add(1)
	r.userGen.Add(1)
	r.roles.Purge()
	r.users.Purge()
}

// do collapses concurrent loads for the same key. The load runs detached from
// the caller's cancellation but bounded by the store timeout.
func (r *Resolver) do(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	resultChan := r.group.DoChan(key, func() (_ any, err error) {
		defer func() {
			if rec := recover(); rec != nil {
				err = fmt.Errorf("rbac: load %s panicked: %v", key, rec)
			}
		}()
		loadCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.timeout)
		defer cancel()
		return fn(loadCtx)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultChan:
		return res.Val, res.Err
	}
}
