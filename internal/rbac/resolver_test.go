package rbac

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCatalog struct {
	mu        sync.Mutex
	roles     map[string][]RolePermission
	users     map[int64][]UserPermission
	roleErr   error
	userErr   error
	roleCalls atomic.Int32
	userCalls atomic.Int32
	delay     time.Duration
}

func newStubCatalog() *stubCatalog {
	return &stubCatalog{
		roles: make(map[string][]RolePermission),
		users: make(map[int64][]UserPermission),
	}
}

func (s *stubCatalog) RolePermissionsFor(ctx context.Context, role string) ([]RolePermission, error) {
	s.roleCalls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roleErr != nil {
		return nil, s.roleErr
	}
	return append([]RolePermission(nil), s.roles[role]...), nil
}

func (s *stubCatalog) UserPermissionsFor(ctx context.Context, userID int64) ([]UserPermission, error) {
	s.userCalls.Add(1)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.userErr != nil {
		return nil, s.userErr
	}
	return append([]UserPermission(nil), s.users[userID]...), nil
}

func (s *stubCatalog) grantRole(role string, names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, n := range names {
		s.roles[role] = append(s.roles[role], RolePermission{
			Role:         role,
			PermissionID: int64(i + 1),
			IsGranted:    true,
			Permission:   Permission{ID: int64(i + 1), Name: n, IsActive: true},
		})
	}
}

func (s *stubCatalog) grantUser(userID int64, name string, expiresAt *time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[userID] = append(s.users[userID], UserPermission{
		UserID:     userID,
		IsGranted:  true,
		ExpiresAt:  expiresAt,
		Permission: Permission{Name: name, IsActive: true},
	})
}

func newTestResolver(catalog Catalog) *Resolver {
	return NewResolver(catalog, ResolverOptions{RoleTTL: time.Minute, UserTTL: time.Minute, CacheSize: 16})
}

func TestEffectivePermissionsUnionOfRoleAndUser(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("admin", "users.manage", "pages.manage")
	catalog.grantUser(42, "jobs.manage", nil)
	resolver := newTestResolver(catalog)

	got := resolver.EffectivePermissions(context.Background(), 42, "Admin")

	assert.ElementsMatch(t, []string{"users.manage", "pages.manage", "jobs.manage"}, got.Names())
}

func TestEffectivePermissionsExcludesExpiredGrant(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("admin", "users.manage", "pages.manage")
	past := time.Now().Add(-time.Hour)
	catalog.grantUser(42, "jobs.manage", &past)
	resolver := newTestResolver(catalog)

	got := resolver.EffectivePermissions(context.Background(), 42, "admin")

	assert.False(t, got.Has("jobs.manage"))
	assert.ElementsMatch(t, []string{"users.manage", "pages.manage"}, got.Names())
}

func TestUserGrantExpiringWhileCachedIsExcluded(t *testing.T) {
	catalog := newStubCatalog()
	soon := time.Now().Add(30 * time.Second)
	catalog.grantUser(7, "reports.view", &soon)
	resolver := newTestResolver(catalog)

	set, err := resolver.UserPermissions(context.Background(), 7)
	require.NoError(t, err)
	assert.True(t, set.Has("reports.view"))

	resolver.now = func() time.Time { return soon.Add(time.Second) }
	set, err = resolver.UserPermissions(context.Background(), 7)
	require.NoError(t, err)
	assert.False(t, set.Has("reports.view"))
	assert.Equal(t, int32(1), catalog.userCalls.Load(), "second read served from cache")
}

func TestUserPermissionsSkipsInactiveAndRevoked(t *testing.T) {
	catalog := newStubCatalog()
	catalog.users[5] = []UserPermission{
		{UserID: 5, IsGranted: true, Permission: Permission{Name: "a.view", IsActive: true}},
		{UserID: 5, IsGranted: false, Permission: Permission{Name: "b.view", IsActive: true}},
		{UserID: 5, IsGranted: true, Permission: Permission{Name: "c.view", IsActive: false}},
	}
	resolver := newTestResolver(catalog)

	set, err := resolver.UserPermissions(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.view"}, set.Names())
}

func TestRolePermissionsCached(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("editor", "pages.manage")
	resolver := newTestResolver(catalog)
	ctx := context.Background()

	first := resolver.RolePermissions(ctx, "editor")
	second := resolver.RolePermissions(ctx, "EDITOR")

	assert.True(t, first.Equal(second))
	assert.Equal(t, int32(1), catalog.roleCalls.Load())

	first.Add("mutated")
	assert.False(t, resolver.RolePermissions(ctx, "editor").Has("mutated"), "callers get copies")
}

func TestRolePermissionsFallsBackToBaseline(t *testing.T) {
	catalog := newStubCatalog()
	catalog.roleErr = errors.New("connection refused")
	resolver := newTestResolver(catalog)
	ctx := context.Background()

	admin := resolver.Resolve(ctx, 1, "admin")
	assert.True(t, admin.Degraded)
	assert.True(t, admin.Permissions.Has("users.manage"))
	assert.True(t, admin.Permissions.Has(PermissionProfileManage))

	customer := resolver.RolePermissions(ctx, "customer")
	assert.Equal(t, []string{PermissionProfileManage}, customer.Names())

	catalog.mu.Lock()
	catalog.roleErr = nil
	catalog.mu.Unlock()
	catalog.grantRole("customer", "orders.view")
	assert.True(t, resolver.RolePermissions(ctx, "customer").Has("orders.view"), "baseline is not cached")
}

func TestResolveDegradesWhenUserGrantsUnavailable(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("admin", "users.manage")
	catalog.userErr = errors.New("timeout")
	resolver := newTestResolver(catalog)

	res := resolver.Resolve(context.Background(), 42, "admin")

	assert.True(t, res.Degraded)
	assert.Equal(t, []string{"users.manage"}, res.Permissions.Names())
}

func TestForgetUserReflectsNewGrants(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("admin", "users.manage")
	resolver := newTestResolver(catalog)
	ctx := context.Background()

	assert.False(t, resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"))

	catalog.grantUser(42, "jobs.manage", nil)
	assert.False(t, resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"), "still cached")

	resolver.ForgetUser(42)
	assert.True(t, resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"))
}

func TestForgetRole(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("editor", "pages.manage")
	resolver := newTestResolver(catalog)
	ctx := context.Background()

	_ = resolver.RolePermissions(ctx, "editor")
	catalog.grantRole("editor", "products.manage")
	resolver.ForgetRole("Editor")

	assert.True(t, resolver.RolePermissions(ctx, "editor").Has("products.manage"))
	assert.Equal(t, int32(2), catalog.roleCalls.Load())
}

// pausingCatalog reads the catalog, then holds the first load of the given
// kind until release is closed.
type pausingCatalog struct {
	*stubCatalog
	kind    string
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newPausingCatalog(inner *stubCatalog, kind string) *pausingCatalog {
	return &pausingCatalog{stubCatalog: inner, kind: kind, started: make(chan struct{}), release: make(chan struct{})}
}

func (p *pausingCatalog) pause(kind string) {
	if kind != p.kind {
		return
	}
	p.once.Do(func() {
		close(p.started)
		<-p.release
	})
}

func (p *pausingCatalog) RolePermissionsFor(ctx context.Context, role string) ([]RolePermission, error) {
	rows, err := p.stubCatalog.RolePermissionsFor(ctx, role)
	p.pause(kindRole)
	return rows, err
}

func (p *pausingCatalog) UserPermissionsFor(ctx context.Context, userID int64) ([]UserPermission, error) {
	rows, err := p.stubCatalog.UserPermissionsFor(ctx, userID)
	p.pause(kindUser)
	return rows, err
}

func TestForgetRoleDuringLoadDiscardsStaleSet(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("editor", "pages.manage")
	paused := newPausingCatalog(catalog, kindRole)
	resolver := newTestResolver(paused)
	ctx := context.Background()

	inFlight := make(chan PermissionSet, 1)
	go func() { inFlight <- resolver.RolePermissions(ctx, "editor") }()
	<-paused.started

	catalog.grantRole("editor", "products.manage")
	resolver.ForgetRole("editor")
	close(paused.release)

	assert.False(t, (<-inFlight).Has("products.manage"))
	assert.True(t, resolver.RolePermissions(ctx, "editor").Has("products.manage"))
}

func TestForgetUserDuringLoadDiscardsStaleGrants(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("admin", "users.manage")
	paused := newPausingCatalog(catalog, kindUser)
	resolver := newTestResolver(paused)
	ctx := context.Background()

	inFlight := make(chan PermissionSet, 1)
	go func() { inFlight <- resolver.EffectivePermissions(ctx, 42, "admin") }()
	<-paused.started

	catalog.grantUser(42, "jobs.manage", nil)
	resolver.ForgetUser(42)
	close(paused.release)

	assert.False(t, (<-inFlight).Has("jobs.manage"))
	assert.True(t, resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"))
}

func TestForgetRacingLoadsLeavesLatestSet(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("editor", "perm.start")
	resolver := newTestResolver(catalog)
	ctx := context.Background()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					_ = resolver.RolePermissions(ctx, "editor")
					_ = resolver.EffectivePermissions(ctx, 42, "editor")
				}
			}
		}()
	}
	for i := 0; i < 50; i++ {
		catalog.grantRole("editor", fmt.Sprintf("perm.%d", i))
		resolver.ForgetRole("editor")
		catalog.grantUser(42, fmt.Sprintf("grant.%d", i), nil)
		resolver.ForgetUser(42)
	}
	close(stop)
	wg.Wait()

	assert.True(t, resolver.RolePermissions(ctx, "editor").Has("perm.49"))
	assert.True(t, resolver.EffectivePermissions(ctx, 42, "editor").Has("grant.49"))
}

func TestConcurrentMissesCollapse(t *testing.T) {
	catalog := newStubCatalog()
	catalog.grantRole("admin", "users.manage")
	catalog.delay = 50 * time.Millisecond
	resolver := newTestResolver(catalog)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			assert.True(t, resolver.RolePermissions(context.Background(), "admin").Has("users.manage"))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, catalog.roleCalls.Load(), int32(2))
}
