package invalidation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
	"github.com/odyssey-erp/odyssey-cms/internal/rbac"
	"github.com/odyssey-erp/odyssey-cms/internal/session"
	"github.com/odyssey-erp/odyssey-cms/internal/users"
)

type memoryCatalog struct {
	mu     sync.Mutex
	roles  map[string][]string
	grants map[int64][]string
}

func (m *memoryCatalog) RolePermissionsFor(ctx context.Context, role string) ([]rbac.RolePermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []rbac.RolePermission
	for _, name := range m.roles[role] {
		rows = append(rows, rbac.RolePermission{Role: role, IsGranted: true, Permission: rbac.Permission{Name: name, IsActive: true}})
	}
	return rows, nil
}

func (m *memoryCatalog) UserPermissionsFor(ctx context.Context, userID int64) ([]rbac.UserPermission, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var rows []rbac.UserPermission
	for _, name := range m.grants[userID] {
		rows = append(rows, rbac.UserPermission{UserID: userID, IsGranted: true, Permission: rbac.Permission{Name: name, IsActive: true}})
	}
	return rows, nil
}

func (m *memoryCatalog) setRole(role string, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.roles[role] = names
}

func (m *memoryCatalog) setGrants(userID int64, names ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.grants[userID] = names
}

type memoryUsers map[int64]*users.User

func (m memoryUsers) GetUserByID(ctx context.Context, id int64) (*users.User, error) {
	u, ok := m[id]
	if !ok {
		return nil, users.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (m memoryUsers) GetUserWithProfile(ctx context.Context, id int64) (*users.User, error) {
	return m.GetUserByID(ctx, id)
}

type node struct {
	coordinator *Coordinator
	sessions    *session.Cache
	resolver    *rbac.Resolver
	users       *users.CachedStore
}

type fixture struct {
	mr      *miniredis.Miniredis
	client  *redis.Client
	store   *cache.RedisStore
	catalog *memoryCatalog
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return &fixture{
		mr:     mr,
		client: client,
		store:  cache.NewRedisStore(client, ""),
		catalog: &memoryCatalog{
			roles:  map[string][]string{"admin": {"users.manage", "pages.manage"}, "editor": {"pages.manage"}},
			grants: map[int64][]string{42: {"jobs.manage"}},
		},
	}
}

func (f *fixture) newNode(t *testing.T, shared cache.Store) *node {
	t.Helper()
	sessions := session.NewCache(shared, session.CacheOptions{})
	t.Cleanup(sessions.Stop)
	resolver := rbac.NewResolver(f.catalog, rbac.ResolverOptions{})
	source := memoryUsers{42: {ID: 42, Email: "ada@example.com", Username: "ada", Role: "admin", IsActive: true}}
	userStore := users.NewCachedStore(source, shared, time.Minute, time.Second, nil)
	coordinator := NewCoordinator(Options{
		Sessions:    sessions,
		Resolver:    resolver,
		Users:       userStore,
		Shared:      shared,
		Broadcaster: NewRedisBroadcaster(f.client, "test:invalidation", nil),
	})
	return &node{coordinator: coordinator, sessions: sessions, resolver: resolver, users: userStore}
}

func putSession(t *testing.T, c *session.Cache, id string, userID int64, role string) {
	t.Helper()
	uid := userID
	sc := &session.Context{
		UserID:      &uid,
		Role:        role,
		Permissions: rbac.NewPermissionSet("pages.manage"),
		ResolvedAt:  time.Now().UTC().Add(-time.Second),
	}
	require.NoError(t, c.Put(context.Background(), id, sc, time.Hour))
	c.Wait()
}

func hasSession(t *testing.T, c *session.Cache, id string) bool {
	t.Helper()
	_, ok, err := c.TryGet(context.Background(), id)
	require.NoError(t, err)
	return ok
}

func TestOnUserPermissionsChangedEvictsGrantsAndSessions(t *testing.T) {
	f := newFixture(t)
	n := f.newNode(t, f.store)
	ctx := context.Background()

	require.True(t, n.resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"))
	putSession(t, n.sessions, "sess-42", 42, "admin")
	putSession(t, n.sessions, "sess-7", 7, "editor")

	f.catalog.setGrants(42)
	require.True(t, n.resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"), "still cached")

	require.NoError(t, n.coordinator.OnUserPermissionsChanged(ctx, 42))

	assert.False(t, n.resolver.EffectivePermissions(ctx, 42, "admin").Has("jobs.manage"))
	assert.False(t, hasSession(t, n.sessions, "sess-42"))
	assert.True(t, hasSession(t, n.sessions, "sess-7"))

	peer := f.newNode(t, f.store)
	assert.False(t, hasSession(t, peer.sessions, "sess-42"), "shared copy is stale")
}

func TestOnRolePermissionsChangedDoesNotTouchSessions(t *testing.T) {
	f := newFixture(t)
	n := f.newNode(t, f.store)
	ctx := context.Background()

	require.True(t, n.resolver.RolePermissions(ctx, "editor").Has("pages.manage"))
	putSession(t, n.sessions, "sess-7", 7, "editor")

	f.catalog.setRole("editor", "pages.manage", "media.manage")
	require.NoError(t, n.coordinator.OnRolePermissionsChanged(ctx, "Editor"))

	assert.True(t, n.resolver.RolePermissions(ctx, "editor").Has("media.manage"))
	assert.True(t, hasSession(t, n.sessions, "sess-7"))

	require.ErrorIs(t, n.coordinator.OnRolePermissionsChanged(ctx, " "), rbac.ErrInvalidRole)
}

func TestOnUserChangedEvictsAllAliases(t *testing.T) {
	f := newFixture(t)
	n := f.newNode(t, f.store)
	ctx := context.Background()

	_, err := n.users.GetUserByID(ctx, 42)
	require.NoError(t, err)
	require.True(t, f.mr.Exists("user:email:ada@example.com"))
	putSession(t, n.sessions, "sess-42", 42, "admin")

	require.NoError(t, n.coordinator.OnUserChanged(ctx, users.Ref{ID: 42}))

	for _, key := range []string{"user:id:42", "user:email:ada@example.com", "user:username:ada"} {
		assert.False(t, f.mr.Exists(key), key)
	}
	assert.False(t, hasSession(t, n.sessions, "sess-42"))
	assert.True(t, f.mr.Exists("session:revoked:42"))

	require.NoError(t, n.coordinator.OnUserDeleted(ctx, users.Ref{ID: 42, Email: "ada@example.com"}))
	require.ErrorIs(t, n.coordinator.OnUserDeleted(ctx, users.Ref{}), ErrInvalidUser)
}

func TestInvalidatePattern(t *testing.T) {
	f := newFixture(t)
	n := f.newNode(t, f.store)
	ctx := context.Background()
	require.NoError(t, f.mr.Set("products:list:1", "a"))
	require.NoError(t, f.mr.Set("products:list:2", "b"))
	require.NoError(t, f.mr.Set("pages:1", "c"))
	putSession(t, n.sessions, "tenant-a.1", 1, "editor")
	putSession(t, n.sessions, "tenant-b.1", 2, "editor")

	require.NoError(t, n.coordinator.InvalidatePattern(ctx, "products:list:*"))
	assert.False(t, f.mr.Exists("products:list:1"))
	assert.False(t, f.mr.Exists("products:list:2"))
	assert.True(t, f.mr.Exists("pages:1"))

	require.NoError(t, n.coordinator.InvalidatePattern(ctx, "session:tenant-a.*"))
	assert.Equal(t, 1, n.sessions.Len())
	assert.False(t, f.mr.Exists("session:tenant-a.1"))

	require.ErrorIs(t, n.coordinator.InvalidatePattern(ctx, ""), ErrInvalidPattern)
	require.ErrorIs(t, n.coordinator.InvalidatePattern(ctx, "session:["), ErrInvalidPattern)
}

type brokenStore struct{ cache.NopStore }

func (brokenStore) Set(context.Context, string, []byte, time.Duration) error {
	return errors.New("redis down")
}

func (brokenStore) Remove(context.Context, ...string) error { return errors.New("redis down") }

func TestLocalEvictionSurvivesSharedFailure(t *testing.T) {
	f := newFixture(t)
	n := f.newNode(t, brokenStore{})
	ctx := context.Background()
	putSession(t, n.sessions, "sess-42", 42, "admin")

	err := n.coordinator.OnUserChanged(ctx, users.Ref{ID: 42, Email: "ada@example.com"})
	require.Error(t, err)
	assert.Equal(t, 0, n.sessions.Len())
}

func TestPeersApplyBroadcastEvents(t *testing.T) {
	f := newFixture(t)
	a := f.newNode(t, f.store)
	b := f.newNode(t, f.store)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	require.NoError(t, a.coordinator.Listen(ctx))
	require.NoError(t, b.coordinator.Listen(ctx))

	putSession(t, a.sessions, "sess-42", 42, "admin")
	require.True(t, a.resolver.RolePermissions(ctx, "admin").Has("users.manage"))

	require.NoError(t, b.coordinator.OnUserPermissionsChanged(ctx, 42))
	require.Eventually(t, func() bool { return a.sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	f.catalog.setRole("admin", "pages.manage")
	require.NoError(t, b.coordinator.OnRolePermissionsChanged(ctx, "admin"))
	require.Eventually(t, func() bool {
		return !a.resolver.RolePermissions(ctx, "admin").Has("users.manage")
	}, 2*time.Second, 10*time.Millisecond)

	putSession(t, a.sessions, "sess-1", 1, "editor")
	require.NoError(t, b.coordinator.Reset(ctx))
	require.Eventually(t, func() bool { return a.sessions.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestCoordinatorIgnoresOwnEvents(t *testing.T) {
	f := newFixture(t)
	n := f.newNode(t, f.store)
	putSession(t, n.sessions, "sess-42", 42, "admin")

	n.coordinator.apply(Event{Kind: KindUser, UserID: 42, Origin: n.coordinator.NodeID()})
	assert.Equal(t, 1, n.sessions.Len())

	n.coordinator.apply(Event{Kind: KindUser, UserID: 42, Origin: "peer"})
	assert.Equal(t, 0, n.sessions.Len())

	n.coordinator.apply(Event{Kind: "unknown", Origin: "peer"})
}
