package users

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
)

type stubStore struct {
	users        map[int64]*User
	byIDCalls    int
	profileCalls int
	emailCalls   int
}

func newStubStore(users ...*User) *stubStore {
	s := &stubStore{users: make(map[int64]*User)}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *stubStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	s.byIDCalls++
	u, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *stubStore) GetUserWithProfile(ctx context.Context, id int64) (*User, error) {
	s.profileCalls++
	u, err := s.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	u.Profile = &Profile{FirstName: "Ada", LastName: "Lovelace"}
	return u, nil
}

func (s *stubStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	s.emailCalls++
	for _, u := range s.users {
		if u.Email == email {
			cp := *u
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func newCachedStore(t *testing.T, source Store) (*CachedStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewCachedStore(source, cache.NewRedisStore(client, ""), time.Minute, time.Second, nil), mr
}

func sampleUser() *User {
	return &User{ID: 42, Email: "ada@example.com", Username: "ada", Role: "admin", IsActive: true}
}

func TestCachedStoreCachesUnderAllKeys(t *testing.T) {
	source := newStubStore(sampleUser())
	store, mr := newCachedStore(t, source)
	ctx := context.Background()

	u, err := store.GetUserByID(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", u.Email)

	assert.True(t, mr.Exists("user:id:42"))
	assert.True(t, mr.Exists("user:email:ada@example.com"))
	assert.True(t, mr.Exists("user:username:ada"))

	_, err = store.GetUserByID(ctx, 42)
	require.NoError(t, err)
	byEmail, err := store.GetUserByEmail(ctx, "ADA@example.com")
	require.NoError(t, err)
	assert.Equal(t, int64(42), byEmail.ID)
	assert.Equal(t, 1, source.byIDCalls)
	assert.Equal(t, 0, source.emailCalls)
}

func TestCachedStoreDoesNotCacheMissingUser(t *testing.T) {
	source := newStubStore()
	store, mr := newCachedStore(t, source)

	_, err := store.GetUserByID(context.Background(), 9)
	require.ErrorIs(t, err, ErrNotFound)
	assert.Empty(t, mr.Keys())
}

func TestCachedStoreProfileAlwaysHitsSource(t *testing.T) {
	source := newStubStore(sampleUser())
	store, _ := newCachedStore(t, source)
	ctx := context.Background()

	_, err := store.GetUserWithProfile(ctx, 42)
	require.NoError(t, err)
	u, err := store.GetUserWithProfile(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", u.Name())
	assert.Equal(t, 2, source.profileCalls)
}

func TestCachedStoreEvictDiscoversAliases(t *testing.T) {
	source := newStubStore(sampleUser())
	store, mr := newCachedStore(t, source)
	ctx := context.Background()

	_, err := store.GetUserByID(ctx, 42)
	require.NoError(t, err)
	require.NoError(t, store.EvictUser(ctx, Ref{ID: 42}))

	assert.Empty(t, mr.Keys())
}

func TestCachedStoreCorruptEntryIsEvicted(t *testing.T) {
	source := newStubStore(sampleUser())
	store, mr := newCachedStore(t, source)
	require.NoError(t, mr.Set("user:id:42", "{not json"))

	u, err := store.GetUserByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
	assert.Equal(t, 1, source.byIDCalls)
}

func TestCachedStoreSurvivesCacheOutage(t *testing.T) {
	source := newStubStore(sampleUser())
	store, mr := newCachedStore(t, source)
	mr.Close()

	u, err := store.GetUserByID(context.Background(), 42)
	require.NoError(t, err)
	assert.Equal(t, int64(42), u.ID)
}

func TestUserCanSignIn(t *testing.T) {
	now := time.Now()
	later := now.Add(time.Hour)
	earlier := now.Add(-time.Hour)

	assert.True(t, (&User{IsActive: true}).CanSignIn(now))
	assert.False(t, (&User{IsActive: false}).CanSignIn(now))
	assert.False(t, (&User{IsActive: true, LockedUntil: &later}).CanSignIn(now))
	assert.True(t, (&User{IsActive: true, LockedUntil: &earlier}).CanSignIn(now))
	assert.False(t, (&User{IsActive: true, DeletedAt: &earlier}).CanSignIn(now))
	var nilUser *User
	assert.False(t, nilUser.CanSignIn(now))
}
