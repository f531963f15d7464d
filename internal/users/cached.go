package users

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
)

// EmailLookup is implemented by stores that can resolve users by email.
type EmailLookup interface {
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// KeyByID, KeyByEmail and KeyByUsername return the shared-cache keys a user
// record is stored under.
func KeyByID(id int64) string { return "user:id:" + strconv.FormatInt(id, 10) }

func KeyByEmail(email string) string {
	return "user:email:" + strings.ToLower(strings.TrimSpace(email))
}

func KeyByUsername(username string) string {
	return "user:username:" + strings.ToLower(strings.TrimSpace(username))
}

// Keys lists every cache key for the reference; aliases that are unknown are skipped.
func (r Ref) Keys() []string {
	keys := make([]string, 0, 3)
	if r.ID > 0 {
		keys = append(keys, KeyByID(r.ID))
	}
	if strings.TrimSpace(r.Email) != "" {
		keys = append(keys, KeyByEmail(r.Email))
	}
	if strings.TrimSpace(r.Username) != "" {
		keys = append(keys, KeyByUsername(r.Username))
	}
	return keys
}

// CachedStore fronts a Store with the shared cache. Records are stored under
// the id, email and username keys so alternate lookups avoid the database.
// Negative results are never cached.
type CachedStore struct {
	source  Store
	cache   cache.Store
	ttl     time.Duration
	timeout time.Duration
	logger  *slog.Logger
}

// NewCachedStore wraps source.
func NewCachedStore(source Store, shared cache.Store, ttl, timeout time.Duration, logger *slog.Logger) *CachedStore {
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	if shared == nil {
		shared = cache.NopStore{}
	}
	return &CachedStore{source: source, cache: shared, ttl: ttl, timeout: timeout, logger: logger}
}

// GetUserByID serves from the shared cache, falling back to the source.
func (s *CachedStore) GetUserByID(ctx context.Context, id int64) (*User, error) {
	if u, ok := s.lookup(ctx, KeyByID(id)); ok {
		return u, nil
	}
	u, err := s.source.GetUserByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, u)
	return u, nil
}

// GetUserByEmail serves from the shared cache, falling back to the source
// when it supports email lookups.
func (s *CachedStore) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	if u, ok := s.lookup(ctx, KeyByEmail(email)); ok {
		return u, nil
	}
	lookup, ok := s.source.(EmailLookup)
	if !ok {
		return nil, ErrNotFound
	}
	u, err := lookup.GetUserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}
	s.store(ctx, u)
	return u, nil
}

// GetUserWithProfile always reads the source of truth and refreshes the cache.
func (s *CachedStore) GetUserWithProfile(ctx context.Context, id int64) (*User, error) {
	u, err := s.source.GetUserWithProfile(ctx, id)
	if err != nil {
		return nil, err
	}
	s.store(ctx, u)
	return u, nil
}

// EvictUser removes every cached key for the user. Unknown aliases are
// discovered from the id entry before it is removed.
func (s *CachedStore) EvictUser(ctx context.Context, ref Ref) error {
	if ref.ID > 0 && (ref.Email == "" || ref.Username == "") {
		if cached, ok := s.lookup(ctx, KeyByID(ref.ID)); ok {
			if ref.Email == "" {
				ref.Email = cached.Email
			}
			if ref.Username == "" {
				ref.Username = cached.Username
			}
		}
	}
	keys := ref.Keys()
	if len(keys) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.cache.Remove(ctx, keys...)
}

func (s *CachedStore) lookup(ctx context.Context, key string) (*User, bool) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	raw, err := s.cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			s.logger.Warn("user cache read", slog.String("key", key), slog.Any("error", err))
		}
		return nil, false
	}
	var u User
	if err := json.Unmarshal(raw, &u); err != nil || u.ID <= 0 {
		s.logger.Warn("user cache entry corrupt", slog.String("key", key), slog.Any("error", err))
		_ = s.cache.Remove(ctx, key)
		return nil, false
	}
	return &u, true
}

func (s *CachedStore) store(ctx context.Context, u *User) {
	raw, err := json.Marshal(u)
	if err != nil {
		s.logger.Warn("user cache encode", slog.Int64("user_id", u.ID), slog.Any("error", err))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	for _, key := range RefOf(u).Keys() {
		if err := s.cache.Set(ctx, key, raw, s.ttl); err != nil {
			s.logger.Warn("user cache write", slog.String("key", key), slog.Any("error", err))
			return
		}
	}
}

var _ Store = (*CachedStore)(nil)
