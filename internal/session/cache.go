package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gobwas/glob"

	"github.com/odyssey-erp/odyssey-cms/internal/platform/cache"
)

const (
	shardCount = 32

	keyPrefix        = "session:"
	revokedKeyPrefix = "session:revoked:"
)

// Key returns the shared-cache key of a session id.
func Key(id string) string { return keyPrefix + id }

func revokedKey(userID int64) string {
	return revokedKeyPrefix + strconv.FormatInt(userID, 10)
}

// CacheOptions tunes the session cache.
type CacheOptions struct {
	// DefaultTTL applies when Put is called without a TTL.
	DefaultTTL time.Duration
	// IdleTimeout expires sessions without activity regardless of TTL.
	IdleTimeout   time.Duration
	MaxEntries    int
	SweepInterval time.Duration
	// Tier2Timeout bounds every shared cache call.
	Tier2Timeout time.Duration
	Logger       *slog.Logger
	Metrics      *CacheMetrics
}

func (o CacheOptions) withDefaults() CacheOptions {
	if o.DefaultTTL <= 0 {
		o.DefaultTTL = 30 * time.Minute
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = 20 * time.Minute
	}
	if o.MaxEntries <= 0 {
		o.MaxEntries = 10000
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = 5 * time.Minute
	}
	if o.Tier2Timeout <= 0 {
		o.Tier2Timeout = 250 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type entry struct {
	sc        *Context
	expiresAt time.Time

	lastActivity atomic.Int64
	lastSynced   atomic.Int64
	// removed is set when the session is signed out so an in-flight shared
	// write can undo itself.
	removed atomic.Bool
}

func newEntry(sc *Context, expiresAt time.Time) *entry {
	e := &entry{sc: sc, expiresAt: expiresAt}
	e.lastActivity.Store(sc.LastActivity.UnixNano())
	e.lastSynced.Store(sc.LastActivity.UnixNano())
	return e
}

func (e *entry) expired(now time.Time, idle time.Duration) bool {
	if !now.Before(e.expiresAt) {
		return true
	}
	return now.Sub(time.Unix(0, e.lastActivity.Load())) > idle
}

// touch advances the activity clock monotonically.
func (e *entry) touch(now time.Time) {
	n := now.UnixNano()
	for {
		cur := e.lastActivity.Load()
		if n <= cur || e.lastActivity.CompareAndSwap(cur, n) {
			return
		}
	}
}

// snapshot returns a copy of the cached context with the current activity.
func (e *entry) snapshot() *Context {
	out := e.sc.Clone()
	out.LastActivity = time.Unix(0, e.lastActivity.Load()).UTC()
	return out
}

type shard struct {
	mu    sync.RWMutex
	items map[string]*entry
}

// Cache is the two-tier session store: a sharded in-process map in front of
// the shared cache. Shared cache failures are treated as misses.
type Cache struct {
	shards [shardCount]*shard
	count  atomic.Int64
	maxTTL atomic.Int64
	// generation advances on every local invalidation.
	generation atomic.Uint64

	tier2   cache.Store
	opts    CacheOptions
	logger  *slog.Logger
	metrics *CacheMetrics
	now     func() time.Time

	evictMu sync.Mutex
	pending sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stop      chan struct{}
	done      chan struct{}
}

// NewCache builds a cache over the shared store. A nil store keeps the cache
// process-local.
func NewCache(tier2 cache.Store, opts CacheOptions) *Cache {
	opts = opts.withDefaults()
	if tier2 == nil {
		tier2 = cache.NopStore{}
	}
	c := &Cache{
		tier2:   tier2,
		opts:    opts,
		logger:  opts.Logger,
		metrics: opts.Metrics,
		now:     func() time.Time { return time.Now().UTC() },
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for i := range c.shards {
		c.shards[i] = &shard{items: make(map[string]*entry)}
	}
	c.maxTTL.Store(int64(opts.DefaultTTL))
	return c
}

func (c *Cache) shardFor(id string) *shard {
	return c.shards[xxhash.Sum64String(id)%shardCount]
}

// Len returns the number of sessions held in the local tier.
func (c *Cache) Len() int {
	return int(c.count.Load())
}

// TryGet returns the session stored under id. A local hit refreshes the
// session's activity; a shared hit is promoted into the local tier. The bool
// is false when neither tier holds a live copy.
func (c *Cache) TryGet(ctx context.Context, id string) (*Context, bool, error) {
	if err := ValidateID(id); err != nil {
		return nil, false, err
	}
	now := c.now()

	s := c.shardFor(id)
	s.mu.RLock()
	e, ok := s.items[id]
	s.mu.RUnlock()
	if ok {
		if e.sc != nil && !e.expired(now, c.opts.IdleTimeout) {
			e.touch(now)
			c.metrics.hit(tierLocal)
			c.syncActivity(id, e, now)
			return e.snapshot(), true, nil
		}
		reason := reasonExpired
		if e.sc == nil {
			reason = reasonCorrupt
		}
		c.metrics.evicted(reason, c.removeLocal(id, e))
	}

	sc, ok := c.loadShared(ctx, id, now)
	if !ok {
		c.metrics.miss()
		return nil, false, nil
	}
	return sc, true, nil
}

func (c *Cache) loadShared(ctx context.Context, id string, now time.Time) (*Context, bool) {
	ctx, cancel := context.WithTimeout(ctx, c.opts.Tier2Timeout)
	defer cancel()

	raw, err := c.tier2.Get(ctx, Key(id))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.metrics.tier2Error("get")
			c.logger.Warn("session shared cache read", slog.String("session_id", id), slog.Any("error", err))
		}
		return nil, false
	}
	sc, expiresAt, err := decode(raw, id)
	if err != nil {
		c.metrics.evicted(reasonCorrupt, 1)
		c.logger.Warn("session shared cache entry corrupt", slog.String("session_id", id), slog.Any("error", err))
		c.removeShared(id)
		return nil, false
	}
	if !now.Before(expiresAt) || sc.IdleAt(now, c.opts.IdleTimeout) {
		c.metrics.evicted(reasonExpired, 1)
		c.removeShared(id)
		return nil, false
	}
	if c.revoked(ctx, sc) {
		c.metrics.evicted(reasonStale, 1)
		c.removeShared(id)
		return nil, false
	}

	sc.UpdateLastActivity(now)
	e := newEntry(sc, expiresAt)
	c.admit(id, e, nil)
	c.metrics.hit(tierShared)
	return e.snapshot(), true
}

// revoked reports whether the user's sessions were invalidated after sc was
// resolved.
func (c *Cache) revoked(ctx context.Context, sc *Context) bool {
	if sc.UserID == nil {
		return false
	}
	raw, err := c.tier2.Get(ctx, revokedKey(*sc.UserID))
	if err != nil {
		if !errors.Is(err, cache.ErrMiss) {
			c.metrics.tier2Error("get")
			c.logger.Warn("session revocation lookup", slog.Int64("user_id", *sc.UserID), slog.Any("error", err))
		}
		return false
	}
	stamp, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return true
	}
	return sc.ResolvedAt.UnixNano() < stamp
}

// Generation returns the local invalidation counter. Pass it to PutIfCurrent
// to drop a session resolved before a concurrent invalidation.
func (c *Cache) Generation() uint64 {
	return c.generation.Load()
}

// Put stores sc under id in both tiers. A non-positive ttl selects the
// default. The local write is immediate; the shared write is dispatched in
// the background.
func (c *Cache) Put(ctx context.Context, id string, sc *Context, ttl time.Duration) error {
	_, err := c.put(ctx, id, sc, ttl, nil)
	return err
}

// PutIfCurrent is Put that stores nothing when a local invalidation happened
// since gen was read. The bool reports whether sc was stored.
func (c *Cache) PutIfCurrent(ctx context.Context, id string, sc *Context, ttl time.Duration, gen uint64) (bool, error) {
	return c.put(ctx, id, sc, ttl, func() bool { return c.generation.Load() == gen })
}

func (c *Cache) put(ctx context.Context, id string, sc *Context, ttl time.Duration, current func() bool) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	if sc == nil {
		return false, ErrNilSession
	}
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}
	for {
		cur := c.maxTTL.Load()
		if int64(ttl) <= cur || c.maxTTL.CompareAndSwap(cur, int64(ttl)) {
			break
		}
	}

	now := c.now()
	stored := sc.Clone()
	stored.SessionID = id
	if stored.SessionStartTime.IsZero() {
		stored.SessionStartTime = now
	}
	if stored.LastActivity.IsZero() {
		stored.LastActivity = now
	}
	if stored.ResolvedAt.IsZero() {
		stored.ResolvedAt = now
	}

	e := newEntry(stored, now.Add(ttl))
	if !c.admit(id, e, current) {
		return false, nil
	}
	c.writeShared(ctx, id, e, stored, ttl)
	return true, nil
}

// admit inserts e into the local tier, making room first when full. A
// non-nil current is checked under the shard lock; false skips the insert.
func (c *Cache) admit(id string, e *entry, current func() bool) bool {
	s := c.shardFor(id)
	s.mu.RLock()
	_, exists := s.items[id]
	s.mu.RUnlock()
	if !exists && c.Len() >= c.opts.MaxEntries {
		c.makeRoom()
	}

	s.mu.Lock()
	if current != nil && !current() {
		s.mu.Unlock()
		return false
	}
	if _, exists = s.items[id]; !exists {
		c.count.Add(1)
	}
	s.items[id] = e
	s.mu.Unlock()
	c.metrics.size(c.count.Load())
	return true
}

// makeRoom sweeps expired entries and, when that is not enough, evicts the
// coldest tenth of the local tier by last activity.
func (c *Cache) makeRoom() {
	c.evictMu.Lock()
	defer c.evictMu.Unlock()
	if c.Len() < c.opts.MaxEntries {
		return
	}
	c.Sweep()
	if c.Len() < c.opts.MaxEntries {
		return
	}

	type candidate struct {
		id           string
		e            *entry
		lastActivity int64
	}
	candidates := make([]candidate, 0, c.Len())
	for _, s := range c.shards {
		s.mu.RLock()
		for id, e := range s.items {
			candidates = append(candidates, candidate{id: id, e: e, lastActivity: e.lastActivity.Load()})
		}
		s.mu.RUnlock()
	}
	sort.Slice(candidates, func(i, j int) bool {
		return candidates[i].lastActivity < candidates[j].lastActivity
	})

	target := c.opts.MaxEntries / 10
	if target < 1 {
		target = 1
	}
	if overflow := c.Len() - c.opts.MaxEntries + 1; overflow > target {
		target = overflow
	}
	evicted := 0
	for _, cand := range candidates {
		if evicted >= target {
			break
		}
		evicted += c.removeLocal(cand.id, cand.e)
	}
	c.metrics.evicted(reasonCapacity, evicted)
	c.logger.Debug("session cache capacity eviction", slog.Int("evicted", evicted), slog.Int("remaining", c.Len()))
}

// removeLocal deletes id from the local tier when it still maps to e. It
// returns the number of entries removed.
func (c *Cache) removeLocal(id string, e *entry) int {
	s := c.shardFor(id)
	s.mu.Lock()
	cur, ok := s.items[id]
	if !ok || cur != e {
		s.mu.Unlock()
		return 0
	}
	delete(s.items, id)
	s.mu.Unlock()
	c.metrics.size(c.count.Add(-1))
	return 1
}

// dropLocal deletes id from the local tier and marks the entry removed.
func (c *Cache) dropLocal(id string) int {
	s := c.shardFor(id)
	s.mu.Lock()
	e, ok := s.items[id]
	if ok {
		e.removed.Store(true)
		delete(s.items, id)
	}
	s.mu.Unlock()
	if !ok {
		return 0
	}
	c.metrics.size(c.count.Add(-1))
	return 1
}

// Remove deletes the session from both tiers. Removing an unknown id is not
// an error.
func (c *Cache) Remove(ctx context.Context, id string) error {
	if err := ValidateID(id); err != nil {
		return err
	}
	c.metrics.evicted(reasonRemoved, c.dropLocal(id))

	ctx, cancel := context.WithTimeout(ctx, c.opts.Tier2Timeout)
	defer cancel()
	if err := c.tier2.Remove(ctx, Key(id)); err != nil {
		c.metrics.tier2Error("remove")
		c.logger.Warn("session shared cache remove", slog.String("session_id", id), slog.Any("error", err))
	}
	return nil
}

// Sweep removes every local entry whose TTL or idle timeout has elapsed and
// returns how many were removed. A failure on one shard does not stop the
// others.
func (c *Cache) Sweep() int {
	now := c.now()
	removed := 0
	for i, s := range c.shards {
		removed += c.sweepShard(i, s, now)
	}
	c.metrics.evicted(reasonExpired, removed)
	return removed
}

func (c *Cache) sweepShard(idx int, s *shard, now time.Time) (removed int) {
	defer func() {
		if rec := recover(); rec != nil {
			c.logger.Error("session cache sweep", slog.Int("shard", idx), slog.Any("panic", rec))
		}
	}()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, e := range s.items {
		if e == nil || e.sc == nil {
			c.logger.Warn("session cache entry corrupt", slog.String("session_id", id))
		} else if !e.expired(now, c.opts.IdleTimeout) {
			continue
		}
		delete(s.items, id)
		c.metrics.size(c.count.Add(-1))
		removed++
	}
	return removed
}

// EvictUserLocal drops every local session that belongs to userID.
func (c *Cache) EvictUserLocal(userID int64) int {
	removed := c.evictLocalWhere(func(id string, e *entry) bool {
		return e.sc != nil && e.sc.UserID != nil && *e.sc.UserID == userID
	})
	c.metrics.evicted(reasonInvalidated, removed)
	return removed
}

// RemoveUser drops the user's local sessions and stamps the shared tier so
// copies resolved before now are treated as stale by every node.
func (c *Cache) RemoveUser(ctx context.Context, userID int64) error {
	c.EvictUserLocal(userID)

	stamp := strconv.FormatInt(c.now().UnixNano(), 10)
	ctx, cancel := context.WithTimeout(ctx, c.opts.Tier2Timeout)
	defer cancel()
	if err := c.tier2.Set(ctx, revokedKey(userID), []byte(stamp), time.Duration(c.maxTTL.Load())); err != nil {
		c.metrics.tier2Error("set")
		return fmt.Errorf("session: mark user %d sessions stale: %w", userID, err)
	}
	return nil
}

// EvictLocalMatching drops local sessions whose shared-cache key matches the
// glob pattern, e.g. "session:*".
func (c *Cache) EvictLocalMatching(pattern string) (int, error) {
	g, err := glob.Compile(pattern)
	if err != nil {
		return 0, fmt.Errorf("session: invalid pattern %q: %w", pattern, err)
	}
	removed := c.evictLocalWhere(func(id string, _ *entry) bool {
		return g.Match(Key(id))
	})
	c.metrics.evicted(reasonInvalidated, removed)
	return removed, nil
}

// Clear empties the local tier.
func (c *Cache) Clear() int {
	removed := c.evictLocalWhere(func(string, *entry) bool { return true })
	c.metrics.evicted(reasonInvalidated, removed)
	return removed
}

// evictLocalWhere advances the generation before scanning, so a PutIfCurrent
// racing the scan either sees the new generation or is found by the scan.
func (c *Cache) evictLocalWhere(match func(id string, e *entry) bool) int {
	c.generation.Add(1)
	removed := 0
	for _, s := range c.shards {
		s.mu.Lock()
		for id, e := range s.items {
			if e == nil || match(id, e) {
				delete(s.items, id)
				c.count.Add(-1)
				removed++
			}
		}
		s.mu.Unlock()
	}
	c.metrics.size(c.count.Load())
	return removed
}

// syncActivity writes local activity back to the shared tier at most every
// quarter of the idle timeout so peers do not see an active session as idle.
func (c *Cache) syncActivity(id string, e *entry, now time.Time) {
	last := e.lastSynced.Load()
	if now.Sub(time.Unix(0, last)) < c.opts.IdleTimeout/4 {
		return
	}
	if !e.lastSynced.CompareAndSwap(last, now.UnixNano()) {
		return
	}
	ttl := e.expiresAt.Sub(now)
	if ttl <= 0 {
		return
	}
	sc := e.snapshot()
	c.writeShared(context.Background(), id, e, sc, ttl)
}

// writeShared dispatches the shared-tier write on a detached goroutine. The
// write is skipped when the local entry was replaced or removed meanwhile, and
// undone when Remove ran while it was in flight.
func (c *Cache) writeShared(ctx context.Context, id string, e *entry, sc *Context, ttl time.Duration) {
	raw, err := encode(sc, e.expiresAt)
	if err != nil {
		c.logger.Warn("session encode", slog.String("session_id", id), slog.Any("error", err))
		return
	}
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		s := c.shardFor(id)
		s.mu.RLock()
		current := s.items[id] == e
		s.mu.RUnlock()
		if !current {
			return
		}
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.opts.Tier2Timeout)
		defer cancel()
		if err := c.tier2.Set(wctx, Key(id), raw, ttl); err != nil {
			c.metrics.tier2Error("set")
			c.logger.Warn("session shared cache write", slog.String("session_id", id), slog.Any("error", err))
			return
		}
		if e.removed.Load() {
			rctx, rcancel := context.WithTimeout(context.Background(), c.opts.Tier2Timeout)
			defer rcancel()
			if err := c.tier2.Remove(rctx, Key(id)); err != nil {
				c.metrics.tier2Error("remove")
				c.logger.Warn("session shared cache remove", slog.String("session_id", id), slog.Any("error", err))
			}
		}
	}()
}

func (c *Cache) removeShared(id string) {
	c.pending.Add(1)
	go func() {
		defer c.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.opts.Tier2Timeout)
		defer cancel()
		if err := c.tier2.Remove(ctx, Key(id)); err != nil {
			c.metrics.tier2Error("remove")
			c.logger.Warn("session shared cache remove", slog.String("session_id", id), slog.Any("error", err))
		}
	}()
}

// Wait blocks until background shared-tier writes have finished.
func (c *Cache) Wait() {
	c.pending.Wait()
}

// Start launches the periodic sweep.
func (c *Cache) Start() {
	c.startOnce.Do(func() {
		go c.run()
	})
}

func (c *Cache) run() {
	defer close(c.done)
	ticker := time.NewTicker(c.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
			if n := c.Sweep(); n > 0 {
				c.logger.Debug("session cache sweep", slog.Int("removed", n), slog.Int("remaining", c.Len()))
			}
		}
	}
}

// Stop halts the sweep and waits for pending shared-tier writes.
func (c *Cache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stop)
		started := true
		c.startOnce.Do(func() { started = false })
		if started {
			<-c.done
		}
	})
	c.pending.Wait()
}
