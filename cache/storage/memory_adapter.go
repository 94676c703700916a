package storage

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gobwas/glob"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// ErrWrongType is returned when an operation targets a key holding another kind of value
var ErrWrongType = errors.New("cache: operation against a key holding the wrong kind of value")

var _ interfaces.Cache = (*MemoryAdapter)(nil)

// MemoryAdapter implements interfaces.Cache in process memory. It is meant
// for single-instance deployments and tests.
type MemoryAdapter struct {
	mu              sync.Mutex
	data            map[string]*types.CacheEntry
	ttl             map[string]time.Time
	lastAccess      map[string]time.Time
	stats           types.CacheStats
	logger          zerolog.Logger
	maxSize         int
	cleanupInterval time.Duration
	now             func() time.Time
	evictCh         chan struct{}
	done            chan struct{}
	closeOnce       sync.Once
}

// Option configures a MemoryAdapter
type Option func(*MemoryAdapter)

// WithClock replaces the time source, used by tests to move time forward
func WithClock(now func() time.Time) Option {
	return func(a *MemoryAdapter) { a.now = now }
}

// WithMaxSize bounds the number of keys. Zero means unbounded. Bounded
// adapters evict least recently used keys, blacklist entries included.
func WithMaxSize(n int) Option {
	return func(a *MemoryAdapter) { a.maxSize = n }
}

// WithCleanupInterval sets how often expired keys are purged
func WithCleanupInterval(d time.Duration) Option {
	return func(a *MemoryAdapter) { a.cleanupInterval = d }
}

// NewMemoryAdapter creates a new in-memory cache and starts its eviction routine
func NewMemoryAdapter(opts ...Option) *MemoryAdapter {
	a := &MemoryAdapter{
		data:            make(map[string]*types.CacheEntry),
		ttl:             make(map[string]time.Time),
		lastAccess:      make(map[string]time.Time),
		logger:          log.With().Str("component", "memory_cache").Logger(),
		cleanupInterval: time.Minute,
		now:             time.Now,
		evictCh:         make(chan struct{}, 1),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	now := a.now().UTC()
	a.stats = types.CacheStats{LastAccess: now, LastUpdated: now, LastPurged: now}

	go a.startEvictionRoutine()

	a.logger.Debug().
		Int("max_size", a.maxSize).
		Dur("cleanup_interval", a.cleanupInterval).
		Msg("Memory cache adapter initialized")
	return a
}

// startEvictionRoutine starts a background routine for cache eviction
func (a *MemoryAdapter) startEvictionRoutine() {
	ticker := time.NewTicker(a.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.ClearExpiredKeys(context.Background())
		case <-a.evictCh:
			a.evictLRU()
		case <-a.done:
			return
		}
	}
}

// evictLRU removes least recently used entries when cache is full
func (a *MemoryAdapter) evictLRU() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.maxSize <= 0 || len(a.data) <= a.maxSize {
		return
	}

	// Evict down to 80% of max size
	toEvict := (len(a.data) - a.maxSize) + (a.maxSize / 5)

	type entry struct {
		key      string
		lastUsed time.Time
	}
	entries := make([]entry, 0, len(a.lastAccess))
	for k, t := range a.lastAccess {
		entries = append(entries, entry{k, t})
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].lastUsed.Before(entries[j].lastUsed)
	})

	evicted := 0
	for _, e := range entries {
		if evicted >= toEvict {
			break
		}
		a.removeKey(e.key)
		evicted++
	}
	a.stats.Evictions += int64(evicted)
	a.stats.Size = len(a.data)

	a.logger.Debug().
		Int("evicted_count", evicted).
		Int("current_size", len(a.data)).
		Msg("LRU eviction completed")
}

// removeKey removes a key and securely wipes its data.
// Caller MUST hold a.mu.
func (a *MemoryAdapter) removeKey(key string) {
	if entry, exists := a.data[key]; exists {
		entry.Clear()
	}
	delete(a.data, key)
	delete(a.ttl, key)
	delete(a.lastAccess, key)

	a.stats.Size = len(a.data)
	a.stats.LastUpdated = a.now().UTC()
}

// lookup returns a live entry, dropping it first if it has expired.
// Caller MUST hold a.mu.
func (a *MemoryAdapter) lookup(key string) (*types.CacheEntry, bool) {
	entry, exists := a.data[key]
	if !exists {
		return nil, false
	}
	if expiry, hasExpiry := a.ttl[key]; hasExpiry && !a.now().Before(expiry) {
		a.removeKey(key)
		a.logger.Trace().
			Str("key", key).
			Time("expired_at", expiry).
			Msg("Cache entry expired")
		return nil, false
	}
	a.lastAccess[key] = a.now()
	return entry, true
}

// store writes an entry and applies ttl. Caller MUST hold a.mu.
func (a *MemoryAdapter) store(key string, entry *types.CacheEntry, ttl time.Duration) {
	if old, exists := a.data[key]; exists && old != entry {
		old.Clear()
	}
	a.data[key] = entry
	if ttl > 0 {
		a.ttl[key] = a.now().Add(ttl)
	} else {
		delete(a.ttl, key)
	}
	a.lastAccess[key] = a.now()

	a.stats.Size = len(a.data)
	a.stats.LastUpdated = a.now().UTC()

	if a.maxSize > 0 && len(a.data) > a.maxSize {
		select {
		case a.evictCh <- struct{}{}:
		default:
		}
	}
}

// Set stores a value, replacing any previous value and expiry
func (a *MemoryAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.store(key, &types.CacheEntry{Kind: types.EntryBytes, Value: types.NewSecureBytes(value)}, ttl)
	a.logger.Trace().
		Str("key", key).
		Int("ttlSeconds", int(ttl.Seconds())).
		Msg("Cache entry stored")
	return nil
}

// SetNX stores value only when key is absent
func (a *MemoryAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.lookup(key); exists {
		return false, nil
	}
	a.store(key, &types.CacheEntry{Kind: types.EntryBytes, Value: types.NewSecureBytes(value)}, ttl)
	return true, nil
}

// Get retrieves a value. Counters are returned in decimal form.
func (a *MemoryAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stats.LastAccess = a.now().UTC()
	entry, exists := a.lookup(key)
	if !exists {
		a.stats.Misses++
		return nil, types.ErrNotFound
	}
	a.stats.Hits++

	switch entry.Kind {
	case types.EntryBytes:
		return entry.Value.Get(), nil
	case types.EntryCounter:
		return []byte(strconv.FormatInt(entry.Counter, 10)), nil
	default:
		return nil, ErrWrongType
	}
}

// Delete removes keys; missing keys are ignored
func (a *MemoryAdapter) Delete(ctx context.Context, keys ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, key := range keys {
		if _, exists := a.data[key]; exists {
			a.removeKey(key)
		}
	}
	return nil
}

// Exists reports whether a live key exists
func (a *MemoryAdapter) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	_, exists := a.lookup(key)
	return exists, nil
}

// Increment adds one to a counter. A missing key starts at 1 without expiry.
func (a *MemoryAdapter) Increment(ctx context.Context, key string) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, exists := a.lookup(key)
	if !exists {
		entry = &types.CacheEntry{Kind: types.EntryCounter, Counter: 1}
		a.store(key, entry, 0)
		return 1, nil
	}

	switch entry.Kind {
	case types.EntryCounter:
		entry.Counter++
	case types.EntryBytes:
		n, err := strconv.ParseInt(string(entry.Value.Get()), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: value at %q is not an integer", key)
		}
		entry.Value.Clear()
		entry.Value = nil
		entry.Kind = types.EntryCounter
		entry.Counter = n + 1
	default:
		return 0, ErrWrongType
	}
	a.lastAccess[key] = a.now()
	return entry.Counter, nil
}

// Expire sets a new lifetime on an existing key; missing keys are ignored
func (a *MemoryAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.lookup(key); !exists {
		return nil
	}
	if ttl <= 0 {
		a.removeKey(key)
		return nil
	}
	a.ttl[key] = a.now().Add(ttl)
	return nil
}

// TTL returns the remaining lifetime of key, zero when it never expires
func (a *MemoryAdapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, exists := a.lookup(key); !exists {
		return 0, types.ErrNotFound
	}
	expiry, hasExpiry := a.ttl[key]
	if !hasExpiry {
		return 0, nil
	}
	return expiry.Sub(a.now()), nil
}

// Keys lists live keys matching a glob pattern such as "session:*"
func (a *MemoryAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	g, err := glob.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid key pattern %q: %w", pattern, err)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	var keys []string
	for key := range a.data {
		if !g.Match(key) {
			continue
		}
		if _, live := a.lookup(key); live {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// SetAdd adds members to the set at key, creating it without expiry
func (a *MemoryAdapter) SetAdd(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, exists := a.lookup(key)
	if !exists {
		entry = &types.CacheEntry{Kind: types.EntrySet, Members: make(map[string]struct{})}
		a.store(key, entry, 0)
	}
	if entry.Kind != types.EntrySet {
		return ErrWrongType
	}
	for _, m := range members {
		entry.Members[m] = struct{}{}
	}
	return nil
}

// SetRemove removes members; an emptied set is deleted
func (a *MemoryAdapter) SetRemove(ctx context.Context, key string, members ...string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, exists := a.lookup(key)
	if !exists {
		return nil
	}
	if entry.Kind != types.EntrySet {
		return ErrWrongType
	}
	for _, m := range members {
		delete(entry.Members, m)
	}
	if len(entry.Members) == 0 {
		a.removeKey(key)
	}
	return nil
}

// SetMembers returns the members of the set at key, sorted
func (a *MemoryAdapter) SetMembers(ctx context.Context, key string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, exists := a.lookup(key)
	if !exists {
		return []string{}, nil
	}
	if entry.Kind != types.EntrySet {
		return nil, ErrWrongType
	}
	members := make([]string, 0, len(entry.Members))
	for m := range entry.Members {
		members = append(members, m)
	}
	sort.Strings(members)
	return members, nil
}

// Clear removes all values
func (a *MemoryAdapter) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, entry := range a.data {
		entry.Clear()
	}
	a.data = make(map[string]*types.CacheEntry)
	a.ttl = make(map[string]time.Time)
	a.lastAccess = make(map[string]time.Time)

	a.stats.Size = 0
	a.stats.LastUpdated = a.now().UTC()
	a.logger.Debug().Msg("Cache cleared")
	return nil
}

// GetStats returns storage statistics
func (a *MemoryAdapter) GetStats() types.CacheStats {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stats
}

// ClearExpiredKeys removes only expired keys and returns the count of removed entries
func (a *MemoryAdapter) ClearExpiredKeys(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	var expired []string
	for key, expiry := range a.ttl {
		if !now.Before(expiry) {
			expired = append(expired, key)
		}
	}
	for _, key := range expired {
		a.removeKey(key)
	}
	a.stats.LastPurged = now.UTC()

	if len(expired) > 0 {
		a.logger.Debug().
			Int("expired_count", len(expired)).
			Msg("Expired entries cleaned up")
	}
	return len(expired), nil
}

// Shutdown stops the eviction routine and wipes all entries
func (a *MemoryAdapter) Shutdown() error {
	a.closeOnce.Do(func() { close(a.done) })
	return a.Clear(context.Background())
}
