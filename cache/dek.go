// Package cache holds the cache-backed state of the credential subsystem:
// sessions, blacklist entries, rate-limit counters and split-DEK server parts.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

const splitDEKKeyPrefix = "dek:"

// SplitDEKMetrics holds split-DEK cache counters for monitoring
type SplitDEKMetrics struct {
	Hits    int64   `json:"hits"`
	Misses  int64   `json:"misses"`
	Errors  int64   `json:"errors"`
	HitRate float64 `json:"hit_rate"`
	Uptime  string  `json:"uptime"`
	TTL     string  `json:"ttl"`
	Rekeyed int64   `json:"rekeyed"`
	Revoked int64   `json:"revoked"`
}

// splitEntry is the JSON value stored under dek:{user_id}:{token}
type splitEntry struct {
	EncryptedServerPart string    `json:"encrypted_server_part"`
	LastAccessed        time.Time `json:"last_accessed"`
}

// SplitDEKCache stores the sealed server half of a balanced-tier DEK with a
// sliding lifetime: every successful Load pushes expiry out by the full TTL.
type SplitDEKCache struct {
	cache     interfaces.Cache
	ttl       time.Duration
	now       func() time.Time
	logger    zerolog.Logger
	startTime time.Time

	hits    atomic.Int64
	misses  atomic.Int64
	errors  atomic.Int64
	rekeyed atomic.Int64
	revoked atomic.Int64
}

// NewSplitDEKCache creates a split-DEK cache. ttl <= 0 selects types.DefaultSplitDEKTTL.
func NewSplitDEKCache(c interfaces.Cache, ttl time.Duration) *SplitDEKCache {
	if ttl <= 0 {
		ttl = types.DefaultSplitDEKTTL
	}
	logger := log.With().Str("component", "split_dek_cache").Logger()
	logger.Debug().Dur("ttl", ttl).Msg("Split DEK cache initialized")
	return &SplitDEKCache{
		cache:     c,
		ttl:       ttl,
		now:       time.Now,
		logger:    logger,
		startTime: time.Now().UTC(),
	}
}

// WithClock replaces the time source used for last_accessed stamps
func (c *SplitDEKCache) WithClock(now func() time.Time) *SplitDEKCache {
	c.now = now
	return c
}

// TTL returns the sliding lifetime
func (c *SplitDEKCache) TTL() time.Duration {
	return c.ttl
}

func splitDEKKey(userID, token string) string {
	return splitDEKKeyPrefix + userID + ":" + token
}

// Store saves a sealed server part for (userID, token)
func (c *SplitDEKCache) Store(ctx context.Context, userID, token, sealedServerPart string) error {
	if userID == "" || token == "" {
		return fmt.Errorf("%w: user id and token are required", types.ErrInvalidRequest)
	}
	return c.put(ctx, splitDEKKey(userID, token), sealedServerPart)
}

func (c *SplitDEKCache) put(ctx context.Context, key, sealed string) error {
	raw, err := json.Marshal(splitEntry{EncryptedServerPart: sealed, LastAccessed: c.now().UTC()})
	if err != nil {
		return fmt.Errorf("failed to marshal split DEK entry: %w", err)
	}
	if err := c.cache.Set(ctx, key, raw, c.ttl); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to store split DEK entry: %w", err)
	}
	return nil
}

// Load returns the sealed server part and refreshes its lifetime. A missing
// or expired entry yields types.ErrNotFound.
func (c *SplitDEKCache) Load(ctx context.Context, userID, token string) (string, error) {
	key := splitDEKKey(userID, token)
	raw, err := c.cache.Get(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		c.misses.Add(1)
		return "", types.ErrNotFound
	}
	if err != nil {
		c.errors.Add(1)
		return "", fmt.Errorf("failed to load split DEK entry: %w", err)
	}

	var entry splitEntry
	if err := json.Unmarshal(raw, &entry); err != nil || entry.EncryptedServerPart == "" {
		c.misses.Add(1)
		c.logger.Warn().Str("userId", userID).Msg("Discarding unreadable split DEK entry")
		_ = c.cache.Delete(ctx, key)
		return "", types.ErrNotFound
	}
	c.hits.Add(1)

	// Sliding expiry; a failure here only shortens the lifetime
	if err := c.put(ctx, key, entry.EncryptedServerPart); err != nil {
		c.logger.Warn().Err(err).Str("userId", userID).Msg("Failed to refresh split DEK entry")
	}
	return entry.EncryptedServerPart, nil
}

// Rekey moves an entry from oldToken to newToken after a token rotation
func (c *SplitDEKCache) Rekey(ctx context.Context, userID, oldToken, newToken string) error {
	if oldToken == newToken {
		return nil
	}
	sealed, err := c.Load(ctx, userID, oldToken)
	if err != nil {
		return err
	}
	if err := c.Store(ctx, userID, newToken, sealed); err != nil {
		return err
	}
	c.rekeyed.Add(1)
	return c.cache.Delete(ctx, splitDEKKey(userID, oldToken))
}

// Delete drops the entries of the given tokens
func (c *SplitDEKCache) Delete(ctx context.Context, userID string, tokens ...string) error {
	if len(tokens) == 0 {
		return nil
	}
	keys := make([]string, len(tokens))
	for i, t := range tokens {
		keys[i] = splitDEKKey(userID, t)
	}
	if err := c.cache.Delete(ctx, keys...); err != nil {
		c.errors.Add(1)
		return fmt.Errorf("failed to delete split DEK entries: %w", err)
	}
	c.revoked.Add(int64(len(tokens)))
	return nil
}

// Metrics returns cache counters
func (c *SplitDEKCache) Metrics() SplitDEKMetrics {
	hits, misses := c.hits.Load(), c.misses.Load()
	var rate float64
	if total := hits + misses; total > 0 {
		rate = float64(hits) / float64(total) * 100
	}
	return SplitDEKMetrics{
		Hits:    hits,
		Misses:  misses,
		Errors:  c.errors.Load(),
		HitRate: rate,
		Uptime:  time.Since(c.startTime).Round(time.Second).String(),
		TTL:     c.ttl.String(),
		Rekeyed: c.rekeyed.Load(),
		Revoked: c.revoked.Load(),
	}
}
