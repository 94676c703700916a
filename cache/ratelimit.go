package cache

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// RateLimitPolicy is a fixed-window counter: Limit attempts per Window
type RateLimitPolicy struct {
	Name   string
	Prefix string
	Limit  int64
	Window time.Duration
}

// Rate limit policies
var (
	LoginByIP = RateLimitPolicy{
		Name:   "login_ip",
		Prefix: "rate_limit:login:",
		Limit:  5,
		Window: time.Minute,
	}
	LoginByIdentity = RateLimitPolicy{
		Name:   "login_identity",
		Prefix: "rate_limit:login:identity:",
		Limit:  5,
		Window: time.Minute,
	}
	// MagicWordByIP counts failed magic word guesses only
	MagicWordByIP = RateLimitPolicy{
		Name:   "magic_word",
		Prefix: "rate_limit:magic_word:",
		Limit:  10,
		Window: time.Hour,
	}
)

// RateLimiter counts attempts in the cache. Backend failures fail open.
type RateLimiter struct {
	cache  interfaces.Cache
	logger zerolog.Logger
}

// NewRateLimiter creates a rate limiter over c
func NewRateLimiter(c interfaces.Cache) *RateLimiter {
	return &RateLimiter{
		cache:  c,
		logger: log.With().Str("component", "rate_limiter").Logger(),
	}
}

// Check returns a *types.RateLimitError when subject exhausted the policy
func (r *RateLimiter) Check(ctx context.Context, p RateLimitPolicy, subject string) error {
	if subject == "" {
		return nil
	}
	key := p.Prefix + subject
	raw, err := r.cache.Get(ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	if err != nil {
		r.logger.Warn().Err(err).Str("policy", p.Name).Msg("Rate limit check failed, allowing request")
		return nil
	}
	count, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil || count < p.Limit {
		return nil
	}

	retryAfter, err := r.cache.TTL(ctx, key)
	if err != nil || retryAfter <= 0 {
		retryAfter = p.Window
	}
	return &types.RateLimitError{Scope: p.Name, RetryAfter: retryAfter}
}

// Hit records one attempt and starts the window on the first one. The two
// steps are not atomic; a crash in between leaves a counter without expiry
// that the next Hit repairs.
func (r *RateLimiter) Hit(ctx context.Context, p RateLimitPolicy, subject string) (int64, error) {
	if subject == "" {
		return 0, nil
	}
	key := p.Prefix + subject
	count, err := r.cache.Increment(ctx, key)
	if err != nil {
		r.logger.Warn().Err(err).Str("policy", p.Name).Msg("Failed to record rate limit hit")
		return 0, err
	}
	ttl, ttlErr := r.cache.TTL(ctx, key)
	if count == 1 || (ttlErr == nil && ttl == 0) {
		if err := r.cache.Expire(ctx, key, p.Window); err != nil {
			r.logger.Warn().Err(err).Str("policy", p.Name).Msg("Failed to set rate limit window")
		}
	}
	return count, nil
}

// Reset clears the counter after a successful attempt
func (r *RateLimiter) Reset(ctx context.Context, p RateLimitPolicy, subject string) error {
	if subject == "" {
		return nil
	}
	return r.cache.Delete(ctx, p.Prefix+subject)
}
