// Package session validates bearer tokens against the session cache and the
// identity provider.
package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// DefaultProviderTimeout bounds each identity provider call made while validating
const DefaultProviderTimeout = 5 * time.Second

// State is where a validation ended
type State int

const (
	StateRejected State = iota
	StateBlacklisted
	StateCacheHit
	StateCacheMiss
	StateRefreshedRotated
	StateRefreshedSameToken
)

func (s State) String() string {
	switch s {
	case StateBlacklisted:
		return "blacklisted"
	case StateCacheHit:
		return "cache_hit"
	case StateCacheMiss:
		return "cache_miss"
	case StateRefreshedRotated:
		return "refreshed_rotated"
	case StateRefreshedSameToken:
		return "refreshed_same_token"
	default:
		return "rejected"
	}
}

// Result describes a validation. Token is the token the client must hold
// from now on; it differs from the presented one when Rotated is set.
type Result struct {
	State   State
	Session *types.SessionInfo
	Token   string
	Rotated bool
	// TTL is set when the session entry was (re)written
	TTL time.Duration
}

// RotationHook moves per-token state when the provider rotates a token
type RotationHook func(ctx context.Context, userID, oldToken, newToken string) error

// Validator runs the session validation state machine
type Validator struct {
	sessions *cache.SessionStore
	provider interfaces.IdentityProvider
	policy   TTLPolicy
	timeout  time.Duration
	now      func() time.Time
	lastSeen *LastSeenTracker
	hooks    []RotationHook
	auditor  interfaces.AuditLogger
	logger   zerolog.Logger
}

// Option configures a Validator
type Option func(*Validator)

// WithTTLPolicy replaces the default session lifetimes
func WithTTLPolicy(p TTLPolicy) Option {
	return func(v *Validator) { v.policy = p.withDefaults() }
}

// WithProviderTimeout bounds identity provider calls
func WithProviderTimeout(d time.Duration) Option {
	return func(v *Validator) {
		if d > 0 {
			v.timeout = d
		}
	}
}

// WithClock replaces the time source
func WithClock(now func() time.Time) Option {
	return func(v *Validator) { v.now = now }
}

// WithLastSeenTracker enables the background activity update on cache hits
func WithLastSeenTracker(t *LastSeenTracker) Option {
	return func(v *Validator) { v.lastSeen = t }
}

// WithRotationHook registers a hook run after a token rotation
func WithRotationHook(h RotationHook) Option {
	return func(v *Validator) { v.hooks = append(v.hooks, h) }
}

// WithAuditLogger records rotations and rejections
func WithAuditLogger(l interfaces.AuditLogger) Option {
	return func(v *Validator) { v.auditor = l }
}

// NewValidator creates a validator over the session store and provider
func NewValidator(sessions *cache.SessionStore, provider interfaces.IdentityProvider, opts ...Option) *Validator {
	v := &Validator{
		sessions: sessions,
		provider: provider,
		policy:   DefaultTTLPolicy(),
		timeout:  DefaultProviderTimeout,
		now:      time.Now,
		logger:   log.With().Str("component", "session_validator").Logger(),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Policy returns the TTL policy in effect
func (v *Validator) Policy() TTLPolicy {
	return v.policy
}

// BlacklistTTL returns how long token must stay blacklisted from now
func (v *Validator) BlacklistTTL(token string) time.Duration {
	return BlacklistTTL(token, v.now())
}

// Validate authenticates token. The returned Result is never nil; on error
// its State tells where validation stopped.
//
// Provider rejections yield types.ErrAuthenticationFailure; an unreachable
// or slow provider yields types.ErrUpstreamUnavailable.
func (v *Validator) Validate(ctx context.Context, token string) (*Result, error) {
	if token == "" {
		return &Result{State: StateRejected}, fmt.Errorf("%w: missing token", types.ErrAuthenticationFailure)
	}

	blacklisted, err := v.sessions.IsBlacklisted(ctx, token)
	if err != nil {
		v.logger.Warn().Err(err).Str("token", audit.TokenPrefix(token)).Msg("Blacklist check failed, continuing")
	}
	if blacklisted {
		return &Result{State: StateBlacklisted}, fmt.Errorf("%w: token has been revoked", types.ErrAuthenticationFailure)
	}

	info, err := v.sessions.Get(ctx, token)
	switch {
	case err == nil:
		return v.cacheHit(ctx, token, info)
	case errors.Is(err, types.ErrNotFound):
	case errors.Is(err, cache.ErrMalformedSession):
		v.logger.Warn().Str("token", audit.TokenPrefix(token)).Msg("Discarding unparseable session entry")
	default:
		v.logger.Warn().Err(err).Str("token", audit.TokenPrefix(token)).Msg("Session cache read failed, asking identity provider")
	}

	return v.refresh(ctx, token)
}

func (v *Validator) cacheHit(ctx context.Context, token string, info *types.SessionInfo) (*Result, error) {
	revokedAt, ok, err := v.sessions.RevokedBefore(ctx, info.ID)
	if err != nil {
		v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Revocation marker check failed, continuing")
	}
	if ok && info.IssuedAt.Before(revokedAt) {
		if delErr := v.sessions.Delete(ctx, token, info.ID); delErr != nil {
			v.logger.Warn().Err(delErr).Str("userId", info.ID).Msg("Failed to delete revoked session")
		}
		return &Result{State: StateRejected}, fmt.Errorf("%w: session was revoked", types.ErrAuthenticationFailure)
	}

	v.lastSeen.Touch(token, info.ID)
	return &Result{State: StateCacheHit, Session: info, Token: token}, nil
}

func (v *Validator) refresh(ctx context.Context, token string) (*Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	auth, err := v.provider.AuthRefresh(callCtx, token)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancel()

	if err != nil {
		switch {
		case errors.Is(err, types.ErrUpstreamUnavailable):
			return &Result{State: StateCacheMiss}, err
		case timedOut || errors.Is(err, context.DeadlineExceeded):
			return &Result{State: StateCacheMiss}, fmt.Errorf("%w: token refresh timed out: %v", types.ErrUpstreamUnavailable, err)
		case errors.Is(err, types.ErrAuthenticationFailure):
			return &Result{State: StateRejected}, err
		default:
			return &Result{State: StateCacheMiss}, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
		}
	}

	persistent, err := v.sessions.IsPersistent(ctx, token)
	if err != nil {
		v.logger.Warn().Err(err).Str("token", audit.TokenPrefix(token)).Msg("Persistent marker check failed")
	}

	// The tier is bound to the login, not the account's current default
	tier, err := v.sessions.Tier(ctx, token)
	if err != nil {
		v.logger.Warn().Err(err).Str("token", audit.TokenPrefix(token)).Msg("Session tier unknown, re-authentication required")
		return &Result{State: StateRejected}, fmt.Errorf("%w: session tier is unknown", types.ErrReauthenticationRequired)
	}
	info := types.SessionFromUser(auth.User, v.now(), persistent, tier)
	ttl := v.policy.For(info.Role, persistent)

	if auth.Token == token {
		if err := v.sessions.Put(ctx, token, info, ttl); err != nil {
			v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to restore session entry")
		}
		return &Result{State: StateRefreshedSameToken, Session: info, Token: token, TTL: ttl}, nil
	}

	v.rotate(ctx, token, auth.Token, info, ttl, persistent)
	return &Result{State: StateRefreshedRotated, Session: info, Token: auth.Token, Rotated: true, TTL: ttl}, nil
}

// rotate moves the session from oldToken to newToken. Concurrent rotations of
// the same token write the same data; the last write wins.
func (v *Validator) rotate(ctx context.Context, oldToken, newToken string, info *types.SessionInfo, ttl time.Duration, persistent bool) {
	if err := v.sessions.Put(ctx, newToken, info, ttl); err != nil {
		v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to store rotated session")
	}
	if err := v.sessions.SetTier(ctx, newToken, info.SecurityTier, types.MaxBlacklistTTL); err != nil {
		v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to move tier marker")
	}
	if persistent {
		if err := v.sessions.MarkPersistent(ctx, newToken, v.policy.Extended); err != nil {
			v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to move persistent marker")
		}
	}
	// Drops the old snapshot together with its markers
	if err := v.sessions.Delete(ctx, oldToken, info.ID); err != nil {
		v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to delete pre-rotation session")
	}
	for _, hook := range v.hooks {
		if err := hook(ctx, info.ID, oldToken, newToken); err != nil {
			v.logger.Warn().Err(err).Str("userId", info.ID).Msg("Rotation hook failed")
		}
	}

	v.logger.Debug().
		Str("userId", info.ID).
		Str("oldToken", audit.TokenPrefix(oldToken)).
		Str("newToken", audit.TokenPrefix(newToken)).
		Dur("ttl", ttl).
		Msg("Token rotated")
	audit.Record(ctx, v.auditor, audit.EventTypeSessionRotate, audit.OperationRotate, info.ID, nil, map[string]string{
		"old_token": audit.TokenPrefix(oldToken),
		"new_token": audit.TokenPrefix(newToken),
	})
}
