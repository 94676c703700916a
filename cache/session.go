package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Key layout
const (
	sessionKeyPrefix       = "session:"
	blacklistKeyPrefix     = "blacklist:"
	userSessionsKeyPrefix  = "user_sessions:"
	persistentKeyPrefix    = "persist:"
	revokedBeforeKeyPrefix = "sessions_revoked_before:"
	lastSeenKeyPrefix      = "lastseen:"
	tierKeyPrefix          = "tier:"
)

// ErrMalformedSession marks a session entry that exists but cannot be parsed
var ErrMalformedSession = errors.New("malformed session entry")

// indexTTL bounds the per-user index; it is refreshed on every session write
const indexTTL = types.MaxBlacklistTTL

// SessionStore keeps session snapshots, the token blacklist and the per-user
// session index in an interfaces.Cache.
type SessionStore struct {
	cache  interfaces.Cache
	now    func() time.Time
	logger zerolog.Logger
}

// NewSessionStore creates a session store over c
func NewSessionStore(c interfaces.Cache) *SessionStore {
	return &SessionStore{
		cache:  c,
		now:    time.Now,
		logger: log.With().Str("component", "session_store").Logger(),
	}
}

// WithClock replaces the time source used for revocation markers
func (s *SessionStore) WithClock(now func() time.Time) *SessionStore {
	s.now = now
	return s
}

// Cache exposes the underlying cache for collaborators sharing the keyspace
func (s *SessionStore) Cache() interfaces.Cache {
	return s.cache
}

// Put writes the snapshot for token with ttl and records token in the
// user's index.
func (s *SessionStore) Put(ctx context.Context, token string, info *types.SessionInfo, ttl time.Duration) error {
	if token == "" || info == nil || info.ID == "" {
		return fmt.Errorf("%w: token and user id are required", types.ErrInvalidRequest)
	}
	raw, err := json.Marshal(info)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := s.cache.Set(ctx, sessionKeyPrefix+token, raw, ttl); err != nil {
		return fmt.Errorf("failed to store session: %w", err)
	}

	indexKey := userSessionsKeyPrefix + info.ID
	if err := s.cache.SetAdd(ctx, indexKey, token); err != nil {
		return fmt.Errorf("failed to index session: %w", err)
	}
	if err := s.cache.Expire(ctx, indexKey, indexTTL); err != nil {
		s.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to refresh session index lifetime")
	}
	return nil
}

// Get returns the snapshot for token. Missing entries yield types.ErrNotFound,
// unparseable ones ErrMalformedSession.
func (s *SessionStore) Get(ctx context.Context, token string) (*types.SessionInfo, error) {
	raw, err := s.cache.Get(ctx, sessionKeyPrefix+token)
	if err != nil {
		return nil, err
	}
	var info types.SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil || info.ID == "" {
		return nil, ErrMalformedSession
	}
	return &info, nil
}

// Delete removes the snapshot for token and its index membership
func (s *SessionStore) Delete(ctx context.Context, token, userID string) error {
	if err := s.cache.Delete(ctx, sessionKeyPrefix+token, persistentKeyPrefix+token, tierKeyPrefix+token); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	if userID != "" {
		if err := s.cache.SetRemove(ctx, userSessionsKeyPrefix+userID, token); err != nil {
			return fmt.Errorf("failed to unindex session: %w", err)
		}
	}
	return nil
}

// Blacklist marks token as revoked for ttl, capped at types.MaxBlacklistTTL
func (s *SessionStore) Blacklist(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 || ttl > types.MaxBlacklistTTL {
		ttl = types.MaxBlacklistTTL
	}
	if err := s.cache.Set(ctx, blacklistKeyPrefix+token, []byte("1"), ttl); err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsBlacklisted reports whether token has been revoked
func (s *SessionStore) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	return s.cache.Exists(ctx, blacklistKeyPrefix+token)
}

// Unblacklist clears a blacklist entry. Login calls it because the identity
// provider may legitimately hand out a token string seen before.
func (s *SessionStore) Unblacklist(ctx context.Context, token string) error {
	return s.cache.Delete(ctx, blacklistKeyPrefix+token)
}

// MarkPersistent records that token belongs to a keep-logged-in session
func (s *SessionStore) MarkPersistent(ctx context.Context, token string, ttl time.Duration) error {
	return s.cache.Set(ctx, persistentKeyPrefix+token, []byte("1"), ttl)
}

// IsPersistent reports whether token was created with keep-logged-in
func (s *SessionStore) IsPersistent(ctx context.Context, token string) (bool, error) {
	return s.cache.Exists(ctx, persistentKeyPrefix+token)
}

// SetTier records the security tier token was issued under. The marker
// outlives the snapshot so a refresh after cache expiry restores the tier
// the user logged in with.
func (s *SessionStore) SetTier(ctx context.Context, token string, tier types.SecurityTier, ttl time.Duration) error {
	if !tier.Valid() {
		return fmt.Errorf("%w: unknown security tier %q", types.ErrInvalidRequest, tier)
	}
	if err := s.cache.Set(ctx, tierKeyPrefix+token, []byte(tier), ttl); err != nil {
		return fmt.Errorf("failed to store tier marker: %w", err)
	}
	return nil
}

// Tier returns the tier token was issued under. A missing or unreadable
// marker yields types.ErrNotFound.
func (s *SessionStore) Tier(ctx context.Context, token string) (types.SecurityTier, error) {
	raw, err := s.cache.Get(ctx, tierKeyPrefix+token)
	if err != nil {
		return "", err
	}
	tier := types.SecurityTier(raw)
	if !tier.Valid() {
		return "", fmt.Errorf("%w: unreadable tier marker", types.ErrNotFound)
	}
	return tier, nil
}

// Tokens returns the tokens indexed for a user. The index is a superset of
// the live sessions; entries whose snapshot expired are still listed.
func (s *SessionStore) Tokens(ctx context.Context, userID string) ([]string, error) {
	return s.cache.SetMembers(ctx, userSessionsKeyPrefix+userID)
}

// InvalidateUser revokes every indexed session of a user: it deletes the
// snapshots, blacklists each token for blacklistTTL(token), drops the index
// and writes a revocation marker so snapshots cached concurrently with the
// sweep are rejected on read. It returns the revoked tokens.
func (s *SessionStore) InvalidateUser(ctx context.Context, userID string, blacklistTTL func(token string) time.Duration) ([]string, error) {
	if err := s.cache.Set(ctx, revokedBeforeKeyPrefix+userID, []byte(s.now().UTC().Format(time.RFC3339Nano)), types.MaxBlacklistTTL); err != nil {
		return nil, fmt.Errorf("failed to write revocation marker: %w", err)
	}

	tokens, err := s.Tokens(ctx, userID)
	if err != nil {
		s.logger.Warn().Err(err).Str("userId", userID).Msg("Session index unreadable, scanning session entries")
		tokens, err = s.scanTokens(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("failed to find sessions: %w", err)
		}
	}

	var firstErr error
	for _, token := range tokens {
		ttl := types.MaxBlacklistTTL
		if blacklistTTL != nil {
			ttl = blacklistTTL(token)
		}
		if err := s.Blacklist(ctx, token, ttl); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := s.cache.Delete(ctx, sessionKeyPrefix+token, persistentKeyPrefix+token, tierKeyPrefix+token); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if err := s.cache.Delete(ctx, userSessionsKeyPrefix+userID); err != nil && firstErr == nil {
		firstErr = err
	}

	s.logger.Info().
		Str("userId", userID).
		Int("sessions", len(tokens)).
		Msg("Invalidated all sessions of user")
	return tokens, firstErr
}

// scanTokens finds the user's tokens by reading every session snapshot
func (s *SessionStore) scanTokens(ctx context.Context, userID string) ([]string, error) {
	keys, err := s.cache.Keys(ctx, sessionKeyPrefix+"*")
	if err != nil {
		return nil, err
	}
	var tokens []string
	for _, key := range keys {
		token := strings.TrimPrefix(key, sessionKeyPrefix)
		info, err := s.Get(ctx, token)
		if err != nil || info.ID != userID {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens, nil
}

// RevokedBefore returns the user's revocation marker, if any
func (s *SessionStore) RevokedBefore(ctx context.Context, userID string) (time.Time, bool, error) {
	raw, err := s.cache.Get(ctx, revokedBeforeKeyPrefix+userID)
	if errors.Is(err, types.ErrNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	t, err := time.Parse(time.RFC3339Nano, string(raw))
	if err != nil {
		return time.Time{}, false, fmt.Errorf("malformed revocation marker: %w", err)
	}
	return t, true, nil
}

// ClaimLastSeen returns true at most once per interval per user
func (s *SessionStore) ClaimLastSeen(ctx context.Context, userID string, interval time.Duration) (bool, error) {
	return s.cache.SetNX(ctx, lastSeenKeyPrefix+userID, []byte(s.now().UTC().Format(time.RFC3339)), interval)
}

// ReleaseLastSeen drops the claim so the next request retries the update
func (s *SessionStore) ReleaseLastSeen(ctx context.Context, userID string) error {
	return s.cache.Delete(ctx, lastSeenKeyPrefix+userID)
}
