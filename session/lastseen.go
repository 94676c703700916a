package session

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
)

// DefaultLastSeenInterval throttles activity writes per user
const DefaultLastSeenInterval = time.Hour

// LastSeenTracker writes the user's activity timestamp in the background, at
// most once per interval per user. Failures are logged and never reach the
// request that triggered them.
type LastSeenTracker struct {
	sessions *cache.SessionStore
	provider interfaces.IdentityProvider
	interval time.Duration
	timeout  time.Duration
	now      func() time.Time
	wg       sync.WaitGroup
	logger   zerolog.Logger
}

// NewLastSeenTracker creates a tracker. interval and timeout fall back to
// DefaultLastSeenInterval and DefaultProviderTimeout.
func NewLastSeenTracker(sessions *cache.SessionStore, provider interfaces.IdentityProvider, interval, timeout time.Duration) *LastSeenTracker {
	if interval <= 0 {
		interval = DefaultLastSeenInterval
	}
	if timeout <= 0 {
		timeout = DefaultProviderTimeout
	}
	return &LastSeenTracker{
		sessions: sessions,
		provider: provider,
		interval: interval,
		timeout:  timeout,
		now:      time.Now,
		logger:   log.With().Str("component", "last_seen").Logger(),
	}
}

// Touch schedules an activity update and returns immediately
func (t *LastSeenTracker) Touch(token, userID string) {
	if t == nil || token == "" || userID == "" {
		return
	}
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), t.timeout)
		defer cancel()
		t.touch(ctx, token, userID)
	}()
}

func (t *LastSeenTracker) touch(ctx context.Context, token, userID string) {
	claimed, err := t.sessions.ClaimLastSeen(ctx, userID, t.interval)
	if err != nil {
		t.logger.Debug().Err(err).Str("userId", userID).Msg("Last-seen throttle unavailable")
		return
	}
	if !claimed {
		return
	}
	if err := t.provider.TouchLastSeen(ctx, token, userID, t.now()); err != nil {
		t.logger.Warn().Err(err).Str("userId", userID).Msg("Failed to update last seen")
		if relErr := t.sessions.ReleaseLastSeen(context.Background(), userID); relErr != nil {
			t.logger.Debug().Err(relErr).Str("userId", userID).Msg("Failed to release last-seen claim")
		}
	}
}

// Wait blocks until every scheduled update has finished
func (t *LastSeenTracker) Wait() {
	if t == nil {
		return
	}
	t.wg.Wait()
}
