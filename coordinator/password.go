package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/dek"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/session"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

const (
	// DefaultLockTTL bounds the cross-instance password change lock
	DefaultLockTTL = 2 * time.Minute

	lockKeyPrefix = "pwchange_lock:"
)

// Coordinator runs password changes
type Coordinator struct {
	registry  *Registry
	provider  interfaces.IdentityProvider
	manager   *dek.Manager
	sessions  *cache.SessionStore
	validator *session.Validator
	auditor   interfaces.AuditLogger
	timeout   time.Duration
	lockTTL   time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Coordinator
type Option func(*Coordinator)

// WithProviderTimeout bounds each identity provider call
func WithProviderTimeout(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// WithLockTTL sets how long the cross-instance lock survives a crashed change
func WithLockTTL(d time.Duration) Option {
	return func(c *Coordinator) {
		if d > 0 {
			c.lockTTL = d
		}
	}
}

// WithClock replaces the time source used for the new session
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithAuditLogger records password change events
func WithAuditLogger(l interfaces.AuditLogger) Option {
	return func(c *Coordinator) { c.auditor = l }
}

// WithRegistry shares a process registry, e.g. to shut it down with the host
func WithRegistry(r *Registry) Option {
	return func(c *Coordinator) { c.registry = r }
}

// New creates a coordinator
func New(provider interfaces.IdentityProvider, manager *dek.Manager, sessions *cache.SessionStore, validator *session.Validator, opts ...Option) *Coordinator {
	c := &Coordinator{
		registry:  NewRegistry(),
		provider:  provider,
		manager:   manager,
		sessions:  sessions,
		validator: validator,
		timeout:   session.DefaultProviderTimeout,
		lockTTL:   DefaultLockTTL,
		now:       time.Now,
		logger:    log.With().Str("component", "password_change").Logger(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Registry returns the process registry
func (c *Coordinator) Registry() *Registry {
	return c.registry
}

// ChangePassword changes the password of the session's user. On success
// every earlier session of the user, including token, is revoked and the
// result carries the only valid token and credential.
//
// A wrong current password yields types.ErrCurrentPasswordIncorrect and
// leaves all sessions untouched, as does any failure before re-authentication
// with the new password has succeeded.
func (c *Coordinator) ChangePassword(ctx context.Context, sess *types.SessionInfo, token string, req types.PasswordChangeRequest) (*types.PasswordChangeResult, error) {
	if sess == nil || sess.ID == "" || token == "" {
		return nil, fmt.Errorf("%w: no session", types.ErrAuthenticationFailure)
	}
	if err := validateRequest(req); err != nil {
		return nil, err
	}
	if !sess.SecurityTier.Valid() {
		return nil, fmt.Errorf("%w: session tier is unknown", types.ErrReauthenticationRequired)
	}

	process, err := c.registry.Start(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer c.registry.Stop(process.ID)

	unlock, err := c.lock(ctx, sess.ID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	result, err := c.change(process, sess, token, req)
	if err != nil {
		step := ""
		if p := c.registry.Status(sess.ID); p != nil {
			step = p.Step
		}
		c.registry.Update(process.ID, StatusFailed, step, err)
		audit.Record(ctx, c.auditor, audit.EventTypePasswordChange, audit.OperationUpdate, sess.ID, err, nil)
		return nil, err
	}
	c.registry.Update(process.ID, StatusCompleted, StepDone, nil)
	audit.Record(ctx, c.auditor, audit.EventTypePasswordChange, audit.OperationUpdate, sess.ID, nil, map[string]string{
		"invalidated_sessions": fmt.Sprint(result.InvalidatedSessions),
	})
	return result, nil
}

func (c *Coordinator) change(process *Process, sess *types.SessionInfo, token string, req types.PasswordChangeRequest) (*types.PasswordChangeResult, error) {
	ctx := process.Context()
	logger := c.logger.With().Str("userId", sess.ID).Logger()

	c.step(process, StepVerify)
	user, err := c.getUser(ctx, token, sess.ID)
	if err != nil {
		return nil, err
	}
	salt := user.String(types.FieldSalt)
	wrapped := user.String(types.FieldUserWrappedDEK)

	key, err := c.manager.GetUserDEK(req.CurrentPassword, salt, wrapped)
	if err != nil {
		if envelope.IsAuthenticationFailure(err) {
			logger.Info().Msg("Password change rejected: current password incorrect")
			return nil, types.ErrCurrentPasswordIncorrect
		}
		return nil, fmt.Errorf("failed to unwrap DEK: %w", err)
	}

	changed, err := c.manager.ChangePassword(req.CurrentPassword, req.NewPassword, salt, wrapped)
	if err != nil {
		return nil, fmt.Errorf("failed to re-wrap DEK: %w", err)
	}

	c.step(process, StepPersist)
	if err := c.persist(ctx, token, sess.ID, req, changed); err != nil {
		return nil, err
	}

	c.step(process, StepReauth)
	username := sess.Username
	if username == "" {
		username = user.String(types.FieldUsername)
	}
	auth, err := c.reauthenticate(ctx, username, req.NewPassword)
	if err != nil {
		logger.Error().Err(err).Msg("Password updated but re-authentication failed; sessions left intact")
		return nil, fmt.Errorf("re-authentication with new password failed: %w", err)
	}

	c.step(process, StepInvalidate)
	revoked := c.invalidate(ctx, sess.ID, token)

	c.step(process, StepReissue)
	result, err := c.issue(ctx, sess, auth, key)
	if err != nil {
		return nil, err
	}
	result.InvalidatedSessions = revoked

	logger.Info().
		Int("invalidatedSessions", revoked).
		Str("token", audit.TokenPrefix(result.Token)).
		Msg("Password changed")
	return result, nil
}

func (c *Coordinator) step(process *Process, step string) {
	c.registry.Update(process.ID, StatusRunning, step, nil)
}

func validateRequest(req types.PasswordChangeRequest) error {
	switch {
	case req.CurrentPassword == "" || req.NewPassword == "":
		return fmt.Errorf("%w: current and new password are required", types.ErrInvalidRequest)
	case req.ConfirmPassword != "" && req.ConfirmPassword != req.NewPassword:
		return fmt.Errorf("%w: password confirmation does not match", types.ErrInvalidRequest)
	case req.CurrentPassword == req.NewPassword:
		return fmt.Errorf("%w: new password must differ from the current one", types.ErrInvalidRequest)
	}
	return nil
}

// lock takes the cross-instance lock. Cache failures fail open; the
// per-instance registry still serialises changes.
func (c *Coordinator) lock(ctx context.Context, userID string) (func(), error) {
	key := lockKeyPrefix + userID
	acquired, err := c.sessions.Cache().SetNX(ctx, key, []byte("1"), c.lockTTL)
	if err != nil {
		c.logger.Warn().Err(err).Str("userId", userID).Msg("Password change lock unavailable, continuing")
		return func() {}, nil
	}
	if !acquired {
		return nil, fmt.Errorf("%w: user %s", types.ErrPasswordChangeInProgress, userID)
	}
	return func() {
		if err := c.sessions.Cache().Delete(context.Background(), key); err != nil {
			c.logger.Warn().Err(err).Str("userId", userID).Msg("Failed to release password change lock")
		}
	}, nil
}

func (c *Coordinator) getUser(ctx context.Context, token, userID string) (types.Record, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	user, err := c.provider.GetUser(callCtx, token, userID)
	if err != nil {
		return nil, upstream(callCtx, fmt.Errorf("failed to load user: %w", err))
	}
	return user, nil
}

func (c *Coordinator) persist(ctx context.Context, token, userID string, req types.PasswordChangeRequest, changed *types.PasswordChangeData) error {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	_, err := c.provider.UpdateUser(callCtx, token, userID, types.Record{
		types.FieldPassword:        req.NewPassword,
		types.FieldPasswordConfirm: req.NewPassword,
		types.FieldOldPassword:     req.CurrentPassword,
		types.FieldSalt:            changed.Salt,
		types.FieldUserWrappedDEK:  changed.UserWrappedDEK,
	})
	if err != nil {
		return upstream(callCtx, fmt.Errorf("failed to store new password: %w", err))
	}
	return nil
}

func (c *Coordinator) reauthenticate(ctx context.Context, username, password string) (*types.AuthResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	auth, err := c.provider.AuthWithPassword(callCtx, username, password)
	if err != nil {
		return nil, upstream(callCtx, err)
	}
	return auth, nil
}

// invalidate revokes every indexed session of the user plus token and drops
// their split-DEK parts. Failures are logged; the provider has already
// revoked the user's tokens on its side.
func (c *Coordinator) invalidate(ctx context.Context, userID, token string) int {
	tokens, err := c.sessions.InvalidateUser(ctx, userID, c.validator.BlacklistTTL)
	if err != nil {
		c.logger.Error().Err(err).Str("userId", userID).Msg("Session invalidation incomplete")
	}

	revoked := make(map[string]struct{}, len(tokens)+1)
	for _, t := range tokens {
		revoked[t] = struct{}{}
	}
	if _, ok := revoked[token]; !ok {
		if err := c.sessions.Blacklist(ctx, token, c.validator.BlacklistTTL(token)); err != nil {
			c.logger.Error().Err(err).Str("userId", userID).Msg("Failed to blacklist initiating token")
		}
		if err := c.sessions.Delete(ctx, token, userID); err != nil {
			c.logger.Warn().Err(err).Str("userId", userID).Msg("Failed to delete initiating session")
		}
		revoked[token] = struct{}{}
	}

	all := make([]string, 0, len(revoked))
	for t := range revoked {
		all = append(all, t)
	}
	if err := c.manager.RevokeAll(ctx, userID, all...); err != nil {
		c.logger.Warn().Err(err).Str("userId", userID).Msg("Failed to drop split DEK parts")
	}

	audit.Record(ctx, c.auditor, audit.EventTypeSessionInvalidate, audit.OperationInvalidate, userID, err, map[string]string{
		"reason":   "password_change",
		"sessions": fmt.Sprint(len(all)),
	})
	return len(all)
}

func (c *Coordinator) issue(ctx context.Context, sess *types.SessionInfo, auth *types.AuthResult, key []byte) (*types.PasswordChangeResult, error) {
	tier := sess.SecurityTier
	strategy, err := c.manager.Strategy(tier)
	if err != nil {
		return nil, err
	}

	extended := sess.KeepLoggedIn && strategy.AllowsExtendedSession()
	info := types.SessionFromUser(auth.User, c.now(), extended, tier)
	ttl := c.validator.Policy().For(info.Role, extended)

	if err := c.sessions.Unblacklist(ctx, auth.Token); err != nil {
		c.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to clear blacklist entry for new token")
	}
	if err := c.sessions.Put(ctx, auth.Token, info, ttl); err != nil {
		return nil, fmt.Errorf("failed to store new session: %w", err)
	}
	if err := c.sessions.SetTier(ctx, auth.Token, tier, types.MaxBlacklistTTL); err != nil {
		return nil, err
	}
	if extended {
		if err := c.sessions.MarkPersistent(ctx, auth.Token, c.validator.Policy().Extended); err != nil {
			c.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to mark session persistent")
		}
	}

	credential, err := strategy.Issue(ctx, info.ID, auth.Token, key)
	if err != nil {
		return nil, fmt.Errorf("failed to issue credential: %w", err)
	}

	return &types.PasswordChangeResult{
		Token:      auth.Token,
		Credential: credential,
		MaxAge:     ttl,
		Session:    info,
	}, nil
}

// upstream reports a timed-out call as types.ErrUpstreamUnavailable
func upstream(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, types.ErrUpstreamUnavailable) {
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return err
}
