// Package auth implements login, logout, registration and the per-request
// DEK lookup on top of the identity provider and the key manager.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/dek"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/session"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

const (
	// DefaultRegistrationLockTTL keeps a second registration for the same
	// identity out while the first one runs.
	DefaultRegistrationLockTTL = 5 * time.Minute

	registrationLockPrefix = "reg_identity:"

	// FieldName is the encrypted profile field written at registration
	FieldName = "name"
)

// Service runs the user-facing authentication flows
type Service struct {
	provider  interfaces.IdentityProvider
	records   interfaces.RecordStore
	manager   *dek.Manager
	sessions  *cache.SessionStore
	limiter   *cache.RateLimiter
	validator *session.Validator
	auditor   interfaces.AuditLogger
	timeout   time.Duration
	regLock   time.Duration
	regToken  time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

// Option configures a Service
type Option func(*Service)

// WithProviderTimeout bounds each identity provider call
func WithProviderTimeout(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithRegistrationLockTTL sets the per-identity registration lock lifetime
func WithRegistrationLockTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.regLock = d
		}
	}
}

// WithClock replaces the time source for new sessions
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithAuditLogger records login, logout and registration events
func WithAuditLogger(l interfaces.AuditLogger) Option {
	return func(s *Service) { s.auditor = l }
}

// NewService wires the authentication flows. records is only used by the
// registration flow.
func NewService(provider interfaces.IdentityProvider, records interfaces.RecordStore, manager *dek.Manager, sessions *cache.SessionStore, limiter *cache.RateLimiter, validator *session.Validator, opts ...Option) *Service {
	s := &Service{
		provider:  provider,
		records:   records,
		manager:   manager,
		sessions:  sessions,
		limiter:   limiter,
		validator: validator,
		timeout:   session.DefaultProviderTimeout,
		regLock:   DefaultRegistrationLockTTL,
		regToken:  DefaultRegistrationTokenTTL,
		now:       time.Now,
		logger:    log.With().Str("component", "auth_service").Logger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Login authenticates a password login and opens a session. Every attempt
// counts against the per-IP and per-identity budgets; success resets both.
func (s *Service) Login(ctx context.Context, req types.LoginRequest) (*types.LoginResult, error) {
	identity := strings.TrimSpace(req.Identity)
	if identity == "" || req.Password == "" {
		return nil, fmt.Errorf("%w: identity and password are required", types.ErrInvalidRequest)
	}
	ctx = audit.WithClientIP(ctx, req.ClientIP)

	if err := s.limiter.Check(ctx, cache.LoginByIP, req.ClientIP); err != nil {
		s.recordLogin(ctx, "", identity, err)
		return nil, err
	}
	if err := s.limiter.Check(ctx, cache.LoginByIdentity, identity); err != nil {
		s.recordLogin(ctx, "", identity, err)
		return nil, err
	}
	// Hit errors are logged by the limiter; the login proceeds
	_, _ = s.limiter.Hit(ctx, cache.LoginByIP, req.ClientIP)
	_, _ = s.limiter.Hit(ctx, cache.LoginByIdentity, identity)

	auth, err := s.authenticate(ctx, identity, req.Password)
	if err != nil {
		s.recordLogin(ctx, "", identity, err)
		return nil, err
	}
	userID := auth.User.ID()

	if types.Role(auth.User.String(types.FieldRole)) == types.RoleService {
		err := fmt.Errorf("%w: service accounts cannot log in", types.ErrForbidden)
		s.recordLogin(ctx, userID, identity, err)
		return nil, err
	}

	if err := s.limiter.Reset(ctx, cache.LoginByIP, req.ClientIP); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reset IP rate limit")
	}
	if err := s.limiter.Reset(ctx, cache.LoginByIdentity, identity); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reset identity rate limit")
	}

	tier, err := resolveTier(req.SecurityTier, auth.User)
	if err != nil {
		return nil, err
	}
	key, err := s.manager.GetUserDEK(req.Password, auth.User.String(types.FieldSalt), auth.User.String(types.FieldUserWrappedDEK))
	if err != nil {
		// The provider accepted the password, so the stored wrap is damaged
		err = fmt.Errorf("failed to unwrap DEK: %w", err)
		s.recordLogin(ctx, userID, identity, err)
		return nil, err
	}

	result, err := s.open(ctx, auth, key, tier, req.KeepLoggedIn)
	if err != nil {
		s.recordLogin(ctx, userID, identity, err)
		return nil, err
	}
	s.recordLogin(ctx, userID, identity, nil)
	return result, nil
}

// Logout ends the session of token: the entry and its split-DEK part are
// dropped and the token is blacklisted for its remaining lifetime.
func (s *Service) Logout(ctx context.Context, token string) error {
	if token == "" {
		return fmt.Errorf("%w: missing token", types.ErrAuthenticationFailure)
	}

	var userID string
	if info, err := s.sessions.Get(ctx, token); err == nil {
		userID = info.ID
	}

	var errs []error
	if err := s.sessions.Blacklist(ctx, token, s.validator.BlacklistTTL(token)); err != nil {
		errs = append(errs, err)
	}
	if err := s.sessions.Delete(ctx, token, userID); err != nil {
		errs = append(errs, err)
	}
	if userID != "" {
		if err := s.manager.RevokeAll(ctx, userID, token); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)

	audit.Record(ctx, s.auditor, audit.EventTypeLogout, audit.OperationInvalidate, userID, err, map[string]string{
		"token": audit.TokenPrefix(token),
	})
	if err != nil {
		return fmt.Errorf("logout incomplete: %w", err)
	}
	return nil
}

// Register redeems a registration token from VerifyMagicWord and creates an
// account in the token's institution. The DEK is wrapped under the password
// and the institution's admin key, then the new user is logged in. The token
// is spent even when a later step fails.
func (s *Service) Register(ctx context.Context, req types.RegistrationRequest) (*types.LoginResult, error) {
	identity := strings.TrimSpace(req.Identity)
	switch {
	case identity == "" || req.Password == "":
		return nil, fmt.Errorf("%w: identity and password are required", types.ErrInvalidRequest)
	case strings.Contains(identity, "@"):
		return nil, fmt.Errorf("%w: identity must be a username, not an email address", types.ErrInvalidRequest)
	case req.Password != req.PasswordConfirm:
		return nil, fmt.Errorf("%w: password confirmation does not match", types.ErrInvalidRequest)
	case strings.TrimSpace(req.Name) == "":
		return nil, fmt.Errorf("%w: name is required", types.ErrInvalidRequest)
	case req.RegistrationToken == "":
		return nil, fmt.Errorf("%w: registration token is required", types.ErrForbidden)
	}
	if s.records == nil {
		return nil, fmt.Errorf("%w: registration requires a record store", types.ErrConfiguration)
	}
	tier, err := types.ParseSecurityTier(string(req.SecurityTier))
	if err != nil {
		return nil, err
	}
	ctx = audit.WithClientIP(ctx, req.ClientIP)

	unlock, err := s.lockRegistration(ctx, identity)
	if err != nil {
		return nil, err
	}
	defer unlock()

	institutionID, err := s.consumeRegistrationToken(ctx, req.RegistrationToken)
	if err != nil {
		audit.Record(ctx, s.auditor, audit.EventTypeRegister, audit.OperationCreate, "", err, map[string]string{
			"identity": identity,
		})
		return nil, err
	}

	result, err := s.register(ctx, identity, institutionID, tier, req)
	var userID string
	if result != nil {
		userID = result.Session.ID
	}
	audit.Record(ctx, s.auditor, audit.EventTypeRegister, audit.OperationCreate, userID, err, map[string]string{
		"identity":    identity,
		"institution": institutionID,
	})
	return result, err
}

func (s *Service) register(ctx context.Context, identity, institutionID string, tier types.SecurityTier, req types.RegistrationRequest) (*types.LoginResult, error) {
	adminKey, err := s.institutionAdminKey(ctx, institutionID)
	if err != nil {
		return nil, err
	}

	data, err := s.manager.CreateUserEncryptionData(ctx, req.Password, adminKey)
	if err != nil {
		return nil, err
	}
	encrypted, err := s.manager.EncryptFields(ctx, map[string]any{FieldName: strings.TrimSpace(req.Name)}, data.DEK)
	if err != nil {
		return nil, err
	}

	createCtx, cancel := context.WithTimeout(ctx, s.timeout)
	_, err = s.provider.CreateUser(createCtx, types.Record{
		types.FieldUsername:        identity,
		types.FieldPassword:        req.Password,
		types.FieldPasswordConfirm: req.PasswordConfirm,
		types.FieldRole:            string(types.RoleUser),
		types.FieldInstitution:     institutionID,
		types.FieldSalt:            data.Salt,
		types.FieldUserWrappedDEK:  data.UserWrappedDEK,
		types.FieldAdminWrappedDEK: data.AdminWrappedDEK,
		types.FieldEncryptedFields: encrypted,
		types.FieldSecurityTier:    string(tier),
	})
	err = timeoutAsUpstream(createCtx, err)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	auth, err := s.authenticate(ctx, identity, req.Password)
	if err != nil {
		return nil, fmt.Errorf("user created but auto-login failed: %w", err)
	}
	return s.open(ctx, auth, data.DEK, tier, req.KeepLoggedIn)
}

// SessionDEK recovers the DEK of a validated session from the client credential
func (s *Service) SessionDEK(ctx context.Context, sess *types.SessionInfo, token, credential string) ([]byte, error) {
	if sess == nil {
		return nil, fmt.Errorf("%w: no session", types.ErrAuthenticationFailure)
	}
	if !sess.SecurityTier.Valid() {
		return nil, fmt.Errorf("%w: session tier is unknown", types.ErrReauthenticationRequired)
	}
	strategy, err := s.manager.Strategy(sess.SecurityTier)
	if err != nil {
		return nil, err
	}
	return strategy.Reconstruct(ctx, sess.ID, token, credential)
}

// DecryptUserFields returns the decrypted encrypted_fields of the session's user
func (s *Service) DecryptUserFields(ctx context.Context, sess *types.SessionInfo, token, credential string) (map[string]any, error) {
	key, err := s.SessionDEK(ctx, sess, token, credential)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	user, err := s.provider.GetUser(callCtx, token, sess.ID)
	err = timeoutAsUpstream(callCtx, err)
	cancel()
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}

	blob := user.String(types.FieldEncryptedFields)
	if blob == "" {
		return map[string]any{}, nil
	}
	return s.manager.DecryptFields(ctx, blob, key)
}

// open writes the session for a fresh token and issues the tier credential
func (s *Service) open(ctx context.Context, auth *types.AuthResult, key []byte, tier types.SecurityTier, keepLoggedIn bool) (*types.LoginResult, error) {
	strategy, err := s.manager.Strategy(tier)
	if err != nil {
		return nil, err
	}
	extended := keepLoggedIn && strategy.AllowsExtendedSession()
	info := types.SessionFromUser(auth.User, s.now(), extended, tier)
	policy := s.validator.Policy()
	ttl := policy.For(info.Role, extended)

	// The provider may hand out a token string that was logged out before
	if err := s.sessions.Unblacklist(ctx, auth.Token); err != nil {
		s.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to clear blacklist entry")
	}
	if err := s.sessions.Put(ctx, auth.Token, info, ttl); err != nil {
		return nil, err
	}
	if err := s.sessions.SetTier(ctx, auth.Token, tier, types.MaxBlacklistTTL); err != nil {
		if delErr := s.sessions.Delete(ctx, auth.Token, info.ID); delErr != nil {
			s.logger.Warn().Err(delErr).Str("userId", info.ID).Msg("Failed to roll back session")
		}
		return nil, err
	}
	if extended {
		if err := s.sessions.MarkPersistent(ctx, auth.Token, policy.Extended); err != nil {
			s.logger.Warn().Err(err).Str("userId", info.ID).Msg("Failed to mark session persistent")
		}
	}

	credential, err := strategy.Issue(ctx, info.ID, auth.Token, key)
	if err != nil {
		if delErr := s.sessions.Delete(ctx, auth.Token, info.ID); delErr != nil {
			s.logger.Warn().Err(delErr).Str("userId", info.ID).Msg("Failed to roll back session")
		}
		return nil, fmt.Errorf("failed to issue credential: %w", err)
	}

	s.logger.Debug().
		Str("userId", info.ID).
		Str("tier", string(tier)).
		Bool("extended", extended).
		Dur("ttl", ttl).
		Msg("Session opened")
	return &types.LoginResult{
		Token:      auth.Token,
		Credential: credential,
		MaxAge:     ttl,
		Session:    info,
	}, nil
}

func (s *Service) authenticate(ctx context.Context, identity, password string) (*types.AuthResult, error) {
	callCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	auth, err := s.provider.AuthWithPassword(callCtx, identity, password)
	if err != nil {
		return nil, timeoutAsUpstream(callCtx, err)
	}
	return auth, nil
}

func (s *Service) institutionAdminKey(ctx context.Context, institutionID string) ([]byte, error) {
	inst, err := s.records.Get(ctx, types.CollectionInstitutions, institutionID)
	if errors.Is(err, types.ErrRecordNotFound) {
		return nil, fmt.Errorf("%w: unknown institution %q", types.ErrInvalidRequest, institutionID)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load institution: %v", types.ErrUpstreamUnavailable, err)
	}
	key := inst.String(types.FieldAdminPublicKey)
	if key == "" {
		return nil, fmt.Errorf("%w: institution %s has no admin public key", types.ErrConfiguration, institutionID)
	}
	return []byte(key), nil
}

func (s *Service) lockRegistration(ctx context.Context, identity string) (func(), error) {
	key := registrationLockPrefix + identity
	acquired, err := s.sessions.Cache().SetNX(ctx, key, []byte("registering"), s.regLock)
	if err != nil {
		return nil, fmt.Errorf("failed to lock registration: %w", err)
	}
	if !acquired {
		retry, ttlErr := s.sessions.Cache().TTL(ctx, key)
		if ttlErr != nil || retry <= 0 {
			retry = s.regLock
		}
		return nil, &types.RateLimitError{Scope: "registration", RetryAfter: retry}
	}
	return func() {
		if err := s.sessions.Cache().Delete(context.Background(), key); err != nil {
			s.logger.Warn().Err(err).Msg("Failed to release registration lock")
		}
	}, nil
}

func (s *Service) recordLogin(ctx context.Context, userID, identity string, err error) {
	audit.Record(ctx, s.auditor, audit.EventTypeLogin, audit.OperationCreate, userID, err, map[string]string{
		"identity": identity,
	})
}

// resolveTier prefers the tier requested at login over the stored one
func resolveTier(requested types.SecurityTier, user types.Record) (types.SecurityTier, error) {
	if requested != "" {
		return types.ParseSecurityTier(string(requested))
	}
	return types.ParseSecurityTier(user.String(types.FieldSecurityTier))
}

// timeoutAsUpstream reports a timed-out call as types.ErrUpstreamUnavailable
func timeoutAsUpstream(ctx context.Context, err error) error {
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && !errors.Is(err, types.ErrUpstreamUnavailable) {
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	return err
}
