package identity

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

var _ interfaces.IdentityProvider = (*LocalProvider)(nil)

// Stored-only fields, never returned to callers
const (
	fieldPasswordHash = "password_hash"
	fieldTokenKey     = "token_key"
)

// Local provider defaults
const (
	DefaultTokenTTL     = 14 * 24 * time.Hour
	DefaultRotateWithin = 24 * time.Hour
	minSecretLength     = 32
)

// LocalProvider authenticates users held in a RecordStore and issues HS256
// tokens. Each token is signed with the provider secret plus the user's
// token key, so rotating the token key revokes every token of that user.
type LocalProvider struct {
	store        interfaces.RecordStore
	collection   string
	secret       []byte
	tokenTTL     time.Duration
	rotateWithin time.Duration
	bcryptCost   int
	dummyHash    []byte
	now          func() time.Time
	logger       zerolog.Logger
}

// LocalOption configures a LocalProvider
type LocalOption func(*LocalProvider)

// WithTokenTTL sets the lifetime of issued tokens
func WithTokenTTL(d time.Duration) LocalOption {
	return func(p *LocalProvider) { p.tokenTTL = d }
}

// WithRotateWithin makes AuthRefresh issue a new token once the current one
// has less than d left.
func WithRotateWithin(d time.Duration) LocalOption {
	return func(p *LocalProvider) { p.rotateWithin = d }
}

// WithBcryptCost sets the password hashing cost
func WithBcryptCost(cost int) LocalOption {
	return func(p *LocalProvider) { p.bcryptCost = cost }
}

// WithLocalClock replaces the time source
func WithLocalClock(now func() time.Time) LocalOption {
	return func(p *LocalProvider) { p.now = now }
}

// NewLocalProvider creates a provider over store
func NewLocalProvider(store interfaces.RecordStore, secret []byte, opts ...LocalOption) (*LocalProvider, error) {
	if store == nil {
		return nil, fmt.Errorf("%w: record store is required", types.ErrConfiguration)
	}
	if len(secret) < minSecretLength {
		return nil, fmt.Errorf("%w: token secret must be at least %d bytes", types.ErrConfiguration, minSecretLength)
	}
	p := &LocalProvider{
		store:        store,
		collection:   types.CollectionUsers,
		secret:       append([]byte(nil), secret...),
		tokenTTL:     DefaultTokenTTL,
		rotateWithin: DefaultRotateWithin,
		bcryptCost:   bcrypt.DefaultCost,
		now:          time.Now,
		logger:       log.With().Str("component", "local_identity").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(uuid.NewString()), p.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", types.ErrConfiguration, err)
	}
	p.dummyHash = hash
	return p, nil
}

type localClaims struct {
	jwt.RegisteredClaims
	Collection string `json:"collection"`
}

// AuthWithPassword verifies a username (or email) and password
func (p *LocalProvider) AuthWithPassword(ctx context.Context, identity, password string) (*types.AuthResult, error) {
	user, err := p.findByIdentity(ctx, identity)
	if err != nil {
		return nil, err
	}
	if user == nil {
		// Keep timing close to the found-user path
		_ = bcrypt.CompareHashAndPassword(p.dummyHash, []byte(password))
		return nil, fmt.Errorf("%w: invalid credentials", types.ErrAuthenticationFailure)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.String(fieldPasswordHash)), []byte(password)); err != nil {
		return nil, fmt.Errorf("%w: invalid credentials", types.ErrAuthenticationFailure)
	}
	token, err := p.issue(user)
	if err != nil {
		return nil, err
	}
	return &types.AuthResult{Token: token, User: sanitize(user)}, nil
}

// AuthRefresh validates token and rotates it when it is close to expiry
func (p *LocalProvider) AuthRefresh(ctx context.Context, token string) (*types.AuthResult, error) {
	claims, user, err := p.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	next := token
	if claims.ExpiresAt != nil && claims.ExpiresAt.Time.Sub(p.now()) < p.rotateWithin {
		if next, err = p.issue(user); err != nil {
			return nil, err
		}
		p.logger.Debug().Str("userId", user.ID()).Msg("Rotated token on refresh")
	}
	return &types.AuthResult{Token: next, User: sanitize(user)}, nil
}

// GetUser returns a user record. Users may read themselves; admins anyone.
func (p *LocalProvider) GetUser(ctx context.Context, token, userID string) (types.Record, error) {
	_, caller, err := p.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if caller.ID() != userID && !types.Role(caller.String(types.FieldRole)).IsAdmin() {
		return nil, fmt.Errorf("%w: cannot read another user", types.ErrForbidden)
	}
	user, err := p.store.Get(ctx, p.collection, userID)
	if err != nil {
		return nil, err
	}
	return sanitize(user), nil
}

// UpdateUser patches the caller's own record. A password change requires
// oldPassword and passwordConfirm and revokes every token of the user.
func (p *LocalProvider) UpdateUser(ctx context.Context, token, userID string, fields types.Record) (types.Record, error) {
	_, caller, err := p.verify(ctx, token)
	if err != nil {
		return nil, err
	}
	if caller.ID() != userID {
		return nil, fmt.Errorf("%w: cannot update another user", types.ErrForbidden)
	}

	update := fields.Without(fieldPasswordHash, fieldTokenKey, types.FieldRole, types.FieldID,
		types.FieldPassword, types.FieldPasswordConfirm, types.FieldOldPassword)

	if newPassword := fields.String(types.FieldPassword); newPassword != "" {
		if err := bcrypt.CompareHashAndPassword([]byte(caller.String(fieldPasswordHash)), []byte(fields.String(types.FieldOldPassword))); err != nil {
			return nil, fmt.Errorf("%w: oldPassword is invalid", types.ErrInvalidRequest)
		}
		if fields.String(types.FieldPasswordConfirm) != newPassword {
			return nil, fmt.Errorf("%w: passwordConfirm does not match", types.ErrInvalidRequest)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), p.bcryptCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash password: %w", err)
		}
		tokenKey, err := newTokenKey()
		if err != nil {
			return nil, err
		}
		update[fieldPasswordHash] = string(hash)
		update[fieldTokenKey] = tokenKey
	}

	updated, err := p.store.Update(ctx, p.collection, userID, update)
	if err != nil {
		return nil, err
	}
	return sanitize(updated), nil
}

// CreateUser registers a user from password, passwordConfirm and profile fields
func (p *LocalProvider) CreateUser(ctx context.Context, fields types.Record) (types.Record, error) {
	username := strings.TrimSpace(fields.String(types.FieldUsername))
	password := fields.String(types.FieldPassword)
	if username == "" || password == "" {
		return nil, fmt.Errorf("%w: username and password are required", types.ErrInvalidRequest)
	}
	if fields.String(types.FieldPasswordConfirm) != password {
		return nil, fmt.Errorf("%w: passwordConfirm does not match", types.ErrInvalidRequest)
	}
	existing, err := p.store.Query(ctx, p.collection, map[string]any{types.FieldUsername: username}, 1)
	if err != nil {
		return nil, err
	}
	if len(existing) > 0 {
		return nil, fmt.Errorf("%w: username is taken", types.ErrInvalidRequest)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), p.bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash password: %w", err)
	}
	tokenKey, err := newTokenKey()
	if err != nil {
		return nil, err
	}

	rec := fields.Without(types.FieldPassword, types.FieldPasswordConfirm, types.FieldOldPassword)
	rec[types.FieldUsername] = username
	rec[fieldPasswordHash] = string(hash)
	rec[fieldTokenKey] = tokenKey
	if rec.String(types.FieldRole) == "" {
		rec[types.FieldRole] = string(types.RoleUser)
	}

	created, err := p.store.Create(ctx, p.collection, rec)
	if err != nil {
		return nil, err
	}
	p.logger.Info().Str("userId", created.ID()).Msg("User created")
	return sanitize(created), nil
}

// TouchLastSeen stores the activity timestamp
func (p *LocalProvider) TouchLastSeen(ctx context.Context, token, userID string, at time.Time) error {
	_, err := p.UpdateUser(ctx, token, userID, types.Record{types.FieldLastSeen: at.UTC().Format(time.RFC3339)})
	return err
}

func (p *LocalProvider) findByIdentity(ctx context.Context, identity string) (types.Record, error) {
	identity = strings.TrimSpace(identity)
	if identity == "" {
		return nil, nil
	}
	field := types.FieldUsername
	if strings.Contains(identity, "@") {
		field = "email"
	}
	users, err := p.store.Query(ctx, p.collection, map[string]any{field: identity}, 1)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, nil
	}
	return users[0], nil
}

func (p *LocalProvider) issue(user types.Record) (string, error) {
	now := p.now()
	claims := localClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   user.ID(),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(p.tokenTTL)),
		},
		Collection: p.collection,
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(p.signingKey(user))
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// verify checks signature and expiry and loads the token's user
func (p *LocalProvider) verify(ctx context.Context, token string) (*localClaims, types.Record, error) {
	var (
		claims    localClaims
		user      types.Record
		lookupErr error
	)
	_, err := jwt.ParseWithClaims(token, &claims, func(t *jwt.Token) (any, error) {
		c, ok := t.Claims.(*localClaims)
		if !ok || c.Subject == "" {
			return nil, errors.New("token has no subject")
		}
		user, lookupErr = p.store.Get(ctx, p.collection, c.Subject)
		if lookupErr != nil {
			return nil, lookupErr
		}
		return p.signingKey(user), nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(p.now),
		jwt.WithExpirationRequired(),
	)
	if lookupErr != nil && !errors.Is(lookupErr, types.ErrRecordNotFound) {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, lookupErr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", types.ErrAuthenticationFailure, err)
	}
	if claims.Collection != p.collection {
		return nil, nil, fmt.Errorf("%w: token issued for another collection", types.ErrAuthenticationFailure)
	}
	return &claims, user, nil
}

func (p *LocalProvider) signingKey(user types.Record) []byte {
	key := make([]byte, 0, len(p.secret)+64)
	key = append(key, p.secret...)
	return append(key, user.String(fieldTokenKey)...)
}

func newTokenKey() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate token key: %w", err)
	}
	return hex.EncodeToString(b), nil
}

func sanitize(user types.Record) types.Record {
	return user.Without(fieldPasswordHash, fieldTokenKey, types.FieldPassword, types.FieldPasswordConfirm, types.FieldOldPassword)
}
