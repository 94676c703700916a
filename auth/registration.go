package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

const (
	// DefaultRegistrationTokenTTL is how long a verified magic word stays usable
	DefaultRegistrationTokenTTL = 10 * time.Minute

	registrationTokenPrefix = "reg_token:"
	registrationClaimPrefix = "reg_token_claim:"
	registrationTokenBytes  = 32
)

// registrationGrant is the cache entry behind a registration token
type registrationGrant struct {
	CreatedAt     time.Time `json:"created_at"`
	IP            string    `json:"ip"`
	InstitutionID string    `json:"institution_id"`
}

// WithRegistrationTokenTTL sets how long a registration token stays valid
func WithRegistrationTokenTTL(d time.Duration) Option {
	return func(s *Service) {
		if d > 0 {
			s.regToken = d
		}
	}
}

// VerifyMagicWord checks the institution's registration magic word and hands
// out a one-time registration token. Only wrong guesses count against the
// per-IP budget; a correct word resets it.
func (s *Service) VerifyMagicWord(ctx context.Context, req types.MagicWordRequest) (*types.RegistrationGrant, error) {
	shortCode := strings.TrimSpace(req.InstitutionShortCode)
	if shortCode == "" || strings.TrimSpace(req.MagicWord) == "" {
		return nil, fmt.Errorf("%w: institution and magic word are required", types.ErrInvalidRequest)
	}
	if s.records == nil {
		return nil, fmt.Errorf("%w: registration requires a record store", types.ErrConfiguration)
	}
	ctx = audit.WithClientIP(ctx, req.ClientIP)

	if err := s.limiter.Check(ctx, cache.MagicWordByIP, req.ClientIP); err != nil {
		return nil, err
	}

	inst, err := s.institutionByShortCode(ctx, shortCode)
	if err != nil {
		return nil, err
	}
	if !inst.Bool(types.FieldActive) {
		return nil, fmt.Errorf("%w: institution %s is not active", types.ErrForbidden, shortCode)
	}
	word := inst.String(types.FieldRegistrationMagicWord)
	if word == "" {
		return nil, fmt.Errorf("%w: institution %s has no magic word", types.ErrConfiguration, shortCode)
	}

	if !strings.EqualFold(strings.TrimSpace(req.MagicWord), word) {
		_, _ = s.limiter.Hit(ctx, cache.MagicWordByIP, req.ClientIP)
		err := fmt.Errorf("%w: wrong magic word", types.ErrForbidden)
		audit.Record(ctx, s.auditor, audit.EventTypeMagicWord, audit.OperationCreate, "", err, map[string]string{
			"institution": inst.ID(),
		})
		return nil, err
	}
	if err := s.limiter.Reset(ctx, cache.MagicWordByIP, req.ClientIP); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to reset magic word rate limit")
	}

	token, err := newRegistrationToken()
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(registrationGrant{CreatedAt: s.now().UTC(), IP: req.ClientIP, InstitutionID: inst.ID()})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal registration grant: %w", err)
	}
	if err := s.sessions.Cache().Set(ctx, registrationTokenPrefix+token, raw, s.regToken); err != nil {
		return nil, fmt.Errorf("failed to store registration token: %w", err)
	}

	audit.Record(ctx, s.auditor, audit.EventTypeMagicWord, audit.OperationCreate, "", nil, map[string]string{
		"institution": inst.ID(),
	})
	return &types.RegistrationGrant{Token: token, InstitutionID: inst.ID(), ExpiresIn: s.regToken}, nil
}

// consumeRegistrationToken redeems token once and returns its institution.
// Of two concurrent redemptions only the first claim wins.
func (s *Service) consumeRegistrationToken(ctx context.Context, token string) (string, error) {
	invalid := fmt.Errorf("%w: invalid or expired registration token", types.ErrForbidden)
	if token == "" {
		return "", invalid
	}
	c := s.sessions.Cache()
	raw, err := c.Get(ctx, registrationTokenPrefix+token)
	if errors.Is(err, types.ErrNotFound) {
		return "", invalid
	}
	if err != nil {
		return "", fmt.Errorf("failed to read registration token: %w", err)
	}

	claimed, err := c.SetNX(ctx, registrationClaimPrefix+token, []byte("1"), s.regToken)
	if err != nil {
		return "", fmt.Errorf("failed to claim registration token: %w", err)
	}
	if !claimed {
		return "", invalid
	}
	if err := c.Delete(ctx, registrationTokenPrefix+token); err != nil {
		s.logger.Warn().Err(err).Msg("Failed to delete redeemed registration token")
	}

	var grant registrationGrant
	if err := json.Unmarshal(raw, &grant); err != nil || grant.InstitutionID == "" {
		return "", fmt.Errorf("%w: registration token carries no institution", types.ErrConfiguration)
	}
	return grant.InstitutionID, nil
}

func (s *Service) institutionByShortCode(ctx context.Context, shortCode string) (types.Record, error) {
	found, err := s.records.Query(ctx, types.CollectionInstitutions, map[string]any{types.FieldShortCode: shortCode}, 1)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to look up institution: %v", types.ErrUpstreamUnavailable, err)
	}
	if len(found) == 0 {
		return nil, fmt.Errorf("%w: institution %q not found", types.ErrRecordNotFound, shortCode)
	}
	return found[0], nil
}

func newRegistrationToken() (string, error) {
	b := make([]byte, registrationTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate registration token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
