package dek

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Strategy decides how a tier hands the DEK to the client and gets it back
// on later requests. The set of implementations is closed.
type Strategy interface {
	Tier() types.SecurityTier
	// AllowsExtendedSession reports whether keep-logged-in is honoured
	AllowsExtendedSession() bool
	// Issue returns the client-held credential for a fresh session
	Issue(ctx context.Context, userID, token string, dek []byte) (string, error)
	// Reconstruct recovers the DEK from the client credential
	Reconstruct(ctx context.Context, userID, token, credential string) ([]byte, error)
	// Rotate moves server-held state from oldToken to newToken
	Rotate(ctx context.Context, userID, oldToken, newToken string) error
	// Revoke drops server-held state for the tokens
	Revoke(ctx context.Context, userID string, tokens ...string) error

	sealed()
}

// Strategy resolves the strategy for tier
func (m *Manager) Strategy(tier types.SecurityTier) (Strategy, error) {
	switch tier {
	case types.TierHigh:
		return directStrategy{tier: types.TierHigh, extended: false}, nil
	case types.TierConvenience:
		return directStrategy{tier: types.TierConvenience, extended: true}, nil
	case types.TierBalanced:
		if m.splitCache == nil || m.serverKey == nil {
			return nil, fmt.Errorf("%w: balanced tier requires a split cache and server cache key", types.ErrConfiguration)
		}
		return &splitStrategy{cache: m.splitCache, serverKey: m.serverKey, auditor: m.auditor}, nil
	default:
		return nil, fmt.Errorf("%w: unknown security tier %q", types.ErrInvalidRequest, tier)
	}
}

// RevokeAll drops split entries for tokens regardless of tier. Used when the
// tier of each session is no longer known, e.g. bulk invalidation.
func (m *Manager) RevokeAll(ctx context.Context, userID string, tokens ...string) error {
	if m.splitCache == nil {
		return nil
	}
	return m.splitCache.Delete(ctx, userID, tokens...)
}

// RotateAll moves the split entry of oldToken to newToken. Sessions of the
// other tiers hold no server state, so a missing entry is not an error.
func (m *Manager) RotateAll(ctx context.Context, userID, oldToken, newToken string) error {
	if m.splitCache == nil {
		return nil
	}
	err := m.splitCache.Rekey(ctx, userID, oldToken, newToken)
	if errors.Is(err, types.ErrNotFound) {
		return nil
	}
	return err
}

// directStrategy hands the whole DEK to the client
type directStrategy struct {
	tier     types.SecurityTier
	extended bool
}

func (d directStrategy) Tier() types.SecurityTier    { return d.tier }
func (d directStrategy) AllowsExtendedSession() bool { return d.extended }
func (directStrategy) sealed()                      {}

func (directStrategy) Issue(_ context.Context, _, _ string, dek []byte) (string, error) {
	return base64.StdEncoding.EncodeToString(dek), nil
}

func (directStrategy) Reconstruct(_ context.Context, _, _, credential string) ([]byte, error) {
	return decodeCredential(credential)
}

func (directStrategy) Rotate(context.Context, string, string, string) error { return nil }

func (directStrategy) Revoke(context.Context, string, ...string) error { return nil }

// splitStrategy keeps a sealed server part in the cache and hands the
// client the XOR complement.
type splitStrategy struct {
	cache     *cache.SplitDEKCache
	serverKey *kms.ServerCacheKey
	auditor   interfaces.AuditLogger
}

func (*splitStrategy) Tier() types.SecurityTier    { return types.TierBalanced }
func (*splitStrategy) AllowsExtendedSession() bool { return true }
func (*splitStrategy) sealed()                     {}

func (s *splitStrategy) Issue(ctx context.Context, userID, token string, dek []byte) (string, error) {
	serverPart, clientPart, err := Split(dek)
	if err != nil {
		return "", err
	}
	sealedPart, err := envelope.Encrypt([]byte(base64.StdEncoding.EncodeToString(serverPart)), s.serverKey.Bytes())
	if err != nil {
		return "", fmt.Errorf("failed to seal server part: %w", err)
	}
	if err := s.cache.Store(ctx, userID, token, sealedPart); err != nil {
		return "", err
	}
	return base64.StdEncoding.EncodeToString(clientPart), nil
}

// Reconstruct never falls back to another tier: a missing or unreadable
// server part means the user has to log in again.
func (s *splitStrategy) Reconstruct(ctx context.Context, userID, token, credential string) ([]byte, error) {
	clientPart, err := decodeCredential(credential)
	if err != nil {
		return nil, err
	}

	sealedPart, err := s.cache.Load(ctx, userID, token)
	if errors.Is(err, types.ErrNotFound) {
		return nil, fmt.Errorf("%w: DEK cache expired or not found", types.ErrReauthenticationRequired)
	}
	if err != nil {
		return nil, err
	}

	encoded, err := envelope.Decrypt(sealedPart, s.serverKey.Bytes())
	if err != nil {
		// Sealed under a previous (ephemeral) server key
		audit.Record(ctx, s.auditor, audit.EventTypeDEKUnwrap, audit.OperationUnwrap, userID, err, map[string]string{
			string(audit.KeyTier): string(types.TierBalanced),
		})
		_ = s.cache.Delete(ctx, userID, token)
		return nil, fmt.Errorf("%w: cached server part is unreadable", types.ErrReauthenticationRequired)
	}
	serverPart, err := base64.StdEncoding.DecodeString(string(encoded))
	if err != nil {
		_ = s.cache.Delete(ctx, userID, token)
		return nil, fmt.Errorf("%w: cached server part is malformed", types.ErrReauthenticationRequired)
	}
	return Reconstruct(serverPart, clientPart)
}

func (s *splitStrategy) Rotate(ctx context.Context, userID, oldToken, newToken string) error {
	return s.cache.Rekey(ctx, userID, oldToken, newToken)
}

func (s *splitStrategy) Revoke(ctx context.Context, userID string, tokens ...string) error {
	return s.cache.Delete(ctx, userID, tokens...)
}

func decodeCredential(credential string) ([]byte, error) {
	if credential == "" {
		return nil, fmt.Errorf("%w: missing DEK credential", types.ErrInvalidRequest)
	}
	raw, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", types.ErrInvalidRequest, err)
	}
	if len(raw) != envelope.KeySize {
		return nil, fmt.Errorf("%w: DEK credential has %d bytes", types.ErrInvalidRequest, len(raw))
	}
	return raw, nil
}
