// Package dek manages per-user data encryption keys: creation, password
// wrapping, the institution admin wrap, and per-tier reconstruction.
package dek

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/field"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Manager owns every operation on user DEKs. It holds no per-user state and
// is safe for concurrent use.
type Manager struct {
	kdf        *envelope.KeyDeriver
	fields     *field.Service
	auditor    interfaces.AuditLogger
	splitCache *cache.SplitDEKCache
	serverKey  *kms.ServerCacheKey
	logger     zerolog.Logger
}

// NewManager wires a manager. splitCache and serverKey are required for the
// balanced tier only; Strategy reports a configuration error without them.
func NewManager(kdf *envelope.KeyDeriver, fields *field.Service, auditor interfaces.AuditLogger, splitCache *cache.SplitDEKCache, serverKey *kms.ServerCacheKey) *Manager {
	if kdf == nil {
		kdf = envelope.NewKeyDeriver(0)
	}
	if fields == nil {
		fields = field.NewService(auditor)
	}
	return &Manager{
		kdf:        kdf,
		fields:     fields,
		auditor:    auditor,
		splitCache: splitCache,
		serverKey:  serverKey,
		logger:     log.With().Str("component", "dek_manager").Logger(),
	}
}

// CreateUserEncryptionData generates a DEK and salt and wraps the DEK under
// the password-derived key and under the institution admin public key.
func (m *Manager) CreateUserEncryptionData(ctx context.Context, password string, adminPublicKeyPEM []byte) (*types.UserEncryptionData, error) {
	adminKey, err := ParseAdminPublicKey(adminPublicKeyPEM)
	if err != nil {
		audit.Record(ctx, m.auditor, audit.EventTypeDEKCreate, audit.OperationCreate, "", err, nil)
		return nil, err
	}

	salt, err := envelope.NewSalt()
	if err != nil {
		return nil, err
	}
	dek, err := envelope.RandomKey()
	if err != nil {
		return nil, err
	}

	userWrapped, err := m.wrapWithPassword(password, salt, dek)
	if err != nil {
		return nil, err
	}
	adminWrapped, err := WrapWithAdminKey(dek, adminKey)
	if err != nil {
		return nil, err
	}

	audit.Record(ctx, m.auditor, audit.EventTypeDEKCreate, audit.OperationCreate, "", nil, nil)
	return &types.UserEncryptionData{
		Salt:            base64.StdEncoding.EncodeToString(salt),
		UserWrappedDEK:  userWrapped,
		AdminWrappedDEK: adminWrapped,
		DEK:             dek,
	}, nil
}

// GetUserDEK re-derives the password key and unwraps the DEK. A wrong
// password surfaces as an *envelope.DecryptionError of kind DecryptAuthentication.
func (m *Manager) GetUserDEK(password, salt, userWrappedDEK string) ([]byte, error) {
	saltBytes, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, &envelope.DecryptionError{Kind: envelope.DecryptMalformed, Err: fmt.Errorf("salt: %w", err)}
	}
	inner, err := envelope.Decrypt(userWrappedDEK, m.kdf.Derive(password, saltBytes))
	if err != nil {
		return nil, err
	}
	dek, err := base64.StdEncoding.DecodeString(string(inner))
	if err != nil || len(dek) != envelope.KeySize {
		return nil, &envelope.DecryptionError{Kind: envelope.DecryptMalformed, Err: errors.New("wrapped DEK payload is not a key")}
	}
	return dek, nil
}

// ChangePassword unwraps with the old password and re-wraps the same DEK
// under a fresh salt. The admin wrap is not touched.
func (m *Manager) ChangePassword(oldPassword, newPassword, salt, userWrappedDEK string) (*types.PasswordChangeData, error) {
	dek, err := m.GetUserDEK(oldPassword, salt, userWrappedDEK)
	if err != nil {
		return nil, err
	}
	newSalt, err := envelope.NewSalt()
	if err != nil {
		return nil, err
	}
	wrapped, err := m.wrapWithPassword(newPassword, newSalt, dek)
	if err != nil {
		return nil, err
	}
	return &types.PasswordChangeData{
		Salt:           base64.StdEncoding.EncodeToString(newSalt),
		UserWrappedDEK: wrapped,
	}, nil
}

// EncryptFields seals a field map under dek
func (m *Manager) EncryptFields(ctx context.Context, fields map[string]any, dek []byte) (string, error) {
	return m.fields.Encrypt(ctx, fields, dek)
}

// DecryptFields opens a field blob; non-object plaintext is an error
func (m *Manager) DecryptFields(ctx context.Context, blob string, dek []byte) (map[string]any, error) {
	return m.fields.Decrypt(ctx, blob, dek)
}

// wrapWithPassword seals base64(DEK), not the raw key bytes
func (m *Manager) wrapWithPassword(password string, salt, dek []byte) (string, error) {
	key := m.kdf.Derive(password, salt)
	return envelope.Encrypt([]byte(base64.StdEncoding.EncodeToString(dek)), key)
}

// Split returns a fresh random server part and client = dek XOR server
func Split(dek []byte) (serverPart, clientPart []byte, err error) {
	if len(dek) == 0 {
		return nil, nil, fmt.Errorf("%w: empty DEK", types.ErrInvalidRequest)
	}
	serverPart = make([]byte, len(dek))
	if _, err := io.ReadFull(rand.Reader, serverPart); err != nil {
		return nil, nil, fmt.Errorf("failed to generate server part: %w", err)
	}
	clientPart = xorBytes(dek, serverPart)
	return serverPart, clientPart, nil
}

// Reconstruct returns server XOR client
func Reconstruct(serverPart, clientPart []byte) ([]byte, error) {
	if len(serverPart) != len(clientPart) {
		return nil, fmt.Errorf("%w: DEK parts differ in length (%d != %d)", types.ErrInvalidRequest, len(serverPart), len(clientPart))
	}
	return xorBytes(serverPart, clientPart), nil
}

func xorBytes(a, b []byte) []byte {
	out := make([]byte, len(a))
	for i := range a {
		out[i] = a[i] ^ b[i]
	}
	return out
}

// ParseAdminPublicKey accepts a PEM "PUBLIC KEY" (PKIX) or "RSA PUBLIC KEY"
// (PKCS#1) block holding an RSA key.
func ParseAdminPublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil {
		return nil, fmt.Errorf("%w: admin public key is not PEM encoded", types.ErrConfiguration)
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		key, err := x509.ParsePKCS1PublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid admin public key: %v", types.ErrConfiguration, err)
		}
		return key, nil
	case "PUBLIC KEY":
		parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("%w: invalid admin public key: %v", types.ErrConfiguration, err)
		}
		key, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, fmt.Errorf("%w: admin public key must be RSA, got %T", types.ErrConfiguration, parsed)
		}
		return key, nil
	default:
		return nil, fmt.Errorf("%w: unexpected PEM block %q for admin public key", types.ErrConfiguration, block.Type)
	}
}

// WrapWithAdminKey returns base64(RSA-OAEP-SHA256(dek)). Only the holder of
// the institution's private key can reverse it.
func WrapWithAdminKey(dek []byte, key *rsa.PublicKey) (string, error) {
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, key, dek, nil)
	if err != nil {
		return "", fmt.Errorf("%w: failed to wrap DEK with admin key: %v", types.ErrConfiguration, err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}
