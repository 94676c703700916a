package kms

import (
	"bytes"
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io/fs"
	"os"

	wrapping "github.com/hashicorp/go-kms-wrapping/v2"
	"google.golang.org/protobuf/proto"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// ServerCacheKeySize is the length of the key protecting cached split parts
const ServerCacheKeySize = 32

// DefaultServerCacheKeyPath is the provisioned secret location
const DefaultServerCacheKeyPath = "/run/secrets/server_cache_key"

// sealedPrefix marks a key file holding a KMS blob instead of the raw key
const sealedPrefix = "kms:"

var serverKeyAAD = []byte("server-cache-key")

// Key sources
const (
	SourceFile      = "file"
	SourceKMS       = "kms"
	SourceEphemeral = "ephemeral"
	SourceStatic    = "static"
)

// ServerCacheKey is the process-wide key sealing server-held split parts.
// It is immutable after construction and safe for concurrent reads.
type ServerCacheKey struct {
	key    []byte
	source string
}

// NewServerCacheKey wraps an existing 32-byte key
func NewServerCacheKey(key []byte) (*ServerCacheKey, error) {
	if len(key) != ServerCacheKeySize {
		return nil, fmt.Errorf("%w: server cache key must be %d bytes, got %d", types.ErrConfiguration, ServerCacheKeySize, len(key))
	}
	return &ServerCacheKey{key: bytes.Clone(key), source: SourceStatic}, nil
}

// NewEphemeralServerCacheKey generates a random key that lives as long as the process
func NewEphemeralServerCacheKey() (*ServerCacheKey, error) {
	key := make([]byte, ServerCacheKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate server cache key: %w", err)
	}
	return &ServerCacheKey{key: key, source: SourceEphemeral}, nil
}

// Bytes returns a copy of the key
func (k *ServerCacheKey) Bytes() []byte {
	return bytes.Clone(k.key)
}

// Source reports where the key came from
func (k *ServerCacheKey) Source() string {
	return k.source
}

// Ephemeral reports whether the key was generated at start up
func (k *ServerCacheKey) Ephemeral() bool {
	return k.source == SourceEphemeral
}

// LoadServerCacheKey reads the provisioned key at path. The file holds the raw
// 32 bytes, their base64 form, or "kms:" followed by a base64 KMS blob that
// provider unseals. A missing file yields an ephemeral key; cached split parts
// then only survive until restart.
func LoadServerCacheKey(ctx context.Context, path string, provider Provider) (*ServerCacheKey, error) {
	if path == "" {
		path = DefaultServerCacheKeyPath
	}
	raw, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		log.Warn().Str("path", path).Msg("Server cache key not provisioned, generating ephemeral key")
		return NewEphemeralServerCacheKey()
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read server cache key: %w", err)
	}

	trimmed := bytes.TrimSpace(raw)
	if bytes.HasPrefix(trimmed, []byte(sealedPrefix)) {
		if provider == nil {
			return nil, fmt.Errorf("%w: server cache key is KMS-sealed but no KMS provider is configured", types.ErrConfiguration)
		}
		key, err := unseal(ctx, provider, trimmed[len(sealedPrefix):])
		if err != nil {
			return nil, err
		}
		k, err := NewServerCacheKey(key)
		if err != nil {
			return nil, err
		}
		k.source = SourceKMS
		log.Info().Str("path", path).Msg("Loaded KMS-sealed server cache key")
		return k, nil
	}

	key, err := decodeKeyFile(raw, trimmed)
	if err != nil {
		return nil, err
	}
	if provider != nil {
		log.Warn().Str("path", path).Msg("Server cache key is stored unsealed although a KMS provider is configured")
	}
	k, err := NewServerCacheKey(key)
	if err != nil {
		return nil, err
	}
	k.source = SourceFile
	return k, nil
}

// SealServerCacheKey encrypts key with the provider and returns the file
// contents LoadServerCacheKey accepts.
func SealServerCacheKey(ctx context.Context, provider Provider, key *ServerCacheKey) ([]byte, error) {
	if provider == nil || key == nil {
		return nil, fmt.Errorf("%w: provider and key are required", types.ErrInvalidRequest)
	}
	blob, err := provider.GetWrapper().Encrypt(ctx, key.key, wrapping.WithAad(serverKeyAAD))
	if err != nil {
		return nil, fmt.Errorf("failed to seal server cache key: %w", err)
	}
	encoded, err := proto.Marshal(blob)
	if err != nil {
		return nil, fmt.Errorf("failed to encode sealed server cache key: %w", err)
	}
	return []byte(sealedPrefix + base64.StdEncoding.EncodeToString(encoded)), nil
}

func unseal(ctx context.Context, provider Provider, payload []byte) ([]byte, error) {
	encoded, err := base64.StdEncoding.DecodeString(string(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: sealed server cache key is not base64: %v", types.ErrConfiguration, err)
	}
	blob := new(wrapping.BlobInfo)
	if err := proto.Unmarshal(encoded, blob); err != nil {
		return nil, fmt.Errorf("%w: sealed server cache key is malformed: %v", types.ErrConfiguration, err)
	}
	key, err := provider.GetWrapper().Decrypt(ctx, blob, wrapping.WithAad(serverKeyAAD))
	if err != nil {
		return nil, fmt.Errorf("failed to unseal server cache key: %w", err)
	}
	return key, nil
}

// decodeKeyFile accepts the raw key or its base64 text
func decodeKeyFile(raw, trimmed []byte) ([]byte, error) {
	if len(raw) == ServerCacheKeySize {
		return raw, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(string(trimmed))
	if err == nil && len(decoded) == ServerCacheKeySize {
		return decoded, nil
	}
	return nil, fmt.Errorf("%w: server cache key file must contain %d raw bytes or their base64 encoding", types.ErrConfiguration, ServerCacheKeySize)
}
