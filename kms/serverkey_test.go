package kms

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

func testAeadProvider(t *testing.T, fill byte) Provider {
	t.Helper()
	key := bytes.Repeat([]byte{fill}, 32)
	p, err := NewProvider(context.Background(), Config{
		Type:          types.ProviderAead,
		AeadKeyBase64: base64.StdEncoding.EncodeToString(key),
		AeadKeyID:     "test-key",
	})
	if err != nil {
		t.Fatalf("NewProvider() failed: %v", err)
	}
	return p
}

func writeKeyFile(t *testing.T, content []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_cache_key")
	if err := os.WriteFile(path, content, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func TestLoadServerCacheKeyMissingFileIsEphemeral(t *testing.T) {
	path := filepath.Join(t.TempDir(), "absent")
	k1, err := LoadServerCacheKey(context.Background(), path, nil)
	if err != nil {
		t.Fatalf("LoadServerCacheKey() failed: %v", err)
	}
	if !k1.Ephemeral() || k1.Source() != SourceEphemeral {
		t.Errorf("expected ephemeral key, got source %q", k1.Source())
	}
	if len(k1.Bytes()) != ServerCacheKeySize {
		t.Errorf("key length = %d", len(k1.Bytes()))
	}

	k2, _ := LoadServerCacheKey(context.Background(), path, nil)
	if bytes.Equal(k1.Bytes(), k2.Bytes()) {
		t.Errorf("two ephemeral keys should differ")
	}
}

func TestLoadServerCacheKeyFromFile(t *testing.T) {
	want := bytes.Repeat([]byte{0x42}, 32)
	tests := []struct {
		name      string
		content   []byte
		expectErr bool
	}{
		{name: "raw bytes", content: want},
		{name: "base64", content: []byte(base64.StdEncoding.EncodeToString(want))},
		{name: "base64 with newline", content: []byte(base64.StdEncoding.EncodeToString(want) + "\n")},
		{name: "wrong length", content: []byte("too-short"), expectErr: true},
		{name: "sealed without provider", content: []byte("kms:AAAA"), expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			k, err := LoadServerCacheKey(context.Background(), writeKeyFile(t, tt.content), nil)
			if tt.expectErr {
				if !errors.Is(err, types.ErrConfiguration) {
					t.Errorf("expected ErrConfiguration, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(k.Bytes(), want) || k.Source() != SourceFile {
				t.Errorf("unexpected key from %s", k.Source())
			}
		})
	}
}

func TestSealedServerCacheKeyRoundTrip(t *testing.T) {
	ctx := context.Background()
	provider := testAeadProvider(t, 0x07)
	original, err := NewServerCacheKey(bytes.Repeat([]byte{0x99}, 32))
	if err != nil {
		t.Fatalf("NewServerCacheKey() failed: %v", err)
	}

	sealed, err := SealServerCacheKey(ctx, provider, original)
	if err != nil {
		t.Fatalf("SealServerCacheKey() failed: %v", err)
	}
	if !bytes.HasPrefix(sealed, []byte("kms:")) {
		t.Fatalf("sealed file lacks prefix: %q", sealed[:8])
	}

	path := writeKeyFile(t, sealed)
	loaded, err := LoadServerCacheKey(ctx, path, provider)
	if err != nil {
		t.Fatalf("LoadServerCacheKey() failed: %v", err)
	}
	if !bytes.Equal(loaded.Bytes(), original.Bytes()) || loaded.Source() != SourceKMS {
		t.Errorf("unsealed key mismatch (source %s)", loaded.Source())
	}

	if _, err := LoadServerCacheKey(ctx, path, testAeadProvider(t, 0x08)); err == nil {
		t.Errorf("expected unseal with a different provider key to fail")
	}
}

func TestServerCacheKeyBytesIsCopy(t *testing.T) {
	k, _ := NewServerCacheKey(make([]byte, 32))
	b := k.Bytes()
	b[0] = 0xff
	if k.Bytes()[0] != 0 {
		t.Errorf("mutating Bytes() result changed the key")
	}
	if _, err := NewServerCacheKey(make([]byte, 16)); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("expected ErrConfiguration for short key, got %v", err)
	}
}
