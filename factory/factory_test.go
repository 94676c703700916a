package factory

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"golang.org/x/crypto/bcrypt"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache/storage"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/config"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/session"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Store.SQLitePath = ":memory:"
	cfg.Identity.Provider = config.IdentityLocal
	cfg.Identity.TokenSecret = "0123456789abcdef0123456789abcdef"
	cfg.Identity.BcryptCost = bcrypt.MinCost
	cfg.Encryption.KDFIterations = 1000
	cfg.Encryption.AllowWeakKDF = true
	cfg.Encryption.ServerCacheKeyPath = filepath.Join(t.TempDir(), "absent")
	return cfg
}

func writeKeyFile(t *testing.T, contents []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "server_cache_key")
	if err := os.WriteFile(path, contents, 0o600); err != nil {
		t.Fatalf("write key file: %v", err)
	}
	return path
}

func testAdminPEM(t *testing.T) string {
	t.Helper()
	k, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate RSA key: %v", err)
	}
	der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func shutdown(t *testing.T, m *Module) {
	t.Helper()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown() failed: %v", err)
		}
	})
}

func TestNewLocalStack(t *testing.T) {
	ctx := context.Background()
	key := bytes.Repeat([]byte{7}, kms.ServerCacheKeySize)
	cfg := testConfig(t)
	cfg.Encryption.ServerCacheKeyPath = writeKeyFile(t, []byte(base64.StdEncoding.EncodeToString(key)))

	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	shutdown(t, m)

	if m.ServerKey.Source() != kms.SourceFile || !bytes.Equal(m.ServerKey.Bytes(), key) {
		t.Errorf("server key source = %s", m.ServerKey.Source())
	}
	if _, ok := m.Cache.(*storage.MemoryAdapter); !ok {
		t.Errorf("Cache = %T, want *storage.MemoryAdapter", m.Cache)
	}
	if m.Auditor == nil {
		t.Error("audit logger not created")
	}

	if _, err := m.Records.Create(ctx, types.CollectionInstitutions, types.Record{
		types.FieldID:                    "inst1",
		types.FieldAdminPublicKey:        testAdminPEM(t),
		types.FieldShortCode:             "clinic",
		types.FieldRegistrationMagicWord: "Sesame",
		types.FieldActive:                true,
	}); err != nil {
		t.Fatalf("Create(institution) failed: %v", err)
	}

	grant, err := m.Auth.VerifyMagicWord(ctx, types.MagicWordRequest{InstitutionShortCode: "clinic", MagicWord: "sesame"})
	if err != nil {
		t.Fatalf("VerifyMagicWord() failed: %v", err)
	}
	res, err := m.Auth.Register(ctx, types.RegistrationRequest{
		Identity:          "alice",
		Password:          "correct-horse",
		PasswordConfirm:   "correct-horse",
		Name:              "Alice",
		RegistrationToken: grant.Token,
	})
	if err != nil {
		t.Fatalf("Register() failed: %v", err)
	}
	result, err := m.Validator.Validate(ctx, res.Token)
	if err != nil {
		t.Fatalf("Validate() failed: %v", err)
	}
	if result.State != session.StateCacheHit {
		t.Errorf("State = %v, want %v", result.State, session.StateCacheHit)
	}

	fields, err := m.Auth.DecryptUserFields(ctx, result.Session, res.Token, res.Credential)
	if err != nil {
		t.Fatalf("DecryptUserFields() failed: %v", err)
	}
	if fields["name"] != "Alice" {
		t.Errorf("name = %v", fields["name"])
	}

	events, err := m.Auditor.GetEvents(ctx, map[string]interface{}{"eventType": "auth.register"})
	if err != nil || len(events) != 1 {
		t.Errorf("register audit events = %d, %v", len(events), err)
	}
}

func TestNewWithGarnet(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Backend = config.CacheGarnet
	cfg.Cache.URL = "redis://" + mr.Addr()

	m, err := New(context.Background(), cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	shutdown(t, m)

	if _, ok := m.Cache.(*storage.GarnetAdapter); !ok {
		t.Fatalf("Cache = %T, want *storage.GarnetAdapter", m.Cache)
	}
	if !m.ServerKey.Ephemeral() {
		t.Error("expected an ephemeral server key without a provisioned file")
	}

	if err := m.Sessions.Put(context.Background(), "tok", &types.SessionInfo{ID: "u1"}, time.Minute); err != nil {
		t.Fatalf("Put() failed: %v", err)
	}
	if keys := mr.Keys(); len(keys) == 0 || keys[0][:len(cfg.Cache.KeyPrefix)] != cfg.Cache.KeyPrefix {
		t.Errorf("keys = %v, want prefix %q", keys, cfg.Cache.KeyPrefix)
	}
}

func TestNewWithSealedServerKey(t *testing.T) {
	ctx := context.Background()
	aeadKey := make([]byte, 32)
	if _, err := rand.Read(aeadKey); err != nil {
		t.Fatalf("rand: %v", err)
	}
	settings := &types.KMSConfig{
		Provider: types.ProviderAead,
		KeyID:    "local-test",
		AeadKey:  base64.StdEncoding.EncodeToString(aeadKey),
	}

	provider, err := kms.NewProvider(ctx, kms.ConfigFromSettings(*settings))
	if err != nil {
		t.Fatalf("NewProvider() failed: %v", err)
	}
	original, err := kms.NewEphemeralServerCacheKey()
	if err != nil {
		t.Fatalf("NewEphemeralServerCacheKey() failed: %v", err)
	}
	sealed, err := kms.SealServerCacheKey(ctx, provider, original)
	if err != nil {
		t.Fatalf("SealServerCacheKey() failed: %v", err)
	}

	cfg := testConfig(t)
	cfg.Encryption.KMS = settings
	cfg.Encryption.ServerCacheKeyPath = writeKeyFile(t, sealed)

	m, err := New(ctx, cfg)
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	shutdown(t, m)

	if m.KMS == nil {
		t.Fatal("KMS provider not created")
	}
	if m.ServerKey.Source() != kms.SourceKMS {
		t.Errorf("server key source = %s, want %s", m.ServerKey.Source(), kms.SourceKMS)
	}
	if !bytes.Equal(m.ServerKey.Bytes(), original.Bytes()) {
		t.Error("unsealed key differs from the original")
	}
}

func TestNewErrors(t *testing.T) {
	ctx := context.Background()

	if _, err := New(ctx, nil); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("nil config: expected configuration error, got %v", err)
	}

	weak := testConfig(t)
	weak.Encryption.AllowWeakKDF = false
	if _, err := New(ctx, weak); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("weak KDF: expected configuration error, got %v", err)
	}

	sealedNoKMS := testConfig(t)
	sealedNoKMS.Encryption.ServerCacheKeyPath = writeKeyFile(t, []byte("kms:AAAA"))
	if _, err := New(ctx, sealedNoKMS); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("sealed key without KMS: expected configuration error, got %v", err)
	}

	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()
	unreachable := testConfig(t)
	unreachable.Cache.Backend = config.CacheGarnet
	unreachable.Cache.URL = "redis://" + addr
	if m, err := New(ctx, unreachable); err == nil || m != nil {
		t.Errorf("unreachable cache: expected error, got module %v", m)
	}
}
