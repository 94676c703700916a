package field

import (
	"context"
	"errors"
	"testing"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

func TestEncryptDecryptFields(t *testing.T) {
	auditLog := audit.NewZerologAuditLogger(0)
	svc := NewService(auditLog)
	ctx := audit.WithUserContext(context.Background(), "u1", "alice")
	dek, _ := envelope.RandomKey()

	blob, err := svc.Encrypt(ctx, map[string]any{"name": "Alice", "age": 30}, dek)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	got, err := svc.Decrypt(ctx, blob, dek)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if got["name"] != "Alice" {
		t.Errorf("name = %v, want Alice", got["name"])
	}
	// JSON numbers decode as float64
	if got["age"] != float64(30) {
		t.Errorf("age = %v, want 30", got["age"])
	}

	stats := svc.GetStats()
	if stats.Encrypted != 1 || stats.Decrypted != 1 || stats.Failures != 0 {
		t.Errorf("unexpected stats: %+v", stats)
	}

	events, _ := auditLog.GetEvents(ctx, map[string]interface{}{"userId": "u1"})
	if len(events) != 2 {
		t.Errorf("expected 2 audit events, got %d", len(events))
	}
}

func TestDecryptFieldsErrors(t *testing.T) {
	svc := NewService(nil)
	ctx := context.Background()
	dek, _ := envelope.RandomKey()
	otherDEK, _ := envelope.RandomKey()

	arrayBlob, err := envelope.Encrypt([]byte(`["not","an","object"]`), dek)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	validBlob, err := svc.Encrypt(ctx, map[string]any{"name": "Bob"}, dek)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}

	tests := []struct {
		name    string
		blob    string
		key     []byte
		notJSON bool
	}{
		{name: "wrong key", blob: validBlob, key: otherDEK},
		{name: "garbage", blob: "not base64!", key: dek},
		{name: "array payload", blob: arrayBlob, key: dek, notJSON: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Decrypt(ctx, tt.blob, tt.key)
			if !errors.Is(err, types.ErrDecryption) {
				t.Fatalf("expected ErrDecryption, got %v", err)
			}
			if tt.notJSON && !errors.Is(err, ErrNotJSONObject) {
				t.Errorf("expected ErrNotJSONObject, got %v", err)
			}
		})
	}
}

func TestEncryptNilFields(t *testing.T) {
	svc := NewService(nil)
	dek, _ := envelope.RandomKey()
	blob, err := svc.Encrypt(context.Background(), nil, dek)
	if err != nil {
		t.Fatalf("Encrypt() failed: %v", err)
	}
	got, err := svc.Decrypt(context.Background(), blob, dek)
	if err != nil {
		t.Fatalf("Decrypt() failed: %v", err)
	}
	if len(got) != 0 {
		t.Errorf("expected empty map, got %v", got)
	}
}
