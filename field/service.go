// Package field encrypts per-user JSON field sets under the user's DEK
package field

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
)

// ErrNotJSONObject is returned when a decrypted payload is not a JSON object
var ErrNotJSONObject = errors.New("decrypted payload is not a JSON object")

// Stats counts field operations
type Stats struct {
	Encrypted int64 `json:"encrypted"`
	Decrypted int64 `json:"decrypted"`
	Failures  int64 `json:"failures"`
}

// Service encrypts and decrypts field maps as a single EncryptedFieldBlob
type Service struct {
	logger    interfaces.AuditLogger
	encrypted atomic.Int64
	decrypted atomic.Int64
	failures  atomic.Int64
}

// NewService creates a field encryption service. logger may be nil.
func NewService(logger interfaces.AuditLogger) *Service {
	log.Debug().
		Bool("hasLogger", logger != nil).
		Msg("Creating new field service")
	return &Service{logger: logger}
}

// Encrypt serializes fields to a JSON object and seals it under dek
func (s *Service) Encrypt(ctx context.Context, fields map[string]any, dek []byte) (string, error) {
	if fields == nil {
		fields = map[string]any{}
	}

	payload, err := json.Marshal(fields)
	if err != nil {
		s.failures.Add(1)
		return "", fmt.Errorf("failed to marshal fields: %w", err)
	}

	blob, err := envelope.Encrypt(payload, dek)
	s.audit(ctx, audit.EventTypeFieldEncrypt, audit.OperationEncrypt, len(fields), err)
	if err != nil {
		s.failures.Add(1)
		return "", fmt.Errorf("failed to encrypt fields: %w", err)
	}

	s.encrypted.Add(1)
	return blob, nil
}

// Decrypt opens blob with dek and parses the JSON object inside
func (s *Service) Decrypt(ctx context.Context, blob string, dek []byte) (map[string]any, error) {
	payload, err := envelope.Decrypt(blob, dek)
	if err != nil {
		s.failures.Add(1)
		s.audit(ctx, audit.EventTypeFieldDecrypt, audit.OperationDecrypt, 0, err)
		return nil, fmt.Errorf("failed to decrypt fields: %w", err)
	}

	var fields map[string]any
	if err := json.Unmarshal(payload, &fields); err != nil || fields == nil {
		s.failures.Add(1)
		wrapped := &envelope.DecryptionError{Kind: envelope.DecryptMalformed, Err: ErrNotJSONObject}
		s.audit(ctx, audit.EventTypeFieldDecrypt, audit.OperationDecrypt, 0, wrapped)
		return nil, wrapped
	}

	s.decrypted.Add(1)
	s.audit(ctx, audit.EventTypeFieldDecrypt, audit.OperationDecrypt, len(fields), nil)
	return fields, nil
}

// GetStats returns operation counters
func (s *Service) GetStats() Stats {
	return Stats{
		Encrypted: s.encrypted.Load(),
		Decrypted: s.decrypted.Load(),
		Failures:  s.failures.Load(),
	}
}

func (s *Service) audit(ctx context.Context, eventType, operation string, count int, err error) {
	if s.logger == nil {
		return
	}
	audit.Record(ctx, s.logger, eventType, operation, "", err, map[string]string{
		string(audit.KeyCount): fmt.Sprintf("%d", count),
	})
}
