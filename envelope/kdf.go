package envelope

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"
)

const (
	// DefaultKDFIterations is the PBKDF2 work factor for password-derived keys
	DefaultKDFIterations = 600000
	// SaltSize is the per-user salt length
	SaltSize = 16
)

// KeyDeriver derives key-encryption keys from passwords with
// PBKDF2-HMAC-SHA256. It is safe for concurrent use.
type KeyDeriver struct {
	iterations int
}

// NewKeyDeriver returns a deriver with the given work factor. Non-positive
// values select DefaultKDFIterations. Callers enforce the production minimum
// through configuration validation.
func NewKeyDeriver(iterations int) *KeyDeriver {
	if iterations <= 0 {
		iterations = DefaultKDFIterations
	}
	return &KeyDeriver{iterations: iterations}
}

// Iterations returns the configured work factor
func (k *KeyDeriver) Iterations() int {
	return k.iterations
}

// Derive returns a 32-byte key for (password, salt)
func (k *KeyDeriver) Derive(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, k.iterations, KeySize, sha256.New)
}

// NewSalt returns SaltSize random bytes
func NewSalt() ([]byte, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(randReader, salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}
