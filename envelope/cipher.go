// Package envelope implements the authenticated blob format used for every
// wrapped key and every encrypted field: base64(nonce || ciphertext || tag).
package envelope

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

const (
	// KeySize is the AES-256 key length
	KeySize = 32
	// NonceSize is the GCM standard nonce length
	NonceSize = 12
	// TagSize is the GCM authentication tag length
	TagSize = 16
)

// DecryptKind tells apart input that could never decrypt from input that
// failed authentication.
type DecryptKind int

const (
	// DecryptMalformed covers bad base64, truncated blobs and bad key sizes
	DecryptMalformed DecryptKind = iota + 1
	// DecryptAuthentication is a tag mismatch: tampered data or wrong key
	DecryptAuthentication
)

func (k DecryptKind) String() string {
	switch k {
	case DecryptMalformed:
		return "malformed"
	case DecryptAuthentication:
		return "authentication"
	default:
		return "unknown"
	}
}

// DecryptionError is returned by Decrypt. It matches types.ErrDecryption.
type DecryptionError struct {
	Kind DecryptKind
	Err  error
}

func (e *DecryptionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("decryption failed (%s)", e.Kind)
	}
	return fmt.Sprintf("decryption failed (%s): %v", e.Kind, e.Err)
}

func (e *DecryptionError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, types.ErrDecryption) hold
func (e *DecryptionError) Is(target error) bool {
	return target == types.ErrDecryption
}

// IsAuthenticationFailure reports whether err is a tag mismatch
func IsAuthenticationFailure(err error) bool {
	var de *DecryptionError
	return errors.As(err, &de) && de.Kind == DecryptAuthentication
}

// randReader is swapped in tests that need deterministic failures
var randReader io.Reader = rand.Reader

func newGCM(key []byte) (cipher.AEAD, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create cipher block: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM cipher: %w", err)
	}
	return gcm, nil
}

// Encrypt seals plaintext under a 32-byte key with a fresh random nonce and
// returns the standard base64 encoding of nonce || ciphertext || tag.
func Encrypt(plaintext, key []byte) (string, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(randReader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, plaintext, nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt opens a blob produced by Encrypt. Every failure is a
// *DecryptionError; tampering is always detected.
func Decrypt(blob string, key []byte) ([]byte, error) {
	decoded, err := base64.StdEncoding.DecodeString(blob)
	if err != nil {
		return nil, &DecryptionError{Kind: DecryptMalformed, Err: fmt.Errorf("failed to decode base64: %w", err)}
	}
	if len(decoded) < NonceSize+TagSize {
		return nil, &DecryptionError{Kind: DecryptMalformed, Err: errors.New("ciphertext too short")}
	}

	gcm, err := newGCM(key)
	if err != nil {
		return nil, &DecryptionError{Kind: DecryptMalformed, Err: err}
	}

	plaintext, err := gcm.Open(nil, decoded[:NonceSize], decoded[NonceSize:], nil)
	if err != nil {
		return nil, &DecryptionError{Kind: DecryptAuthentication, Err: err}
	}
	return plaintext, nil
}

// RandomKey returns a fresh 32-byte key
func RandomKey() ([]byte, error) {
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(randReader, key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}

	// Verify key is not all zeros (extremely unlikely but critical check)
	isZero := true
	for _, b := range key {
		if b != 0 {
			isZero = false
			break
		}
	}
	if isZero {
		return nil, errors.New("generated key is all zeros")
	}
	return key, nil
}
