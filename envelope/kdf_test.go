package envelope

import (
	"bytes"
	"testing"
)

func TestKeyDeriverDefaults(t *testing.T) {
	if got := NewKeyDeriver(0).Iterations(); got != DefaultKDFIterations {
		t.Errorf("Iterations() = %d, want %d", got, DefaultKDFIterations)
	}
	if got := NewKeyDeriver(-5).Iterations(); got != DefaultKDFIterations {
		t.Errorf("Iterations() = %d, want %d", got, DefaultKDFIterations)
	}
	if DefaultKDFIterations < 600000 {
		t.Errorf("default work factor too low: %d", DefaultKDFIterations)
	}
}

func TestKeyDeriverDerive(t *testing.T) {
	// low work factor keeps the test fast; the algorithm is the same
	kdf := NewKeyDeriver(1000)
	saltA := bytes.Repeat([]byte{0x01}, SaltSize)
	saltB := bytes.Repeat([]byte{0x02}, SaltSize)

	k1 := kdf.Derive("P1", saltA)
	k2 := kdf.Derive("P1", saltA)
	if len(k1) != KeySize {
		t.Fatalf("derived key length = %d, want %d", len(k1), KeySize)
	}
	if !bytes.Equal(k1, k2) {
		t.Errorf("derivation is not deterministic")
	}
	if bytes.Equal(k1, kdf.Derive("P2", saltA)) {
		t.Errorf("different passwords produced the same key")
	}
	if bytes.Equal(k1, kdf.Derive("P1", saltB)) {
		t.Errorf("different salts produced the same key")
	}
	if bytes.Equal(k1, NewKeyDeriver(1001).Derive("P1", saltA)) {
		t.Errorf("different work factors produced the same key")
	}
}

func TestNewSalt(t *testing.T) {
	a, err := NewSalt()
	if err != nil {
		t.Fatalf("NewSalt() failed: %v", err)
	}
	b, _ := NewSalt()
	if len(a) != 16 || SaltSize != 16 {
		t.Errorf("salt length = %d, want 16", len(a))
	}
	if bytes.Equal(a, b) {
		t.Errorf("two salts are equal")
	}
}
