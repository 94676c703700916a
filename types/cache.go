package types

import (
	"crypto/subtle"
	"errors"
	"runtime"
	"time"
)

// ErrNotFound is returned by cache reads for absent or expired keys
var ErrNotFound = errors.New("key not found in cache")

const (
	// DefaultSplitDEKTTL is the sliding lifetime of a cached server part
	DefaultSplitDEKTTL = 30 * time.Minute

	// MaxBlacklistTTL caps how long a revoked token is remembered
	MaxBlacklistTTL = 30 * 24 * time.Hour
)

// SecureBytes holds cached key material. The bytes are zeroed on Clear or,
// failing that, when the value is collected.
type SecureBytes struct {
	data []byte
}

// NewSecureBytes copies data; the caller keeps ownership of its slice
func NewSecureBytes(data []byte) *SecureBytes {
	sb := &SecureBytes{data: make([]byte, len(data))}
	subtle.ConstantTimeCopy(1, sb.data, data)
	runtime.SetFinalizer(sb, (*SecureBytes).Clear)
	return sb
}

// Clear zeroes the bytes and drops them
func (s *SecureBytes) Clear() {
	if s == nil || s.data == nil {
		return
	}
	clear(s.data)
	runtime.KeepAlive(s.data)
	s.data = nil
}

// Get returns a copy of the bytes
func (s *SecureBytes) Get() []byte {
	if s == nil || s.data == nil {
		return nil
	}
	result := make([]byte, len(s.data))
	subtle.ConstantTimeCopy(1, result, s.data)
	return result
}

// Len returns the number of stored bytes
func (s *SecureBytes) Len() int {
	if s == nil {
		return 0
	}
	return len(s.data)
}

// CacheEntry is a single value held by an in-process cache backend.
// Exactly one of Value, Counter or Members is meaningful for a given key.
type CacheEntry struct {
	Value   *SecureBytes
	Counter int64
	Members map[string]struct{}
	Kind    CacheEntryKind
}

// CacheEntryKind discriminates the payload of a CacheEntry
type CacheEntryKind int

const (
	EntryBytes CacheEntryKind = iota
	EntryCounter
	EntrySet
)

// Clear securely wipes the entry
func (e *CacheEntry) Clear() {
	if e.Value != nil {
		e.Value.Clear()
		e.Value = nil
	}
	e.Members = nil
	e.Counter = 0
}

// CacheStats reports the in-process cache counters
type CacheStats struct {
	Size        int       `json:"size"`
	Hits        int64     `json:"hits"`
	Misses      int64     `json:"misses"`
	Evictions   int64     `json:"evictions"`
	LastPurged  time.Time `json:"lastPurged"`
	LastAccess  time.Time `json:"lastAccess"`
	LastUpdated time.Time `json:"lastUpdated"`
}
