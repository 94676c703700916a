package interfaces

// This file is the single source of truth for interfaces shared across packages.

import (
	"context"
	"time"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Cache is the key/value store with TTL that backs sessions, blacklist
// entries, rate-limit counters and split-DEK parts.
// Get and TTL return types.ErrNotFound for missing or expired keys.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, keys ...string) error
	Exists(ctx context.Context, key string) (bool, error)

	// SetNX stores value only if key is absent and reports whether it did
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)

	// Increment adds one to a counter, creating it at 1
	Increment(ctx context.Context, key string) (int64, error)
	Expire(ctx context.Context, key string, ttl time.Duration) error

	// TTL returns the remaining lifetime, zero for keys without expiry
	TTL(ctx context.Context, key string) (time.Duration, error)

	// Keys lists keys matching a glob pattern. Linear in keyspace size.
	Keys(ctx context.Context, pattern string) ([]string, error)

	SetAdd(ctx context.Context, key string, members ...string) error
	SetRemove(ctx context.Context, key string, members ...string) error
	SetMembers(ctx context.Context, key string) ([]string, error)
}

// RecordStore is the external document store.
// Get returns types.ErrRecordNotFound when the record does not exist.
type RecordStore interface {
	Get(ctx context.Context, collection, id string) (types.Record, error)
	Query(ctx context.Context, collection string, filter map[string]any, limit int) ([]types.Record, error)
	Create(ctx context.Context, collection string, record types.Record) (types.Record, error)
	Update(ctx context.Context, collection, id string, fields types.Record) (types.Record, error)
	Delete(ctx context.Context, collection, id string) error
}

// IdentityProvider is the authoritative source of users and tokens.
// Implementations return types.ErrAuthenticationFailure for rejected
// credentials and types.ErrUpstreamUnavailable when they cannot be reached.
type IdentityProvider interface {
	AuthWithPassword(ctx context.Context, identity, password string) (*types.AuthResult, error)

	// AuthRefresh validates token and returns either the same or a rotated token
	AuthRefresh(ctx context.Context, token string) (*types.AuthResult, error)

	GetUser(ctx context.Context, token, userID string) (types.Record, error)
	UpdateUser(ctx context.Context, token, userID string, fields types.Record) (types.Record, error)
	CreateUser(ctx context.Context, fields types.Record) (types.Record, error)
	TouchLastSeen(ctx context.Context, token, userID string, at time.Time) error
}

// AuditLogger defines the interface for audit logging
type AuditLogger interface {
	Printf(format string, v ...interface{})
	LogEvent(ctx context.Context, event *types.AuditEvent) error
	GetEvents(ctx context.Context, filter map[string]interface{}) ([]*types.AuditEvent, error)
}
