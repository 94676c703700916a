package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

var _ interfaces.Cache = (*GarnetAdapter)(nil)

// scanBatch is the COUNT hint for SCAN iterations
const scanBatch = 500

// GarnetAdapter implements interfaces.Cache on a Garnet or Redis server,
// adding namespacing. Every key is stored as keyPrefix + key.
type GarnetAdapter struct {
	client    redis.UniversalClient
	keyPrefix string
}

// NewGarnetAdapter creates a new adapter. If keyPrefix is empty, no prefixing is applied.
func NewGarnetAdapter(client redis.UniversalClient, keyPrefix string) *GarnetAdapter {
	return &GarnetAdapter{
		client:    client,
		keyPrefix: keyPrefix,
	}
}

// NewGarnetAdapterFromURL dials a server from a redis:// URL
func NewGarnetAdapterFromURL(url, keyPrefix string) (*GarnetAdapter, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid cache URL: %w", err)
	}
	return NewGarnetAdapter(redis.NewClient(opts), keyPrefix), nil
}

// prefixedKey returns the key with the prefix prepended
func (g *GarnetAdapter) prefixedKey(key string) string {
	return g.keyPrefix + key
}

func (g *GarnetAdapter) prefixedKeys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = g.prefixedKey(k)
	}
	return out
}

// Set stores a value using the prefixed key
func (g *GarnetAdapter) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	return g.client.Set(ctx, g.prefixedKey(key), value, ttl).Err()
}

// SetNX stores value only if the prefixed key is absent
func (g *GarnetAdapter) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	if ttl < 0 {
		ttl = 0
	}
	return g.client.SetNX(ctx, g.prefixedKey(key), value, ttl).Result()
}

// Get retrieves a value, mapping redis.Nil to types.ErrNotFound
func (g *GarnetAdapter) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := g.client.Get(ctx, g.prefixedKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, types.ErrNotFound
	}
	return val, err
}

// Delete removes keys
func (g *GarnetAdapter) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return g.client.Del(ctx, g.prefixedKeys(keys)...).Err()
}

// Exists reports whether the key exists
func (g *GarnetAdapter) Exists(ctx context.Context, key string) (bool, error) {
	n, err := g.client.Exists(ctx, g.prefixedKey(key)).Result()
	return n > 0, err
}

// Increment runs INCR
func (g *GarnetAdapter) Increment(ctx context.Context, key string) (int64, error) {
	return g.client.Incr(ctx, g.prefixedKey(key)).Result()
}

// Expire runs EXPIRE
func (g *GarnetAdapter) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return g.client.Expire(ctx, g.prefixedKey(key), ttl).Err()
}

// TTL returns the remaining lifetime. Redis reports -2 for missing keys and
// -1 for keys without expiry; go-redis passes those through as durations.
func (g *GarnetAdapter) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := g.client.PTTL(ctx, g.prefixedKey(key)).Result()
	if err != nil {
		return 0, err
	}
	switch {
	case d == -2:
		return 0, types.ErrNotFound
	case d < 0:
		return 0, nil
	default:
		return d, nil
	}
}

// Keys walks the keyspace with SCAN and strips the prefix from results
func (g *GarnetAdapter) Keys(ctx context.Context, pattern string) ([]string, error) {
	var (
		cursor uint64
		keys   []string
	)
	for {
		batch, next, err := g.client.Scan(ctx, cursor, g.prefixedKey(pattern), scanBatch).Result()
		if err != nil {
			return nil, err
		}
		for _, k := range batch {
			keys = append(keys, k[len(g.keyPrefix):])
		}
		cursor = next
		if cursor == 0 {
			return keys, nil
		}
	}
}

// SetAdd runs SADD
func (g *GarnetAdapter) SetAdd(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return g.client.SAdd(ctx, g.prefixedKey(key), toInterfaces(members)...).Err()
}

// SetRemove runs SREM
func (g *GarnetAdapter) SetRemove(ctx context.Context, key string, members ...string) error {
	if len(members) == 0 {
		return nil
	}
	return g.client.SRem(ctx, g.prefixedKey(key), toInterfaces(members)...).Err()
}

// SetMembers runs SMEMBERS
func (g *GarnetAdapter) SetMembers(ctx context.Context, key string) ([]string, error) {
	return g.client.SMembers(ctx, g.prefixedKey(key)).Result()
}

// Ping checks connectivity
func (g *GarnetAdapter) Ping(ctx context.Context) error {
	return g.client.Ping(ctx).Err()
}

// Close releases the underlying client
func (g *GarnetAdapter) Close() error {
	return g.client.Close()
}

func toInterfaces(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
