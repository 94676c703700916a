package dek

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache/storage"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type splitFixture struct {
	manager *Manager
	split   *cache.SplitDEKCache
	clock   *testClock
	backend *storage.MemoryAdapter
}

func newSplitFixture(t *testing.T, serverKey *kms.ServerCacheKey) *splitFixture {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 5, 4, 8, 0, 0, 0, time.UTC)}
	backend := storage.NewMemoryAdapter(storage.WithClock(clock.Now), storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = backend.Shutdown() })
	split := cache.NewSplitDEKCache(backend, 0).WithClock(clock.Now)
	if serverKey == nil {
		serverKey, _ = kms.NewEphemeralServerCacheKey()
	}
	return &splitFixture{
		manager: NewManager(envelope.NewKeyDeriver(testIterations), nil, nil, split, serverKey),
		split:   split,
		clock:   clock,
		backend: backend,
	}
}

func TestStrategyResolution(t *testing.T) {
	m := newTestManager()
	tests := []struct {
		tier     types.SecurityTier
		extended bool
		wantErr  error
	}{
		{tier: types.TierHigh, extended: false},
		{tier: types.TierConvenience, extended: true},
		{tier: types.TierBalanced, wantErr: types.ErrConfiguration},
		{tier: "paranoid", wantErr: types.ErrInvalidRequest},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			s, err := m.Strategy(tt.tier)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("Strategy(%q) error = %v, want %v", tt.tier, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if s.Tier() != tt.tier || s.AllowsExtendedSession() != tt.extended {
				t.Errorf("Strategy(%q) = %s extended=%v", tt.tier, s.Tier(), s.AllowsExtendedSession())
			}
		})
	}
}

func TestDirectStrategy(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestManager().Strategy(types.TierConvenience)
	dek, _ := envelope.RandomKey()

	cred, err := s.Issue(ctx, "u1", "tok", dek)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	if cred != base64.StdEncoding.EncodeToString(dek) {
		t.Errorf("direct credential should be base64(DEK)")
	}
	got, err := s.Reconstruct(ctx, "u1", "other-token", cred)
	if err != nil || !bytes.Equal(got, dek) {
		t.Errorf("Reconstruct() = %v", err)
	}

	for _, bad := range []string{"", "%%%", base64.StdEncoding.EncodeToString([]byte("short"))} {
		if _, err := s.Reconstruct(ctx, "u1", "tok", bad); !errors.Is(err, types.ErrInvalidRequest) {
			t.Errorf("Reconstruct(%q) = %v, want ErrInvalidRequest", bad, err)
		}
	}
}

func TestSplitStrategySlidingExpiry(t *testing.T) {
	ctx := context.Background()
	f := newSplitFixture(t, nil)
	s, err := f.manager.Strategy(types.TierBalanced)
	if err != nil {
		t.Fatalf("Strategy(balanced) failed: %v", err)
	}
	dek, _ := envelope.RandomKey()

	cred, err := s.Issue(ctx, "u1", "tok-1", dek)
	if err != nil {
		t.Fatalf("Issue() failed: %v", err)
	}
	if cred == base64.StdEncoding.EncodeToString(dek) {
		t.Fatalf("balanced credential must not be the DEK")
	}

	// Each hit slides the window
	for i := 0; i < 3; i++ {
		f.clock.Advance(20 * time.Minute)
		got, err := s.Reconstruct(ctx, "u1", "tok-1", cred)
		if err != nil {
			t.Fatalf("Reconstruct() after %d slides failed: %v", i+1, err)
		}
		if !bytes.Equal(got, dek) {
			t.Fatalf("Reconstruct() returned a different key")
		}
	}

	if _, err := s.Reconstruct(ctx, "u1", "tok-2", cred); !errors.Is(err, types.ErrReauthenticationRequired) {
		t.Errorf("other token = %v, want ErrReauthenticationRequired", err)
	}

	f.clock.Advance(31 * time.Minute)
	if _, err := s.Reconstruct(ctx, "u1", "tok-1", cred); !errors.Is(err, types.ErrReauthenticationRequired) {
		t.Errorf("after expiry = %v, want ErrReauthenticationRequired", err)
	}
}

func TestSplitStrategyRotateAndRevoke(t *testing.T) {
	ctx := context.Background()
	f := newSplitFixture(t, nil)
	s, _ := f.manager.Strategy(types.TierBalanced)
	dek, _ := envelope.RandomKey()
	cred, _ := s.Issue(ctx, "u1", "old", dek)

	if err := s.Rotate(ctx, "u1", "old", "new"); err != nil {
		t.Fatalf("Rotate() failed: %v", err)
	}
	if _, err := s.Reconstruct(ctx, "u1", "old", cred); !errors.Is(err, types.ErrReauthenticationRequired) {
		t.Errorf("old token still reconstructs: %v", err)
	}
	if got, err := s.Reconstruct(ctx, "u1", "new", cred); err != nil || !bytes.Equal(got, dek) {
		t.Errorf("new token reconstruct = %v", err)
	}

	if err := f.manager.RevokeAll(ctx, "u1", "new"); err != nil {
		t.Fatalf("RevokeAll() failed: %v", err)
	}
	if _, err := s.Reconstruct(ctx, "u1", "new", cred); !errors.Is(err, types.ErrReauthenticationRequired) {
		t.Errorf("revoked token = %v", err)
	}
}

func TestManagerRotateAll(t *testing.T) {
	ctx := context.Background()
	f := newSplitFixture(t, nil)
	s, _ := f.manager.Strategy(types.TierBalanced)
	dek, _ := envelope.RandomKey()
	cred, _ := s.Issue(ctx, "u1", "old", dek)

	if err := f.manager.RotateAll(ctx, "u1", "old", "new"); err != nil {
		t.Fatalf("RotateAll() failed: %v", err)
	}
	if got, err := s.Reconstruct(ctx, "u1", "new", cred); err != nil || !bytes.Equal(got, dek) {
		t.Errorf("rotated reconstruct = %v", err)
	}
	// high and convenience sessions have nothing to move
	if err := f.manager.RotateAll(ctx, "u2", "a", "b"); err != nil {
		t.Errorf("RotateAll() without entry = %v", err)
	}
	if err := newTestManager().RotateAll(ctx, "u1", "a", "b"); err != nil {
		t.Errorf("RotateAll() without split cache = %v", err)
	}
}

func TestSplitStrategyServerKeyChange(t *testing.T) {
	ctx := context.Background()
	f := newSplitFixture(t, nil)
	s, _ := f.manager.Strategy(types.TierBalanced)
	dek, _ := envelope.RandomKey()
	cred, _ := s.Issue(ctx, "u1", "tok", dek)

	// Same cache, new process key
	otherKey, _ := kms.NewEphemeralServerCacheKey()
	restarted := NewManager(envelope.NewKeyDeriver(testIterations), nil, nil, f.split, otherKey)
	rs, _ := restarted.Strategy(types.TierBalanced)

	if _, err := rs.Reconstruct(ctx, "u1", "tok", cred); !errors.Is(err, types.ErrReauthenticationRequired) {
		t.Errorf("Reconstruct() with rotated server key = %v, want ErrReauthenticationRequired", err)
	}
	if ok, _ := f.backend.Exists(ctx, "dek:u1:tok"); ok {
		t.Errorf("unreadable entry should be dropped")
	}
}
