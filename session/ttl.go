package session

import (
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Default session lifetimes
const (
	DefaultAdminTTL    = 15 * time.Minute
	DefaultUserTTL     = 8 * time.Hour
	DefaultExtendedTTL = 30 * 24 * time.Hour
)

// minBlacklistTTL keeps a just-expiring token blacklisted long enough to
// cover requests already in flight.
const minBlacklistTTL = time.Second

// TTLPolicy selects a session lifetime from the role and the keep-logged-in flag
type TTLPolicy struct {
	Admin    time.Duration
	Default  time.Duration
	Extended time.Duration
}

// DefaultTTLPolicy returns 15 minutes for admins, 8 hours otherwise and 30 days for
// keep-logged-in sessions.
func DefaultTTLPolicy() TTLPolicy {
	return TTLPolicy{
		Admin:    DefaultAdminTTL,
		Default:  DefaultUserTTL,
		Extended: DefaultExtendedTTL,
	}
}

// For returns the lifetime of a session. Admin roles always get the short
// lifetime, whatever the extended flag says.
func (p TTLPolicy) For(role types.Role, extended bool) time.Duration {
	p = p.withDefaults()
	switch {
	case role.IsAdmin():
		return p.Admin
	case extended:
		return p.Extended
	default:
		return p.Default
	}
}

func (p TTLPolicy) withDefaults() TTLPolicy {
	d := DefaultTTLPolicy()
	if p.Admin <= 0 {
		p.Admin = d.Admin
	}
	if p.Default <= 0 {
		p.Default = d.Default
	}
	if p.Extended <= 0 {
		p.Extended = d.Extended
	}
	return p
}

// BlacklistTTL is how long a revoked token must stay blacklisted: the
// remaining lifetime from its exp claim, capped at types.MaxBlacklistTTL.
// Tokens without a readable exp get the cap.
func BlacklistTTL(token string, now time.Time) time.Duration {
	var claims jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil || claims.ExpiresAt == nil {
		return types.MaxBlacklistTTL
	}
	remaining := claims.ExpiresAt.Time.Sub(now)
	switch {
	case remaining < minBlacklistTTL:
		return minBlacklistTTL
	case remaining > types.MaxBlacklistTTL:
		return types.MaxBlacklistTTL
	default:
		return remaining
	}
}
