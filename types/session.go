package types

import (
	"fmt"
	"strings"
	"time"
)

// Role is the authorization role of an account
type Role string

const (
	RoleUser             Role = "user"
	RoleInstitutionAdmin Role = "institution_admin"
	RoleSuperAdmin       Role = "super_admin"
	RoleService          Role = "service"
)

// IsAdmin reports whether the role gets the short admin session lifetime
func (r Role) IsAdmin() bool {
	return r == RoleInstitutionAdmin || r == RoleSuperAdmin
}

// SecurityTier selects how the DEK travels between requests
type SecurityTier string

const (
	TierHigh        SecurityTier = "high"
	TierBalanced    SecurityTier = "balanced"
	TierConvenience SecurityTier = "convenience"
)

// DefaultSecurityTier is used when an account never chose a tier
const DefaultSecurityTier = TierBalanced

// Valid reports whether t names a known tier
func (t SecurityTier) Valid() bool {
	return t == TierHigh || t == TierBalanced || t == TierConvenience
}

// ParseSecurityTier validates a tier name. An empty name yields the default.
func ParseSecurityTier(s string) (SecurityTier, error) {
	switch SecurityTier(strings.ToLower(strings.TrimSpace(s))) {
	case "":
		return DefaultSecurityTier, nil
	case TierHigh:
		return TierHigh, nil
	case TierBalanced:
		return TierBalanced, nil
	case TierConvenience:
		return TierConvenience, nil
	default:
		return "", fmt.Errorf("%w: unknown security tier %q", ErrInvalidRequest, s)
	}
}

// SessionInfo is the cached identity snapshot stored under session:{token}
type SessionInfo struct {
	ID            string       `json:"id"`
	Username      string       `json:"username"`
	Role          Role         `json:"role"`
	InstitutionID string       `json:"institution_id,omitempty"`
	IsAdmin       bool         `json:"is_admin"`
	IssuedAt      time.Time    `json:"issued_at"`
	KeepLoggedIn  bool         `json:"keep_logged_in"`
	SecurityTier  SecurityTier `json:"security_tier,omitempty"`
}

// SessionFromUser builds a session snapshot from an identity provider user record
func SessionFromUser(user Record, issuedAt time.Time, keepLoggedIn bool, tier SecurityTier) *SessionInfo {
	role := Role(user.String(FieldRole))
	if role == "" {
		role = RoleUser
	}
	return &SessionInfo{
		ID:            user.ID(),
		Username:      user.String(FieldUsername),
		Role:          role,
		InstitutionID: user.String(FieldInstitution),
		IsAdmin:       role.IsAdmin(),
		IssuedAt:      issuedAt.UTC(),
		KeepLoggedIn:  keepLoggedIn,
		SecurityTier:  tier,
	}
}

// AuthResult is what the identity provider returns for a successful
// password login or token refresh.
type AuthResult struct {
	Token string
	User  Record
}
