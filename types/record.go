package types

import (
	"time"
)

// User record field names shared by the identity providers and the stores
const (
	FieldID              = "id"
	FieldUsername        = "username"
	FieldRole            = "role"
	FieldInstitution     = "institution"
	FieldSalt            = "salt"
	FieldUserWrappedDEK  = "user_wrapped_dek"
	FieldAdminWrappedDEK = "admin_wrapped_dek"
	FieldEncryptedFields = "encrypted_fields"
	FieldSecurityTier    = "security_tier"
	FieldLastSeen        = "lastSeen"

	FieldPassword        = "password"
	FieldPasswordConfirm = "passwordConfirm"
	FieldOldPassword     = "oldPassword"

	FieldAdminPublicKey        = "admin_public_key"
	FieldShortCode             = "short_code"
	FieldRegistrationMagicWord = "registration_magic_word"
	FieldActive                = "active"
)

// Collection names
const (
	CollectionUsers        = "users"
	CollectionInstitutions = "institutions"
)

// Record is a schemaless document exchanged with the record store and the
// identity provider.
type Record map[string]any

// ID returns the record identifier
func (r Record) ID() string {
	return r.String(FieldID)
}

// String returns a field as string, or "" when absent or not a string
func (r Record) String(key string) string {
	if r == nil {
		return ""
	}
	s, _ := r[key].(string)
	return s
}

// Bool returns a field as bool
func (r Record) Bool(key string) bool {
	if r == nil {
		return false
	}
	b, _ := r[key].(bool)
	return b
}

// Time parses a field holding an RFC 3339 timestamp or a time.Time
func (r Record) Time(key string) (time.Time, bool) {
	if r == nil {
		return time.Time{}, false
	}
	switch v := r[key].(type) {
	case time.Time:
		return v, true
	case string:
		t, err := time.Parse(time.RFC3339Nano, v)
		return t, err == nil
	default:
		return time.Time{}, false
	}
}

// Clone returns a shallow copy
func (r Record) Clone() Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}

// Without returns a shallow copy lacking the given keys
func (r Record) Without(keys ...string) Record {
	out := r.Clone()
	for _, k := range keys {
		delete(out, k)
	}
	return out
}
