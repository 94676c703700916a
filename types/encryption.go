package types

import "time"

// UserEncryptionData is produced at registration and persisted on the user record
type UserEncryptionData struct {
	Salt            string `json:"salt"`
	UserWrappedDEK  string `json:"user_wrapped_dek"`
	AdminWrappedDEK string `json:"admin_wrapped_dek"`

	// DEK is the plaintext key, handed back for the auto-login that follows
	// registration. It is never persisted.
	DEK []byte `json:"-"`
}

// PasswordChangeData is the re-wrapped key material after a password change.
// The admin wrap is intentionally absent: it never changes.
type PasswordChangeData struct {
	Salt           string `json:"salt"`
	UserWrappedDEK string `json:"user_wrapped_dek"`
}

// PasswordChangeRequest carries the user's input for a password change
type PasswordChangeRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
	ConfirmPassword string `json:"confirm_password"`
}

// PasswordChangeResult is returned to the transport layer, which replaces
// both credential cookies with the values here.
type PasswordChangeResult struct {
	Token               string
	Credential          string
	MaxAge              time.Duration
	Session             *SessionInfo
	InvalidatedSessions int
}

// LoginRequest carries a password login
type LoginRequest struct {
	Identity     string       `json:"identity"`
	Password     string       `json:"password"`
	KeepLoggedIn bool         `json:"keep_logged_in"`
	SecurityTier SecurityTier `json:"security_tier,omitempty"`
	ClientIP     string       `json:"-"`
}

// LoginResult is a fresh session plus the tier credential
type LoginResult struct {
	Token      string
	Credential string
	MaxAge     time.Duration
	Session    *SessionInfo
}

// RegistrationRequest carries a self-service account creation. The
// institution comes from the registration token, never from the client.
type RegistrationRequest struct {
	RegistrationToken string `json:"registration_token"`

	Identity        string       `json:"identity"`
	Password        string       `json:"password"`
	PasswordConfirm string       `json:"password_confirm"`
	Name            string       `json:"name"`
	KeepLoggedIn    bool         `json:"keep_logged_in"`
	SecurityTier    SecurityTier `json:"security_tier,omitempty"`
	ClientIP        string       `json:"-"`
}

// MagicWordRequest asks for a registration token for an institution
type MagicWordRequest struct {
	InstitutionShortCode string `json:"institution_short_code"`
	MagicWord            string `json:"magic_word"`
	ClientIP             string `json:"-"`
}

// RegistrationGrant is the one-time token handed out for a verified magic word
type RegistrationGrant struct {
	Token         string        `json:"token"`
	InstitutionID string        `json:"-"`
	ExpiresIn     time.Duration `json:"-"`
}
