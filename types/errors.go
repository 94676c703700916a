package types

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Error taxonomy shared by every package. Callers wrap these with %w and
// boundaries classify with errors.Is / errors.As.
var (
	ErrAuthenticationFailure    = errors.New("authentication failed")
	ErrCurrentPasswordIncorrect = errors.New("current password is incorrect")
	ErrForbidden                = errors.New("forbidden")
	ErrRateLimited              = errors.New("too many requests")
	ErrDecryption               = errors.New("decryption failed")
	ErrUpstreamUnavailable      = errors.New("identity provider unavailable")
	ErrReauthenticationRequired = errors.New("re-authentication required")
	ErrConfiguration            = errors.New("configuration error")
	ErrPasswordChangeInProgress = errors.New("password change already in progress")
	ErrInvalidRequest           = errors.New("invalid request")
	ErrRecordNotFound           = errors.New("record not found")
)

// RateLimitError reports an exhausted login budget together with the time
// until the window resets.
type RateLimitError struct {
	Scope      string
	RetryAfter time.Duration
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("too many requests for %s, retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// Is makes errors.Is(err, ErrRateLimited) hold for every RateLimitError
func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

// RetryAfterSeconds is the value for a Retry-After header, never below one.
func (e *RateLimitError) RetryAfterSeconds() int {
	secs := int(e.RetryAfter.Round(time.Second) / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}

// HTTPStatus maps an error from this module to the status code a transport
// layer should answer with. Unknown errors map to 500.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrRateLimited):
		return http.StatusTooManyRequests
	case errors.Is(err, ErrCurrentPasswordIncorrect), errors.Is(err, ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, ErrReauthenticationRequired), errors.Is(err, ErrAuthenticationFailure):
		return http.StatusUnauthorized
	case errors.Is(err, ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrPasswordChangeInProgress):
		return http.StatusConflict
	case errors.Is(err, ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// ErrorCode returns a stable machine-readable code for an error.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrCurrentPasswordIncorrect):
		return "current_password_incorrect"
	case errors.Is(err, ErrInvalidRequest):
		return "invalid_request"
	case errors.Is(err, ErrReauthenticationRequired):
		return "reauthentication_required"
	case errors.Is(err, ErrAuthenticationFailure):
		return "authentication_failed"
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrRecordNotFound):
		return "not_found"
	case errors.Is(err, ErrPasswordChangeInProgress):
		return "password_change_in_progress"
	case errors.Is(err, ErrUpstreamUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, ErrDecryption):
		return "decryption_failed"
	case errors.Is(err, ErrConfiguration):
		return "configuration_error"
	default:
		return "internal_error"
	}
}
