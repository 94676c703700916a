// Package httpauth carries session credentials over HTTP: gin middleware
// that validates the session cookie, cookie helpers and JSON error replies.
package httpauth

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/audit"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/session"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// gin context keys
const (
	ContextKeySession    = "credential.session"
	ContextKeyToken      = "credential.token"
	ContextKeyCredential = "credential.dek"
)

// Middleware authenticates requests against the session validator
type Middleware struct {
	validator *session.Validator
	cookies   CookieOptions
	logger    zerolog.Logger
}

// NewMiddleware creates the middleware
func NewMiddleware(validator *session.Validator, cookies CookieOptions) *Middleware {
	return &Middleware{
		validator: validator,
		cookies:   cookies.withDefaults(),
		logger:    log.With().Str("component", "httpauth").Logger(),
	}
}

// Cookies returns the cookie options in use
func (m *Middleware) Cookies() CookieOptions {
	return m.cookies
}

// Authenticate validates the session token and stores the session, the
// current token and the DEK credential on the gin context. On rotation both
// cookies are written back with the new lifetime before the handler runs.
func (m *Middleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := m.token(c)
		result, err := m.validator.Validate(c.Request.Context(), token)
		if err != nil {
			if result.State == session.StateRejected || result.State == session.StateBlacklisted {
				m.cookies.ClearCredentials(c)
			}
			m.logger.Debug().
				Err(err).
				Str("state", result.State.String()).
				Str("token", audit.TokenPrefix(token)).
				Msg("Request not authenticated")
			AbortWithError(c, err)
			return
		}

		credential, _ := c.Cookie(m.cookies.DEKName)
		if result.Rotated {
			if credential != "" {
				m.cookies.SetCredentials(c, result.Token, credential, result.TTL)
			} else {
				m.cookies.SetToken(c, result.Token, result.TTL)
			}
		}

		c.Set(ContextKeySession, result.Session)
		c.Set(ContextKeyToken, result.Token)
		c.Set(ContextKeyCredential, credential)
		c.Next()
	}
}

// RequireAdmin rejects sessions without an admin role. It must run after
// Authenticate.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := SessionFrom(c)
		if !ok {
			AbortWithError(c, types.ErrAuthenticationFailure)
			return
		}
		if !sess.IsAdmin {
			AbortWithError(c, types.ErrForbidden)
			return
		}
		c.Next()
	}
}

// token reads the session cookie, falling back to a bearer header
func (m *Middleware) token(c *gin.Context) string {
	if v, err := c.Cookie(m.cookies.TokenName); err == nil && v != "" {
		return v
	}
	if h := c.GetHeader("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	}
	return ""
}

// SessionFrom returns the session stored by Authenticate
func SessionFrom(c *gin.Context) (*types.SessionInfo, bool) {
	v, ok := c.Get(ContextKeySession)
	if !ok {
		return nil, false
	}
	sess, ok := v.(*types.SessionInfo)
	return sess, ok && sess != nil
}

// TokenFrom returns the current session token, after any rotation
func TokenFrom(c *gin.Context) string {
	return c.GetString(ContextKeyToken)
}

// CredentialFrom returns the DEK credential cookie value
func CredentialFrom(c *gin.Context) string {
	return c.GetString(ContextKeyCredential)
}

// AbortWithError answers with the status and code for err. Internal errors
// never expose their message.
func AbortWithError(c *gin.Context, err error) {
	status := types.HTTPStatus(err)

	var rl *types.RateLimitError
	if errors.As(err, &rl) {
		c.Header("Retry-After", strconv.Itoa(rl.RetryAfterSeconds()))
	}

	message := err.Error()
	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		message = http.StatusText(status)
		log.Error().Err(err).Str("path", c.FullPath()).Msg("Request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error":   types.ErrorCode(err),
		"message": message,
	})
}
