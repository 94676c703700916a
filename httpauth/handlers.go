package httpauth

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/auth"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/coordinator"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

// Handlers exposes the authentication flows as JSON endpoints
type Handlers struct {
	auth        *auth.Service
	coordinator *coordinator.Coordinator
	middleware  *Middleware
}

// NewHandlers creates the endpoint set
func NewHandlers(service *auth.Service, coord *coordinator.Coordinator, middleware *Middleware) *Handlers {
	return &Handlers{auth: service, coordinator: coord, middleware: middleware}
}

// Register mounts the endpoints on r:
//
//	POST /login, POST /verify-magic-word, POST /register, POST /logout
//	POST /password (authenticated), GET /me (authenticated)
func (h *Handlers) Register(r gin.IRouter) {
	r.POST("/login", h.Login)
	r.POST("/verify-magic-word", h.VerifyMagicWord)
	r.POST("/register", h.Registration)
	r.POST("/logout", h.Logout)

	authed := r.Group("", h.middleware.Authenticate())
	authed.POST("/password", h.ChangePassword)
	authed.GET("/me", h.Me)
}

type sessionResponse struct {
	User         *types.SessionInfo `json:"user"`
	MaxAge       int                `json:"max_age"`
	SecurityTier types.SecurityTier `json:"security_tier"`
}

// Login handles POST /login
func (h *Handlers) Login(c *gin.Context) {
	var req types.LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.Join(types.ErrInvalidRequest, err))
		return
	}
	req.ClientIP = c.ClientIP()

	res, err := h.auth.Login(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	h.writeSession(c, res)
}

// VerifyMagicWord handles POST /verify-magic-word and answers with the
// one-time registration token
func (h *Handlers) VerifyMagicWord(c *gin.Context) {
	var req types.MagicWordRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.Join(types.ErrInvalidRequest, err))
		return
	}
	req.ClientIP = c.ClientIP()

	grant, err := h.auth.VerifyMagicWord(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":    true,
		"token":      grant.Token,
		"expires_in": maxAgeSeconds(grant.ExpiresIn),
	})
}

// Registration handles POST /register
func (h *Handlers) Registration(c *gin.Context) {
	var req types.RegistrationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.Join(types.ErrInvalidRequest, err))
		return
	}
	req.ClientIP = c.ClientIP()

	res, err := h.auth.Register(c.Request.Context(), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	h.writeSession(c, res)
}

// Logout handles POST /logout. Cookies are cleared even if the session
// was already gone.
func (h *Handlers) Logout(c *gin.Context) {
	token := h.middleware.token(c)
	cookies := h.middleware.Cookies()
	if token == "" {
		cookies.ClearCredentials(c)
		c.Status(http.StatusNoContent)
		return
	}
	if err := h.auth.Logout(c.Request.Context(), token); err != nil {
		h.middleware.logger.Warn().Err(err).Msg("Logout incomplete")
	}
	cookies.ClearCredentials(c)
	c.Status(http.StatusNoContent)
}

// ChangePassword handles POST /password. Both cookies are replaced with the
// credentials of the new session.
func (h *Handlers) ChangePassword(c *gin.Context) {
	sess, _ := SessionFrom(c)
	var req types.PasswordChangeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		AbortWithError(c, errors.Join(types.ErrInvalidRequest, err))
		return
	}

	res, err := h.coordinator.ChangePassword(c.Request.Context(), sess, TokenFrom(c), req)
	if err != nil {
		AbortWithError(c, err)
		return
	}
	h.middleware.Cookies().SetCredentials(c, res.Token, res.Credential, res.MaxAge)
	c.JSON(http.StatusOK, gin.H{
		"user":                 res.Session,
		"max_age":              maxAgeSeconds(res.MaxAge),
		"invalidated_sessions": res.InvalidatedSessions,
	})
}

// Me handles GET /me: the session plus the decrypted profile fields
func (h *Handlers) Me(c *gin.Context) {
	sess, _ := SessionFrom(c)
	fields, err := h.auth.DecryptUserFields(c.Request.Context(), sess, TokenFrom(c), CredentialFrom(c))
	if err != nil {
		if errors.Is(err, types.ErrReauthenticationRequired) {
			h.middleware.Cookies().ClearCredentials(c)
		}
		AbortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"user":   sess,
		"fields": fields,
	})
}

func (h *Handlers) writeSession(c *gin.Context, res *types.LoginResult) {
	h.middleware.Cookies().SetCredentials(c, res.Token, res.Credential, res.MaxAge)
	c.JSON(http.StatusOK, sessionResponse{
		User:         res.Session,
		MaxAge:       maxAgeSeconds(res.MaxAge),
		SecurityTier: res.Session.SecurityTier,
	})
}
