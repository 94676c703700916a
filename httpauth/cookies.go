package httpauth

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// Default cookie names
const (
	DefaultTokenCookie = "auth_token"
	DefaultDEKCookie   = "dek"
)

// CookieOptions names and scopes the two credential cookies
type CookieOptions struct {
	TokenName string
	DEKName   string
	Domain    string
	Path      string
	// Insecure drops the Secure attribute, for plain-HTTP development only
	Insecure bool
}

func (o CookieOptions) withDefaults() CookieOptions {
	if o.TokenName == "" {
		o.TokenName = DefaultTokenCookie
	}
	if o.DEKName == "" {
		o.DEKName = DefaultDEKCookie
	}
	if o.Path == "" {
		o.Path = "/"
	}
	return o
}

// setCookie writes an HttpOnly, SameSite=Strict cookie. maxAge < 0 deletes it.
func (o CookieOptions) setCookie(c *gin.Context, name, value string, maxAge int) {
	c.SetSameSite(http.SameSiteStrictMode)
	c.SetCookie(name, value, maxAge, o.Path, o.Domain, !o.Insecure, true)
}

// SetCredentials writes the session token and DEK credential cookies with the
// session lifetime as Max-Age.
func (o CookieOptions) SetCredentials(c *gin.Context, token, credential string, ttl time.Duration) {
	maxAge := maxAgeSeconds(ttl)
	o.setCookie(c, o.TokenName, token, maxAge)
	o.setCookie(c, o.DEKName, credential, maxAge)
}

// SetToken replaces only the session token cookie, after a rotation
func (o CookieOptions) SetToken(c *gin.Context, token string, ttl time.Duration) {
	o.setCookie(c, o.TokenName, token, maxAgeSeconds(ttl))
}

// ClearCredentials expires both cookies
func (o CookieOptions) ClearCredentials(c *gin.Context) {
	o.setCookie(c, o.TokenName, "", -1)
	o.setCookie(c, o.DEKName, "", -1)
}

func maxAgeSeconds(ttl time.Duration) int {
	secs := int(ttl / time.Second)
	if secs < 1 {
		return 1
	}
	return secs
}
