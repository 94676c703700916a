package httpauth

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/json"
	"encoding/pem"
	"net/http"
	"net/http/httptest"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/crypto/bcrypt"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/auth"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/cache/storage"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/coordinator"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/dek"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/envelope"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/identity"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/kms"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/session"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/store"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

var (
	adminKeyOnce sync.Once
	adminPEM     []byte
)

func testAdminPEM(t *testing.T) []byte {
	t.Helper()
	adminKeyOnce.Do(func() {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			t.Fatalf("generate RSA key: %v", err)
		}
		der, err := x509.MarshalPKIXPublicKey(&k.PublicKey)
		if err != nil {
			t.Fatalf("marshal public key: %v", err)
		}
		adminPEM = pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der})
	})
	return adminPEM
}

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type server struct {
	clock    *manualClock
	records  *store.SQLiteStore
	sessions *cache.SessionStore
	router   *gin.Engine
}

func newServer(t *testing.T) *server {
	t.Helper()
	clock := &manualClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}

	records, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore() failed: %v", err)
	}
	t.Cleanup(func() { records.Close() })

	provider, err := identity.NewLocalProvider(records, []byte("0123456789abcdef0123456789abcdef"),
		identity.WithBcryptCost(bcrypt.MinCost),
		identity.WithTokenTTL(2*time.Hour),
		identity.WithRotateWithin(30*time.Minute),
		identity.WithLocalClock(clock.Now),
	)
	if err != nil {
		t.Fatalf("NewLocalProvider() failed: %v", err)
	}

	backend := storage.NewMemoryAdapter(storage.WithClock(clock.Now), storage.WithCleanupInterval(time.Hour))
	t.Cleanup(func() { _ = backend.Shutdown() })

	serverKey, err := kms.NewEphemeralServerCacheKey()
	if err != nil {
		t.Fatalf("NewEphemeralServerCacheKey() failed: %v", err)
	}
	manager := dek.NewManager(envelope.NewKeyDeriver(1000), nil, nil, cache.NewSplitDEKCache(backend, 0).WithClock(clock.Now), serverKey)
	sessions := cache.NewSessionStore(backend).WithClock(clock.Now)
	validator := session.NewValidator(sessions, provider,
		session.WithClock(clock.Now),
		session.WithRotationHook(manager.RotateAll),
	)
	svc := auth.NewService(provider, records, manager, sessions, cache.NewRateLimiter(backend), validator, auth.WithClock(clock.Now))
	coord := coordinator.New(provider, manager, sessions, validator, coordinator.WithClock(clock.Now))

	middleware := NewMiddleware(validator, CookieOptions{})
	router := gin.New()
	NewHandlers(svc, coord, middleware).Register(router.Group("/auth"))
	router.GET("/admin", middleware.Authenticate(), RequireAdmin(), func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	if _, err := records.Create(context.Background(), types.CollectionInstitutions, types.Record{
		types.FieldID:                    "inst1",
		types.FieldAdminPublicKey:        string(testAdminPEM(t)),
		types.FieldShortCode:             "clinic-one",
		types.FieldRegistrationMagicWord: "Open Sesame",
		types.FieldActive:                true,
	}); err != nil {
		t.Fatalf("Create(institution) failed: %v", err)
	}

	return &server{clock: clock, records: records, sessions: sessions, router: router}
}

func (s *server) do(t *testing.T, method, path string, body any, cookies ...*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.RemoteAddr = "203.0.113.7:40000"
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func (s *server) registrationToken(t *testing.T) string {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/verify-magic-word", map[string]any{
		"institution_short_code": "clinic-one",
		"magic_word":             "open sesame",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("verify-magic-word status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Token     string `json:"token"`
		ExpiresIn int    `json:"expires_in"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil || body.Token == "" {
		t.Fatalf("decode grant %q: %v", rec.Body.String(), err)
	}
	return body.Token
}

func (s *server) register(t *testing.T, username, password string) []*http.Cookie {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/auth/register", map[string]any{
		"identity":           username,
		"password":           password,
		"password_confirm":   password,
		"name":               "Test " + username,
		"registration_token": s.registrationToken(t),
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	return rec.Result().Cookies()
}

func cookieByName(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestLoginSetsCredentialCookies(t *testing.T) {
	s := newServer(t)
	s.register(t, "alice", "correct-horse")

	rec := s.do(t, http.MethodPost, "/auth/login", map[string]any{
		"identity": "alice",
		"password": "correct-horse",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	for _, name := range []string{DefaultTokenCookie, DefaultDEKCookie} {
		c := cookieByName(rec.Result().Cookies(), name)
		if c == nil {
			t.Fatalf("cookie %s not set", name)
		}
		if !c.HttpOnly || !c.Secure || c.SameSite != http.SameSiteStrictMode {
			t.Errorf("cookie %s attributes: HttpOnly=%v Secure=%v SameSite=%v", name, c.HttpOnly, c.Secure, c.SameSite)
		}
		if c.MaxAge != int((8 * time.Hour).Seconds()) {
			t.Errorf("cookie %s MaxAge = %d", name, c.MaxAge)
		}
		if c.Value == "" {
			t.Errorf("cookie %s is empty", name)
		}
	}
}

func TestMeDecryptsProfile(t *testing.T) {
	s := newServer(t)
	cookies := s.register(t, "alice", "correct-horse")

	rec := s.do(t, http.MethodGet, "/auth/me", nil, cookies...)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	var body struct {
		User   types.SessionInfo `json:"user"`
		Fields map[string]any    `json:"fields"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.User.Username != "alice" || body.Fields["name"] != "Test alice" {
		t.Errorf("unexpected body %+v", body)
	}

	// Without the DEK cookie the token alone is not enough
	token := cookieByName(cookies, DefaultTokenCookie)
	rec = s.do(t, http.MethodGet, "/auth/me", nil, token)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status without DEK cookie = %d, want 400", rec.Code)
	}
}

func TestAuthenticateRejects(t *testing.T) {
	s := newServer(t)

	tests := []struct {
		name    string
		cookies []*http.Cookie
	}{
		{name: "no cookie"},
		{name: "unknown token", cookies: []*http.Cookie{{Name: DefaultTokenCookie, Value: "not-a-token"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodGet, "/auth/me", nil, tt.cookies...)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("status = %d, want 401", rec.Code)
			}
			if code := decodeError(t, rec); code != "authentication_failed" {
				t.Errorf("error = %q", code)
			}
			if c := cookieByName(rec.Result().Cookies(), DefaultTokenCookie); c == nil || c.MaxAge >= 0 {
				t.Errorf("expected token cookie to be cleared, got %+v", c)
			}
		})
	}
}

func TestAuthenticateRotatesCookie(t *testing.T) {
	s := newServer(t)
	cookies := s.register(t, "alice", "correct-horse")
	oldToken := cookieByName(cookies, DefaultTokenCookie).Value

	// Regular use keeps the split part alive
	for i := 0; i < 3; i++ {
		s.clock.Advance(25 * time.Minute)
		if rec := s.do(t, http.MethodGet, "/auth/me", nil, cookies...); rec.Code != http.StatusOK {
			t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
		}
	}

	// Near expiry and evicted from the cache, so the provider is asked and rotates
	s.clock.Advance(25 * time.Minute)
	if err := s.sessions.Cache().Delete(context.Background(), "session:"+oldToken); err != nil {
		t.Fatalf("Delete() failed: %v", err)
	}

	rec := s.do(t, http.MethodGet, "/auth/me", nil, cookies...)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	rotated := cookieByName(rec.Result().Cookies(), DefaultTokenCookie)
	if rotated == nil || rotated.Value == "" || rotated.Value == oldToken {
		t.Fatalf("expected a rotated token cookie, got %+v", rotated)
	}
	// the DEK cookie is re-issued with the rotated token's lifetime
	dekCookie := cookieByName(rec.Result().Cookies(), DefaultDEKCookie)
	if dekCookie == nil || dekCookie.Value != cookieByName(cookies, DefaultDEKCookie).Value {
		t.Fatalf("expected the DEK cookie to be re-issued, got %+v", dekCookie)
	}
	if dekCookie.MaxAge != rotated.MaxAge || dekCookie.MaxAge <= 0 {
		t.Errorf("DEK cookie MaxAge = %d, token cookie MaxAge = %d", dekCookie.MaxAge, rotated.MaxAge)
	}

	// The split DEK part followed the token
	rec = s.do(t, http.MethodGet, "/auth/me", nil, rotated, dekCookie)
	if rec.Code != http.StatusOK {
		t.Errorf("status with rotated token = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestRegisterRequiresMagicWord(t *testing.T) {
	s := newServer(t)

	body := map[string]any{
		"identity":         "mallory",
		"password":         "pw-mallory",
		"password_confirm": "pw-mallory",
		"name":             "Mallory",
	}
	rec := s.do(t, http.MethodPost, "/auth/register", body)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("register without token status = %d, want 403", rec.Code)
	}

	rec = s.do(t, http.MethodPost, "/auth/verify-magic-word", map[string]any{
		"institution_short_code": "clinic-one",
		"magic_word":             "wrong",
	})
	if rec.Code != http.StatusForbidden {
		t.Errorf("wrong magic word status = %d, want 403", rec.Code)
	}
	rec = s.do(t, http.MethodPost, "/auth/verify-magic-word", map[string]any{
		"institution_short_code": "nowhere",
		"magic_word":             "open sesame",
	})
	if rec.Code != http.StatusNotFound {
		t.Errorf("unknown institution status = %d, want 404", rec.Code)
	}

	body["registration_token"] = s.registrationToken(t)
	if rec := s.do(t, http.MethodPost, "/auth/register", body); rec.Code != http.StatusOK {
		t.Fatalf("register status = %d, body %s", rec.Code, rec.Body.String())
	}
	body["identity"] = "mallory2"
	if rec := s.do(t, http.MethodPost, "/auth/register", body); rec.Code != http.StatusForbidden {
		t.Errorf("reused token status = %d, want 403", rec.Code)
	}
}

func TestLoginRateLimitedResponse(t *testing.T) {
	s := newServer(t)
	s.register(t, "alice", "correct-horse")

	var rec *httptest.ResponseRecorder
	for i := 0; i < 6; i++ {
		rec = s.do(t, http.MethodPost, "/auth/login", map[string]any{"identity": "alice", "password": "wrong"})
	}
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") == "" {
		t.Error("Retry-After header missing")
	}
	if code := decodeError(t, rec); code != "rate_limited" {
		t.Errorf("error = %q", code)
	}
}

func TestRequireAdmin(t *testing.T) {
	s := newServer(t)
	cookies := s.register(t, "alice", "correct-horse")

	rec := s.do(t, http.MethodGet, "/admin", nil, cookies...)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", rec.Code)
	}
	if code := decodeError(t, rec); code != "forbidden" {
		t.Errorf("error = %q", code)
	}
}

func TestLogoutClearsSession(t *testing.T) {
	s := newServer(t)
	cookies := s.register(t, "alice", "correct-horse")

	rec := s.do(t, http.MethodPost, "/auth/logout", nil, cookies...)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("status = %d, want 204", rec.Code)
	}
	if c := cookieByName(rec.Result().Cookies(), DefaultDEKCookie); c == nil || c.MaxAge >= 0 {
		t.Errorf("expected DEK cookie to be cleared, got %+v", c)
	}

	rec = s.do(t, http.MethodGet, "/auth/me", nil, cookies...)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status after logout = %d, want 401", rec.Code)
	}

	// Logging out without a session still succeeds
	if rec := s.do(t, http.MethodPost, "/auth/logout", nil); rec.Code != http.StatusNoContent {
		t.Errorf("anonymous logout status = %d", rec.Code)
	}
}

func TestChangePasswordEndpoint(t *testing.T) {
	s := newServer(t)
	cookies := s.register(t, "alice", "correct-horse")

	rec := s.do(t, http.MethodPost, "/auth/password", map[string]any{
		"current_password": "wrong",
		"new_password":     "battery-staple",
		"confirm_password": "battery-staple",
	}, cookies...)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("wrong current password status = %d, want 400", rec.Code)
	}
	if code := decodeError(t, rec); code != "current_password_incorrect" {
		t.Errorf("error = %q", code)
	}

	rec = s.do(t, http.MethodPost, "/auth/password", map[string]any{
		"current_password": "correct-horse",
		"new_password":     "battery-staple",
		"confirm_password": "battery-staple",
	}, cookies...)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	fresh := rec.Result().Cookies()
	if c := cookieByName(fresh, DefaultTokenCookie); c == nil || c.Value == cookieByName(cookies, DefaultTokenCookie).Value {
		t.Fatal("expected a new token cookie")
	}

	if rec := s.do(t, http.MethodGet, "/auth/me", nil, cookies...); rec.Code != http.StatusUnauthorized {
		t.Errorf("old session status = %d, want 401", rec.Code)
	}
	if rec := s.do(t, http.MethodGet, "/auth/me", nil, fresh...); rec.Code != http.StatusOK {
		t.Errorf("new session status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAbortWithErrorHidesInternalMessages(t *testing.T) {
	rec := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(rec)
	c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

	AbortWithError(c, types.ErrConfiguration)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["message"] != http.StatusText(http.StatusInternalServerError) || body["error"] != "configuration_error" {
		t.Errorf("body = %v", body)
	}
}
