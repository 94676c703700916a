package identity

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

func newPocketBaseServer(t *testing.T, handler http.HandlerFunc) *PocketBaseClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := NewPocketBaseClient(srv.URL, WithRequestTimeout(200*time.Millisecond))
	if err != nil {
		t.Fatalf("NewPocketBaseClient() failed: %v", err)
	}
	return c
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func TestPocketBaseAuthWithPassword(t *testing.T) {
	c := newPocketBaseServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/collections/users/auth-with-password" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["identity"] == "ada" && body["password"] == "secret" {
			writeJSON(w, http.StatusOK, map[string]any{
				"token":  "tok-1",
				"record": map[string]any{"id": "u1", "username": "ada", "role": "user"},
			})
			return
		}
		writeJSON(w, http.StatusBadRequest, map[string]any{"status": 400, "message": "Failed to authenticate.", "data": map[string]any{}})
	})

	res, err := c.AuthWithPassword(context.Background(), "ada", "secret")
	if err != nil {
		t.Fatalf("AuthWithPassword() failed: %v", err)
	}
	if res.Token != "tok-1" || res.User.ID() != "u1" {
		t.Errorf("unexpected result: %+v", res)
	}

	_, err = c.AuthWithPassword(context.Background(), "ada", "wrong")
	if !errors.Is(err, types.ErrAuthenticationFailure) {
		t.Errorf("wrong password error = %v, want ErrAuthenticationFailure", err)
	}
}

func TestPocketBaseAuthRefresh(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		body    any
		delay   time.Duration
		wantErr error
		want    string
	}{
		{
			name:   "rotated",
			status: http.StatusOK,
			body:   map[string]any{"token": "tok-2", "record": map[string]any{"id": "u1"}},
			want:   "tok-2",
		},
		{name: "rejected", status: http.StatusUnauthorized, body: map[string]any{"message": "The request requires valid record authorization token."}, wantErr: types.ErrAuthenticationFailure},
		{name: "server error", status: http.StatusBadGateway, body: map[string]any{}, wantErr: types.ErrUpstreamUnavailable},
		{name: "timeout", status: http.StatusOK, delay: time.Second, wantErr: types.ErrUpstreamUnavailable},
		{name: "missing token", status: http.StatusOK, body: map[string]any{"record": map[string]any{"id": "u1"}}, wantErr: types.ErrUpstreamUnavailable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newPocketBaseServer(t, func(w http.ResponseWriter, r *http.Request) {
				if got := r.Header.Get("Authorization"); got != "Bearer tok-1" {
					t.Errorf("Authorization = %q", got)
				}
				if tt.delay > 0 {
					select {
					case <-time.After(tt.delay):
					case <-r.Context().Done():
						return
					}
				}
				writeJSON(w, tt.status, tt.body)
			})

			res, err := c.AuthRefresh(context.Background(), "tok-1")
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Errorf("AuthRefresh() error = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("AuthRefresh() failed: %v", err)
			}
			if res.Token != tt.want {
				t.Errorf("token = %q, want %q", res.Token, tt.want)
			}
		})
	}
}

func TestPocketBaseRecords(t *testing.T) {
	var lastPatch map[string]any
	c := newPocketBaseServer(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodGet && r.URL.Path == "/api/collections/users/records/u1":
			writeJSON(w, http.StatusOK, map[string]any{"id": "u1", "salt": "c2FsdA=="})
		case r.Method == http.MethodGet:
			writeJSON(w, http.StatusNotFound, map[string]any{"message": "The requested resource wasn't found."})
		case r.Method == http.MethodPatch:
			_ = json.NewDecoder(r.Body).Decode(&lastPatch)
			if _, ok := lastPatch["oldPassword"]; ok && lastPatch["oldPassword"] != "old" {
				writeJSON(w, http.StatusBadRequest, map[string]any{
					"message": "Failed to update record.",
					"data":    map[string]any{"oldPassword": map[string]any{"code": "validation_invalid_old_password"}},
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"id": "u1"})
		case r.Method == http.MethodPost && r.URL.Path == "/api/collections/users/records":
			writeJSON(w, http.StatusOK, map[string]any{"id": "new-user"})
		default:
			writeJSON(w, http.StatusForbidden, map[string]any{"message": "forbidden"})
		}
	})
	ctx := context.Background()

	rec, err := c.GetUser(ctx, "tok", "u1")
	if err != nil || rec.String("salt") != "c2FsdA==" {
		t.Fatalf("GetUser() = %v, %v", rec, err)
	}
	if _, err := c.GetUser(ctx, "tok", "ghost"); !errors.Is(err, types.ErrRecordNotFound) {
		t.Errorf("GetUser(missing) = %v", err)
	}

	at := time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC)
	if err := c.TouchLastSeen(ctx, "tok", "u1", at); err != nil {
		t.Fatalf("TouchLastSeen() failed: %v", err)
	}
	if lastPatch["lastSeen"] != "2026-04-01T10:00:00Z" {
		t.Errorf("lastSeen payload = %v", lastPatch)
	}

	_, err = c.UpdateUser(ctx, "tok", "u1", types.Record{"oldPassword": "bad", "password": "n", "passwordConfirm": "n"})
	if !errors.Is(err, types.ErrInvalidRequest) {
		t.Errorf("UpdateUser(bad old password) = %v, want ErrInvalidRequest", err)
	}

	created, err := c.CreateUser(ctx, types.Record{"username": "bob"})
	if err != nil || created.ID() != "new-user" {
		t.Errorf("CreateUser() = %v, %v", created, err)
	}
}

func TestPocketBaseUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	c, err := NewPocketBaseClient(url)
	if err != nil {
		t.Fatalf("NewPocketBaseClient() failed: %v", err)
	}
	if _, err := c.AuthRefresh(context.Background(), "tok"); !errors.Is(err, types.ErrUpstreamUnavailable) {
		t.Errorf("AuthRefresh() against closed server = %v, want ErrUpstreamUnavailable", err)
	}

	if _, err := NewPocketBaseClient("ftp://example.com"); !errors.Is(err, types.ErrConfiguration) {
		t.Errorf("invalid scheme = %v", err)
	}
}
