// Package identity implements interfaces.IdentityProvider against a
// PocketBase server or a local record store.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/interfaces"
	"github.com/root-sector-ltd-and-co-kg/credential-module-encryption/types"
)

var _ interfaces.IdentityProvider = (*PocketBaseClient)(nil)

// DefaultRequestTimeout bounds every call to the identity server
const DefaultRequestTimeout = 10 * time.Second

// maxResponseBytes caps how much of a response body is read
const maxResponseBytes = 1 << 20

// PocketBaseClient talks to the PocketBase REST API of an auth collection
type PocketBaseClient struct {
	baseURL    string
	collection string
	client     *http.Client
	timeout    time.Duration
	logger     zerolog.Logger
}

// PocketBaseOption configures a PocketBaseClient
type PocketBaseOption func(*PocketBaseClient)

// WithHTTPClient replaces the pooled default client
func WithHTTPClient(c *http.Client) PocketBaseOption {
	return func(p *PocketBaseClient) { p.client = c }
}

// WithRequestTimeout sets the per-request timeout
func WithRequestTimeout(d time.Duration) PocketBaseOption {
	return func(p *PocketBaseClient) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// WithUsersCollection selects the auth collection (default "users")
func WithUsersCollection(name string) PocketBaseOption {
	return func(p *PocketBaseClient) {
		if name != "" {
			p.collection = name
		}
	}
}

// NewPocketBaseClient creates a client for the server at baseURL
func NewPocketBaseClient(baseURL string, opts ...PocketBaseOption) (*PocketBaseClient, error) {
	u, err := url.Parse(baseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, fmt.Errorf("%w: invalid identity provider URL %q", types.ErrConfiguration, baseURL)
	}
	p := &PocketBaseClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		collection: types.CollectionUsers,
		client:     cleanhttp.DefaultPooledClient(),
		timeout:    DefaultRequestTimeout,
		logger:     log.With().Str("component", "pocketbase_client").Logger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// authResponse is the body of auth-with-password and auth-refresh
type authResponse struct {
	Token  string       `json:"token"`
	Record types.Record `json:"record"`
}

// apiError is PocketBase's error envelope
type apiError struct {
	Status  int            `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data"`
}

func (e *apiError) Error() string {
	if len(e.Data) == 0 {
		return fmt.Sprintf("identity provider returned %d: %s", e.Status, e.Message)
	}
	fields := make([]string, 0, len(e.Data))
	for k := range e.Data {
		fields = append(fields, k)
	}
	return fmt.Sprintf("identity provider returned %d: %s (fields: %s)", e.Status, e.Message, strings.Join(fields, ", "))
}

// AuthWithPassword exchanges credentials for a token
func (p *PocketBaseClient) AuthWithPassword(ctx context.Context, identity, password string) (*types.AuthResult, error) {
	var resp authResponse
	err := p.do(ctx, http.MethodPost, p.collectionPath("auth-with-password"), "",
		map[string]string{"identity": identity, "password": password}, &resp)
	if err != nil {
		return nil, authError(err)
	}
	return resp.result()
}

// AuthRefresh validates token and returns a possibly rotated one
func (p *PocketBaseClient) AuthRefresh(ctx context.Context, token string) (*types.AuthResult, error) {
	var resp authResponse
	if err := p.do(ctx, http.MethodPost, p.collectionPath("auth-refresh"), token, nil, &resp); err != nil {
		return nil, authError(err)
	}
	return resp.result()
}

// GetUser loads a user record with the caller's token
func (p *PocketBaseClient) GetUser(ctx context.Context, token, userID string) (types.Record, error) {
	var rec types.Record
	if err := p.do(ctx, http.MethodGet, p.recordPath(userID), token, nil, &rec); err != nil {
		return nil, recordError(err)
	}
	return rec, nil
}

// UpdateUser patches a user record. Password changes carry oldPassword,
// password and passwordConfirm; PocketBase then revokes the user's tokens.
func (p *PocketBaseClient) UpdateUser(ctx context.Context, token, userID string, fields types.Record) (types.Record, error) {
	var rec types.Record
	if err := p.do(ctx, http.MethodPatch, p.recordPath(userID), token, fields, &rec); err != nil {
		return nil, recordError(err)
	}
	return rec, nil
}

// CreateUser registers a new user record
func (p *PocketBaseClient) CreateUser(ctx context.Context, fields types.Record) (types.Record, error) {
	var rec types.Record
	if err := p.do(ctx, http.MethodPost, p.collectionPath("records"), "", fields, &rec); err != nil {
		return nil, recordError(err)
	}
	return rec, nil
}

// TouchLastSeen stores the activity timestamp on the user record
func (p *PocketBaseClient) TouchLastSeen(ctx context.Context, token, userID string, at time.Time) error {
	_, err := p.UpdateUser(ctx, token, userID, types.Record{types.FieldLastSeen: at.UTC().Format(time.RFC3339)})
	return err
}

func (p *PocketBaseClient) collectionPath(op string) string {
	return "/api/collections/" + url.PathEscape(p.collection) + "/" + op
}

func (p *PocketBaseClient) recordPath(id string) string {
	return p.collectionPath("records") + "/" + url.PathEscape(id)
}

// do sends one request. Transport failures, timeouts and 5xx responses are
// reported as types.ErrUpstreamUnavailable; other non-2xx responses as *apiError.
func (p *PocketBaseClient) do(ctx context.Context, method, path, token string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.logger.Error().Err(err).Str("method", method).Str("path", path).Msg("Identity provider unreachable")
		return fmt.Errorf("%w: %v", types.ErrUpstreamUnavailable, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: failed to read response: %v", types.ErrUpstreamUnavailable, err)
	}

	p.logger.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Identity provider request")

	if resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: identity provider returned %d", types.ErrUpstreamUnavailable, resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(payload, apiErr); jsonErr != nil || apiErr.Message == "" {
			apiErr.Message = http.StatusText(resp.StatusCode)
		}
		apiErr.Status = resp.StatusCode
		return apiErr
	}

	if out == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("%w: malformed identity provider response: %v", types.ErrUpstreamUnavailable, err)
	}
	return nil
}

func (r *authResponse) result() (*types.AuthResult, error) {
	if r.Token == "" || r.Record.ID() == "" {
		return nil, fmt.Errorf("%w: identity provider response lacks token or record", types.ErrUpstreamUnavailable)
	}
	return &types.AuthResult{Token: r.Token, User: r.Record}, nil
}

// authError maps client errors on the auth endpoints to authentication failures
func authError(err error) error {
	var apiErr *apiError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: %v", types.ErrAuthenticationFailure, apiErr)
	}
	return err
}

func recordError(err error) error {
	var apiErr *apiError
	if !errors.As(err, &apiErr) {
		return err
	}
	switch apiErr.Status {
	case http.StatusUnauthorized:
		return fmt.Errorf("%w: %v", types.ErrAuthenticationFailure, apiErr)
	case http.StatusForbidden:
		return fmt.Errorf("%w: %v", types.ErrForbidden, apiErr)
	case http.StatusNotFound:
		return fmt.Errorf("%w: %v", types.ErrRecordNotFound, apiErr)
	case http.StatusTooManyRequests:
		return &types.RateLimitError{Scope: "identity_provider", RetryAfter: time.Minute}
	default:
		return fmt.Errorf("%w: %v", types.ErrInvalidRequest, apiErr)
	}
}
