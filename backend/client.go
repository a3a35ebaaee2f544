// Package backend implements authkit.SessionClient against the application's
// JSON HTTP API.
//
// Backends disagree on field names (access vs access_token vs token, pk vs id,
// and so on); responses are normalized here so the rest of the SDK only sees
// authkit types. Nothing is retried.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/google/uuid"
)

// Endpoints are paths relative to the base URL.
type Endpoints struct {
	Login    string
	Register string
	Refresh  string
	Exchange string
	Logout   string
}

// DefaultEndpoints returns the paths the application backend serves.
func DefaultEndpoints() Endpoints {
	return Endpoints{
		Login:    "/api/auth/login/",
		Register: "/api/auth/register/",
		Refresh:  "/api/auth/token/refresh/",
		Exchange: "/api/auth/google/convert/",
		Logout:   "/api/auth/logout/",
	}
}

// RequestIDHeader carries a per-request id for correlating client and server logs.
const RequestIDHeader = "X-Request-Id"

const maxBodySize = 1 << 20

// Client implements authkit.SessionClient over HTTP.
type Client struct {
	baseURL    *url.URL
	endpoints  Endpoints
	httpClient *http.Client
	logger     *slog.Logger
}

// compile-time check
var _ authkit.SessionClient = (*Client)(nil)

// Option configures the Client.
type Option func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the per-request timeout of the default HTTP client.
// Default: 10s.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient = &http.Client{Timeout: d} }
}

// WithEndpoints overrides the endpoint paths.
func WithEndpoints(e Endpoints) Option {
	return func(cl *Client) { cl.endpoints = e }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

// New creates a client for the backend at baseURL.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("authkit/backend: base URL is required")
	}
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("authkit/backend: invalid base URL %q", baseURL)
	}

	c := &Client{
		baseURL:    u,
		endpoints:  DefaultEndpoints(),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// Login exchanges credentials for a token pair. An identifier containing '@' is
// sent as email, anything else as username.
func (c *Client) Login(ctx context.Context, creds authkit.Credentials) (authkit.TokenPair, authkit.Identity, error) {
	const op = "authkit/backend.Login"

	body := map[string]string{"password": creds.Secret}
	if strings.Contains(creds.Identifier, "@") {
		body["email"] = creds.Identifier
	} else {
		body["username"] = creds.Identifier
	}

	res, err := c.do(ctx, op, c.endpoints.Login, "", body)
	if err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}
	if !res.ok() {
		return authkit.TokenPair{}, authkit.Identity{}, res.failure(op, authkit.ErrInvalidCredentials,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)
	}
	return res.session(op, authkit.OriginCredentials)
}

// Register creates an account. Field-level rejections are returned as
// authkit.ErrValidation carrying the per-field messages.
func (c *Client) Register(ctx context.Context, reg authkit.Registration) (authkit.TokenPair, authkit.Identity, error) {
	const op = "authkit/backend.Register"

	body := map[string]string{
		"username": reg.Username,
		"email":    reg.Email,
		"password": reg.Password,
	}
	if reg.DisplayName != "" {
		body["display_name"] = reg.DisplayName
	}

	res, err := c.do(ctx, op, c.endpoints.Register, "", body)
	if err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}
	if !res.ok() {
		return authkit.TokenPair{}, authkit.Identity{}, res.failure(op, authkit.ErrValidation,
			http.StatusBadRequest, http.StatusConflict, http.StatusUnprocessableEntity)
	}
	return res.session(op, authkit.OriginCredentials)
}

// Refresh trades refreshToken for a new pair. If the backend does not rotate
// refresh tokens, the returned pair carries refreshToken.
func (c *Client) Refresh(ctx context.Context, refreshToken string) (authkit.TokenPair, error) {
	const op = "authkit/backend.Refresh"

	res, err := c.do(ctx, op, c.endpoints.Refresh, "", map[string]string{"refresh": refreshToken})
	if err != nil {
		return authkit.TokenPair{}, err
	}
	if !res.ok() {
		return authkit.TokenPair{}, res.failure(op, authkit.ErrRefreshRejected,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden)
	}

	pair, err := res.tokens(op)
	if err != nil {
		return authkit.TokenPair{}, err
	}
	if pair.RefreshToken == "" {
		pair.RefreshToken = refreshToken
	}
	return pair, nil
}

// ExchangeThirdPartySession mints an application pair for an identity
// established by a third-party provider.
func (c *Client) ExchangeThirdPartySession(ctx context.Context, a authkit.Assertion) (authkit.TokenPair, authkit.Identity, error) {
	const op = "authkit/backend.ExchangeThirdPartySession"

	provider := a.Provider
	if provider == "" {
		provider = string(authkit.OriginGoogle)
	}
	body := map[string]string{
		"email":    a.Email,
		"name":     a.DisplayName,
		"provider": provider,
	}
	if a.AvatarURL != "" {
		body["avatar_url"] = a.AvatarURL
	}
	if a.ProviderAccessToken != "" {
		body["access_token"] = a.ProviderAccessToken
	}

	res, err := c.do(ctx, op, c.endpoints.Exchange, "", body)
	if err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}
	if !res.ok() {
		return authkit.TokenPair{}, authkit.Identity{}, res.failure(op, authkit.ErrExchangeRejected,
			http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden, http.StatusNotFound)
	}
	return res.session(op, authkit.Origin(provider))
}

// Logout asks the backend to invalidate the pair's refresh token.
func (c *Client) Logout(ctx context.Context, pair authkit.TokenPair) error {
	const op = "authkit/backend.Logout"

	res, err := c.do(ctx, op, c.endpoints.Logout, pair.AccessToken, map[string]string{"refresh": pair.RefreshToken})
	if err != nil {
		return err
	}
	if !res.ok() {
		return res.failure(op, authkit.ErrNotAuthenticated, http.StatusUnauthorized, http.StatusForbidden)
	}
	return nil
}

// do POSTs body as JSON. Transport failures and 5xx answers become
// authkit.ErrNetwork; any other status is returned for the caller to map.
func (c *Client) do(ctx context.Context, op, path, bearer string, body any) (*response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("%s: encode request: %w", op, err)
	}

	endpoint := strings.TrimSuffix(c.baseURL.String(), "/") + "/" + strings.TrimPrefix(path, "/")

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%s: create request: %w", op, err)
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(RequestIDHeader, reqID)
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("backend_unreachable",
			slog.String("op", op), slog.String("request_id", reqID), slog.String("err", err.Error()))
		return nil, authkit.NewError(authkit.ErrNetwork, op, "", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, authkit.NewError(authkit.ErrNetwork, op, "read response", err)
	}

	c.logger.Debug("backend_response",
		slog.String("op", op),
		slog.String("request_id", reqID),
		slog.Int("status", resp.StatusCode),
		slog.Duration("took", time.Since(start)),
	)

	res := &response{status: resp.StatusCode, raw: raw}
	if resp.StatusCode >= 500 {
		return nil, authkit.NewError(authkit.ErrNetwork, op,
			fmt.Sprintf("server returned %d: %s", resp.StatusCode, res.detail()), nil)
	}
	return res, nil
}
