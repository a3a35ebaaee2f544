// Package google runs the Google OAuth authorization-code flow and turns the
// result into an authkit.Assertion for session.Manager.ReconcileThirdPartySession.
package google

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/internal/redact"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
)

// Provider is the value sent as Assertion.Provider.
const Provider = string(authkit.OriginGoogle)

// DefaultUserInfoURL is Google's OpenID Connect userinfo endpoint.
const DefaultUserInfoURL = "https://openidconnect.googleapis.com/v1/userinfo"

// Source exchanges authorization codes for Google identities.
type Source struct {
	conf        *oauth2.Config
	userInfoURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

// Option configures the Source.
type Option func(*Source)

// WithEndpoint overrides the OAuth endpoints. Default: google.Endpoint.
func WithEndpoint(e oauth2.Endpoint) Option {
	return func(s *Source) { s.conf.Endpoint = e }
}

// WithUserInfoURL overrides the userinfo endpoint.
func WithUserInfoURL(u string) Option {
	return func(s *Source) { s.userInfoURL = u }
}

// WithHTTPClient sets the client used for the token and userinfo calls.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Source) { s.httpClient = c }
}

// WithScopes replaces the requested scopes.
func WithScopes(scopes ...string) Option {
	return func(s *Source) { s.conf.Scopes = scopes }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Source) { s.logger = l }
}

// New creates a Source for the given OAuth client.
func New(clientID, clientSecret, redirectURL string, opts ...Option) *Source {
	s := &Source{
		conf: &oauth2.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			Endpoint:     googleoauth.Endpoint,
			RedirectURL:  redirectURL,
			Scopes:       []string{"openid", "email", "profile"},
		},
		userInfoURL: DefaultUserInfoURL,
		httpClient:  http.DefaultClient,
		logger:      slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// NewVerifier returns a fresh PKCE code verifier. Pass the same value to
// AuthCodeURL and Assert.
func NewVerifier() string { return oauth2.GenerateVerifier() }

// AuthCodeURL returns the consent page URL.
func (s *Source) AuthCodeURL(state, verifier string) string {
	return s.conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))
}

type userInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified *bool  `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
}

// Assert redeems code and fetches the signed-in Google profile. Accounts
// without a verified email are rejected.
func (s *Source) Assert(ctx context.Context, code, verifier string) (authkit.Assertion, error) {
	const op = "google.Assert"

	ctx = context.WithValue(ctx, oauth2.HTTPClient, s.httpClient)
	tok, err := s.conf.Exchange(ctx, code, oauth2.VerifierOption(verifier))
	if err != nil {
		s.logger.Warn("google_code_exchange_failed", slog.String("op", op), slog.String("err", err.Error()))
		return authkit.Assertion{}, authkit.NewError(authkit.ErrExchangeRejected, op, "authorization code was not accepted", err)
	}

	info, err := s.fetchUserInfo(ctx, tok)
	if err != nil {
		return authkit.Assertion{}, err
	}
	if info.Email == "" || (info.EmailVerified != nil && !*info.EmailVerified) {
		return authkit.Assertion{}, authkit.NewError(authkit.ErrExchangeRejected, op, "google account has no verified email", nil)
	}

	s.logger.Debug("google_identity_asserted", slog.String("email", redact.Email(info.Email)))
	return authkit.Assertion{
		Email:               info.Email,
		DisplayName:         info.Name,
		AvatarURL:           info.Picture,
		Provider:            Provider,
		ProviderAccessToken: tok.AccessToken,
	}, nil
}

func (s *Source) fetchUserInfo(ctx context.Context, tok *oauth2.Token) (userInfo, error) {
	const op = "google.userinfo"

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.userInfoURL, nil)
	if err != nil {
		return userInfo{}, fmt.Errorf("authkit/google: %w", err)
	}
	resp, err := s.conf.Client(ctx, tok).Do(req)
	if err != nil {
		return userInfo{}, authkit.NewError(authkit.ErrNetwork, op, "", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return userInfo{}, authkit.NewError(authkit.ErrNetwork, op, "", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return userInfo{}, authkit.NewError(authkit.ErrNetwork, op, resp.Status, nil)
	case resp.StatusCode != http.StatusOK:
		return userInfo{}, authkit.NewError(authkit.ErrExchangeRejected, op, resp.Status, nil)
	}

	var info userInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return userInfo{}, authkit.NewError(authkit.ErrUnexpectedResponse, op, "userinfo is not JSON", err)
	}
	return info, nil
}
