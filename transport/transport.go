// Package transport attaches the current access token to outbound HTTP calls.
package transport

import (
	"fmt"
	"log/slog"
	"net/http"

	authkit "github.com/chimerakang/authkit-go"
)

// Transport is an http.RoundTripper that asks a TokenSource for a valid
// access token before every request and sends it as a bearer token.
// Requests that already carry an Authorization header pass through untouched.
type Transport struct {
	source authkit.TokenSource
	base   http.RoundTripper
	logger *slog.Logger
}

var _ http.RoundTripper = (*Transport)(nil)

// Option configures the Transport.
type Option func(*Transport)

// WithBase sets the underlying RoundTripper. Default: http.DefaultTransport.
func WithBase(rt http.RoundTripper) Option {
	return func(t *Transport) { t.base = rt }
}

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(t *Transport) { t.logger = l }
}

// New creates a Transport backed by src.
func New(src authkit.TokenSource, opts ...Option) *Transport {
	t := &Transport{source: src, base: http.DefaultTransport, logger: slog.Default()}
	for _, o := range opts {
		o(t)
	}
	return t
}

// NewClient returns an *http.Client that authenticates every request through src.
func NewClient(src authkit.TokenSource, opts ...Option) *http.Client {
	return &http.Client{Transport: New(src, opts...)}
}

// RoundTrip implements http.RoundTripper.
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.Header.Get("Authorization") != "" {
		return t.base.RoundTrip(req)
	}

	token, err := t.source.EnsureFresh(req.Context())
	if err != nil {
		if req.Body != nil {
			req.Body.Close()
		}
		t.logger.Debug("transport_no_token",
			slog.String("method", req.Method),
			slog.String("path", req.URL.Path),
			slog.String("err", err.Error()),
		)
		return nil, fmt.Errorf("authkit/transport: %w", err)
	}

	r := req.Clone(req.Context())
	r.Header.Set("Authorization", "Bearer "+token)
	return t.base.RoundTrip(r)
}
