// Package refresh keeps the access token usable, running at most one refresh
// call at a time and sharing its outcome with every caller that asked for it.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/codec"
	"github.com/chimerakang/authkit-go/internal/redact"
	"github.com/chimerakang/authkit-go/metrics"
	"golang.org/x/sync/singleflight"
)

// DefaultTimeout bounds a single refresh call.
const DefaultTimeout = 30 * time.Second

const flightKey = "refresh"

// Refresher trades a refresh token for a new pair.
// authkit.SessionClient satisfies it.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (authkit.TokenPair, error)
}

// State is a snapshot of the coordinator.
type State struct {
	Refreshing bool
	Waiters    int
}

// Coordinator implements authkit.TokenSource.
type Coordinator struct {
	client  Refresher
	store   authkit.TokenStore
	now     func() time.Time
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics

	onExpired   func(cause error)
	onRefreshed func(pair authkit.TokenPair)

	sf         singleflight.Group
	refreshing atomic.Bool
	waiters    atomic.Int64
}

var _ authkit.TokenSource = (*Coordinator)(nil)

// Option configures the Coordinator.
type Option func(*Coordinator)

// WithLogger sets a structured logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithMetrics records refresh outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// WithClock sets the time source for expiry checks. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithTimeout bounds each refresh call. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Coordinator) { c.timeout = d }
}

// OnExpired registers fn to run once each time a fatal refresh failure clears the session.
func OnExpired(fn func(cause error)) Option {
	return func(c *Coordinator) { c.onExpired = fn }
}

// OnRefreshed registers fn to run after a refreshed pair is stored.
func OnRefreshed(fn func(pair authkit.TokenPair)) Option {
	return func(c *Coordinator) { c.onRefreshed = fn }
}

// New creates a Coordinator refreshing through client and storing into store.
func New(client Refresher, store authkit.TokenStore, opts ...Option) *Coordinator {
	c := &Coordinator{
		client:  client,
		store:   store,
		now:     time.Now,
		timeout: DefaultTimeout,
		logger:  slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns whether a refresh is in flight and how many callers wait on it.
func (c *Coordinator) State() State {
	return State{
		Refreshing: c.refreshing.Load(),
		Waiters:    int(c.waiters.Load()),
	}
}

// EnsureFresh returns a valid access token, refreshing first if the stored one
// is expired or malformed.
//
// Concurrent callers share one refresh call and all observe its outcome. A
// caller whose ctx ends stops waiting, but the refresh itself keeps running for
// the others. A rejected refresh clears the session and every waiter gets
// authkit.ErrSessionExpired; other failures leave the session in place.
func (c *Coordinator) EnsureFresh(ctx context.Context) (string, error) {
	pair, _, ok := c.store.Get(ctx)
	if !ok {
		return "", fmt.Errorf("authkit/refresh: %w", authkit.ErrNotAuthenticated)
	}
	if codec.Valid(pair.AccessToken, c.now()) {
		return pair.AccessToken, nil
	}

	c.waiters.Add(1)
	defer c.waiters.Add(-1)

	ch := c.sf.DoChan(flightKey, func() (any, error) {
		return c.flight(context.WithoutCancel(ctx))
	})

	select {
	case res := <-ch:
		if res.Shared {
			c.metrics.RecordSharedRefresh()
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// flight runs inside the single flight. It re-reads the store so a caller that
// arrives just after a previous flight settled gets the stored token without a
// second network call.
func (c *Coordinator) flight(ctx context.Context) (string, error) {
	const op = "refresh.flight"

	c.refreshing.Store(true)
	defer c.refreshing.Store(false)

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	pair, gen, ok := c.store.Get(ctx)
	if !ok {
		return "", fmt.Errorf("authkit/refresh: %w", authkit.ErrNotAuthenticated)
	}
	if codec.Valid(pair.AccessToken, c.now()) {
		return pair.AccessToken, nil
	}
	if pair.RefreshToken == "" {
		return c.expire(ctx, gen, errors.New("no refresh token"))
	}

	start := time.Now()
	next, err := c.client.Refresh(ctx, pair.RefreshToken)
	elapsed := time.Since(start)

	switch {
	case errors.Is(err, authkit.ErrRefreshRejected):
		c.metrics.RecordRefresh(metrics.ResultRejected, elapsed)
		c.logger.Warn("refresh_rejected", slog.String("op", op), slog.String("err", err.Error()))
		return c.expire(ctx, gen, err)

	case err != nil:
		c.metrics.RecordRefresh(metrics.ResultFailure, elapsed)
		c.logger.Error("refresh_failed", slog.String("op", op), slog.String("err", err.Error()))
		return "", err
	}

	// A backend that does not rotate refresh tokens keeps the old one valid.
	if next.RefreshToken == "" {
		next.RefreshToken = pair.RefreshToken
	}
	if !codec.Valid(next.AccessToken, c.now()) {
		c.metrics.RecordRefresh(metrics.ResultRejected, elapsed)
		c.logger.Warn("refresh_unusable_token", slog.String("op", op), slog.String("token", redact.Token(next.AccessToken)))
		return c.expire(ctx, gen, fmt.Errorf("refreshed access token is unusable: %w", authkit.ErrMalformedToken))
	}

	if !c.store.CompareAndSet(ctx, gen, next) {
		// Logout or a new sign-in happened while the call was in flight. Never
		// resurrect the session this refresh started from.
		c.metrics.RecordRefresh(metrics.ResultDiscarded, elapsed)
		c.logger.Info("refresh_discarded", slog.String("op", op))
		return c.current(ctx)
	}

	c.metrics.RecordRefresh(metrics.ResultSuccess, elapsed)
	c.logger.Debug("refresh_succeeded", slog.String("op", op), slog.Duration("took", elapsed))
	if c.onRefreshed != nil {
		c.onRefreshed(next)
	}
	return next.AccessToken, nil
}

// expire clears the session the flight started from and reports it as expired.
// If the store already moved on, the current session is served instead.
func (c *Coordinator) expire(ctx context.Context, gen uint64, cause error) (string, error) {
	if !c.store.ClearIf(ctx, gen) {
		return c.current(ctx)
	}

	c.metrics.RecordSessionExpired()
	c.logger.Warn("session_expired", slog.String("op", "refresh.expire"), slog.String("cause", cause.Error()))
	if c.onExpired != nil {
		c.onExpired(cause)
	}
	return "", &authkit.Error{Kind: authkit.ErrSessionExpired, Op: "authkit/refresh", Detail: cause.Error()}
}

func (c *Coordinator) current(ctx context.Context) (string, error) {
	pair, _, ok := c.store.Get(ctx)
	if ok && codec.Valid(pair.AccessToken, c.now()) {
		return pair.AccessToken, nil
	}
	return "", fmt.Errorf("authkit/refresh: %w", authkit.ErrNotAuthenticated)
}
