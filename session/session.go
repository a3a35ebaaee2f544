// Package session provides the Manager, the public entry point that signs users
// in through either origin (credentials or a third-party provider) and keeps
// one canonical token pair for every authenticated call.
//
// Example:
//
//	client, _ := backend.New("https://api.example.com")
//	m := session.New(client, store.New(nil))
//	defer m.Close()
//
//	unsubscribe := m.Subscribe(func(e events.Event) {
//	    if e.Type == events.SessionExpired {
//	        // show the login screen
//	    }
//	})
//	defer unsubscribe()
//
//	id, err := m.Login(ctx, authkit.Credentials{Identifier: "ada", Secret: pw})
package session

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/codec"
	"github.com/chimerakang/authkit-go/events"
	"github.com/chimerakang/authkit-go/internal/redact"
	"github.com/chimerakang/authkit-go/metrics"
	"github.com/chimerakang/authkit-go/refresh"
	"golang.org/x/sync/singleflight"
)

// State is the manager's position in the session lifecycle.
type State string

const (
	Anonymous      State = "anonymous"
	Authenticating State = "authenticating"
	// PendingExchange: a third-party identity is being converted into an
	// application token pair. It grants nothing until the exchange succeeds.
	PendingExchange State = "pending_exchange"
	Authenticated   State = "authenticated"
)

// Store is what the manager persists into. *store.Store satisfies it.
type Store interface {
	authkit.TokenStore
	authkit.IdentityStore
}

// Manager implements authkit.TokenSource.
type Manager struct {
	client  authkit.SessionClient
	store   Store
	coord   *refresh.Coordinator
	bus     *events.Bus
	ownsBus bool
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
	timeout time.Duration

	exchanges singleflight.Group

	mu       sync.RWMutex
	state    State
	identity *authkit.Identity
}

// compile-time check
var _ authkit.TokenSource = (*Manager)(nil)

// Option configures the Manager.
type Option func(*Manager)

// WithLogger sets a structured logger for the manager and its coordinator.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// WithMetrics records login, exchange and refresh outcomes.
func WithMetrics(mt *metrics.Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// WithClock sets the time source for token expiry checks. Default: time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithTimeout bounds the shared refresh and exchange calls, which run detached
// from any single caller's context. Default: refresh.DefaultTimeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithEventBus publishes lifecycle events on bus instead of a bus owned by the manager.
func WithEventBus(bus *events.Bus) Option {
	return func(m *Manager) { m.bus = bus }
}

// New creates a Manager. Call Restore to pick up a session persisted by an
// earlier process, and Close when done.
func New(client authkit.SessionClient, store Store, opts ...Option) *Manager {
	m := &Manager{
		client:  client,
		store:   store,
		logger:  slog.Default(),
		now:     time.Now,
		timeout: refresh.DefaultTimeout,
		state:   Anonymous,
	}
	for _, o := range opts {
		o(m)
	}
	if m.bus == nil {
		m.bus = events.New(0, events.WithLogger(m.logger))
		m.ownsBus = true
	}

	m.coord = refresh.New(client, store,
		refresh.WithLogger(m.logger),
		refresh.WithMetrics(m.metrics),
		refresh.WithClock(m.now),
		refresh.WithTimeout(m.timeout),
		refresh.OnExpired(m.sessionExpired),
		refresh.OnRefreshed(m.refreshed),
	)
	return m
}

// Close stops the manager's own event bus, delivering pending events first.
func (m *Manager) Close() error {
	if m.ownsBus {
		return m.bus.Close()
	}
	return nil
}

// Subscribe registers h for lifecycle events and returns a func that removes it.
func (m *Manager) Subscribe(h events.Handler) (unsubscribe func()) {
	return m.bus.Subscribe(h)
}

// State returns the current lifecycle state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// CurrentIdentity returns a copy of the signed-in identity, or nil. It never
// performs I/O.
func (m *Manager) CurrentIdentity() *authkit.Identity {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.identity == nil {
		return nil
	}
	id := *m.identity
	return &id
}

// Login signs in with credentials. On failure the previous state is kept and
// the client's error is returned unchanged.
func (m *Manager) Login(ctx context.Context, creds authkit.Credentials) (authkit.Identity, error) {
	prev := m.transition(Authenticating)

	pair, id, err := m.client.Login(ctx, creds)
	if err != nil {
		m.restoreState(Authenticating, prev)
		m.metrics.RecordLogin(string(authkit.OriginCredentials), metrics.ResultFailure)
		m.logger.Info("login_failed", slog.String("op", "session.Login"), slog.String("err", err.Error()))
		return authkit.Identity{}, err
	}
	return m.establish(ctx, pair, id, authkit.OriginCredentials), nil
}

// Register creates an account and signs it in.
func (m *Manager) Register(ctx context.Context, reg authkit.Registration) (authkit.Identity, error) {
	prev := m.transition(Authenticating)

	pair, id, err := m.client.Register(ctx, reg)
	if err != nil {
		m.restoreState(Authenticating, prev)
		m.metrics.RecordLogin(string(authkit.OriginCredentials), metrics.ResultFailure)
		m.logger.Info("register_failed", slog.String("op", "session.Register"), slog.String("err", err.Error()))
		return authkit.Identity{}, err
	}
	return m.establish(ctx, pair, id, authkit.OriginCredentials), nil
}

// ReconcileThirdPartySession converts a third-party identity into the
// application's token pair.
//
// It is safe to call repeatedly: while the store holds a usable pair (valid, or
// refreshable) it returns the current identity without exchanging. Concurrent
// calls for the same identity share one exchange. If the exchange fails the
// manager stays anonymous even though the third-party session exists.
func (m *Manager) ReconcileThirdPartySession(ctx context.Context, a authkit.Assertion) (authkit.Identity, error) {
	const op = "session.ReconcileThirdPartySession"

	if id, ok := m.usableSession(ctx); ok {
		m.metrics.RecordExchange(metrics.ResultNoop)
		return id, nil
	}
	if err := ctx.Err(); err != nil {
		return authkit.Identity{}, err
	}

	prev := m.transition(PendingExchange)

	provider := a.Provider
	if provider == "" {
		provider = string(authkit.OriginGoogle)
	}
	a.Provider = provider
	key := strings.ToLower(provider + "|" + a.Email)

	ch := m.exchanges.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.timeout)
		defer cancel()

		// A flight that settled just before this one may already have stored a pair.
		if pair, _, ok := m.store.Get(fctx); ok && codec.Valid(pair.AccessToken, m.now()) {
			return m.identityOrLoad(fctx), nil
		}

		pair, id, err := m.client.ExchangeThirdPartySession(fctx, a)
		if err != nil {
			return authkit.Identity{}, err
		}
		return m.establish(fctx, pair, id, authkit.Origin(provider)), nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			m.restoreState(PendingExchange, prev)
			m.metrics.RecordExchange(metrics.ResultFailure)
			m.logger.Warn("exchange_failed",
				slog.String("op", op),
				slog.String("email", redact.Email(a.Email)),
				slog.String("err", res.Err.Error()),
			)
			return authkit.Identity{}, res.Err
		}
		m.metrics.RecordExchange(metrics.ResultSuccess)
		return res.Val.(authkit.Identity), nil
	case <-ctx.Done():
		m.restoreState(PendingExchange, prev)
		return authkit.Identity{}, ctx.Err()
	}
}

// Logout invalidates the session on the server when possible and always ends
// it locally. Server-side failures are logged and never returned.
func (m *Manager) Logout(ctx context.Context) {
	pair, _, ok := m.store.Get(ctx)
	if ok {
		if err := m.client.Logout(ctx, pair); err != nil {
			m.logger.Warn("logout_server_failed", slog.String("op", "session.Logout"), slog.String("err", err.Error()))
		}
	}
	m.store.Clear(ctx)

	m.mu.Lock()
	prev := m.identity
	m.identity = nil
	m.state = Anonymous
	m.mu.Unlock()

	if ok || prev != nil {
		m.publish(events.Event{Type: events.LoggedOut}, prev)
	}
}

// EnsureFresh returns a valid access token for an outbound call, refreshing
// if needed. With no session it publishes events.RequireLogin.
func (m *Manager) EnsureFresh(ctx context.Context) (string, error) {
	tok, err := m.coord.EnsureFresh(ctx)
	if errors.Is(err, authkit.ErrNotAuthenticated) {
		m.publish(events.Event{Type: events.RequireLogin}, nil)
	}
	return tok, err
}

// Restore rehydrates the manager from a session persisted by an earlier
// process. The access token may be expired; EnsureFresh will refresh it.
func (m *Manager) Restore(ctx context.Context) *authkit.Identity {
	pair, _, ok := m.store.Get(ctx)
	if !ok {
		m.mu.Lock()
		m.identity, m.state = nil, Anonymous
		m.mu.Unlock()
		return nil
	}

	id, ok := m.store.LoadIdentity(ctx)
	if !ok {
		// Tokens without a stored identity: recover what the claims carry.
		if id, ok = identityFromToken(pair.AccessToken); !ok {
			// Unknown until the first refresh yields a readable token.
			m.logger.Warn("restore_identity_unknown", slog.String("token", redact.Token(pair.AccessToken)))
			m.mu.Lock()
			m.identity, m.state = nil, Anonymous
			m.mu.Unlock()
			return nil
		}
		m.store.SaveIdentity(ctx, id)
	}

	m.mu.Lock()
	m.identity, m.state = &id, Authenticated
	m.mu.Unlock()

	m.logger.Debug("session_restored", slog.String("user_id", id.ID), slog.String("origin", string(id.Origin)))
	return m.CurrentIdentity()
}

// --- internals ---

func (m *Manager) establish(ctx context.Context, pair authkit.TokenPair, id authkit.Identity, origin authkit.Origin) authkit.Identity {
	if id.Origin == "" {
		id.Origin = origin
	}
	m.store.Set(ctx, pair)
	m.store.SaveIdentity(ctx, id)

	m.mu.Lock()
	m.identity, m.state = &id, Authenticated
	m.mu.Unlock()

	m.metrics.RecordLogin(string(id.Origin), metrics.ResultSuccess)
	m.logger.Info("login_succeeded",
		slog.String("user_id", id.ID),
		slog.String("email", redact.Email(id.Email)),
		slog.String("origin", string(id.Origin)),
	)
	m.publish(events.Event{Type: events.LoggedIn}, &id)
	return id
}

// usableSession reports whether the store holds a pair that is valid or can be
// refreshed, returning the identity that goes with it.
func (m *Manager) usableSession(ctx context.Context) (authkit.Identity, bool) {
	pair, _, ok := m.store.Get(ctx)
	if !ok {
		return authkit.Identity{}, false
	}
	if !codec.Valid(pair.AccessToken, m.now()) {
		if _, err := m.coord.EnsureFresh(ctx); err != nil {
			m.logger.Debug("reconcile_refresh_failed", slog.String("err", err.Error()))
			return authkit.Identity{}, false
		}
	}
	return m.identityOrLoad(ctx), true
}

func (m *Manager) identityOrLoad(ctx context.Context) authkit.Identity {
	if id := m.CurrentIdentity(); id != nil {
		return *id
	}
	id, _ := m.store.LoadIdentity(ctx)
	m.mu.Lock()
	if m.identity == nil {
		m.identity, m.state = &id, Authenticated
	}
	m.mu.Unlock()
	return id
}

// transition moves to next unless already authenticated and returns the state before.
func (m *Manager) transition(next State) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.state
	if prev != Authenticated {
		m.state = next
	}
	return prev
}

// restoreState rolls back from a failed attempt if nothing else moved the state meanwhile.
func (m *Manager) restoreState(from, to State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == from {
		if to == PendingExchange || to == Authenticating {
			to = Anonymous
		}
		m.state = to
	}
}

// sessionExpired runs once per fatal refresh failure, after the store was cleared.
// A sign-in that stored a new pair in the meantime keeps its identity and state.
func (m *Manager) sessionExpired(cause error) {
	m.mu.Lock()
	if _, _, ok := m.store.Get(context.Background()); ok {
		m.mu.Unlock()
		m.logger.Info("session_expired_superseded", slog.String("cause", cause.Error()))
		return
	}
	prev := m.identity
	m.identity, m.state = nil, Anonymous
	m.mu.Unlock()

	m.publish(events.Event{Type: events.SessionExpired, Reason: cause.Error()}, prev)
}

func (m *Manager) refreshed(pair authkit.TokenPair) {
	id := m.CurrentIdentity()
	if id == nil {
		ctx := context.Background()
		recovered, ok := m.store.LoadIdentity(ctx)
		if !ok {
			if recovered, ok = identityFromToken(pair.AccessToken); ok {
				m.store.SaveIdentity(ctx, recovered)
			}
		}
		if ok {
			m.mu.Lock()
			if m.identity == nil {
				m.identity, m.state = &recovered, Authenticated
			}
			m.mu.Unlock()
			id = m.CurrentIdentity()
		}
	}
	m.publish(events.Event{Type: events.Refreshed}, id)
}

func identityFromToken(token string) (authkit.Identity, bool) {
	claims, err := codec.Decode(token)
	if err != nil || claims.Subject == "" {
		return authkit.Identity{}, false
	}
	return authkit.Identity{ID: claims.Subject, Email: claims.Email}, true
}

func (m *Manager) publish(e events.Event, id *authkit.Identity) {
	if id != nil {
		e.UserID, e.Origin = id.ID, id.Origin
	}
	m.bus.Publish(e)
}

// String renders the state for logs and the CLI.
func (s State) String() string { return string(s) }
