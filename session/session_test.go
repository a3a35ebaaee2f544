package session_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/chimerakang/authkit-go/events"
	"github.com/chimerakang/authkit-go/fake"
	"github.com/chimerakang/authkit-go/metrics"
	"github.com/chimerakang/authkit-go/mocks"
	"github.com/chimerakang/authkit-go/session"
	"github.com/chimerakang/authkit-go/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

var ada = authkit.Credentials{Identifier: "ada", Secret: "correct-horse"}

var googleAda = authkit.Assertion{
	Email:       "ada@example.com",
	DisplayName: "Ada",
	Provider:    "google",
}

// recorder collects events; read it only after the manager is closed.
type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recorder) handle(e events.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) count(t events.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

type env struct {
	clock   *fake.Clock
	backend *fake.Backend
	store   *store.Store
	manager *session.Manager
	events  *recorder
}

func setup(t *testing.T, fakeOpts []fake.Option, opts ...session.Option) *env {
	t.Helper()
	e := &env{clock: fake.NewClock(time.Unix(1_700_000_000, 0)), events: &recorder{}}
	e.backend = fake.New(append([]fake.Option{
		fake.WithClock(e.clock.Now),
		fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", false),
	}, fakeOpts...)...)
	e.store = store.New(nil, store.WithLogger(quiet))
	e.manager = session.New(e.backend, e.store, append([]session.Option{
		session.WithClock(e.clock.Now),
		session.WithLogger(quiet),
	}, opts...)...)
	e.manager.Subscribe(e.events.handle)
	t.Cleanup(func() { e.manager.Close() })
	return e
}

func TestLogin_Credentials(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	id, err := e.manager.Login(ctx, ada)
	require.NoError(t, err)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, authkit.OriginCredentials, id.Origin)
	assert.Equal(t, session.Authenticated, e.manager.State())

	pair, _, ok := e.store.Get(ctx)
	require.True(t, ok)
	assert.NotEmpty(t, pair.RefreshToken)

	tok, err := e.manager.EnsureFresh(ctx)
	require.NoError(t, err)
	assert.Equal(t, pair.AccessToken, tok)
	assert.Zero(t, e.backend.Calls(fake.OpRefresh))

	require.NoError(t, e.manager.Close())
	assert.Equal(t, 1, e.events.count(events.LoggedIn))
}

func TestLogin_FailureKeepsPreviousState(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	_, err := e.manager.Login(ctx, authkit.Credentials{Identifier: "ada", Secret: "wrong"})
	require.ErrorIs(t, err, authkit.ErrInvalidCredentials)
	assert.Equal(t, session.Anonymous, e.manager.State())
	assert.Nil(t, e.manager.CurrentIdentity())

	_, err = e.manager.Login(ctx, ada)
	require.NoError(t, err)

	_, err = e.manager.Login(ctx, authkit.Credentials{Identifier: "ada", Secret: "wrong"})
	require.Error(t, err)
	assert.Equal(t, session.Authenticated, e.manager.State())
	assert.NotNil(t, e.manager.CurrentIdentity())
}

func TestRegister(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	_, err := e.manager.Register(ctx, authkit.Registration{Username: "ada", Email: "other@example.com", Password: "long-enough-pw"})
	require.ErrorIs(t, err, authkit.ErrValidation)
	assert.NotEmpty(t, authkit.FieldErrors(err))
	assert.Equal(t, session.Anonymous, e.manager.State())

	id, err := e.manager.Register(ctx, authkit.Registration{
		Username: "grace", Email: "grace@example.com", Password: "long-enough-pw", DisplayName: "Grace",
	})
	require.NoError(t, err)
	assert.Equal(t, "Grace", id.DisplayName)
	assert.Equal(t, session.Authenticated, e.manager.State())
}

func TestReconcile_Exchanges(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	id, err := e.manager.ReconcileThirdPartySession(ctx, googleAda)
	require.NoError(t, err)
	assert.Equal(t, authkit.OriginGoogle, id.Origin)
	assert.Equal(t, int64(1), e.backend.Calls(fake.OpExchange))

	_, _, ok := e.store.Get(ctx)
	assert.True(t, ok)
	assert.Equal(t, session.Authenticated, e.manager.State())
}

func TestReconcile_DefaultsProvider(t *testing.T) {
	e := setup(t, nil)

	a := googleAda
	a.Provider = ""
	id, err := e.manager.ReconcileThirdPartySession(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, authkit.OriginGoogle, id.Origin)
}

func TestReconcile_NoopWithValidPair(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	first, err := e.manager.Login(ctx, ada)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		id, err := e.manager.ReconcileThirdPartySession(ctx, googleAda)
		require.NoError(t, err)
		assert.Equal(t, first, id)
	}
	assert.Zero(t, e.backend.Calls(fake.OpExchange))
}

func TestReconcile_RefreshesInsteadOfExchanging(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	_, err := e.manager.ReconcileThirdPartySession(ctx, googleAda)
	require.NoError(t, err)
	e.clock.Advance(fake.DefaultAccessTTL)

	_, err = e.manager.ReconcileThirdPartySession(ctx, googleAda)
	require.NoError(t, err)
	assert.Equal(t, int64(1), e.backend.Calls(fake.OpExchange))
	assert.Equal(t, int64(1), e.backend.Calls(fake.OpRefresh))
}

func TestReconcile_ConcurrentCallsShareOneExchange(t *testing.T) {
	e := setup(t, nil)
	release := e.backend.Hold(fake.OpExchange)
	defer release()

	const n = 10
	ids := make([]authkit.Identity, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ids[i], errs[i] = e.manager.ReconcileThirdPartySession(context.Background(), googleAda)
		}(i)
	}

	require.Eventually(t, func() bool {
		return e.backend.Calls(fake.OpExchange) == 1 && e.manager.State() == session.PendingExchange
	}, 2*time.Second, time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	release()
	wg.Wait()

	for i := 0; i < n; i++ {
		require.NoError(t, errs[i])
		assert.Equal(t, ids[0].ID, ids[i].ID)
	}
	assert.Equal(t, int64(1), e.backend.Calls(fake.OpExchange))
}

func TestReconcile_RejectedStaysAnonymous(t *testing.T) {
	e := setup(t, []fake.Option{fake.WithAutoCreate(false)})
	ctx := context.Background()

	_, err := e.manager.ReconcileThirdPartySession(ctx, authkit.Assertion{Email: "nobody@example.com", Provider: "google"})
	require.ErrorIs(t, err, authkit.ErrExchangeRejected)
	assert.Equal(t, session.Anonymous, e.manager.State())
	assert.Nil(t, e.manager.CurrentIdentity())

	_, _, ok := e.store.Get(ctx)
	assert.False(t, ok)
}

func TestEnsureFresh_ExpiredSessionPublishesOnce(t *testing.T) {
	reg := prometheus.NewRegistry()
	e := setup(t, nil, session.WithMetrics(metrics.New(true, metrics.WithRegisterer(reg))))
	ctx := context.Background()

	_, err := e.manager.Login(ctx, ada)
	require.NoError(t, err)
	e.clock.Advance(fake.DefaultAccessTTL)
	e.backend.RevokeAll()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.manager.EnsureFresh(ctx)
			assert.True(t, errors.Is(err, authkit.ErrSessionExpired) || errors.Is(err, authkit.ErrNotAuthenticated), err)
		}()
	}
	wg.Wait()

	assert.Equal(t, session.Anonymous, e.manager.State())
	assert.Nil(t, e.manager.CurrentIdentity())
	_, ok := e.store.LoadIdentity(ctx)
	assert.False(t, ok)

	require.NoError(t, e.manager.Close())
	assert.Equal(t, 1, e.events.count(events.SessionExpired))
	expected := `
# HELP authkit_session_expired_total Sessions cleared after a fatal refresh failure
# TYPE authkit_session_expired_total counter
authkit_session_expired_total 1
`
	assert.NoError(t, testutil.GatherAndCompare(reg, strings.NewReader(expected), "authkit_session_expired_total"))
}

// signInOnClear stores a new session right after a conditional clear succeeds.
type signInOnClear struct {
	*store.Store
	manager *session.Manager
	once    sync.Once
}

func (s *signInOnClear) ClearIf(ctx context.Context, gen uint64) bool {
	cleared := s.Store.ClearIf(ctx, gen)
	if cleared {
		s.once.Do(func() { _, _ = s.manager.Login(ctx, ada) })
	}
	return cleared
}

func TestEnsureFresh_ExpiryKeepsNewerSignIn(t *testing.T) {
	clock := fake.NewClock(time.Unix(1_700_000_000, 0))
	backend := fake.New(
		fake.WithClock(clock.Now),
		fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", false),
	)
	st := &signInOnClear{Store: store.New(nil, store.WithLogger(quiet))}
	rec := &recorder{}
	m := session.New(backend, st, session.WithClock(clock.Now), session.WithLogger(quiet))
	st.manager = m
	m.Subscribe(rec.handle)

	ctx := context.Background()
	_, err := m.Login(ctx, ada)
	require.NoError(t, err)
	clock.Advance(fake.DefaultAccessTTL)
	backend.RevokeAll()

	_, err = m.EnsureFresh(ctx)
	require.ErrorIs(t, err, authkit.ErrSessionExpired)

	_, _, ok := st.Get(ctx)
	require.True(t, ok, "the sign-in that raced the expiry stored a pair")
	assert.Equal(t, session.Authenticated, m.State())
	require.NotNil(t, m.CurrentIdentity())
	assert.Equal(t, "ada@example.com", m.CurrentIdentity().Email)

	require.NoError(t, m.Close())
	assert.Equal(t, 2, rec.count(events.LoggedIn))
	assert.Zero(t, rec.count(events.SessionExpired))
}

func TestEnsureFresh_RefreshPublishes(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	_, err := e.manager.Login(ctx, ada)
	require.NoError(t, err)
	e.clock.Advance(fake.DefaultAccessTTL + time.Minute)

	_, err = e.manager.EnsureFresh(ctx)
	require.NoError(t, err)

	require.NoError(t, e.manager.Close())
	assert.Equal(t, 1, e.events.count(events.Refreshed))
	assert.Zero(t, e.events.count(events.SessionExpired))
}

func TestEnsureFresh_NoSessionRequiresLogin(t *testing.T) {
	e := setup(t, nil)

	_, err := e.manager.EnsureFresh(context.Background())
	require.ErrorIs(t, err, authkit.ErrNotAuthenticated)

	require.NoError(t, e.manager.Close())
	assert.Equal(t, 1, e.events.count(events.RequireLogin))
}

func TestLogout(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	_, err := e.manager.Login(ctx, ada)
	require.NoError(t, err)
	pair, _, _ := e.store.Get(ctx)

	e.manager.Logout(ctx)
	assert.Equal(t, session.Anonymous, e.manager.State())
	assert.Nil(t, e.manager.CurrentIdentity())
	_, _, ok := e.store.Get(ctx)
	assert.False(t, ok)

	// The server revoked the refresh token.
	_, err = e.backend.Refresh(ctx, pair.RefreshToken)
	assert.ErrorIs(t, err, authkit.ErrRefreshRejected)

	require.NoError(t, e.manager.Close())
	assert.Equal(t, 1, e.events.count(events.LoggedOut))
}

func TestLogout_ServerFailureStillClearsLocally(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockSessionClient(ctrl)

	issuer := fake.New(fake.WithUser("ada", "ada@example.com", "correct-horse", "Ada", false))
	pair, err := issuer.IssueFor("ada", time.Hour)
	require.NoError(t, err)
	ident := authkit.Identity{ID: "42", Email: "ada@example.com"}

	gomock.InOrder(
		client.EXPECT().Login(gomock.Any(), ada).Return(pair, ident, nil),
		client.EXPECT().Logout(gomock.Any(), pair).
			Return(authkit.NewError(authkit.ErrNetwork, "backend.logout", "", errors.New("connection refused"))),
	)

	st := store.New(nil, store.WithLogger(quiet))
	m := session.New(client, st, session.WithLogger(quiet))
	defer m.Close()

	ctx := context.Background()
	_, err = m.Login(ctx, ada)
	require.NoError(t, err)

	m.Logout(ctx)
	assert.Equal(t, session.Anonymous, m.State())
	_, _, ok := st.Get(ctx)
	assert.False(t, ok)
}

func TestLogout_WithoutSessionSkipsServer(t *testing.T) {
	ctrl := gomock.NewController(t)
	client := mocks.NewMockSessionClient(ctrl)

	m := session.New(client, store.New(nil), session.WithLogger(quiet))
	defer m.Close()

	m.Logout(context.Background())
	assert.Equal(t, session.Anonymous, m.State())
}

func TestRestore(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	backend := store.NewMemoryBackend()
	first := session.New(e.backend, store.New(backend, store.WithLogger(quiet)),
		session.WithClock(e.clock.Now), session.WithLogger(quiet))
	defer first.Close()
	id, err := first.Login(ctx, ada)
	require.NoError(t, err)

	second := session.New(e.backend, store.New(backend, store.WithLogger(quiet)),
		session.WithClock(e.clock.Now), session.WithLogger(quiet))
	defer second.Close()
	restored := second.Restore(ctx)
	require.NotNil(t, restored)
	assert.Equal(t, id, *restored)
	assert.Equal(t, session.Authenticated, second.State())
}

func TestRestore_IdentityFromClaims(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	pair, err := e.backend.IssueFor("ada", time.Hour)
	require.NoError(t, err)
	e.store.Set(ctx, pair)

	id := e.manager.Restore(ctx)
	require.NotNil(t, id)
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, "ada@example.com", id.Email)
}

func TestRestore_UnreadableTokenWaitsForRefresh(t *testing.T) {
	e := setup(t, nil)
	ctx := context.Background()

	issued, err := e.backend.IssueFor("ada", time.Hour)
	require.NoError(t, err)
	e.store.Set(ctx, authkit.TokenPair{AccessToken: "opaque", RefreshToken: issued.RefreshToken})

	assert.Nil(t, e.manager.Restore(ctx))
	assert.Equal(t, session.Anonymous, e.manager.State())
	_, ok := e.store.LoadIdentity(ctx)
	assert.False(t, ok, "no empty identity is persisted")

	_, err = e.manager.EnsureFresh(ctx)
	require.NoError(t, err)
	id := e.manager.CurrentIdentity()
	require.NotNil(t, id)
	assert.NotEmpty(t, id.ID)
	assert.Equal(t, "ada@example.com", id.Email)
	assert.Equal(t, session.Authenticated, e.manager.State())
}

func TestRestore_Empty(t *testing.T) {
	e := setup(t, nil)
	assert.Nil(t, e.manager.Restore(context.Background()))
	assert.Equal(t, session.Anonymous, e.manager.State())
}
