// Package fake provides an in-memory authkit.SessionClient for testing.
//
// It issues real HS256 JWTs so the codec and refresh logic see the same token
// shapes as against a live backend, and adds hooks that tests need: call
// counters, failure injection and gates that hold a call open.
package fake

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Op names a SessionClient operation for counters, failures and gates.
type Op string

const (
	OpLogin    Op = "login"
	OpRegister Op = "register"
	OpRefresh  Op = "refresh"
	OpExchange Op = "exchange"
	OpLogout   Op = "logout"
)

const (
	DefaultAccessTTL  = 5 * time.Minute
	DefaultRefreshTTL = 24 * time.Hour
)

// Backend is an in-memory token issuer implementing authkit.SessionClient.
type Backend struct {
	secret     []byte
	now        func() time.Time
	accessTTL  time.Duration
	refreshTTL time.Duration
	rotate     bool
	autoCreate bool

	mu       sync.Mutex
	users    map[string]*user  // userID → user
	logins   map[string]string // lowercased username or email → userID
	refresh  map[string]string // refresh jti → userID, deleted on revoke
	failures map[Op]error
	gates    map[Op]chan struct{}

	calls sync.Map // Op → *atomic.Int64
}

type user struct {
	identity authkit.Identity
	password string
}

var _ authkit.SessionClient = (*Backend)(nil)

// Option configures the fake backend.
type Option func(*Backend)

// WithUser adds a credentials user.
func WithUser(username, email, password, displayName string, moderator bool) Option {
	return func(b *Backend) {
		b.addUser(authkit.Identity{
			ID:          uuid.NewString(),
			Username:    username,
			Email:       email,
			DisplayName: displayName,
			IsModerator: moderator,
		}, password)
	}
}

// WithClock sets the time source used for issuing and validating tokens.
func WithClock(now func() time.Time) Option {
	return func(b *Backend) { b.now = now }
}

// WithTTL sets the lifetimes of issued access and refresh tokens.
func WithTTL(access, refresh time.Duration) Option {
	return func(b *Backend) {
		b.accessTTL = access
		b.refreshTTL = refresh
	}
}

// WithSecret sets the HS256 signing key.
func WithSecret(secret []byte) Option {
	return func(b *Backend) { b.secret = secret }
}

// WithRotation controls whether Refresh issues a new refresh token and revokes
// the old one. Default: true.
func WithRotation(rotate bool) Option {
	return func(b *Backend) { b.rotate = rotate }
}

// WithAutoCreate controls whether an unknown third-party email gets a new
// account during exchange. Default: true.
func WithAutoCreate(create bool) Option {
	return func(b *Backend) { b.autoCreate = create }
}

// New creates a fake backend.
func New(opts ...Option) *Backend {
	b := &Backend{
		secret:     []byte("authkit-fake-secret"),
		now:        time.Now,
		accessTTL:  DefaultAccessTTL,
		refreshTTL: DefaultRefreshTTL,
		rotate:     true,
		autoCreate: true,
		users:      make(map[string]*user),
		logins:     make(map[string]string),
		refresh:    make(map[string]string),
		failures:   make(map[Op]error),
		gates:      make(map[Op]chan struct{}),
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// --- test hooks ---

// Calls returns how many times op was invoked.
func (b *Backend) Calls(op Op) int64 { return b.counter(op).Load() }

// Fail makes every subsequent call to op return err. A nil err removes the failure.
func (b *Backend) Fail(op Op, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil {
		delete(b.failures, op)
		return
	}
	b.failures[op] = err
}

// Hold blocks calls to op until the returned release func is called.
// Calls are counted before they block.
func (b *Backend) Hold(op Op) (release func()) {
	ch := make(chan struct{})
	b.mu.Lock()
	b.gates[op] = ch
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			if b.gates[op] == ch {
				delete(b.gates, op)
			}
			b.mu.Unlock()
			close(ch)
		})
	}
}

// RevokeAll invalidates every refresh token issued so far.
func (b *Backend) RevokeAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.refresh = make(map[string]string)
}

// VerifyAccess checks the signature and expiry of an access token.
func (b *Backend) VerifyAccess(token string) (authkit.Claims, error) {
	mc, err := b.parse(token, "access")
	if err != nil {
		return authkit.Claims{}, err
	}
	c := authkit.Claims{}
	c.Subject, _ = mc.GetSubject()
	if exp, _ := mc.GetExpirationTime(); exp != nil {
		c.ExpiresAt = exp.Time
	}
	if iat, _ := mc.GetIssuedAt(); iat != nil {
		c.IssuedAt = iat.Time
	}
	c.Email, _ = mc["email"].(string)
	return c, nil
}

// IssueFor signs a pair for an existing user with an explicit access lifetime.
// A negative ttl yields an already expired access token.
func (b *Backend) IssueFor(identifier string, accessTTL time.Duration) (authkit.TokenPair, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	id, ok := b.logins[strings.ToLower(identifier)]
	if !ok {
		return authkit.TokenPair{}, fmt.Errorf("authkit/fake: unknown user %q", identifier)
	}
	return b.issueLocked(b.users[id].identity, accessTTL)
}

// --- authkit.SessionClient ---

func (b *Backend) Login(ctx context.Context, creds authkit.Credentials) (authkit.TokenPair, authkit.Identity, error) {
	if err := b.enter(ctx, OpLogin); err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	id, ok := b.logins[strings.ToLower(creds.Identifier)]
	if !ok || b.users[id].password != creds.Secret {
		return authkit.TokenPair{}, authkit.Identity{}, authkit.NewError(authkit.ErrInvalidCredentials,
			"fake.login", "No active account found with the given credentials", nil)
	}

	ident := b.users[id].identity
	ident.Origin = authkit.OriginCredentials
	pair, err := b.issueLocked(ident, b.accessTTL)
	return pair, ident, err
}

func (b *Backend) Register(ctx context.Context, reg authkit.Registration) (authkit.TokenPair, authkit.Identity, error) {
	if err := b.enter(ctx, OpRegister); err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	fields := map[string][]string{}
	if reg.Username == "" {
		fields["username"] = append(fields["username"], "This field may not be blank.")
	} else if _, taken := b.logins[strings.ToLower(reg.Username)]; taken {
		fields["username"] = append(fields["username"], "A user with that username already exists.")
	}
	if !strings.Contains(reg.Email, "@") {
		fields["email"] = append(fields["email"], "Enter a valid email address.")
	} else if _, taken := b.logins[strings.ToLower(reg.Email)]; taken {
		fields["email"] = append(fields["email"], "A user with that email already exists.")
	}
	if len(reg.Password) < 8 {
		fields["password"] = append(fields["password"], "This password is too short. It must contain at least 8 characters.")
	}
	if len(fields) > 0 {
		e := authkit.NewError(authkit.ErrValidation, "fake.register", "", nil)
		e.Fields = fields
		return authkit.TokenPair{}, authkit.Identity{}, e
	}

	display := reg.DisplayName
	if display == "" {
		display = reg.Username
	}
	ident := b.addUser(authkit.Identity{
		ID:          uuid.NewString(),
		Username:    reg.Username,
		Email:       reg.Email,
		DisplayName: display,
	}, reg.Password)
	ident.Origin = authkit.OriginCredentials

	pair, err := b.issueLocked(ident, b.accessTTL)
	return pair, ident, err
}

func (b *Backend) Refresh(ctx context.Context, refreshToken string) (authkit.TokenPair, error) {
	if err := b.enter(ctx, OpRefresh); err != nil {
		return authkit.TokenPair{}, err
	}

	mc, err := b.parse(refreshToken, "refresh")
	if err != nil {
		return authkit.TokenPair{}, authkit.NewError(authkit.ErrRefreshRejected, "fake.refresh", "Token is invalid or expired", err)
	}
	jti, _ := mc["jti"].(string)

	b.mu.Lock()
	defer b.mu.Unlock()

	userID, ok := b.refresh[jti]
	if !ok {
		return authkit.TokenPair{}, authkit.NewError(authkit.ErrRefreshRejected, "fake.refresh", "Token is blacklisted", nil)
	}

	u := b.users[userID]
	if !b.rotate {
		access, err := b.signLocked(u.identity, "access", uuid.NewString(), b.accessTTL)
		if err != nil {
			return authkit.TokenPair{}, err
		}
		return authkit.TokenPair{AccessToken: access}, nil
	}

	delete(b.refresh, jti)
	return b.issueLocked(u.identity, b.accessTTL)
}

func (b *Backend) ExchangeThirdPartySession(ctx context.Context, a authkit.Assertion) (authkit.TokenPair, authkit.Identity, error) {
	if err := b.enter(ctx, OpExchange); err != nil {
		return authkit.TokenPair{}, authkit.Identity{}, err
	}
	if a.Email == "" || a.Provider == "" {
		return authkit.TokenPair{}, authkit.Identity{}, authkit.NewError(authkit.ErrExchangeRejected,
			"fake.exchange", "email and provider are required", nil)
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var ident authkit.Identity
	if id, ok := b.logins[strings.ToLower(a.Email)]; ok {
		ident = b.users[id].identity
	} else if b.autoCreate {
		ident = b.addUser(authkit.Identity{
			ID:          uuid.NewString(),
			Username:    strings.SplitN(a.Email, "@", 2)[0],
			Email:       a.Email,
			DisplayName: a.DisplayName,
			AvatarURL:   a.AvatarURL,
		}, "")
	} else {
		return authkit.TokenPair{}, authkit.Identity{}, authkit.NewError(authkit.ErrExchangeRejected,
			"fake.exchange", "No account matches this identity", nil)
	}
	ident.Origin = authkit.Origin(a.Provider)

	pair, err := b.issueLocked(ident, b.accessTTL)
	return pair, ident, err
}

func (b *Backend) Logout(ctx context.Context, pair authkit.TokenPair) error {
	if err := b.enter(ctx, OpLogout); err != nil {
		return err
	}
	if _, err := b.parse(pair.AccessToken, "access"); err != nil {
		return authkit.NewError(authkit.ErrNotAuthenticated, "fake.logout", "Authentication credentials were not provided.", err)
	}
	mc, err := b.parse(pair.RefreshToken, "refresh")
	if err != nil {
		return nil
	}
	jti, _ := mc["jti"].(string)

	b.mu.Lock()
	delete(b.refresh, jti)
	b.mu.Unlock()
	return nil
}

// --- internals ---

func (b *Backend) counter(op Op) *atomic.Int64 {
	v, _ := b.calls.LoadOrStore(op, new(atomic.Int64))
	return v.(*atomic.Int64)
}

// enter counts the call, waits on a gate if one is set and returns an injected failure.
func (b *Backend) enter(ctx context.Context, op Op) error {
	b.counter(op).Add(1)

	b.mu.Lock()
	gate := b.gates[op]
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return authkit.NewError(authkit.ErrNetwork, "fake."+string(op), "", ctx.Err())
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures[op]
}

// addUser must be called with mu held or during construction.
func (b *Backend) addUser(ident authkit.Identity, password string) authkit.Identity {
	b.users[ident.ID] = &user{identity: ident, password: password}
	if ident.Username != "" {
		b.logins[strings.ToLower(ident.Username)] = ident.ID
	}
	if ident.Email != "" {
		b.logins[strings.ToLower(ident.Email)] = ident.ID
	}
	return ident
}

func (b *Backend) issueLocked(ident authkit.Identity, accessTTL time.Duration) (authkit.TokenPair, error) {
	access, err := b.signLocked(ident, "access", uuid.NewString(), accessTTL)
	if err != nil {
		return authkit.TokenPair{}, err
	}
	jti := uuid.NewString()
	refresh, err := b.signLocked(ident, "refresh", jti, b.refreshTTL)
	if err != nil {
		return authkit.TokenPair{}, err
	}
	b.refresh[jti] = ident.ID
	return authkit.TokenPair{AccessToken: access, RefreshToken: refresh}, nil
}

func (b *Backend) signLocked(ident authkit.Identity, typ, jti string, ttl time.Duration) (string, error) {
	now := b.now()
	claims := jwt.MapClaims{
		"sub": ident.ID,
		"typ": typ,
		"jti": jti,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if typ == "access" {
		claims["email"] = ident.Email
		claims["username"] = ident.Username
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return "", fmt.Errorf("authkit/fake: sign: %w", err)
	}
	return s, nil
}

func (b *Backend) parse(token, typ string) (jwt.MapClaims, error) {
	mc := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(token, mc, func(t *jwt.Token) (any, error) {
		return b.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(b.now),
	)
	if err != nil {
		return nil, err
	}
	if mc["typ"] != typ {
		return nil, errors.New("authkit/fake: wrong token type")
	}
	return mc, nil
}
