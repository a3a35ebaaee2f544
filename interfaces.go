package authkit

import "context"

//go:generate mockgen -destination=mocks/session_client.go -package=mocks . SessionClient

// SessionClient performs the network operations that mint or invalidate tokens.
// Implementations: backend/ (HTTP), fake/ (testing). No call is retried internally.
type SessionClient interface {
	// Login exchanges credentials for a token pair.
	Login(ctx context.Context, creds Credentials) (TokenPair, Identity, error)

	// Register creates an account and signs it in.
	Register(ctx context.Context, reg Registration) (TokenPair, Identity, error)

	// Refresh trades a refresh token for a new pair.
	Refresh(ctx context.Context, refreshToken string) (TokenPair, error)

	// ExchangeThirdPartySession mints an application pair for an external identity.
	ExchangeThirdPartySession(ctx context.Context, a Assertion) (TokenPair, Identity, error)

	// Logout invalidates the pair on the server.
	Logout(ctx context.Context, pair TokenPair) error
}

// TokenStore is the single shared holder of the current token pair.
//
// Every Set or Clear moves the store to a new generation. Readers that act on a
// pair later (such as an in-flight refresh) use the generation to make sure the
// session they read is still the one they are about to replace.
type TokenStore interface {
	// Get returns the current pair and its generation. ok is false when no
	// session exists or the durable storage could not be read.
	Get(ctx context.Context) (pair TokenPair, generation uint64, ok bool)

	// Set replaces the pair and returns the new generation.
	Set(ctx context.Context, pair TokenPair) uint64

	// CompareAndSet replaces the pair only if the store is still at generation.
	CompareAndSet(ctx context.Context, generation uint64, pair TokenPair) bool

	// Clear removes the pair and the stored identity together.
	Clear(ctx context.Context)

	// ClearIf clears only if the store is still at generation.
	ClearIf(ctx context.Context, generation uint64) bool
}

// IdentityStore persists the identity next to the token pair.
type IdentityStore interface {
	LoadIdentity(ctx context.Context) (Identity, bool)
	SaveIdentity(ctx context.Context, id Identity)
}

// TokenSource yields an access token that is valid at the time of the call.
type TokenSource interface {
	EnsureFresh(ctx context.Context) (string, error)
}
