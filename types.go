package authkit

import "time"

// Origin records which reconciliation path produced the current token pair.
type Origin string

const (
	OriginCredentials Origin = "credentials"
	OriginGoogle      Origin = "google"
)

// Credentials is a username (or email) and password pair. It is never persisted.
type Credentials struct {
	Identifier string
	Secret     string
}

// Registration holds the fields submitted when creating a new account.
type Registration struct {
	Username    string
	Email       string
	Password    string
	DisplayName string
}

// TokenPair is the canonical access/refresh pair used for authenticated calls.
// Both halves always come from the same issuance and are replaced together.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// IsZero reports whether the pair carries no access token.
func (p TokenPair) IsZero() bool { return p.AccessToken == "" }

// Claims are decoded from an access token on demand and never stored on their own.
type Claims struct {
	Subject   string
	Email     string
	ExpiresAt time.Time
	IssuedAt  time.Time
	Extra     map[string]any
}

// Identity is the UI-facing view of the signed-in user.
type Identity struct {
	ID          string `json:"id"`
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Username    string `json:"username"`
	AvatarURL   string `json:"avatar_url,omitempty"`
	IsModerator bool   `json:"is_moderator"`
	Origin      Origin `json:"origin"`
}

// Assertion is an identity established by a third-party OAuth flow. The SDK
// treats it as opaque input to the session exchange.
type Assertion struct {
	Email               string
	DisplayName         string
	AvatarURL           string
	Provider            string
	ProviderAccessToken string
}
