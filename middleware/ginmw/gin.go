// Package ginmw provides Gin HTTP middleware for services that accept the
// access tokens issued to authkit clients.
package ginmw

import (
	"net/http"
	"strings"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/gin-gonic/gin"
)

// Context keys for storing auth data in gin.Context.
const (
	KeyUserID = "authkit_user_id"
	KeyEmail  = "authkit_email"
	KeyClaims = "authkit_claims"
	KeyToken  = "authkit_token"
)

// Verifier checks an access token and returns its claims.
type Verifier interface {
	VerifyAccess(token string) (authkit.Claims, error)
}

// AuthOption configures Auth middleware behavior.
type AuthOption func(*authConfig)

type authConfig struct {
	excludedPaths map[string]bool
}

// WithExcludedPaths sets paths that skip authentication (e.g. health checks).
func WithExcludedPaths(paths ...string) AuthOption {
	return func(cfg *authConfig) {
		for _, p := range paths {
			cfg.excludedPaths[p] = true
		}
	}
}

// Auth returns Gin middleware that verifies bearer tokens with v.
// On success, claims are stored in the gin context and in the request context
// (authkit.ClaimsFromContext, authkit.IdentityFromContext). Responds with 401 if the token is missing or invalid.
func Auth(v Verifier, opts ...AuthOption) gin.HandlerFunc {
	cfg := &authConfig{excludedPaths: make(map[string]bool)}
	for _, o := range opts {
		o(cfg)
	}

	return func(c *gin.Context) {
		if cfg.excludedPaths[c.Request.URL.Path] {
			c.Next()
			return
		}

		tokenStr := extractBearerToken(c.Request)
		if tokenStr == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"detail": "Authentication credentials were not provided."})
			return
		}

		claims, err := v.VerifyAccess(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"detail": "Given token not valid for any token type",
				"code":   "token_not_valid",
			})
			return
		}

		c.Set(KeyToken, tokenStr)
		c.Set(KeyClaims, &claims)
		c.Set(KeyUserID, claims.Subject)
		c.Set(KeyEmail, claims.Email)
		ctx := authkit.WithClaims(c.Request.Context(), &claims)
		ctx = authkit.WithIdentity(ctx, &authkit.Identity{ID: claims.Subject, Email: claims.Email})
		c.Request = c.Request.WithContext(ctx)

		c.Next()
	}
}

// --- Context helpers ---

// GetUserID returns the authenticated user ID from the Gin context.
func GetUserID(c *gin.Context) string {
	return c.GetString(KeyUserID)
}

// GetEmail returns the user's email from the Gin context.
func GetEmail(c *gin.Context) string {
	return c.GetString(KeyEmail)
}

// GetToken returns the verified bearer token from the Gin context.
func GetToken(c *gin.Context) string {
	return c.GetString(KeyToken)
}

// GetClaims returns the full claims from the Gin context.
func GetClaims(c *gin.Context) *authkit.Claims {
	v, _ := c.Get(KeyClaims)
	cl, _ := v.(*authkit.Claims)
	return cl
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
