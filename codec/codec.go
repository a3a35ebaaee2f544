// Package codec decodes access tokens and answers whether they are still usable.
//
// Tokens are parsed without verifying the signature: the client only needs the
// expiry to decide when to refresh, and the backend remains the authority on
// whether a token is genuine.
package codec

import (
	"errors"
	"fmt"
	"strings"
	"time"

	authkit "github.com/chimerakang/authkit-go"
	"github.com/golang-jwt/jwt/v5"
)

var parser = jwt.NewParser()

// Decode extracts the claims from an access token.
// It fails with authkit.ErrMalformedToken when the token is empty, is not a
// three-segment JWT, has an undecodable payload or carries no exp claim.
func Decode(token string) (authkit.Claims, error) {
	if token == "" {
		return authkit.Claims{}, fmt.Errorf("authkit/codec: empty token: %w", authkit.ErrMalformedToken)
	}
	if strings.Count(token, ".") != 2 {
		return authkit.Claims{}, fmt.Errorf("authkit/codec: expected 3 segments: %w", authkit.ErrMalformedToken)
	}

	mapClaims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, mapClaims); err != nil {
		return authkit.Claims{}, fmt.Errorf("authkit/codec: %w: %w", authkit.ErrMalformedToken, err)
	}

	exp, err := mapClaims.GetExpirationTime()
	if err != nil || exp == nil {
		return authkit.Claims{}, fmt.Errorf("authkit/codec: missing exp: %w", authkit.ErrMalformedToken)
	}

	return toClaims(mapClaims, exp.Time), nil
}

// IsExpired reports whether claims are expired at now. A token expiring exactly
// at now is expired; there is no grace skew.
func IsExpired(claims authkit.Claims, now time.Time) bool {
	return !now.Before(claims.ExpiresAt)
}

// Valid decodes token and reports whether it is unexpired at now.
// A malformed token is reported exactly like an expired one.
func Valid(token string, now time.Time) bool {
	claims, err := Decode(token)
	if err != nil {
		return false
	}
	return !IsExpired(claims, now)
}

// IsMalformed reports whether err came from decoding a malformed token.
func IsMalformed(err error) bool { return errors.Is(err, authkit.ErrMalformedToken) }

var standardClaims = map[string]bool{
	"sub": true, "email": true, "exp": true, "iat": true,
	"iss": true, "aud": true, "nbf": true, "jti": true,
}

func toClaims(m jwt.MapClaims, exp time.Time) authkit.Claims {
	c := authkit.Claims{
		ExpiresAt: exp,
		Extra:     make(map[string]any),
	}

	if v, err := m.GetSubject(); err == nil {
		c.Subject = v
	}
	// Some backends put the user id in user_id instead of sub.
	if c.Subject == "" {
		switch v := m["user_id"].(type) {
		case string:
			c.Subject = v
		case float64:
			c.Subject = fmt.Sprintf("%.0f", v)
		}
	}
	if v, ok := m["email"].(string); ok {
		c.Email = v
	}
	if v, err := m.GetIssuedAt(); err == nil && v != nil {
		c.IssuedAt = v.Time
	}

	for k, v := range m {
		if !standardClaims[k] {
			c.Extra[k] = v
		}
	}
	return c
}
