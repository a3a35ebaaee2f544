package authkit

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	// ErrInvalidCredentials: the backend rejected the identifier/secret pair.
	// Recoverable; the user corrects the input and retries.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrValidation: field-level rejection on registration (duplicate username, weak password).
	ErrValidation = errors.New("validation failed")

	// ErrRefreshRejected: the refresh token is expired, revoked or malformed.
	// Fatal for the session.
	ErrRefreshRejected = errors.New("refresh rejected")

	// ErrExchangeRejected: no account could be matched or created for a third-party identity.
	ErrExchangeRejected = errors.New("third-party session exchange rejected")

	// ErrMalformedToken: the token is empty or is not a three-segment JWT with an expiry.
	// Treated exactly like an expired token.
	ErrMalformedToken = errors.New("malformed token")

	// ErrNetwork: transport failure or server-side error. Transient.
	ErrNetwork = errors.New("network error")

	// ErrUnexpectedResponse: the backend answered 2xx with a payload that carries no tokens.
	ErrUnexpectedResponse = errors.New("unexpected response")

	// ErrSessionExpired: the session was forcibly cleared after a fatal refresh failure.
	ErrSessionExpired = errors.New("session expired")

	// ErrNotAuthenticated: an authenticated action was attempted with no session.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// Error carries a taxonomy kind together with what the backend said about it.
type Error struct {
	Kind   error
	Op     string
	Detail string
	Fields map[string][]string
	Err    error
}

// NewError builds an *Error of the given kind.
func NewError(kind error, op, detail string, err error) *Error {
	return &Error{Kind: kind, Op: op, Detail: detail, Err: err}
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Kind.Error())
	if e.Detail != "" {
		b.WriteString(": ")
		b.WriteString(e.Detail)
	}
	if len(e.Fields) > 0 {
		keys := make([]string, 0, len(e.Fields))
		for k := range e.Fields {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		parts := make([]string, 0, len(keys))
		for _, k := range keys {
			parts = append(parts, fmt.Sprintf("%s: %s", k, strings.Join(e.Fields[k], "; ")))
		}
		b.WriteString(" (")
		b.WriteString(strings.Join(parts, ", "))
		b.WriteString(")")
	}
	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Is matches the taxonomy kind so callers can write errors.Is(err, authkit.ErrValidation).
func (e *Error) Is(target error) bool { return target == e.Kind }

func (e *Error) Unwrap() error { return e.Err }

// FieldErrors returns the per-field messages attached to err, if any.
func FieldErrors(err error) map[string][]string {
	var e *Error
	if errors.As(err, &e) {
		return e.Fields
	}
	return nil
}

// IsFatal reports whether err ends the current session.
func IsFatal(err error) bool {
	return errors.Is(err, ErrRefreshRejected) ||
		errors.Is(err, ErrExchangeRejected) ||
		errors.Is(err, ErrSessionExpired)
}
