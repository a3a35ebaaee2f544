// Package redact masks sensitive values before they reach the logs.
package redact

import "strings"

// Email keeps the first two runes of the local part and the whole domain.
//
//	"foobar@example.com" -> "fo***@example.com"
//	"ab@ex.com"          -> "***@ex.com"
//	"no-at"              -> "***"
func Email(s string) string {
	if strings.Count(s, "@") != 1 {
		return "***"
	}

	i := strings.IndexByte(s, '@')
	local, domain := s[:i], s[i+1:]

	lr := []rune(local)
	if len(lr) > 2 {
		local = string(lr[:2]) + "***"
	} else {
		local = "***"
	}

	return local + "@" + domain
}

// Token replaces a token with a placeholder. An empty token stays visibly empty.
func Token(s string) string {
	if s == "" {
		return "[EMPTY_TOKEN]"
	}
	return "[REDACTED_TOKEN]"
}
