// Package redact strips credentials from strings before they reach logs or error messages.
package redact

import (
	"regexp"
	"strings"
)

var (
	// "Bearer <token>" (JWTs and opaque tokens).
	bearerTokenRe = regexp.MustCompile(`(?i)\bBearer\s+[^\s"']+`)

	// key=value / key: value forms that leak in error strings.
	apiKeyKVRe = regexp.MustCompile(`(?i)\b(api[_-]?key|gemini[_-]?api[_-]?key|x-goog-api-key|build2[_-]?token)\b\s*[:=]\s*[^\s"'&]+`)

	// Credentials carried as URL query parameters (?key=...&token=...).
	queryParamRe = regexp.MustCompile(`(?i)([?&](?:key|token|access_token|sig)=)[^&\s"']+`)

	// Google API keys.
	googleKeyRe = regexp.MustCompile(`\bAIza[0-9A-Za-z_\-]{35}\b`)
)

// Secrets removes obvious secret-bearing substrings from error/log strings.
func Secrets(s string) string {
	if s == "" {
		return ""
	}
	out := bearerTokenRe.ReplaceAllString(s, "Bearer <redacted>")
	out = apiKeyKVRe.ReplaceAllString(out, "<redacted_kv>")
	out = queryParamRe.ReplaceAllString(out, "${1}<redacted>")
	out = googleKeyRe.ReplaceAllString(out, "<redacted_key>")
	return strings.TrimSpace(out)
}
