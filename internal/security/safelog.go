// Package security keeps broker credentials out of logs and gives the
// operator a hard stop: a read-only mode and a file-based kill switch.
package security

import (
	"io"
	"regexp"
	"strings"
)

// sensitiveFields are config and payload keys whose values are masked.
var sensitiveFields = map[string]bool{
	"api_key":       true,
	"api_secret":    true,
	"access_token":  true,
	"request_token": true,
	"feed_token":    true,
	"refresh_token": true,
	"totp_secret":   true,
	"password":      true,
	"checksum":      true,
}

// sensitivePattern matches credential material inline in free-form text:
// key=value pairs for the fields above, in log lines or query strings. One
// combined alternation so a pass never re-masks its own output.
var sensitivePattern = regexp.MustCompile(`(?i)(api[_-]?key|api[_-]?secret|access[_-]?token|request[_-]?token|feed[_-]?token|refresh[_-]?token|totp[_-]?secret|password|checksum)[=:\s]+["']?([A-Za-z0-9+/._~-]+)["']?`)

// Mask keeps the first four characters of a secret and hides the rest, so
// an operator can still tell which token a log line refers to.
func Mask(secret string) string {
	if secret == "" {
		return ""
	}
	if len(secret) <= 4 {
		return strings.Repeat("*", len(secret))
	}
	return secret[:4] + strings.Repeat("*", len(secret)-4)
}

// IsSensitiveField reports whether a key's value must never be logged.
func IsSensitiveField(key string) bool {
	return sensitiveFields[strings.ToLower(key)]
}

// Redact masks credential material found inline in s.
func Redact(s string) string {
	return sensitivePattern.ReplaceAllStringFunc(s, func(match string) string {
		groups := sensitivePattern.FindStringSubmatch(match)
		secret := groups[len(groups)-1]
		return strings.Replace(match, secret, Mask(secret), 1)
	})
}

// RedactWriter redacts each write before passing it through. The logging
// setup wraps its sinks with it so a mislogged credential never reaches
// disk or terminal.
type RedactWriter struct {
	W io.Writer
}

func (rw RedactWriter) Write(p []byte) (int, error) {
	red := Redact(string(p))
	if _, err := rw.W.Write([]byte(red)); err != nil {
		return 0, err
	}
	// Report the caller's length: the redacted form may differ and a short
	// write would confuse the zerolog multi-writer.
	return len(p), nil
}
