package utils

import (
	"crypto/sha256"
	"encoding/hex"
)

// IdempotencyKey builds a deterministic key from ordered string components.
// Equal component sequences always produce equal keys, so retries of the
// same logical operation collapse onto one key.
func IdempotencyKey(parts ...string) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}
