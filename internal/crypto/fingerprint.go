// Package crypto holds helpers for handling client secrets the server must
// never store or log in the clear.
package crypto

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a short BLAKE2b-256 digest of secret for log
// correlation. Empty input yields an empty fingerprint.
func Fingerprint(secret string) string {
	if secret == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:8])
}
