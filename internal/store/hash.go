package store

import (
	"crypto/sha256"
	"encoding/hex"
)

// ShortHash returns the first 16 hex characters of the SHA-256 of s. Used
// for event ids and archived-file names where a short stable tag suffices.
func ShortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:16]
}
