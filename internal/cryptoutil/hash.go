package cryptoutil

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// HashEqual performs constant-time comparison of two strings, intended for hex digests
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}

// SHA256Hex computes the SHA-256 hash of the input data and returns it as a hex string
func SHA256Hex(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// SecretEqual compares two secrets in constant time. Both sides are digested first
// so the comparison time doesn't depend on the length of either.
func SecretEqual(got, want string) bool {
	a := sha256.Sum256([]byte(got))
	b := sha256.Sum256([]byte(want))
	return subtle.ConstantTimeCompare(a[:], b[:]) == 1
}

// ETag is a strong entity tag for body: a quoted, truncated SHA-256
func ETag(body []byte) string {
	return `"` + SHA256Hex(body)[:32] + `"`
}
