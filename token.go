package portalauth

import "github.com/carewire/portalauth/internal"

// GenerateRandomToken returns n cryptographically secure random bytes,
// hex-encoded.
func GenerateRandomToken(n int) (string, error) {
	return internal.GenerateToken(n)
}

// HashToken returns the hex-encoded SHA-256 digest of token — the only form
// in which tokens are persisted or used as lookup keys.
func HashToken(token string) string {
	return internal.HashToken(token)
}

// VerifyTokenHash reports whether token hashes to expectedHash, comparing
// digests in constant time to defeat timing attacks.
func VerifyTokenHash(token, expectedHash string) bool {
	return internal.VerifyTokenHash(token, expectedHash)
}
