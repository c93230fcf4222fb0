package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base32"
	"encoding/hex"
	"errors"
)

const (
	// SessionTokenBytes is the entropy of access and refresh tokens.
	SessionTokenBytes = 32
	// FlowTokenBytes is the entropy of single-use flow tokens.
	FlowTokenBytes = 32
	// BackupCodeBytes yields 8 hex characters per backup code.
	BackupCodeBytes = 4
)

// GenerateToken returns n cryptographically random bytes, hex-encoded.
func GenerateToken(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("token size must be positive")
	}
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		return "", err
	}
	return hex.EncodeToString(raw), nil
}

// HashToken returns the hex-encoded SHA-256 digest of token. The digest is the
// only form in which tokens are ever persisted or used as lookup keys.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// VerifyTokenHash reports whether token hashes to expectedHash using a
// constant-time comparison over the digest bytes.
func VerifyTokenHash(token, expectedHash string) bool {
	sum := sha256.Sum256([]byte(token))
	expected, err := hex.DecodeString(expectedHash)
	if err != nil || len(expected) != sha256.Size {
		return false
	}
	return subtle.ConstantTimeCompare(sum[:], expected) == 1
}

// NewTOTPSecret returns 20 random bytes and their base32 encoding without
// padding, which is exactly 32 characters.
func NewTOTPSecret() ([]byte, string, error) {
	raw := make([]byte, 20)
	if _, err := rand.Read(raw); err != nil {
		return nil, "", err
	}
	enc := base32.StdEncoding.WithPadding(base32.NoPadding)
	return raw, enc.EncodeToString(raw), nil
}

// NewBackupCodes returns count single-use backup codes alongside their
// SHA-256 hashes. Plaintext codes are shown to the user once; only the
// hashes are stored.
func NewBackupCodes(count int) (codes []string, hashes []string, err error) {
	codes = make([]string, 0, count)
	hashes = make([]string, 0, count)
	for i := 0; i < count; i++ {
		code, err := GenerateToken(BackupCodeBytes)
		if err != nil {
			return nil, nil, err
		}
		codes = append(codes, code)
		hashes = append(hashes, HashToken(code))
	}
	return codes, hashes, nil
}
