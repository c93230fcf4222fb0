package password

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const (
	// DefaultCost is the bcrypt work factor applied to every new hash.
	DefaultCost = 12

	minCost      = 10
	minPassBytes = 8
)

// ErrPasswordTooShort is returned by Hash for passwords under the minimum byte length.
var ErrPasswordTooShort = errors.New("password too short")

// Config carries the bcrypt tuning parameters.
type Config struct {
	Cost int
}

// Hasher hashes and verifies passwords with a fixed bcrypt cost.
//
// Hasher instances are intended to be configured during initialization and then treated as immutable.
type Hasher struct {
	config Config
}

// NewHasher validates cfg and returns a Hasher. A zero cost selects DefaultCost.
func NewHasher(cfg Config) (*Hasher, error) {
	if cfg.Cost == 0 {
		cfg.Cost = DefaultCost
	}
	if cfg.Cost < minCost || cfg.Cost > bcrypt.MaxCost {
		return nil, errors.New("bcrypt cost out of range")
	}
	return &Hasher{config: cfg}, nil
}

// Hash returns the salted bcrypt hash of password.
//
// Password bytes are used exactly as provided (no Unicode normalization).
func (h *Hasher) Hash(password string) (string, error) {
	if len(password) < minPassBytes {
		return "", ErrPasswordTooShort
	}
	// bcrypt silently truncates beyond 72 bytes; reject instead of truncating.
	if len(password) > 72 {
		return "", errors.New("password exceeds 72 bytes")
	}
	out, err := bcrypt.GenerateFromPassword([]byte(password), h.config.Cost)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// Verify reports whether password matches the stored hash. A malformed hash
// is reported as an error, a plain mismatch as (false, nil).
func (h *Hasher) Verify(password, encoded string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(encoded), []byte(password))
	if err == nil {
		return true, nil
	}
	if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
		return false, nil
	}
	return false, err
}

// NeedsRehash reports whether the stored hash was produced with a cost lower
// than the configured one, so the caller can re-hash on the next login.
func (h *Hasher) NeedsRehash(encoded string) bool {
	cost, err := bcrypt.Cost([]byte(encoded))
	if err != nil {
		return true
	}
	return cost < h.config.Cost
}
