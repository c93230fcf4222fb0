// Package flowtoken stores single-use, time-bounded flow tokens (email
// verification, password reset, passwordless login, 2FA challenges and
// pending 2FA setups) in Redis.
//
// Keys are the SHA-256 hash of the presented token, so plaintext tokens never
// reach the cache. Absence of a key is the sole signal of "expired or
// invalid": callers cannot distinguish a token that never existed from one
// that expired.
package flowtoken

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/carewire/portalauth/internal"
)

// Purposes namespace the cache keys per flow.
const (
	PurposeEmailVerification = "verify"
	PurposePasswordReset     = "reset"
	PurposePasswordless      = "pwless"
	PurposeTwoFactorLogin    = "2fa_login"
	PurposeTwoFactorSetup    = "2fa_setup"
)

var (
	// ErrNotFound reports a missing, expired or already-consumed token.
	ErrNotFound = errors.New("flow token not found")
	// ErrRedisUnavailable wraps infrastructure failures talking to Redis.
	ErrRedisUnavailable = errors.New("flow token redis unavailable")
)

// Payload is the small record mapped to by a flow-token key. Fields beyond
// UserID are populated per purpose only.
type Payload struct {
	UserID           string   `json:"user_id"`
	CompanyID        string   `json:"company_id,omitempty"`
	Email            string   `json:"email,omitempty"`
	Secret           string   `json:"secret,omitempty"`
	BackupCodeHashes []string `json:"backup_code_hashes,omitempty"`
	Attempts         int      `json:"attempts,omitempty"`
}

// Store persists flow-token payloads in Redis under hashed keys.
type Store struct {
	redis  redis.UniversalClient
	prefix string
}

// NewStore creates a flow-token [Store] backed by the given Redis client.
func NewStore(redisClient redis.UniversalClient, prefix string) *Store {
	if prefix == "" {
		prefix = "pft"
	}
	return &Store{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (s *Store) key(purpose, token string) string {
	return s.prefix + ":" + purpose + ":" + internal.HashToken(token)
}

// Save writes the payload under the hashed token key with the flow TTL.
func (s *Store) Save(ctx context.Context, purpose, token string, payload Payload, ttl time.Duration) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if err := s.redis.Set(ctx, s.key(purpose, token), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Peek returns the payload without consuming the token.
func (s *Store) Peek(ctx context.Context, purpose, token string) (*Payload, error) {
	data, err := s.redis.Get(ctx, s.key(purpose, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return decodePayload(data)
}

// Consume atomically reads and deletes the token, enforcing single use. A
// second Consume of the same token returns ErrNotFound.
func (s *Store) Consume(ctx context.Context, purpose, token string) (*Payload, error) {
	data, err := s.redis.GetDel(ctx, s.key(purpose, token)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return decodePayload(data)
}

// Delete removes the token if present. Idempotent.
func (s *Store) Delete(ctx context.Context, purpose, token string) error {
	if err := s.redis.Del(ctx, s.key(purpose, token)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// RecordFailure increments the payload's attempt counter, deleting the token
// and reporting exceeded=true once maxAttempts is reached. The read-modify-
// write is not transactional with respect to concurrent failures; the TTL
// still bounds the total attempt budget.
func (s *Store) RecordFailure(ctx context.Context, purpose, token string, maxAttempts int) (bool, error) {
	key := s.key(purpose, token)

	data, err := s.redis.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, ErrNotFound
		}
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	payload, err := decodePayload(data)
	if err != nil {
		return false, err
	}

	payload.Attempts++
	if maxAttempts > 0 && payload.Attempts >= maxAttempts {
		if err := s.redis.Del(ctx, key).Err(); err != nil {
			return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
		}
		return true, nil
	}

	ttl, err := s.redis.TTL(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	if ttl <= 0 {
		return false, ErrNotFound
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, err
	}
	if err := s.redis.Set(ctx, key, encoded, ttl).Err(); err != nil {
		return false, fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return false, nil
}

func decodePayload(data []byte) (*Payload, error) {
	var payload Payload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil, fmt.Errorf("invalid flow token payload: %w", err)
	}
	return &payload, nil
}
