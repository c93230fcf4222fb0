package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss reports an absent cache entry; callers fall back to the
	// durable store.
	ErrCacheMiss = errors.New("session cache miss")
	// ErrRedisUnavailable wraps infrastructure failures talking to Redis.
	ErrRedisUnavailable = errors.New("session redis unavailable")
)

type cacheRecord struct {
	SessionID      string    `json:"session_id"`
	UserID         string    `json:"user_id"`
	CompanyID      string    `json:"company_id"`
	ExpiresAt      time.Time `json:"expires_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// Cache is the Redis read-through cache over durable sessions, keyed by the
// access-token hash.
type Cache struct {
	redis  redis.UniversalClient
	prefix string
}

// NewCache creates a session [Cache] backed by the given Redis client.
func NewCache(redisClient redis.UniversalClient, prefix string) *Cache {
	if prefix == "" {
		prefix = "psess"
	}
	return &Cache{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (c *Cache) key(accessTokenHash string) string {
	return c.prefix + ":" + accessTokenHash
}

// Put primes the cache entry for a session. The TTL mirrors the remaining
// access-token lifetime so the cache can never outlive the durable expiry.
func (c *Cache) Put(ctx context.Context, s *Session, now time.Time) error {
	ttl := s.ExpiresAt.Sub(now)
	if ttl <= 0 {
		return nil
	}
	record := cacheRecord{
		SessionID:      s.ID,
		UserID:         s.UserID,
		CompanyID:      s.CompanyID,
		ExpiresAt:      s.ExpiresAt,
		LastActivityAt: s.LastActivityAt,
	}
	encoded, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := c.redis.Set(ctx, c.key(s.AccessTokenHash), encoded, ttl).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// Lookup resolves an access-token hash to the cached session identity.
func (c *Cache) Lookup(ctx context.Context, accessTokenHash string) (sessionID, userID string, err error) {
	data, err := c.redis.Get(ctx, c.key(accessTokenHash)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", "", ErrCacheMiss
		}
		return "", "", fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	var record cacheRecord
	if err := json.Unmarshal(data, &record); err != nil {
		return "", "", fmt.Errorf("invalid session cache record: %w", err)
	}
	return record.SessionID, record.UserID, nil
}

// Drop removes the cache entry for an access-token hash. Idempotent.
func (c *Cache) Drop(ctx context.Context, accessTokenHash string) error {
	if err := c.redis.Del(ctx, c.key(accessTokenHash)).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}

// DropAll removes the cache entries for a set of access-token hashes, used
// when every session of a user is revoked at once.
func (c *Cache) DropAll(ctx context.Context, accessTokenHashes []string) error {
	if len(accessTokenHashes) == 0 {
		return nil
	}
	keys := make([]string, len(accessTokenHashes))
	for i, h := range accessTokenHashes {
		keys[i] = c.key(h)
	}
	if err := c.redis.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrRedisUnavailable, err)
	}
	return nil
}
