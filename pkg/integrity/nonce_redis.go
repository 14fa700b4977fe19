package integrity

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// redisNonceScript records a nonce if unseen, atomically.
// KEYS[1] = nonce key
// ARGV[1] = recorded-at timestamp stored as the value
// ARGV[2] = TTL in seconds
// Returns the stored timestamp on a replay, empty string when fresh.
var redisNonceScript = redis.NewScript(`
local first = redis.call("GET", KEYS[1])
if first then
    return first
end
redis.call("SET", KEYS[1], ARGV[1], "EX", tonumber(ARGV[2]))
return ""
`)

// DefaultNonceTTL is how long a consumed nonce stays recorded in Redis. A
// record whose timestamp survived the skew check is stale long before this.
const DefaultNonceTTL = 24 * time.Hour

// RedisNonceStore implements NonceStore on Redis, sharing the replay cache
// across verifier instances. Keys expire instead of being evicted by count.
type RedisNonceStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
}

// NewRedisNonceStore creates a store backed by Redis.
func NewRedisNonceStore(addr, password string, db int) *RedisNonceStore {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &RedisNonceStore{client: rdb, prefix: "nonce:", ttl: DefaultNonceTTL}
}

// NewRedisNonceStoreFromClient wraps an existing client, mainly for tests.
func NewRedisNonceStoreFromClient(client *redis.Client) *RedisNonceStore {
	return &RedisNonceStore{client: client, prefix: "nonce:", ttl: DefaultNonceTTL}
}

// CheckAndRecord implements NonceStore via the Lua script. The key's value is
// the RFC 3339 time the nonce was first consumed, which a replay reads back.
func (s *RedisNonceStore) CheckAndRecord(ctx context.Context, nonce string) (bool, time.Time, error) {
	recordedAt := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := redisNonceScript.Run(ctx, s.client,
		[]string{s.prefix + nonce}, recordedAt, int(s.ttl.Seconds())).Result()
	if err != nil {
		return false, time.Time{}, fmt.Errorf("redis nonce check: %w", err)
	}
	stored, ok := res.(string)
	if !ok {
		return false, time.Time{}, fmt.Errorf("invalid response from nonce script: %T", res)
	}
	if stored == "" {
		return true, time.Time{}, nil
	}
	firstSeen, parseErr := time.Parse(time.RFC3339Nano, stored)
	if parseErr != nil {
		// A replay with an unreadable value is still a replay.
		return false, time.Time{}, nil
	}
	return false, firstSeen, nil
}

// Reset implements NonceStore by deleting all keys under the prefix.
func (s *RedisNonceStore) Reset(ctx context.Context) error {
	iter := s.client.Scan(ctx, 0, s.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := s.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis nonce reset: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis nonce reset scan: %w", err)
	}
	return nil
}
