// Package cache implements the Cache component: a short-TTL Redis-backed
// key-value store for identity/session lookups, a token-revocation set,
// and consumer-side event deduplication.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Cache is a namespaced, TTL'd key-value wrapper over Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to addr and verifies connectivity with a bounded ping.
func New(addr string, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, DB: 0})

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Close closes the underlying Redis connection.
func (c *Cache) Close() error { return c.client.Close() }

// Get reads key into dest, returning (false, nil) on a cache miss.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("redis get %s: %w", key, err)
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

// Set stores value at key with the cache's configured TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// MGet batch-reads keys, decoding each found value into a fresh
// map[string]json.RawMessage entry; callers unmarshal per-entry with the
// concrete type they expect.
func (c *Cache) MGet(ctx context.Context, keys []string) (map[string]json.RawMessage, error) {
	if len(keys) == 0 {
		return map[string]json.RawMessage{}, nil
	}
	results, err := c.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis mget: %w", err)
	}
	out := make(map[string]json.RawMessage)
	for i, r := range results {
		if r == nil {
			continue
		}
		s, ok := r.(string)
		if !ok {
			continue
		}
		out[keys[i]] = json.RawMessage(s)
	}
	return out, nil
}

// Invalidate removes key.
func (c *Cache) Invalidate(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// Revoke adds token to the revocation set, with ttl as its own expiry so
// the set never outlives the token it names.
func (c *Cache) Revoke(ctx context.Context, setKey, token string, ttl time.Duration) error {
	pipe := c.client.TxPipeline()
	pipe.SAdd(ctx, setKey, token)
	pipe.Expire(ctx, setKey, ttl)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("revoke %s: %w", token, err)
	}
	return nil
}

// IsRevoked reports whether token is present in the revocation set.
func (c *Cache) IsRevoked(ctx context.Context, setKey, token string) (bool, error) {
	ok, err := c.client.SIsMember(ctx, setKey, token).Result()
	if err != nil {
		return false, fmt.Errorf("check revocation %s: %w", token, err)
	}
	return ok, nil
}

// SeenBefore implements broker.Deduper: it claims eventID exactly once
// using SET NX, so a redelivered message is recognized and skipped.
func (c *Cache) SeenBefore(ctx context.Context, eventID string) (bool, error) {
	key := "event-seen:" + eventID
	ok, err := c.client.SetNX(ctx, key, 1, 24*time.Hour).Result()
	if err != nil {
		return false, fmt.Errorf("dedupe check %s: %w", eventID, err)
	}
	// SetNX returns true when the key was newly set, i.e. not seen before.
	return !ok, nil
}
