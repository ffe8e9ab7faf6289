// Package cache is a thin Redis wrapper for the read-API responses. The
// whole layer is optional: a nil Cache misses on every read and swallows
// writes, so the API works without Redis configured.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/rs/zerolog/log"
)

// DefaultTTL matches the read API's one-hour caching contract.
const DefaultTTL = time.Hour

// Cache stores JSON-encoded responses with a fixed TTL.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New wraps a Redis client. Passing nil returns a nil Cache, which is valid
// and inert.
func New(client *redis.Client) *Cache {
	if client == nil {
		return nil
	}
	return &Cache{client: client, ttl: DefaultTTL}
}

// GetJSON loads a cached value into out. The bool reports a hit.
func (c *Cache) GetJSON(ctx context.Context, key string, out interface{}) (bool, error) {
	if c == nil {
		return false, nil
	}
	data, err := c.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read cache key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		// A corrupt entry is treated as a miss and left to expire.
		log.Warn().Err(err).Str("key", key).Msg("Dropping undecodable cache entry")
		return false, nil
	}
	return true, nil
}

// SetJSON stores a value under the default TTL. Failures are logged, not
// returned; the cache is never load-bearing.
func (c *Cache) SetJSON(ctx context.Context, key string, v interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("key", key).Msg("Failed to encode cache value")
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to write cache entry")
	}
}
