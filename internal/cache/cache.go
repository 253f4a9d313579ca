// Package cache is the advisory Redis layer. Every failure degrades to
// a cache miss: the durable store remains the only holder of any fact.
// Mutating tasks invalidate keys push-style; the TTL is a staleness
// backstop, not the invalidation mechanism.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"spotify-insights/internal/config"
)

// Cache wraps a Redis client for JSON value caching.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New builds a cache client from config.
func New(cfg config.Config) *Cache {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	return NewWithClient(client, cfg.CacheTTL)
}

// NewWithClient wires an existing client, used by tests.
func NewWithClient(client *redis.Client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Cache{client: client, ttl: ttl}
}

// GetJSON loads a key into dest. False means miss, including on any
// Redis or decode error.
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	data, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Printf("cache get %s: %v", key, err)
		}
		return false
	}
	if err := json.Unmarshal(data, dest); err != nil {
		log.Printf("cache decode %s: %v", key, err)
		return false
	}
	return true
}

// SetJSON stores a value under the backstop TTL. Failures are logged and
// swallowed; the caller already holds the authoritative data.
func (c *Cache) SetJSON(ctx context.Context, key string, value any) {
	data, err := json.Marshal(value)
	if err != nil {
		log.Printf("cache encode %s: %v", key, err)
		return
	}
	if err := c.client.Set(ctx, key, data, c.ttl).Err(); err != nil {
		log.Printf("cache set %s: %v", key, err)
	}
}

// Delete invalidates a key. Best effort: a missed invalidation is
// bounded by the TTL backstop.
func (c *Cache) Delete(ctx context.Context, key string) {
	if err := c.client.Del(ctx, key).Err(); err != nil {
		log.Printf("cache delete %s: %v", key, err)
	}
}

// Standardized cache keys.

// UserSnapshotsKey lists a user's snapshots.
func UserSnapshotsKey(userID string) string {
	return fmt.Sprintf("snapshots:user:%s", userID)
}

// UserInsightsKey lists a user's insights.
func UserInsightsKey(userID string) string {
	return fmt.Sprintf("insights:user:%s", userID)
}

// PlatformStatsKey holds the aggregate statistics record.
func PlatformStatsKey() string {
	return "stats:platform"
}
