// Package residency caches residency eligibility answers in Redis so the
// liveness sweep does not query the registry for every idle site on every pass.
package residency

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"beacon/internal/registry"
	id "beacon/pkg/domain"
)

const keyPrefix = "beacon:residency:"

// RedisCache stores one key per site with TTL-based eviction.
type RedisCache struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisCache constructs a Redis-backed residency cache.
func NewRedisCache(client redis.Cmdable, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisCache{client: client, ttl: ttl}
}

// Eligible loads a cached answer. A missing key is reported as not found.
func (c *RedisCache) Eligible(ctx context.Context, siteID id.SiteID) (bool, bool, error) {
	v, err := c.client.Get(ctx, key(siteID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, false, nil
		}
		return false, false, fmt.Errorf("find residency: %w", err)
	}
	return v == "1", true, nil
}

// Store writes an answer; it overwrites any existing entry.
func (c *RedisCache) Store(ctx context.Context, siteID id.SiteID, eligible bool) error {
	v := "0"
	if eligible {
		v = "1"
	}
	if err := c.client.Set(ctx, key(siteID), v, c.ttl).Err(); err != nil {
		return fmt.Errorf("save residency: %w", err)
	}
	return nil
}

func (c *RedisCache) Forget(ctx context.Context, siteID id.SiteID) error {
	if err := c.client.Del(ctx, key(siteID)).Err(); err != nil {
		return fmt.Errorf("forget residency: %w", err)
	}
	return nil
}

func key(siteID id.SiteID) string {
	return keyPrefix + siteID.String()
}

var _ registry.ResidencyCache = (*RedisCache)(nil)
