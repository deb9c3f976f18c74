package tenancy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wolfman30/comchat-platform/pkg/logging"
)

// RedisCache fronts a Directory with a TTL cache in Redis. Cache errors are
// logged and fall through to the directory.
type RedisCache struct {
	next   Directory
	redis  *redis.Client
	ttl    time.Duration
	logger *logging.Logger
}

func NewRedisCache(next Directory, client *redis.Client, ttl time.Duration, logger *logging.Logger) *RedisCache {
	if next == nil || client == nil {
		panic("tenancy: directory and redis client are required")
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	if logger == nil {
		logger = logging.Default()
	}
	return &RedisCache{next: next, redis: client, ttl: ttl, logger: logger}
}

func (c *RedisCache) key(slug string) string {
	return fmt.Sprintf("tenant:slug:%s", strings.ToLower(strings.TrimSpace(slug)))
}

// BySlug implements Directory.
func (c *RedisCache) BySlug(ctx context.Context, slug string) (*Tenant, error) {
	data, err := c.redis.Get(ctx, c.key(slug)).Bytes()
	switch {
	case err == nil:
		var t Tenant
		if jsonErr := json.Unmarshal(data, &t); jsonErr == nil {
			return &t, nil
		}
		c.logger.Warn("tenant cache entry unreadable, refreshing", "slug", slug)
	case !errors.Is(err, redis.Nil):
		c.logger.Warn("tenant cache read failed", "slug", slug, "error", err)
	}

	t, err := c.next.BySlug(ctx, slug)
	if err != nil {
		return nil, err
	}
	if data, err := json.Marshal(t); err == nil {
		if err := c.redis.Set(ctx, c.key(slug), data, c.ttl).Err(); err != nil {
			c.logger.Warn("tenant cache write failed", "slug", slug, "error", err)
		}
	}
	return t, nil
}

// Invalidate drops a cached tenant.
func (c *RedisCache) Invalidate(ctx context.Context, slug string) error {
	if err := c.redis.Del(ctx, c.key(slug)).Err(); err != nil {
		return fmt.Errorf("tenancy: invalidate %s: %w", slug, err)
	}
	return nil
}
