package gateway

import (
	"context"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// Cache stores completed responses keyed by the request hash. Misses and
// backend errors are both reported as a plain miss; caching is best-effort.
type Cache interface {
	Get(ctx context.Context, key string) (string, bool)
	Set(ctx context.Context, key, value string, ttl time.Duration)
}

// RedisCache shares the response cache across replicas.
type RedisCache struct {
	rdb *redis.Client
}

func NewRedisCache(rdb *redis.Client) *RedisCache { return &RedisCache{rdb: rdb} }

func (c *RedisCache) Get(ctx context.Context, key string) (string, bool) {
	v, err := c.rdb.Get(ctx, key).Result()
	if err != nil {
		return "", false
	}
	return v, true
}

func (c *RedisCache) Set(ctx context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = time.Hour
	}
	_ = c.rdb.Set(ctx, key, value, ttl).Err()
}

// LocalCache is the in-process fallback when Redis is not configured.
type LocalCache struct {
	c *gocache.Cache
}

func NewLocalCache() *LocalCache {
	return &LocalCache{c: gocache.New(time.Hour, 10*time.Minute)}
}

func (l *LocalCache) Get(_ context.Context, key string) (string, bool) {
	v, ok := l.c.Get(key)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

func (l *LocalCache) Set(_ context.Context, key, value string, ttl time.Duration) {
	if ttl <= 0 {
		ttl = gocache.DefaultExpiration
	}
	l.c.Set(key, value, ttl)
}
