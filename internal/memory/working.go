// Package memory implements the four per-agent memory tiers: working
// (TTL key-value), semantic (vector index), episodic (write-once blobs),
// and aggregate (durable structured state, provided by the storage layer).
//
// Tier isolation is by key discipline: every agent-owned key embeds the
// agent ID, and no code path reads another agent's keys.
package memory

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned when a requested entry does not exist.
var ErrNotFound = errors.New("memory: not found")

// WorkingStore is Tier 1: TTL key-value with atomic counters. Lossy by design.
type WorkingStore interface {
	Get(ctx context.Context, key string) (string, error)
	Put(ctx context.Context, key, value string, ttl time.Duration) error
	// Incr atomically increments the counter at key, setting ttl on first write.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// RedisWorking backs the working tier with Redis.
type RedisWorking struct {
	client *redis.Client
}

// NewRedisWorking connects to Redis at the given URL.
func NewRedisWorking(url string) (*RedisWorking, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("memory: parse redis URL: %w", err)
	}
	return &RedisWorking{client: redis.NewClient(opts)}, nil
}

// Ping checks connectivity.
func (r *RedisWorking) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisWorking) Get(ctx context.Context, key string) (string, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("memory: redis get: %w", err)
	}
	return v, nil
}

func (r *RedisWorking) Put(ctx context.Context, key, value string, ttl time.Duration) error {
	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("memory: redis set: %w", err)
	}
	return nil
}

func (r *RedisWorking) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("memory: redis incr: %w", err)
	}
	if n == 1 && ttl > 0 {
		// First write for this key: arm the expiry.
		if err := r.client.Expire(ctx, key, ttl).Err(); err != nil {
			return n, fmt.Errorf("memory: redis expire: %w", err)
		}
	}
	return n, nil
}

func (r *RedisWorking) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("memory: redis del: %w", err)
	}
	return nil
}

func (r *RedisWorking) Close() error { return r.client.Close() }

// LocalWorking backs the working tier with an in-process TTL cache.
// Used when no Redis is configured (dev, tests). Counters are guarded by a
// mutex so increments stay atomic under concurrent senders.
type LocalWorking struct {
	cache *gocache.Cache

	mu       sync.Mutex
	counters map[string]*localCounter
}

type localCounter struct {
	n       int64
	expires time.Time
}

// NewLocalWorking creates an in-process working store with the given default TTL.
func NewLocalWorking(defaultTTL time.Duration) *LocalWorking {
	return &LocalWorking{
		cache:    gocache.New(defaultTTL, 5*time.Minute),
		counters: make(map[string]*localCounter),
	}
}

// Get reads a value or a live counter. Counters come back as decimal
// strings, matching Redis where GET and INCR share one keyspace.
func (l *LocalWorking) Get(_ context.Context, key string) (string, error) {
	if v, ok := l.cache.Get(key); ok {
		return v.(string), nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if c, ok := l.counters[key]; ok && (c.expires.IsZero() || time.Now().Before(c.expires)) {
		return strconv.FormatInt(c.n, 10), nil
	}
	return "", ErrNotFound
}

func (l *LocalWorking) Put(_ context.Context, key, value string, ttl time.Duration) error {
	l.cache.Set(key, value, ttl)
	return nil
}

func (l *LocalWorking) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := time.Now()
	c, ok := l.counters[key]
	if !ok || (!c.expires.IsZero() && now.After(c.expires)) {
		c = &localCounter{}
		if ttl > 0 {
			c.expires = now.Add(ttl)
		}
		l.counters[key] = c
	}
	c.n++
	return c.n, nil
}

func (l *LocalWorking) Delete(_ context.Context, key string) error {
	l.cache.Delete(key)
	l.mu.Lock()
	delete(l.counters, key)
	l.mu.Unlock()
	return nil
}

func (l *LocalWorking) Close() error { return nil }
