// Package cache holds the Redis-backed fast path for job phase reads and
// API rate limiting. Postgres stays the source of truth.
package cache

import (
	"context"
	"errors"
	"time"

	"github.com/kiranshivaraju/matchflow/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Ping(ctx context.Context) error
	SetJobPhase(ctx context.Context, jobID string, phase models.Phase, ttl time.Duration) error
	GetJobPhase(ctx context.Context, jobID string) (models.Phase, bool, error)
	DeleteJobPhase(ctx context.Context, jobID string) error
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
	Close() error
}

// RedisCache implements the Cache interface using go-redis/v9.
type RedisCache struct {
	client *redis.Client
}

// NewRedisCache creates a new RedisCache from a Redis URL.
func NewRedisCache(redisURL string) (*RedisCache, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	return &RedisCache{client: redis.NewClient(opts)}, nil
}

// Client returns the underlying client so the batch tracker can share the
// connection pool.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) SetJobPhase(ctx context.Context, jobID string, phase models.Phase, ttl time.Duration) error {
	return c.client.Set(ctx, JobPhaseKey(jobID), string(phase), ttl).Err()
}

func (c *RedisCache) GetJobPhase(ctx context.Context, jobID string) (models.Phase, bool, error) {
	val, err := c.client.Get(ctx, JobPhaseKey(jobID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return models.Phase(val), true, nil
}

func (c *RedisCache) DeleteJobPhase(ctx context.Context, jobID string) error {
	return c.client.Del(ctx, JobPhaseKey(jobID)).Err()
}

func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

var _ Cache = (*RedisCache)(nil)
