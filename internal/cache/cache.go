package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/autograde/pkg/models"
	"github.com/redis/go-redis/v9"
)

// Cache is the caching interface. All cache operations go through here.
// Implementations must be safe for concurrent use.
type Cache interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Delete(ctx context.Context, key string) error
	Ping(ctx context.Context) error
	SetJobSnapshot(ctx context.Context, snap models.JobSnapshot, ttl time.Duration) error
	GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.JobSnapshot, bool, error)
	InvalidateJob(ctx context.Context, jobID uuid.UUID) error
	// Claim sets key only if it is absent and reports whether it did.
	Claim(ctx context.Context, key string, ttl time.Duration) (bool, error)
	IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error)
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

// Client exposes the underlying connection so the task queue can share it.
func (c *RedisCache) Client() *redis.Client {
	return c.client
}

func (c *RedisCache) Close() error {
	return c.client.Close()
}

func (c *RedisCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return c.client.Set(ctx, key, value, ttl).Err()
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, bool, error) {
	val, err := c.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return val, true, nil
}

func (c *RedisCache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

func (c *RedisCache) SetJobSnapshot(ctx context.Context, snap models.JobSnapshot, ttl time.Duration) error {
	return setSnapshot(ctx, c, snap, ttl)
}

func (c *RedisCache) GetJobSnapshot(ctx context.Context, jobID uuid.UUID) (*models.JobSnapshot, bool, error) {
	return getSnapshot(ctx, c, jobID)
}

func (c *RedisCache) InvalidateJob(ctx context.Context, jobID uuid.UUID) error {
	return c.client.Del(ctx, JobSnapshotKey(jobID)).Err()
}

func (c *RedisCache) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return c.client.SetNX(ctx, key, "1", ttl).Result()
}

// IncrWithExpiry counts within a fixed window: the expiry is set by the
// first increment only.
func (c *RedisCache) IncrWithExpiry(ctx context.Context, key string, expiry time.Duration) (int64, error) {
	pipe := c.client.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, expiry)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return incr.Val(), nil
}

func setSnapshot(ctx context.Context, c Cache, snap models.JobSnapshot, ttl time.Duration) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encoding job snapshot: %w", err)
	}
	return c.Set(ctx, JobSnapshotKey(snap.ID), data, ttl)
}

func getSnapshot(ctx context.Context, c Cache, jobID uuid.UUID) (*models.JobSnapshot, bool, error) {
	data, found, err := c.Get(ctx, JobSnapshotKey(jobID))
	if err != nil || !found {
		return nil, false, err
	}
	var snap models.JobSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, false, fmt.Errorf("decoding job snapshot: %w", err)
	}
	return &snap, true, nil
}
