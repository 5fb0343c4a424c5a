package cache

import (
	"context"
	"encoding/json"
	"time"

	redis "github.com/redis/go-redis/v9"

	"possync/backend/internal/domain"
)

const statusKeyPrefix = "possync:status:"

type RedisStatusCache struct {
	client *redis.Client
}

func NewRedisStatusCache(addr string, password string, db int) *RedisStatusCache {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	return &RedisStatusCache{client: client}
}

// NewRedisStatusCacheFromClient shares an existing client, e.g. with the
// redis notifier backend.
func NewRedisStatusCacheFromClient(client *redis.Client) *RedisStatusCache {
	return &RedisStatusCache{client: client}
}

func (c *RedisStatusCache) Client() *redis.Client {
	return c.client
}

func (c *RedisStatusCache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *RedisStatusCache) Close() error {
	return c.client.Close()
}

func (c *RedisStatusCache) Get(ctx context.Context, shopID string) (*domain.QueueCounts, bool, error) {
	val, err := c.client.Get(ctx, statusKeyPrefix+shopID).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}

	var counts domain.QueueCounts
	if err := json.Unmarshal([]byte(val), &counts); err != nil {
		return nil, false, err
	}
	return &counts, true, nil
}

func (c *RedisStatusCache) Set(ctx context.Context, shopID string, value *domain.QueueCounts, ttl time.Duration) error {
	if value == nil {
		return nil
	}
	payload, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, statusKeyPrefix+shopID, payload, ttl).Err()
}

func (c *RedisStatusCache) Invalidate(ctx context.Context, shopID string) error {
	return c.client.Del(ctx, statusKeyPrefix+shopID).Err()
}
