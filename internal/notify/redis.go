package notify

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
)

// RedisBackend publishes sync events on a pub/sub channel.
type RedisBackend struct {
	client  *redis.Client
	channel string
}

func NewRedisBackend(client *redis.Client, channel string) *RedisBackend {
	return &RedisBackend{client: client, channel: channel}
}

func (r *RedisBackend) Name() string {
	return "redis"
}

// Publish sends to "<channel>" and "<channel>.<shop_id>" so subscribers can
// follow a single shop.
func (r *RedisBackend) Publish(ctx context.Context, payload []byte) error {
	if err := r.client.Publish(ctx, r.channel, payload).Err(); err != nil {
		return err
	}
	if shop := shopKey(payload); len(shop) > 0 {
		return r.client.Publish(ctx, r.channel+"."+string(shop), payload).Err()
	}
	return nil
}

// Close is a no-op: the client is shared with the status cache, which owns it.
func (r *RedisBackend) Close() error {
	return nil
}

func shopKey(payload []byte) []byte {
	var head struct {
		ShopID string `json:"shop_id"`
	}
	if err := json.Unmarshal(payload, &head); err != nil || head.ShopID == "" {
		return nil
	}
	return []byte(head.ShopID)
}
