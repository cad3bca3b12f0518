package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisEventBus publishes approval lifecycle events over Redis Pub/Sub,
// grounded on the teacher's pkg/kernel.RedisLimiterStore's use of
// github.com/redis/go-redis/v9, here repurposed from a token-bucket script
// to a plain PUBLISH so any number of downstream consumers (dashboards,
// the trading engine) can subscribe without polling the HTTP API.
type RedisEventBus struct {
	client *redis.Client
}

// NewRedisEventBus wraps an existing redis.Client.
func NewRedisEventBus(client *redis.Client) *RedisEventBus {
	return &RedisEventBus{client: client}
}

func (b *RedisEventBus) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("notify: redis publish to %s: %w", topic, err)
	}
	return nil
}
