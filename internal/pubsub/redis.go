package pubsub

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Address  string
	Password string
	DB       int
}

// RedisTransport publishes chat envelopes through Redis pub/sub so that every
// server node can fan them out to its own websocket subscribers.
type RedisTransport struct {
	client *redis.Client
}

// NewRedisTransport connects to Redis and verifies the connection.
func NewRedisTransport(ctx context.Context, cfg RedisConfig) (*RedisTransport, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Address,
		Password:     cfg.Password,
		DB:           cfg.DB,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return &RedisTransport{client: client}, nil
}

// Publish publishes payload on the Redis channel named after topic.
func (r *RedisTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	return r.client.Publish(ctx, topic, payload).Err()
}

// Run subscribes to every chat topic and hands each payload to deliver, in
// arrival order, until ctx is done.
func (r *RedisTransport) Run(ctx context.Context, deliver func(topic string, payload []byte)) error {
	sub := r.client.PSubscribe(ctx, ChatTopicPattern)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("failed to subscribe %s: %w", ChatTopicPattern, err)
	}
	log.Info().Str("pattern", ChatTopicPattern).Msg("redis transport subscribed")

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			deliver(msg.Channel, []byte(msg.Payload))
		}
	}
}

// Close closes the Redis client.
func (r *RedisTransport) Close() error {
	return r.client.Close()
}
