package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisBackend is the asynchronous device-scoped store. Calls suspend the
// caller until Redis answers; any transport failure surfaces as
// ErrUnavailable so the engine can move on to the next backend.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend connects to the given URL and verifies the connection.
func NewRedisBackend(redisURL string) (*RedisBackend, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewRedisBackendWithClient(client), nil
}

// NewRedisBackendWithClient wraps an existing client.
func NewRedisBackendWithClient(client *redis.Client) *RedisBackend {
	return &RedisBackend{client: client, prefix: "identity:"}
}

func (b *RedisBackend) redisKey(key string) string {
	return b.prefix + key
}

func (b *RedisBackend) Get(ctx context.Context, key string) (string, bool, error) {
	data, err := b.client.Get(ctx, b.redisKey(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	var rec record
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		// A foreign or corrupt payload reads as absent, never as a fault.
		return "", false, nil
	}
	return rec.Value, true, nil
}

func (b *RedisBackend) Set(ctx context.Context, key, value string, writtenAt time.Time) error {
	data, err := json.Marshal(record{Value: value, WrittenAt: writtenAt.UnixMilli()})
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	if err := b.client.Set(ctx, b.redisKey(key), data, 0).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (b *RedisBackend) Close() error {
	return b.client.Close()
}
