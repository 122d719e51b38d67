package cache

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultRedisPrefix namespaces payload keys in a shared Redis database.
const DefaultRedisPrefix = "proxy:cache:"

// clearBatchSize is the SCAN page size used by Clear.
const clearBatchSize = 100

// RedisBackend stores payloads as Redis strings without expiry.
// Eviction is driven by the Store, never by Redis TTLs.
type RedisBackend struct {
	redis  *redis.Client
	prefix string
}

// NewRedisBackend creates a backend on an existing client.
// An empty prefix selects DefaultRedisPrefix.
func NewRedisBackend(redisClient *redis.Client, prefix string) *RedisBackend {
	if redisClient == nil {
		panic("redis client cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultRedisPrefix
	}
	return &RedisBackend{
		redis:  redisClient,
		prefix: prefix,
	}
}

func (b *RedisBackend) key(name string) string {
	return b.prefix + name
}

// Write stores data under the prefixed name.
func (b *RedisBackend) Write(ctx context.Context, name string, data []byte) error {
	if err := b.redis.Set(ctx, b.key(name), data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Read returns the stored payload or ErrCacheMiss.
func (b *RedisBackend) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := b.redis.Get(ctx, b.key(name)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, fmt.Errorf("redis get: %w", err)
	}
	return data, nil
}

// Delete removes the payload.
func (b *RedisBackend) Delete(ctx context.Context, name string) error {
	if err := b.redis.Del(ctx, b.key(name)).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear deletes every key under the prefix, one SCAN page per pipeline.
func (b *RedisBackend) Clear(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := b.redis.Scan(ctx, cursor, b.prefix+"*", clearBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			pipe := b.redis.Pipeline()
			for _, key := range keys {
				pipe.Del(ctx, key)
			}
			if _, err := pipe.Exec(ctx); err != nil {
				return fmt.Errorf("redis del batch: %w", err)
			}
		}

		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Ping checks the Redis connection.
func (b *RedisBackend) Ping(ctx context.Context) error {
	return b.redis.Ping(ctx).Err()
}

// Close closes the underlying client.
func (b *RedisBackend) Close() error {
	return b.redis.Close()
}
