package store

import (
	"context"
	"errors"
	"strings"

	"github.com/redis/go-redis/v9"
)

const redisScanBatch = 200

// RedisBackend persists record blobs under a key prefix in Redis.
type RedisBackend struct {
	client *redis.Client
	prefix string
}

// NewRedisBackend constructs a RedisBackend.
func NewRedisBackend(client *redis.Client, prefix string) *RedisBackend {
	return &RedisBackend{
		client: client,
		prefix: strings.TrimSpace(prefix),
	}
}

// Get implements Backend.
func (b *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	blob, errGet := b.client.Get(ctx, b.buildKey(key)).Bytes()
	if errGet != nil {
		if errors.Is(errGet, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, errGet
	}
	return blob, nil
}

// Put implements Backend.
func (b *RedisBackend) Put(ctx context.Context, key string, blob []byte) error {
	return b.client.Set(ctx, b.buildKey(key), blob, 0).Err()
}

// Delete implements Backend.
func (b *RedisBackend) Delete(ctx context.Context, key string) error {
	return b.client.Del(ctx, b.buildKey(key)).Err()
}

// DeleteAll removes every key under the prefix.
func (b *RedisBackend) DeleteAll(ctx context.Context) error {
	pattern := b.buildKey("*")
	var cursor uint64
	for {
		keys, next, errScan := b.client.Scan(ctx, cursor, pattern, redisScanBatch).Result()
		if errScan != nil {
			return errScan
		}
		if len(keys) > 0 {
			if errDel := b.client.Del(ctx, keys...).Err(); errDel != nil {
				return errDel
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// Close releases the Redis client.
func (b *RedisBackend) Close() error {
	if b == nil || b.client == nil {
		return nil
	}
	return b.client.Close()
}

func (b *RedisBackend) buildKey(key string) string {
	if b.prefix == "" {
		return key
	}
	return b.prefix + ":" + key
}
