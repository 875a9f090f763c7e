package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisKV is an ephemeral store: every write refreshes a TTL, so abandoned
// state disappears once the browsing session goes idle.
type RedisKV struct {
	client redis.UniversalClient
	ttl    time.Duration
}

var _ KV = (*RedisKV)(nil)

// NewRedisKV constructs a Redis-backed store. ttl <= 0 keeps keys until deleted.
func NewRedisKV(client redis.UniversalClient, ttl time.Duration) *RedisKV {
	return &RedisKV{client: client, ttl: ttl}
}

func (r *RedisKV) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("load key: %w", err)
	}
	return v, true, nil
}

// SetMany writes all values inside MULTI/EXEC
func (r *RedisKV) SetMany(ctx context.Context, values map[string]string) error {
	if len(values) == 0 {
		return nil
	}
	ttl := r.ttl
	if ttl < 0 {
		ttl = 0
	}
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for k, v := range values {
			pipe.Set(ctx, k, v, ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("persist keys: %w", err)
	}
	return nil
}

func (r *RedisKV) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("delete keys: %w", err)
	}
	return nil
}
