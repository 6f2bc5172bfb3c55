package resilient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"

	"goflare.io/scribe/internal/cache/memory"
)

// Backend is one storage variant behind the Client.
type Backend interface {
	Name() string
	Get(ctx context.Context, key string) ([]byte, bool, error)
	SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error
	Delete(ctx context.Context, key string) error
	FlushAll(ctx context.Context) error
}

// RedisBackend is the network backend.
type RedisBackend struct {
	client  redis.Cmdable
	timeout time.Duration
}

// NewRedisBackend wraps client. timeout bounds every single command.
func NewRedisBackend(client redis.Cmdable, timeout time.Duration) *RedisBackend {
	return &RedisBackend{client: client, timeout: timeout}
}

func (r *RedisBackend) Name() string { return "redis" }

func (r *RedisBackend) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, r.timeout)
}

// Get reads key. A missing key is not an error.
func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	data, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get failed: %w", err)
	}
	return data, true, nil
}

// SetEx writes key with an expiry of ttl.
func (r *RedisBackend) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Set(ctx, key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set failed: %w", err)
	}
	return nil
}

// Delete removes key.
func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis delete failed: %w", err)
	}
	return nil
}

// FlushAll removes every key of the server.
func (r *RedisBackend) FlushAll(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	if err := r.client.FlushAll(ctx).Err(); err != nil {
		return fmt.Errorf("redis flush failed: %w", err)
	}
	return nil
}

// Ping checks connectivity.
func (r *RedisBackend) Ping(ctx context.Context) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	return r.client.Ping(ctx).Err()
}

// ScanKeys calls fn for every key in the keyspace.
func (r *RedisBackend) ScanKeys(ctx context.Context, fn func(key string)) error {
	var cursor uint64
	for {
		var keys []string
		var err error
		keys, cursor, err = r.client.Scan(ctx, cursor, "*", 1000).Result()
		if err != nil {
			return fmt.Errorf("failed to scan keys from remote cache: %w", err)
		}

		for _, key := range keys {
			fn(key)
		}

		if cursor == 0 {
			return nil
		}
	}
}

// Close closes the underlying client when it supports it.
func (r *RedisBackend) Close() error {
	if closer, ok := r.client.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// MemoryBackend adapts the in-process TTL cache.
type MemoryBackend struct {
	cache *memory.Cache
}

// NewMemoryBackend wraps cache.
func NewMemoryBackend(cache *memory.Cache) *MemoryBackend {
	return &MemoryBackend{cache: cache}
}

func (m *MemoryBackend) Name() string { return "memory" }

func (m *MemoryBackend) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	v, ok := m.cache.Get(key)
	return v, ok, nil
}

func (m *MemoryBackend) SetEx(ctx context.Context, key string, ttl time.Duration, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return m.cache.Set(key, value, ttl)
}

func (m *MemoryBackend) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.cache.Delete(key)
	return nil
}

func (m *MemoryBackend) FlushAll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.cache.Clear()
	return nil
}
