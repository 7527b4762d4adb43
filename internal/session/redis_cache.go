package session

import (
	"context"
	"errors"
	"time"

	pkgerrors "github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// RedisClient is the interface for Redis operations needed by the cache.
// This abstracts the actual Redis client library.
type RedisClient interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key string, value string, ttl time.Duration) error
	Del(ctx context.Context, keys ...string) error
}

// RedisCache implements Cache on Redis.
type RedisCache struct {
	client RedisClient
	prefix string
}

// RedisCacheOption configures a RedisCache.
type RedisCacheOption func(*RedisCache)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) RedisCacheOption {
	return func(c *RedisCache) { c.prefix = prefix }
}

// NewRedisCache creates a new Redis-backed cache.
func NewRedisCache(client RedisClient, opts ...RedisCacheOption) *RedisCache {
	c := &RedisCache{client: client}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns the value for key or ErrCacheMiss.
func (c *RedisCache) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := c.client.Get(ctx, c.prefix+key)
	if err != nil {
		if errors.Is(err, ErrCacheMiss) {
			return nil, ErrCacheMiss
		}
		return nil, pkgerrors.Wrapf(err, "redis get %s", key)
	}
	return []byte(data), nil
}

// Set stores value under key for ttl.
func (c *RedisCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := c.client.Set(ctx, c.prefix+key, string(value), ttl); err != nil {
		return pkgerrors.Wrapf(err, "redis set %s", key)
	}
	return nil
}

// Del removes key.
func (c *RedisCache) Del(ctx context.Context, key string) error {
	if err := c.client.Del(ctx, c.prefix+key); err != nil {
		return pkgerrors.Wrapf(err, "redis del %s", key)
	}
	return nil
}

// GoRedisClient adapts a go-redis client to RedisClient.
type GoRedisClient struct {
	rdb redis.Cmdable
}

// NewGoRedisClient wraps rdb. redis.Nil is reported as ErrCacheMiss.
func NewGoRedisClient(rdb redis.Cmdable) *GoRedisClient {
	return &GoRedisClient{rdb: rdb}
}

// DialRedis connects to addr and verifies the connection.
func DialRedis(ctx context.Context, addr string) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, pkgerrors.Wrapf(err, "redis ping %s", addr)
	}
	return rdb, nil
}

// Get implements RedisClient.
func (c *GoRedisClient) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrCacheMiss
	}
	return v, err
}

// Set implements RedisClient.
func (c *GoRedisClient) Set(ctx context.Context, key string, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, key, value, ttl).Err()
}

// Del implements RedisClient.
func (c *GoRedisClient) Del(ctx context.Context, keys ...string) error {
	return c.rdb.Del(ctx, keys...).Err()
}
