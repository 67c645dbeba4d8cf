package lookup

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const defaultRedisPrefix = "termbot"

// RedisCache is a Cache shared between bot instances.
type RedisCache struct {
	client    redis.Cmdable
	keyPrefix string
	ttl       time.Duration
}

// NewRedisCache connects to the Redis server at url (redis://...) and checks
// the connection.
func NewRedisCache(ctx context.Context, url, prefix string, ttl time.Duration) (*RedisCache, *redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, nil, fmt.Errorf("redis connection failed: %w", err)
	}
	return newRedisCache(client, prefix, ttl), client, nil
}

func newRedisCache(client redis.Cmdable, prefix string, ttl time.Duration) *RedisCache {
	if prefix == "" {
		prefix = defaultRedisPrefix
	}
	return &RedisCache{client: client, keyPrefix: prefix, ttl: ttl}
}

func (c *RedisCache) key(system, code string) string {
	return c.keyPrefix + ":term:" + cacheKey(system, code)
}

func (c *RedisCache) Get(ctx context.Context, system, code string) (string, bool, error) {
	term, err := c.client.Get(ctx, c.key(system, code)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return term, true, nil
}

func (c *RedisCache) Set(ctx context.Context, system, code, term string) error {
	return c.client.Set(ctx, c.key(system, code), term, c.ttl).Err()
}
