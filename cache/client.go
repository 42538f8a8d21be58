// Package cache manages the shared Redis connection and the cache-aside
// pattern used by the rate limiter, the command registry, and feature flags.
// The durable store stays authoritative throughout; everything here is a
// latency optimization that degrades to a no-op when Redis is unreachable.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrCacheMiss is returned by Get/HGet when the key or field is absent.
	ErrCacheMiss = errors.New("cache: miss")
	// ErrProtocol is returned when the server answers a liveness probe with
	// something other than PONG.
	ErrProtocol = errors.New("cache: unexpected probe response")
)

// Client is a thin wrapper over go-redis that namespaces every key with the
// configured prefix. Errors are returned as-is; classification and fallback
// live in the coordinator and the cache-aside manager.
type Client struct {
	rdb    *redis.Client
	prefix string
}

// NewClient constructs a client handle. The connection itself is lazy;
// callers should Ping before treating the handle as live.
func NewClient(opts Options) *Client {
	return &Client{
		rdb: redis.NewClient(&redis.Options{
			Addr:        opts.Addr,
			Password:    opts.Password,
			DB:          opts.DB,
			DialTimeout: opts.DialTimeout,
		}),
		prefix: opts.KeyPrefix,
	}
}

// Key returns the fully namespaced form of a logical key.
func (c *Client) Key(key string) string {
	if c.prefix == "" {
		return key
	}
	return c.prefix + ":" + key
}

func (c *Client) Get(ctx context.Context, key string) (string, error) {
	v, err := c.rdb.Get(ctx, c.Key(key)).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return v, err
}

func (c *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return c.rdb.Set(ctx, c.Key(key), value, ttl).Err()
}

func (c *Client) Del(ctx context.Context, keys ...string) error {
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = c.Key(k)
	}
	return c.rdb.Del(ctx, namespaced...).Err()
}

// Incr increments a counter, setting its TTL when the counter is created.
func (c *Client) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := c.rdb.Incr(ctx, c.Key(key)).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 && ttl > 0 {
		if err := c.rdb.Expire(ctx, c.Key(key), ttl).Err(); err != nil {
			return n, err
		}
	}
	return n, nil
}

func (c *Client) HSet(ctx context.Context, key string, fields map[string]string) error {
	if len(fields) == 0 {
		return nil
	}
	args := make([]any, 0, len(fields)*2)
	for f, v := range fields {
		args = append(args, f, v)
	}
	return c.rdb.HSet(ctx, c.Key(key), args...).Err()
}

func (c *Client) HGet(ctx context.Context, key, field string) (string, error) {
	v, err := c.rdb.HGet(ctx, c.Key(key), field).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	return v, err
}

func (c *Client) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	return c.rdb.HGetAll(ctx, c.Key(key)).Result()
}

func (c *Client) Expire(ctx context.Context, key string, ttl time.Duration) error {
	return c.rdb.Expire(ctx, c.Key(key), ttl).Err()
}

func (c *Client) LPush(ctx context.Context, key, value string) error {
	return c.rdb.LPush(ctx, c.Key(key), value).Err()
}

// BRPop blocks up to timeout for an element on the list. Returns ErrCacheMiss
// when the wait times out with nothing to consume.
func (c *Client) BRPop(ctx context.Context, timeout time.Duration, key string) (string, error) {
	res, err := c.rdb.BRPop(ctx, timeout, c.Key(key)).Result()
	if err == redis.Nil {
		return "", ErrCacheMiss
	}
	if err != nil {
		return "", err
	}
	// BRPOP returns [key, value]
	if len(res) != 2 {
		return "", fmt.Errorf("%w: BRPOP returned %d elements", ErrProtocol, len(res))
	}
	return res[1], nil
}

// Ping issues the liveness probe. A transport failure and a malformed reply
// are both reported as errors; the coordinator treats them identically.
func (c *Client) Ping(ctx context.Context) error {
	res, err := c.rdb.Ping(ctx).Result()
	if err != nil {
		return err
	}
	if res != "PONG" {
		return fmt.Errorf("%w: %q", ErrProtocol, res)
	}
	return nil
}

func (c *Client) Close() error {
	return c.rdb.Close()
}
