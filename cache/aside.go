package cache

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/onnwee/songbot/telemetry"
)

// ComputeFunc loads the authoritative value from the durable store.
type ComputeFunc func(ctx context.Context) (string, error)

// ComputeAllFunc loads a full field set from the durable store.
type ComputeAllFunc func(ctx context.Context) (map[string]string, error)

// Manager implements the cache-aside contract shared by the rate limiter,
// the command registry, and feature flags: fast path via Redis, correct path
// via the durable store. Correctness never depends on the cache being
// present, consistent, or fast; only latency does.
type Manager struct {
	coord *Coordinator
}

// Resolve returns the value for key, consulting the cache first. A cache GET
// error is treated as a miss. After a miss the computed value is written back
// best-effort with the given TTL; a failed write is logged, not surfaced.
func (m *Manager) Resolve(ctx context.Context, key string, ttl time.Duration, compute ComputeFunc) (string, error) {
	start := time.Now()
	defer observe(telemetry.ResolveDuration, start)

	c := m.coord.clientIfAvailable()
	if c == nil {
		inc(telemetry.CacheFallbacks)
		return compute(ctx)
	}

	v, err := c.Get(ctx, key)
	if err == nil {
		inc(telemetry.CacheHits)
		return v, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		slog.Debug("cache get failed; treating as miss", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
	}
	inc(telemetry.CacheMisses)

	v, err = compute(ctx)
	if err != nil {
		return "", err
	}
	if err := c.Set(ctx, key, v, ttl); err != nil {
		inc(telemetry.CacheWriteErrors)
		slog.Debug("cache populate failed", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
	}
	return v, nil
}

// ResolveField returns one field of a hash-cached set (e.g. a single chat
// command). A miss triggers computeAll: the full set is reloaded from the
// durable store and written back as one hash with the given TTL.
func (m *Manager) ResolveField(ctx context.Context, key, field string, ttl time.Duration, computeAll ComputeAllFunc) (string, bool, error) {
	c := m.coord.clientIfAvailable()
	if c == nil {
		inc(telemetry.CacheFallbacks)
		all, err := computeAll(ctx)
		if err != nil {
			return "", false, err
		}
		v, ok := all[field]
		return v, ok, nil
	}

	v, err := c.HGet(ctx, key, field)
	if err == nil {
		inc(telemetry.CacheHits)
		return v, true, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		slog.Debug("cache hget failed; treating as miss", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
	}
	inc(telemetry.CacheMisses)

	all, err := computeAll(ctx)
	if err != nil {
		return "", false, err
	}
	m.populateHash(ctx, c, key, all, ttl)
	v, ok := all[field]
	return v, ok, nil
}

// ResolveAll returns the full hash-cached set, reloading from the durable
// store when the cache has nothing for the key.
func (m *Manager) ResolveAll(ctx context.Context, key string, ttl time.Duration, computeAll ComputeAllFunc) (map[string]string, error) {
	c := m.coord.clientIfAvailable()
	if c == nil {
		inc(telemetry.CacheFallbacks)
		return computeAll(ctx)
	}

	all, err := c.HGetAll(ctx, key)
	if err == nil && len(all) > 0 {
		inc(telemetry.CacheHits)
		return all, nil
	}
	if err != nil {
		slog.Debug("cache hgetall failed; treating as miss", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
	}
	inc(telemetry.CacheMisses)

	all, err = computeAll(ctx)
	if err != nil {
		return nil, err
	}
	m.populateHash(ctx, c, key, all, ttl)
	return all, nil
}

func (m *Manager) populateHash(ctx context.Context, c *Client, key string, fields map[string]string, ttl time.Duration) {
	if len(fields) == 0 {
		return
	}
	if err := c.HSet(ctx, key, fields); err != nil {
		inc(telemetry.CacheWriteErrors)
		slog.Debug("cache hash populate failed", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
		return
	}
	if ttl > 0 {
		if err := c.Expire(ctx, key, ttl); err != nil {
			inc(telemetry.CacheWriteErrors)
			slog.Debug("cache hash expire failed", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
		}
	}
}

// Invalidate removes keys best-effort. A no-op while the cache is unavailable;
// the durable-store write that accompanies an invalidation is the operation
// that must succeed or fail meaningfully.
func (m *Manager) Invalidate(ctx context.Context, keys ...string) {
	c := m.coord.clientIfAvailable()
	if c == nil || len(keys) == 0 {
		return
	}
	if err := c.Del(ctx, keys...); err != nil {
		inc(telemetry.CacheWriteErrors)
		slog.Debug("cache invalidate failed", slog.Any("keys", keys), slog.Any("err", err), slog.String("component", "cache"))
	}
}

// Increment bumps the advisory counter best-effort. Call it only after the
// corresponding durable-store increment has succeeded.
func (m *Manager) Increment(ctx context.Context, key string, ttl time.Duration) {
	c := m.coord.clientIfAvailable()
	if c == nil {
		return
	}
	if _, err := c.Incr(ctx, key, ttl); err != nil {
		inc(telemetry.CacheWriteErrors)
		slog.Debug("cache increment failed", slog.String("key", key), slog.Any("err", err), slog.String("component", "cache"))
	}
}

func inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func observe(o prometheus.Observer, start time.Time) {
	if o != nil {
		o.Observe(time.Since(start).Seconds())
	}
}
