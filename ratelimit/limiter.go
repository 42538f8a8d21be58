// Package ratelimit enforces per-user and per-channel request limits over
// fixed time windows. Postgres holds the authoritative counters; Redis keeps
// an advisory copy so hot-path checks usually avoid a database round trip.
package ratelimit

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/onnwee/songbot/cache"
)

// Limiter counts events per (subject, resource) in truncated time windows.
// A limit decision is always derived from the durable counter; the cached
// counter only serves read paths and may lag or vanish without affecting
// correctness.
type Limiter struct {
	db    *sql.DB
	coord *cache.Coordinator
	ttl   time.Duration
}

func NewLimiter(db *sql.DB, coord *cache.Coordinator, cacheTTL time.Duration) *Limiter {
	return &Limiter{db: db, coord: coord, ttl: cacheTTL}
}

// Allow records one attempt for subject on resource and reports whether it
// fits within limit for the current window. Attempts are counted whether or
// not they are allowed.
func (l *Limiter) Allow(ctx context.Context, subject, resource string, limit int, window time.Duration) (bool, error) {
	ws := windowStart(time.Now(), window)
	var count int
	err := l.db.QueryRowContext(ctx,
		`INSERT INTO rate_limits (subject, resource, window_start, count)
		 VALUES ($1, $2, $3, 1)
		 ON CONFLICT (subject, resource, window_start)
		 DO UPDATE SET count = rate_limits.count + 1
		 RETURNING count`,
		subject, resource, ws).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("increment rate limit: %w", err)
	}

	// Advisory mirror of the durable counter. Best effort, and a no-op
	// while the cache layer is unavailable.
	if m := l.coord.CacheManager(); m != nil {
		m.Increment(ctx, l.key(subject, resource, ws), l.ttl)
	}
	return count <= limit, nil
}

// Count reads the attempt count for the current window, preferring the
// cached counter and reloading it from Postgres on a miss.
func (l *Limiter) Count(ctx context.Context, subject, resource string, window time.Duration) (int, error) {
	ws := windowStart(time.Now(), window)
	compute := func(ctx context.Context) (string, error) {
		n, err := l.durableCount(ctx, subject, resource, ws)
		if err != nil {
			return "", err
		}
		return strconv.Itoa(n), nil
	}

	m := l.coord.CacheManager()
	if m == nil {
		return l.durableCount(ctx, subject, resource, ws)
	}
	v, err := m.Resolve(ctx, l.key(subject, resource, ws), l.ttl, compute)
	if err != nil {
		return 0, err
	}
	n, convErr := strconv.Atoi(v)
	if convErr != nil {
		// Corrupt cached value: fall back to the source of truth.
		return l.durableCount(ctx, subject, resource, ws)
	}
	return n, nil
}

// Prune deletes counters from windows that ended before cutoff.
func (l *Limiter) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := l.db.ExecContext(ctx,
		`DELETE FROM rate_limits WHERE window_start < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune rate limits: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (l *Limiter) durableCount(ctx context.Context, subject, resource string, ws time.Time) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(count), 0) FROM rate_limits
		 WHERE subject = $1 AND resource = $2 AND window_start = $3`,
		subject, resource, ws).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("read rate limit: %w", err)
	}
	return n, nil
}

func (l *Limiter) key(subject, resource string, ws time.Time) string {
	return fmt.Sprintf("ratelimit:%s:%s:%d", subject, resource, ws.Unix())
}

func windowStart(now time.Time, window time.Duration) time.Time {
	if window <= 0 {
		window = time.Minute
	}
	return now.UTC().Truncate(window)
}
