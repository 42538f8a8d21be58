// Package oauth provides generic token refresh scheduling for providers whose
// tokens are persisted in the oauth_tokens table. It performs jittered checks
// and refreshes when expiry falls within a configured window.
package oauth

import (
	"context"
	"database/sql"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/onnwee/songbot/db"
)

// RefreshFunc performs provider-specific refresh and returns (access, refresh, expiry, scope)
type RefreshFunc func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error)

// StartRefresher launches a goroutine that periodically checks an oauth token row and refreshes it.
// provider: key in oauth_tokens table.
// interval: how often to wake up and check.
// window: refresh when remaining lifetime <= window.
// Persistence goes through db.UpsertOAuthToken so refreshed tokens are
// re-encrypted when an encryption key is configured.
func StartRefresher(ctx context.Context, database *sql.DB, provider string, interval, window time.Duration, fn RefreshFunc) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	// Randomize initial delay to spread load across instances.
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	initialJitter := time.Duration(rand.Int63n(int64(interval / 2)))
	go func() {
		select {
		case <-ctx.Done():
			return
		case <-time.After(initialJitter):
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-time.After(nextSleep(interval)):
			}
			refreshOnce(ctx, database, provider, window, fn)
		}
	}()
}

// nextSleep jitters the interval by up to ±20% for scheduling diversity,
// clamped so it never drops below half the interval.
func nextSleep(interval time.Duration) time.Duration {
	jitterRange := int64(interval / 5)
	//nolint:gosec // G404: math/rand is sufficient for scheduling jitter, not used for security
	jitter := time.Duration(rand.Int63n(jitterRange*2) - jitterRange)
	d := interval + jitter
	if d < interval/2 {
		d = interval / 2
	}
	return d
}

func refreshOnce(ctx context.Context, database *sql.DB, provider string, window time.Duration, fn RefreshFunc) {
	access, refresh, expiry, scope, err := db.GetOAuthToken(ctx, database, provider)
	if err != nil {
		slog.Warn("token lookup failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	if refresh == "" {
		return
	}
	if access != "" && time.Until(expiry) > window {
		return
	}

	// Small pre-refresh jitter to avoid stampedes when many instances see
	// the same expiry.
	//nolint:gosec // G404: math/rand is sufficient for jitter, not used for security
	pre := time.Duration(rand.Int63n(int64(5 * time.Second)))
	select {
	case <-ctx.Done():
		return
	case <-time.After(pre):
	}

	refreshCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	newAccess, newRefresh, newExpiry, newScope, err := fn(refreshCtx, refresh)
	cancel()
	if err != nil {
		slog.Warn("token refresh failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	if newRefresh == "" {
		newRefresh = refresh
	}
	if newScope == "" {
		newScope = scope
	}
	if err := db.UpsertOAuthToken(ctx, database, provider, newAccess, newRefresh, newExpiry, strings.TrimSpace(newScope)); err != nil {
		slog.Warn("token persist failed", slog.String("provider", provider), slog.Any("err", err))
		return
	}
	slog.Info("token refreshed", slog.String("provider", provider))
}
