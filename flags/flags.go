// Package flags exposes runtime feature toggles (song requests open, priority
// requests, command processing) stored in the kv table. Reads are cached with
// a short TTL so a moderator toggle takes effect within seconds everywhere.
package flags

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/onnwee/songbot/cache"
)

const kvPrefix = "flag:"

// Well-known flags. The store accepts arbitrary names; these are the ones
// the bot itself consults.
const (
	SongRequestsOpen = "song_requests_open"
	PriorityRequests = "priority_requests"
	CommandsEnabled  = "commands_enabled"
)

type Store struct {
	db    *sql.DB
	coord *cache.Coordinator
	ttl   time.Duration
}

func NewStore(db *sql.DB, coord *cache.Coordinator, cacheTTL time.Duration) *Store {
	return &Store{db: db, coord: coord, ttl: cacheTTL}
}

// IsEnabled reports whether the flag is on. Unknown flags are off.
func (s *Store) IsEnabled(ctx context.Context, name string) (bool, error) {
	compute := func(ctx context.Context) (string, error) {
		return s.durableValue(ctx, name)
	}

	var v string
	var err error
	if m := s.coord.CacheManager(); m != nil {
		v, err = m.Resolve(ctx, s.key(name), s.ttl, compute)
	} else {
		v, err = compute(ctx)
	}
	if err != nil {
		return false, err
	}
	enabled, parseErr := strconv.ParseBool(v)
	if parseErr != nil {
		return false, nil
	}
	return enabled, nil
}

// Set writes the flag durably and drops the cached value so the change is
// visible on the next read rather than after TTL expiry.
func (s *Store) Set(ctx context.Context, name string, enabled bool) error {
	if name == "" {
		return fmt.Errorf("flag name is required")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO kv (key, value, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = NOW()`,
		kvPrefix+name, strconv.FormatBool(enabled))
	if err != nil {
		return fmt.Errorf("set flag %q: %w", name, err)
	}
	if m := s.coord.CacheManager(); m != nil {
		m.Invalidate(ctx, s.key(name))
	}
	return nil
}

// All returns every stored flag, sorted by name. Reads Postgres directly;
// this is an admin path, not a hot path.
func (s *Store) All(ctx context.Context) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM kv WHERE key LIKE $1`, kvPrefix+"%")
	if err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	defer rows.Close()

	out := map[string]bool{}
	for rows.Next() {
		var key string
		var value sql.NullString
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("scan flag row: %w", err)
		}
		enabled, parseErr := strconv.ParseBool(value.String)
		if parseErr != nil {
			enabled = false
		}
		out[strings.TrimPrefix(key, kvPrefix)] = enabled
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list flags: %w", err)
	}
	return out, nil
}

// Names returns the sorted flag names, for stable admin output.
func Names(all map[string]bool) []string {
	names := make([]string, 0, len(all))
	for name := range all {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (s *Store) durableValue(ctx context.Context, name string) (string, error) {
	var value sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM kv WHERE key = $1`, kvPrefix+name).Scan(&value)
	if err == sql.ErrNoRows {
		return "false", nil
	}
	if err != nil {
		return "", fmt.Errorf("read flag %q: %w", name, err)
	}
	if !value.Valid || value.String == "" {
		return "false", nil
	}
	return value.String, nil
}

func (s *Store) key(name string) string { return "flags:" + name }
