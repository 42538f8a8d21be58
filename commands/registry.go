// Package commands stores the chat command catalog in Postgres and serves
// lookups through a hash-cached copy of the whole catalog. The catalog is
// small, so a single-field miss reloads everything at once.
package commands

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/onnwee/songbot/cache"
)

const catalogKey = "commands:catalog"

// Command is one chat command. Disabled commands stay in the catalog so
// moderator tooling can list and re-enable them; the chat layer skips them.
type Command struct {
	Name            string `json:"name"`
	Response        string `json:"response"`
	Enabled         bool   `json:"enabled"`
	CooldownSeconds int    `json:"cooldown_seconds"`
}

type Registry struct {
	db    *sql.DB
	coord *cache.Coordinator
	ttl   time.Duration
}

func NewRegistry(db *sql.DB, coord *cache.Coordinator, cacheTTL time.Duration) *Registry {
	return &Registry{db: db, coord: coord, ttl: cacheTTL}
}

// Lookup returns the command for name, or nil when no such command exists.
func (r *Registry) Lookup(ctx context.Context, name string) (*Command, error) {
	m := r.coord.CacheManager()
	if m == nil {
		all, err := r.loadAll(ctx)
		if err != nil {
			return nil, err
		}
		return decodeField(all, name)
	}
	v, ok, err := m.ResolveField(ctx, catalogKey, name, r.ttl, r.loadAll)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	var cmd Command
	if err := json.Unmarshal([]byte(v), &cmd); err != nil {
		return nil, fmt.Errorf("decode cached command %q: %w", name, err)
	}
	return &cmd, nil
}

// List returns the full catalog sorted by name.
func (r *Registry) List(ctx context.Context) ([]Command, error) {
	var fields map[string]string
	var err error
	if m := r.coord.CacheManager(); m != nil {
		fields, err = m.ResolveAll(ctx, catalogKey, r.ttl, r.loadAll)
	} else {
		fields, err = r.loadAll(ctx)
	}
	if err != nil {
		return nil, err
	}

	cmds := make([]Command, 0, len(fields))
	for name, v := range fields {
		var cmd Command
		if err := json.Unmarshal([]byte(v), &cmd); err != nil {
			return nil, fmt.Errorf("decode cached command %q: %w", name, err)
		}
		cmds = append(cmds, cmd)
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds, nil
}

// Upsert writes the command to Postgres and drops the cached catalog so the
// next lookup reloads it.
func (r *Registry) Upsert(ctx context.Context, cmd Command) error {
	if cmd.Name == "" {
		return fmt.Errorf("command name is required")
	}
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO commands (name, response, enabled, cooldown_seconds, updated_at)
		 VALUES ($1, $2, $3, $4, NOW())
		 ON CONFLICT (name) DO UPDATE SET
		   response = EXCLUDED.response,
		   enabled = EXCLUDED.enabled,
		   cooldown_seconds = EXCLUDED.cooldown_seconds,
		   updated_at = NOW()`,
		cmd.Name, cmd.Response, cmd.Enabled, cmd.CooldownSeconds)
	if err != nil {
		return fmt.Errorf("upsert command %q: %w", cmd.Name, err)
	}
	r.invalidate(ctx)
	return nil
}

// Delete removes the command; deleting an unknown name is not an error.
func (r *Registry) Delete(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM commands WHERE name = $1`, name); err != nil {
		return fmt.Errorf("delete command %q: %w", name, err)
	}
	r.invalidate(ctx)
	return nil
}

func (r *Registry) invalidate(ctx context.Context) {
	if m := r.coord.CacheManager(); m != nil {
		m.Invalidate(ctx, catalogKey)
	}
}

func (r *Registry) loadAll(ctx context.Context) (map[string]string, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT name, response, enabled, cooldown_seconds FROM commands`)
	if err != nil {
		return nil, fmt.Errorf("load command catalog: %w", err)
	}
	defer rows.Close()

	fields := map[string]string{}
	for rows.Next() {
		var cmd Command
		if err := rows.Scan(&cmd.Name, &cmd.Response, &cmd.Enabled, &cmd.CooldownSeconds); err != nil {
			return nil, fmt.Errorf("scan command row: %w", err)
		}
		b, err := json.Marshal(cmd)
		if err != nil {
			return nil, fmt.Errorf("encode command %q: %w", cmd.Name, err)
		}
		fields[cmd.Name] = string(b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load command catalog: %w", err)
	}
	return fields, nil
}

func decodeField(fields map[string]string, name string) (*Command, error) {
	v, ok := fields[name]
	if !ok {
		return nil, nil
	}
	var cmd Command
	if err := json.Unmarshal([]byte(v), &cmd); err != nil {
		return nil, fmt.Errorf("decode command %q: %w", name, err)
	}
	return &cmd, nil
}
