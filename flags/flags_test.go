package flags

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/songbot/cache"
	"github.com/onnwee/songbot/db"
)

func newTestStore(t *testing.T, withCache bool) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = database.Close() })

	ctx := context.Background()
	if err := db.Migrate(ctx, database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := database.ExecContext(ctx, `DELETE FROM kv WHERE key LIKE 'flag:%'`); err != nil {
		t.Fatalf("reset: %v", err)
	}

	addr := "127.0.0.1:1"
	if withCache {
		addr = miniredis.RunT(t).Addr()
	}
	coord := cache.NewCoordinator(cache.Options{
		Addr:           addr,
		KeyPrefix:      "test",
		HealthInterval: time.Hour,
		DialTimeout:    500 * time.Millisecond,
	}, database)
	coord.Init(ctx)
	t.Cleanup(func() { coord.Close(time.Second) })

	return NewStore(database, coord, 15*time.Second)
}

func TestUnknownFlagIsOff(t *testing.T) {
	s := newTestStore(t, true)
	enabled, err := s.IsEnabled(context.Background(), "never_set")
	if err != nil {
		t.Fatal(err)
	}
	if enabled {
		t.Error("unknown flag reported enabled")
	}
}

func TestSetIsVisibleImmediately(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	if err := s.Set(ctx, SongRequestsOpen, true); err != nil {
		t.Fatal(err)
	}
	enabled, err := s.IsEnabled(ctx, SongRequestsOpen)
	if err != nil {
		t.Fatal(err)
	}
	if !enabled {
		t.Error("flag off after Set(true)")
	}

	// Toggling off must not be masked by the cached value.
	if _, err := s.IsEnabled(ctx, SongRequestsOpen); err != nil { // warm cache
		t.Fatal(err)
	}
	if err := s.Set(ctx, SongRequestsOpen, false); err != nil {
		t.Fatal(err)
	}
	enabled, err = s.IsEnabled(ctx, SongRequestsOpen)
	if err != nil {
		t.Fatal(err)
	}
	if enabled {
		t.Error("flag on after Set(false): stale cache served")
	}
}

func TestFlagsWorkWithoutCacheBackend(t *testing.T) {
	s := newTestStore(t, false)
	ctx := context.Background()

	if err := s.Set(ctx, CommandsEnabled, true); err != nil {
		t.Fatal(err)
	}
	enabled, err := s.IsEnabled(ctx, CommandsEnabled)
	if err != nil {
		t.Fatal(err)
	}
	if !enabled {
		t.Error("flag off without cache backend")
	}
}

func TestAllListsOnlyFlags(t *testing.T) {
	s := newTestStore(t, true)
	ctx := context.Background()

	if err := s.Set(ctx, SongRequestsOpen, true); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, PriorityRequests, false); err != nil {
		t.Fatal(err)
	}

	all, err := s.All(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 2 {
		t.Fatalf("All() = %v, want 2 flags", all)
	}
	if !all[SongRequestsOpen] || all[PriorityRequests] {
		t.Errorf("All() = %v", all)
	}
	names := Names(all)
	if len(names) != 2 || names[0] != PriorityRequests {
		t.Errorf("Names() = %v", names)
	}
}
