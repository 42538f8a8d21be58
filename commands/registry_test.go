package commands

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

func newTestRegistry(t *testing.T, withCache bool) *Registry {
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
	if _, err := database.ExecContext(ctx, `DELETE FROM commands`); err != nil {
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

	return NewRegistry(database, coord, 10*time.Minute)
}

func TestLookupRoundTrip(t *testing.T) {
	r := newTestRegistry(t, true)
	ctx := context.Background()

	want := Command{Name: "!discord", Response: "join us: discord.gg/example", Enabled: true, CooldownSeconds: 30}
	if err := r.Upsert(ctx, want); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := r.Lookup(ctx, "!discord")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if got == nil || *got != want {
		t.Fatalf("lookup = %+v, want %+v", got, want)
	}

	// Second lookup hits the cached catalog and agrees with the first.
	again, err := r.Lookup(ctx, "!discord")
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || *again != want {
		t.Fatalf("cached lookup = %+v, want %+v", again, want)
	}
}

func TestLookupUnknownCommand(t *testing.T) {
	r := newTestRegistry(t, true)
	got, err := r.Lookup(context.Background(), "!nope")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("unknown command returned %+v", got)
	}
}

func TestUpsertInvalidatesCachedCatalog(t *testing.T) {
	r := newTestRegistry(t, true)
	ctx := context.Background()

	if err := r.Upsert(ctx, Command{Name: "!uptime", Response: "v1", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Lookup(ctx, "!uptime"); err != nil { // warm the cache
		t.Fatal(err)
	}

	if err := r.Upsert(ctx, Command{Name: "!uptime", Response: "v2", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	got, err := r.Lookup(ctx, "!uptime")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Response != "v2" {
		t.Fatalf("lookup after update = %+v, want response v2", got)
	}
}

func TestDeleteRemovesFromCatalog(t *testing.T) {
	r := newTestRegistry(t, true)
	ctx := context.Background()

	if err := r.Upsert(ctx, Command{Name: "!temp", Response: "x", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := r.Lookup(ctx, "!temp"); err != nil {
		t.Fatal(err)
	}
	if err := r.Delete(ctx, "!temp"); err != nil {
		t.Fatal(err)
	}
	got, err := r.Lookup(ctx, "!temp")
	if err != nil {
		t.Fatal(err)
	}
	if got != nil {
		t.Fatalf("deleted command still resolves: %+v", got)
	}
	// Deleting again is fine.
	if err := r.Delete(ctx, "!temp"); err != nil {
		t.Fatal(err)
	}
}

func TestListSortedAndCacheAgnostic(t *testing.T) {
	r := newTestRegistry(t, true)
	ctx := context.Background()

	for _, cmd := range []Command{
		{Name: "!song", Response: "current song", Enabled: true},
		{Name: "!discord", Response: "link", Enabled: true},
		{Name: "!lurk", Response: "enjoy", Enabled: false},
	} {
		if err := r.Upsert(ctx, cmd); err != nil {
			t.Fatal(err)
		}
	}

	list, err := r.List(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("list length = %d, want 3", len(list))
	}
	for i, want := range []string{"!discord", "!lurk", "!song"} {
		if list[i].Name != want {
			t.Errorf("list[%d] = %q, want %q", i, list[i].Name, want)
		}
	}
}

func TestRegistryWorksWithoutCacheBackend(t *testing.T) {
	r := newTestRegistry(t, false)
	ctx := context.Background()

	if err := r.Upsert(ctx, Command{Name: "!socials", Response: "everywhere", Enabled: true}); err != nil {
		t.Fatal(err)
	}
	got, err := r.Lookup(ctx, "!socials")
	if err != nil {
		t.Fatal(err)
	}
	if got == nil || got.Response != "everywhere" {
		t.Fatalf("lookup without cache = %+v", got)
	}
}
