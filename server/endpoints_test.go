package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"github.com/onnwee/songbot/cache"
	"github.com/onnwee/songbot/commands"
	"github.com/onnwee/songbot/flags"
	"github.com/onnwee/songbot/queue"
	"github.com/onnwee/songbot/testutil"
)

func newTestMux(t *testing.T) (http.Handler, Deps) {
	t.Helper()
	database := testutil.SetupTestDB(t)
	ctx := context.Background()
	for _, stmt := range []string{
		`DELETE FROM song_queue`,
		`DELETE FROM commands`,
		`DELETE FROM kv WHERE key LIKE 'flag:%'`,
	} {
		if _, err := database.ExecContext(ctx, stmt); err != nil {
			t.Fatalf("reset: %v", err)
		}
	}

	coord := cache.NewCoordinator(cache.Options{
		Addr:           miniredis.RunT(t).Addr(),
		KeyPrefix:      "test",
		HealthInterval: time.Hour,
		DialTimeout:    500 * time.Millisecond,
	}, database)
	coord.Init(ctx)
	t.Cleanup(func() { coord.Close(time.Second) })

	deps := Deps{
		DB:       database,
		Coord:    coord,
		Queue:    queue.NewStore(database),
		Flags:    flags.NewStore(database, coord, 15*time.Second),
		Registry: commands.NewRegistry(database, coord, 10*time.Minute),
	}
	return NewMux(deps), deps
}

func TestHealthz(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Header().Get("X-Correlation-ID") == "" {
		t.Error("missing correlation id header")
	}
}

func TestReadyzReportsCacheState(t *testing.T) {
	mux, _ := newTestMux(t)
	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	var body struct {
		Status string `json:"status"`
		Cache  string `json:"cache"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Status != "ready" || body.Cache != "connected" {
		t.Errorf("body = %+v", body)
	}
}

func TestStatusAndQueueEndpoints(t *testing.T) {
	mux, deps := newTestMux(t)
	ctx := context.Background()

	if err := deps.Queue.AppendTail(ctx, queue.Item{
		TrackRef: "t1", DisplayName: "Song One", DisplayArtist: "Artist", RequestedBy: "alice",
	}); err != nil {
		t.Fatal(err)
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var status struct {
		CacheState  string `json:"cache_state"`
		QueueLength int    `json:"queue_length"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatal(err)
	}
	if status.CacheState != "connected" || status.QueueLength != 1 {
		t.Errorf("status body = %+v", status)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/queue", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("queue status = %d", rec.Code)
	}
	var q struct {
		Queue []queueEntry `json:"queue"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &q); err != nil {
		t.Fatal(err)
	}
	if len(q.Queue) != 1 || q.Queue[0].Track != "Song One" || q.Queue[0].Position != 1 {
		t.Errorf("queue body = %+v", q)
	}
}

func TestAdminFlagsRequiresAuth(t *testing.T) {
	t.Setenv("ADMIN_TOKEN", "sekrit")
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/flags", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated status = %d, want 401", rec.Code)
	}

	req := httptest.NewRequest(http.MethodPost, "/admin/flags",
		strings.NewReader(`{"name":"song_requests_open","enabled":true}`))
	req.Header.Set("X-Admin-Token", "sekrit")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("authenticated POST status = %d, body = %s", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/admin/flags", nil)
	req.Header.Set("X-Admin-Token", "sekrit")
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, req)
	var body struct {
		Flags map[string]bool `json:"flags"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if !body.Flags["song_requests_open"] {
		t.Errorf("flags = %v", body.Flags)
	}
}

func TestAdminCommandsCRUD(t *testing.T) {
	mux, _ := newTestMux(t)

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/commands",
		strings.NewReader(`{"name":"!discord","response":"join us","enabled":true,"cooldown_seconds":30}`)))
	if rec.Code != http.StatusOK {
		t.Fatalf("create status = %d, body = %s", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/commands", nil))
	var list struct {
		Commands []commands.Command `json:"commands"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Commands) != 1 || list.Commands[0].Name != "!discord" {
		t.Fatalf("list = %+v", list.Commands)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/admin/commands?name=!discord", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("delete status = %d", rec.Code)
	}
}

func TestAdminQueueSkipAndClear(t *testing.T) {
	mux, deps := newTestMux(t)
	ctx := context.Background()
	for _, ref := range []string{"a", "b", "c"} {
		if err := deps.Queue.AppendTail(ctx, queue.Item{TrackRef: ref, DisplayName: ref}); err != nil {
			t.Fatal(err)
		}
	}

	rec := httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/skip", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("skip status = %d", rec.Code)
	}
	if n, _ := deps.Queue.Len(ctx); n != 2 {
		t.Errorf("queue length after skip = %d, want 2", n)
	}

	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/clear", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status = %d", rec.Code)
	}
	if n, _ := deps.Queue.Len(ctx); n != 0 {
		t.Errorf("queue length after clear = %d, want 0", n)
	}

	// Skip on empty queue reports null, not an error.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/admin/queue/skip", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("empty skip status = %d", rec.Code)
	}

	// GET is rejected on mutation endpoints.
	rec = httptest.NewRecorder()
	mux.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/admin/queue/clear", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("GET clear status = %d, want 405", rec.Code)
	}
}
