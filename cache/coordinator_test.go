package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
)

func testOptions(addr string) Options {
	return Options{
		Addr:           addr,
		KeyPrefix:      "test",
		MaxReconnect:   3,
		HealthInterval: time.Hour, // probes are driven manually in tests
		DialTimeout:    500 * time.Millisecond,
		BackoffBase:    time.Millisecond,
		BackoffCap:     5 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T) (*Coordinator, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	co := NewCoordinator(testOptions(mr.Addr()), nil)
	if !co.Init(context.Background()) {
		t.Fatal("Init against running miniredis returned false")
	}
	t.Cleanup(func() { co.Close(time.Second) })
	return co, mr
}

func TestInitSuccess(t *testing.T) {
	co, _ := newTestCoordinator(t)
	if got := co.State(); got != StateConnected {
		t.Errorf("state = %v, want connected", got)
	}
	if !co.Available() {
		t.Error("Available() = false after successful init")
	}
	if co.CacheManager() == nil {
		t.Error("CacheManager() = nil after successful init")
	}
	if co.QueueManager() == nil {
		t.Error("QueueManager() = nil after successful init")
	}
}

func TestInitFailureFallbackMode(t *testing.T) {
	// Port 1 is never a redis server.
	co := NewCoordinator(testOptions("127.0.0.1:1"), nil)
	if co.Init(context.Background()) {
		t.Fatal("Init against dead address returned true")
	}
	if co.Available() {
		t.Error("Available() = true in fallback mode")
	}
	if co.CacheManager() != nil {
		t.Error("CacheManager() != nil in fallback mode")
	}
	if co.QueueManager() != nil {
		t.Error("QueueManager() != nil in fallback mode")
	}
	if got := co.State(); got != StateDisconnected {
		t.Errorf("state = %v, want disconnected", got)
	}
	// Close on a never-connected coordinator must not panic.
	co.Close(time.Second)
}

func TestProbeDegradesAndRecovers(t *testing.T) {
	co, mr := newTestCoordinator(t)
	ctx := context.Background()

	mr.SetError("LOADING Redis is loading the dataset in memory")
	co.probe(ctx)
	if got := co.State(); got != StateDegraded {
		t.Fatalf("state after failed probe = %v, want degraded", got)
	}
	if co.Available() {
		t.Error("Available() = true while degraded")
	}
	if co.CacheManager() != nil {
		t.Error("CacheManager() != nil while degraded")
	}

	mr.SetError("")
	co.probe(ctx)
	if got := co.State(); got != StateConnected {
		t.Fatalf("state after successful probe = %v, want connected", got)
	}
	if !co.Available() {
		t.Error("Available() = false after recovery")
	}
}

func TestReconnectGivesUpAfterCap(t *testing.T) {
	co, mr := newTestCoordinator(t)
	ctx := context.Background()

	mr.SetError("ERR broken")
	co.probe(ctx) // degrade + kick off reconnect loop

	// 3 attempts at <=5ms backoff each; give the loop time to exhaust.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		co.mu.Lock()
		done := !co.reconnecting
		co.mu.Unlock()
		if done && co.State() == StateDegraded {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if got := co.State(); got != StateDegraded {
		t.Fatalf("state after exhausted reconnects = %v, want degraded (not connecting)", got)
	}

	// A later health check still recovers the connection.
	mr.SetError("")
	co.probe(ctx)
	if got := co.State(); got != StateConnected {
		t.Fatalf("state after recovery probe = %v, want connected", got)
	}
}

func TestCloseIsBestEffortAndIdempotent(t *testing.T) {
	mr := miniredis.RunT(t)
	co := NewCoordinator(testOptions(mr.Addr()), nil)
	if !co.Init(context.Background()) {
		t.Fatal("init failed")
	}
	co.QueueManager().Start(context.Background(), func(context.Context, string) {})

	co.Close(time.Second)
	if co.Available() {
		t.Error("Available() = true after Close")
	}
	if co.CacheManager() != nil {
		t.Error("CacheManager() != nil after Close")
	}
	// Second close must be a no-op, not a panic.
	co.Close(time.Second)
}

func TestCloseDuringReconnect(t *testing.T) {
	co, mr := newTestCoordinator(t)
	ctx := context.Background()

	mr.SetError("ERR down")
	co.probe(ctx) // degrade + kick off reconnect loop
	co.Close(time.Second)

	// Late probe and reconnect ticks against a closed coordinator must be
	// no-ops: the client handle is gone and there is nothing left to ping.
	co.probe(ctx)
	co.reconnectLoop(ctx)
	if got := co.State(); got != StateDisconnected {
		t.Fatalf("state after close = %v, want disconnected", got)
	}
}

func TestClientPingProtocolError(t *testing.T) {
	mr := miniredis.RunT(t)
	c := NewClient(Options{Addr: mr.Addr(), KeyPrefix: "test", DialTimeout: time.Second})
	defer c.Close()
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	// A server-side error reply surfaces as a Ping error.
	mr.SetError("LOADING Redis is loading the dataset in memory")
	if err := c.Ping(context.Background()); err == nil {
		t.Fatal("expected error from failing server")
	}
}

func TestClientKeyNamespacing(t *testing.T) {
	c := &Client{prefix: "songbot"}
	if got := c.Key("flags:enabled"); got != "songbot:flags:enabled" {
		t.Errorf("Key() = %q", got)
	}
	c = &Client{}
	if got := c.Key("x"); got != "x" {
		t.Errorf("Key() without prefix = %q", got)
	}
}
