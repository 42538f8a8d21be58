package cache

import (
	"context"
	"database/sql"
	"log/slog"
	"sync"
	"time"

	"github.com/onnwee/songbot/telemetry"
)

// Options configures the coordinator. Zero values fall back to the defaults
// noted per field.
type Options struct {
	Addr      string // default localhost:6379
	Password  string
	DB        int
	KeyPrefix string // default songbot

	MaxReconnect   int           // reconnect attempts before giving up; default 10
	HealthInterval time.Duration // liveness probe period; default 30s
	DialTimeout    time.Duration // connect/probe timeout; default 5s
	BackoffBase    time.Duration // first reconnect delay; default 500ms
	BackoffCap     time.Duration // maximum reconnect delay; default 30s
}

func (o *Options) applyDefaults() {
	if o.Addr == "" {
		o.Addr = "localhost:6379"
	}
	if o.KeyPrefix == "" {
		o.KeyPrefix = "songbot"
	}
	if o.MaxReconnect == 0 {
		o.MaxReconnect = 10
	}
	if o.HealthInterval <= 0 {
		o.HealthInterval = 30 * time.Second
	}
	if o.DialTimeout <= 0 {
		o.DialTimeout = 5 * time.Second
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 500 * time.Millisecond
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 30 * time.Second
	}
}

// Coordinator owns the process-wide Redis connection: lazy connect, capped
// reconnect backoff, the periodic health check, and graceful teardown. No
// method propagates a cache failure as fatal; failures only degrade
// availability, never correctness.
type Coordinator struct {
	opts Options
	db   *sql.DB

	mu           sync.Mutex
	state        ConnectionState
	client       *Client
	aside        *Manager
	consumer     *Consumer
	reconnecting bool

	healthCancel context.CancelFunc
	healthDone   chan struct{}
}

// NewCoordinator builds a coordinator in the Disconnected state. The durable
// store handle is retained so consumers built on top always have their
// fallback path available.
func NewCoordinator(opts Options, db *sql.DB) *Coordinator {
	telemetry.Init()
	opts.applyDefaults()
	return &Coordinator{opts: opts, db: db, state: StateDisconnected}
}

// Init attempts a lazy connect. On success it constructs the cache-aside and
// queue managers, starts the recurring health check, and returns true. On
// failure it logs a warning and returns false: the process continues in
// fallback mode with both managers nil.
func (co *Coordinator) Init(ctx context.Context) bool {
	co.mu.Lock()
	co.state = transition(co.state, eventConnectStart)
	co.mu.Unlock()

	client := NewClient(co.opts)
	pingCtx, cancel := context.WithTimeout(ctx, co.opts.DialTimeout)
	err := client.Ping(pingCtx)
	cancel()
	if err != nil {
		_ = client.Close()
		co.mu.Lock()
		co.state = transition(co.state, eventConnectFailed)
		co.mu.Unlock()
		slog.Warn("cache unavailable; continuing in fallback mode",
			slog.String("addr", co.opts.Addr), slog.Any("err", err), slog.String("component", "cache"))
		return false
	}

	co.mu.Lock()
	co.client = client
	co.state = transition(co.state, eventConnectOK)
	co.aside = &Manager{coord: co}
	co.consumer = newConsumer(client)
	co.mu.Unlock()
	telemetry.UpdateCacheStateGauge(true)

	// The health loop outlives the init context; Close tears it down.
	hctx, hcancel := context.WithCancel(context.WithoutCancel(ctx))
	done := make(chan struct{})
	co.mu.Lock()
	co.healthCancel = hcancel
	co.healthDone = done
	co.mu.Unlock()
	go co.healthLoop(hctx, done)

	slog.Info("cache connected", slog.String("addr", co.opts.Addr), slog.String("component", "cache"))
	return true
}

// State returns the current connection state.
func (co *Coordinator) State() ConnectionState {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state
}

// Available reports whether consumers may use the cache right now.
func (co *Coordinator) Available() bool {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.state == StateConnected && co.client != nil
}

// CacheManager returns the cache-aside handle, or nil while the cache is
// unavailable. Callers must branch on nil rather than assume presence.
func (co *Coordinator) CacheManager() *Manager {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.state != StateConnected || co.client == nil {
		return nil
	}
	return co.aside
}

// QueueManager returns the event consumer handle, or nil while the cache is
// unavailable.
func (co *Coordinator) QueueManager() *Consumer {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.state != StateConnected || co.client == nil {
		return nil
	}
	return co.consumer
}

func (co *Coordinator) clientIfAvailable() *Client {
	co.mu.Lock()
	defer co.mu.Unlock()
	if co.state != StateConnected || co.client == nil {
		return nil
	}
	return co.client
}

// pingTarget returns the client handle for the probe and reconnect paths.
// Unlike clientIfAvailable it does not require the Connected state (probes
// run while Degraded too), but it is nil once Close has torn the client down.
func (co *Coordinator) pingTarget() *Client {
	co.mu.Lock()
	defer co.mu.Unlock()
	return co.client
}

func (co *Coordinator) healthLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(co.opts.HealthInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			co.probe(ctx)
		}
	}
}

// probe runs one liveness check and applies the resulting transition.
// A failed probe while Connected flips to Degraded and kicks off the capped
// reconnect loop; a successful probe while Degraded flips back to Connected.
func (co *Coordinator) probe(ctx context.Context) {
	client := co.pingTarget()
	if client == nil {
		return // closed underneath us
	}
	pctx, cancel := context.WithTimeout(ctx, co.opts.DialTimeout)
	err := client.Ping(pctx)
	cancel()

	co.mu.Lock()
	prev := co.state
	if err != nil {
		co.state = transition(co.state, eventProbeFailed)
	} else {
		co.state = transition(co.state, eventProbeOK)
	}
	now := co.state
	co.mu.Unlock()

	switch {
	case prev == StateConnected && now == StateDegraded:
		telemetry.UpdateCacheStateGauge(false)
		slog.Warn("cache health check failed; degraded", slog.Any("err", err), slog.String("component", "cache"))
		go co.reconnectLoop(ctx)
	case prev != StateConnected && now == StateConnected:
		telemetry.UpdateCacheStateGauge(true)
		slog.Info("cache recovered", slog.String("component", "cache"))
	}
}

// reconnectLoop retries the connection with increasing, capped delays. Once
// the attempt budget is spent the coordinator stays Degraded; only a later
// successful health check brings it back.
func (co *Coordinator) reconnectLoop(ctx context.Context) {
	co.mu.Lock()
	if co.reconnecting {
		co.mu.Unlock()
		return
	}
	co.reconnecting = true
	co.mu.Unlock()
	defer func() {
		co.mu.Lock()
		co.reconnecting = false
		co.mu.Unlock()
	}()

	for attempt := 1; attempt <= co.opts.MaxReconnect; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(reconnectDelay(attempt, co.opts.BackoffBase, co.opts.BackoffCap)):
		}
		if telemetry.CacheReconnects != nil {
			telemetry.CacheReconnects.Inc()
		}
		client := co.pingTarget()
		if client == nil {
			return // Close won the race; nothing left to reconnect
		}
		pctx, cancel := context.WithTimeout(ctx, co.opts.DialTimeout)
		err := client.Ping(pctx)
		cancel()
		if err == nil {
			co.mu.Lock()
			co.state = transition(co.state, eventProbeOK)
			co.mu.Unlock()
			telemetry.UpdateCacheStateGauge(true)
			slog.Info("cache reconnected", slog.Int("attempt", attempt), slog.String("component", "cache"))
			return
		}
		slog.Debug("cache reconnect attempt failed",
			slog.Int("attempt", attempt), slog.Any("err", err), slog.String("component", "cache"))
	}

	co.mu.Lock()
	co.state = transition(co.state, eventGiveUp)
	co.mu.Unlock()
	slog.Warn("cache reconnect attempts exhausted; staying degraded until a health check succeeds",
		slog.Int("attempts", co.opts.MaxReconnect), slog.String("component", "cache"))
}

// reconnectDelay returns the delay before the given attempt (1-based):
// base doubled per attempt, capped at ceil.
func reconnectDelay(attempt int, base, ceil time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := base
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= ceil {
			return ceil
		}
	}
	if d > ceil {
		return ceil
	}
	return d
}

// Close tears the coordinator down in order: health-check timer, consumer
// loop (within drainTimeout), then the client connection. Every step is
// best-effort; a failing step is logged and the next one still runs.
func (co *Coordinator) Close(drainTimeout time.Duration) {
	co.mu.Lock()
	healthCancel := co.healthCancel
	healthDone := co.healthDone
	consumer := co.consumer
	client := co.client
	co.mu.Unlock()

	if healthCancel != nil {
		healthCancel()
		select {
		case <-healthDone:
		case <-time.After(time.Second):
			slog.Warn("health loop did not stop promptly", slog.String("component", "cache"))
		}
	}

	if consumer != nil {
		if !consumer.Stop(drainTimeout) {
			slog.Warn("event consumer did not drain before timeout",
				slog.Duration("timeout", drainTimeout), slog.String("component", "cache"))
		}
	}
	if client != nil {
		if err := client.Close(); err != nil {
			slog.Warn("cache client close failed", slog.Any("err", err), slog.String("component", "cache"))
		}
	}

	co.mu.Lock()
	co.state = StateDisconnected
	co.client = nil
	co.aside = nil
	co.consumer = nil
	co.mu.Unlock()
	telemetry.UpdateCacheStateGauge(false)
}
