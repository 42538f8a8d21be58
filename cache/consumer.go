package cache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// eventsKey is the Redis list the consumer drains (namespaced by the client).
const eventsKey = "events"

// HandlerFunc processes one event payload. Handlers must not block longer
// than the drain timeout given to Stop.
type HandlerFunc func(ctx context.Context, payload string)

// Consumer drains the shared event list (queue announcements such as
// "track added") and hands payloads to a handler. It is constructed by the
// coordinator on a successful connect and drained by Close.
type Consumer struct {
	client *Client

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func newConsumer(client *Client) *Consumer {
	return &Consumer{client: client}
}

// Start launches the consumer loop. Calling Start while running is a no-op.
func (q *Consumer) Start(ctx context.Context, handler HandlerFunc) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return
	}
	q.running = true
	cctx, cancel := context.WithCancel(ctx)
	q.cancel = cancel
	q.done = make(chan struct{})
	q.mu.Unlock()

	go q.loop(cctx, handler)
}

func (q *Consumer) loop(ctx context.Context, handler HandlerFunc) {
	defer close(q.done)
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := q.client.BRPop(ctx, time.Second, eventsKey)
		if err != nil {
			if errors.Is(err, ErrCacheMiss) {
				continue // idle poll, nothing queued
			}
			if ctx.Err() != nil {
				return
			}
			slog.Debug("event consumer poll failed", slog.Any("err", err), slog.String("component", "cache"))
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}
		handler(ctx, payload)
	}
}

// Stop cancels the loop and waits up to timeout for it to exit. Returns
// false when the timeout elapsed first; shutdown proceeds regardless.
func (q *Consumer) Stop(timeout time.Duration) bool {
	q.mu.Lock()
	if !q.running {
		q.mu.Unlock()
		return true
	}
	cancel := q.cancel
	done := q.done
	q.mu.Unlock()

	cancel()
	select {
	case <-done:
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
		return true
	case <-time.After(timeout):
		return false
	}
}

// Publish appends an event payload for the consumer loop. Best-effort
// callers should log, not propagate, a failure here.
func (q *Consumer) Publish(ctx context.Context, payload string) error {
	return q.client.LPush(ctx, eventsKey, payload)
}
