// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	CacheHits        prometheus.Counter
	CacheMisses      prometheus.Counter
	CacheFallbacks   prometheus.Counter
	CacheWriteErrors prometheus.Counter
	CacheReconnects  prometheus.Counter
	CommandsServed   prometheus.Counter
	RequestsEnqueued prometheus.Counter

	// Histograms (seconds)
	QueueMutationDuration prometheus.Observer
	ResolveDuration       prometheus.Observer

	// Gauges
	QueueDepthGauge prometheus.Gauge
	CacheStateGauge prometheus.Gauge // 1=connected, 0=anything else
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		CacheHits = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_cache_hits_total", Help: "Cache-aside reads served from Redis"})
		CacheMisses = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_cache_misses_total", Help: "Cache-aside reads that fell through to the durable store"})
		CacheFallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_cache_fallbacks_total", Help: "Cache-aside reads issued while the cache was unavailable"})
		CacheWriteErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_cache_write_errors_total", Help: "Best-effort cache writes that failed"})
		CacheReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_cache_reconnects_total", Help: "Redis reconnect attempts scheduled by the coordinator"})
		CommandsServed = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_commands_served_total", Help: "Chat commands dispatched"})
		RequestsEnqueued = promauto.NewCounter(prometheus.CounterOpts{Name: "songbot_requests_enqueued_total", Help: "Song requests appended to the queue"})
		QueueMutationDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "songbot_queue_mutation_duration_seconds", Help: "Duration of structural queue mutations", Buckets: prometheus.DefBuckets})
		ResolveDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "songbot_cache_resolve_duration_seconds", Help: "Duration of cache-aside resolve calls", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "songbot_queue_depth", Help: "Current number of queued song requests"})
		CacheStateGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "songbot_cache_connected", Help: "Cache coordinator connected=1 otherwise 0"})
	})
}

// UpdateCacheStateGauge sets the gauge to 1 when connected else 0.
func UpdateCacheStateGauge(connected bool) {
	if CacheStateGauge == nil {
		return
	}
	if connected {
		CacheStateGauge.Set(1)
	} else {
		CacheStateGauge.Set(0)
	}
}

// SetQueueDepth records the current song queue length.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding correlation id (if absent) and the id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	v := ctx.Value(corrKey)
	if s, ok := v.(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
