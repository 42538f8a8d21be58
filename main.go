// Command songbot is the main entrypoint for the Twitch song-request bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Brings up the Redis cache layer in fallback-tolerant mode: the bot
//     serves requests from Postgres alone whenever Redis is unavailable.
//   - Starts the chat bot, the queue event consumer, and the Spotify OAuth
//     token refresher.
//   - Exposes an HTTP server with /healthz, /readyz, /status, /queue,
//     /metrics, and admin endpoints.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/onnwee/songbot/cache"
	"github.com/onnwee/songbot/chat"
	"github.com/onnwee/songbot/commands"
	"github.com/onnwee/songbot/config"
	"github.com/onnwee/songbot/db"
	"github.com/onnwee/songbot/flags"
	"github.com/onnwee/songbot/oauth"
	"github.com/onnwee/songbot/queue"
	"github.com/onnwee/songbot/ratelimit"
	"github.com/onnwee/songbot/server"
	"github.com/onnwee/songbot/spotify"
	"github.com/onnwee/songbot/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load(".env")

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("songbot", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Versioned migrations first, embedded SQL as fallback for deployments
	// predating the schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Cache layer. Init failure is not fatal: every consumer falls back to
	// Postgres while the coordinator keeps probing for recovery.
	coord := cache.NewCoordinator(cache.Options{
		Addr:           cfg.RedisAddr,
		Password:       cfg.RedisPassword,
		DB:             cfg.RedisDB,
		KeyPrefix:      cfg.RedisKeyPrefix,
		MaxReconnect:   cfg.RedisMaxReconnect,
		HealthInterval: cfg.RedisHealthInterval,
	}, database)
	if !coord.Init(ctx) {
		slog.Warn("cache layer unavailable at startup; running in fallback mode")
	}
	drainTimeout := 5 * time.Second
	if v := os.Getenv("REDIS_DRAIN_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			drainTimeout = d
		}
	}
	defer coord.Close(drainTimeout)

	// Stores
	songQueue := queue.NewStore(database)
	registry := commands.NewRegistry(database, coord, cfg.CommandsTTL)
	limiter := ratelimit.NewLimiter(database, coord, cfg.RateLimitTTL)
	flagStore := flags.NewStore(database, coord, cfg.FlagsTTL)

	// Queue event consumer: logs enqueue/skip events published by the bot.
	// Overlay tooling tails these through the same Redis list.
	if q := coord.QueueManager(); q != nil {
		q.Start(ctx, func(ctx context.Context, payload string) {
			telemetry.LoggerWithCorr(ctx).Info("queue event", slog.String("event", payload), slog.String("component", "events"))
		})
	}

	// Spotify app token source + track client.
	spotifyClient := &spotify.Client{
		Tokens: &spotify.TokenSource{ClientID: cfg.SpotifyClientID, ClientSecret: cfg.SpotifyClientSecret},
	}
	if err := cfg.ValidateSpotifyReady(); err != nil {
		slog.Warn("spotify not configured; song requests will fail to resolve", slog.Any("err", err))
	} else {
		// Warm the app token so the first request does not pay for it.
		warmCtx, cancel := context.WithTimeout(ctx, 8*time.Second)
		if _, err := spotifyClient.Tokens.Get(warmCtx); err != nil {
			slog.Warn("spotify app token fetch failed", slog.Any("err", err))
		}
		cancel()

		// Refresh the stored user token (playback control scope) in the background.
		oauth.StartRefresher(ctx, database, "spotify", 5*time.Minute, 15*time.Minute,
			spotifyClient.Tokens.RefreshUserToken)
	}

	// Chat bot
	if err := cfg.ValidateChatReady(); err != nil {
		slog.Warn("chat bot disabled", slog.Any("err", err))
	} else {
		bot := &chat.Bot{
			Channel:    cfg.TwitchChannel,
			Username:   cfg.TwitchBotUsername,
			OAuthToken: cfg.TwitchOAuthToken,
			Registry:   registry,
			Limiter:    limiter,
			Flags:      flagStore,
			Queue:      songQueue,
			Spotify:    spotifyClient,
			Coord:      coord,
		}
		go func() {
			if err := bot.Run(ctx); err != nil {
				slog.Error("chat bot exited", slog.Any("err", err))
			}
		}()
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/queue/metrics/admin)
	go func() {
		deps := server.Deps{DB: database, Coord: coord, Queue: songQueue, Flags: flagStore, Registry: registry}
		if err := server.Start(ctx, deps, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
