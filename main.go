// Command scrimtrack is the main entrypoint for the series tracking API.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Connects to Redis for the identity cache and opens the Discord session.
//   - Rehydrates in-flight series trackers from their persisted alarms.
//   - Exposes the HTTP API with tracker operations, /healthz, /status, /metrics.
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

	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"

	"github.com/scrimtrack/scrimtrack/config"
	"github.com/scrimtrack/scrimtrack/db"
	"github.com/scrimtrack/scrimtrack/discordapi"
	"github.com/scrimtrack/scrimtrack/haloapi"
	"github.com/scrimtrack/scrimtrack/identity"
	"github.com/scrimtrack/scrimtrack/server"
	"github.com/scrimtrack/scrimtrack/telemetry"
	"github.com/scrimtrack/scrimtrack/tracker"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("scrimtrack", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect(cfg.DBDsn)
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) first, embedded SQL as fallback
	// for deployments without the migrations directory on disk.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting fallback to embedded SQL",
			slog.Any("err", err),
			slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db (both versioned and embedded SQL failed)", slog.Any("err", err))
			os.Exit(1)
		}
		slog.Info("embedded SQL migration completed successfully", slog.String("component", "db_migrate"))
	} else {
		slog.Info("versioned migrations completed successfully", slog.String("component", "db_migrate"))
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Redis (identity cache)
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		slog.Warn("redis unreachable at startup, identity lookups will fall through to the stats API", slog.Any("err", err))
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			slog.Error("failed to close redis", slog.Any("err", err))
		}
	}()

	// Discord session
	session, err := discordapi.NewSession(cfg.DiscordBotToken)
	if err != nil {
		slog.Error("failed to create discord session", slog.Any("err", err))
		os.Exit(1)
	}
	output := discordapi.NewClient(session)

	// Stats API clients: primary plus optional secondary deployment.
	primary := &haloapi.Client{BaseURL: cfg.StatsPrimaryBaseURL, APIKey: cfg.StatsAPIKey}
	var secondary identity.Provider
	if cfg.StatsSecondaryBaseURL != "" {
		secondary = &haloapi.Client{BaseURL: cfg.StatsSecondaryBaseURL, APIKey: cfg.StatsAPIKey}
	}
	cache := identity.NewCache(rdb, primary, secondary, cfg.GamertagCacheTTL)
	resolver := identity.NewResolver(cache, db.NewAssociationStore(database))
	engine := tracker.NewDiscoveryEngine(resolver, primary)

	manager := tracker.NewManager(ctx, db.NewProvider(database), output, engine, tracker.Options{
		PollInterval:         cfg.PollInterval,
		RefreshCooldown:      cfg.RefreshCooldown,
		MaxConsecutiveErrors: cfg.MaxConsecutiveErrors,
		ChannelRenameEnabled: cfg.ChannelRenameEnabled,
	})
	defer manager.Shutdown()

	// Resume series that were mid-flight when the previous process exited.
	if err := manager.Rehydrate(ctx); err != nil {
		slog.Error("tracker rehydration failed", slog.Any("err", err))
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

	// HTTP server (tracker API, health, status, metrics)
	go func() {
		if err := server.Start(ctx, server.Deps{DB: database, Redis: rdb, Manager: manager}, cfg.ListenAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}
