// Package main is the entry point of the Nezuko core enforcement engine.
//
// One process supervises every active bot instance: each bot worker runs its
// own Telegram facade, verification and enforcement services, command worker
// and status writer, all isolated behind the supervisor's panic boundary.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/nezuko-bot/nezuko-core/config"
	"github.com/nezuko-bot/nezuko-core/internal/domain/verification"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/crypto"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/metrics"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/persistence/postgres"
	"github.com/nezuko-bot/nezuko-core/internal/infrastructure/persistence/redis"
	httpserver "github.com/nezuko-bot/nezuko-core/internal/interface/http"
	"github.com/nezuko-bot/nezuko-core/internal/logging"
	"github.com/nezuko-bot/nezuko-core/internal/supervisor"
)

// logPurgeInterval is how often old verification and API call logs are
// pruned down to the configured retention.
const logPurgeInterval = 12 * time.Hour

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "fatal error: %v\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	// ─────────────────────────────────────────────────────────────────────────
	// 1. CONFIGURATION
	// ─────────────────────────────────────────────────────────────────────────
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 2. LOGGING
	// ─────────────────────────────────────────────────────────────────────────
	log := setupLogger(cfg)
	log.Info("starting nezuko core",
		"update_mode", cfg.Telegram.UpdateMode,
		"log_level", cfg.Observability.LogLevel,
	)

	// ─────────────────────────────────────────────────────────────────────────
	// 3. TOKEN CIPHER
	// ─────────────────────────────────────────────────────────────────────────
	masterKey, err := cfg.Encryption.MasterKey()
	if err != nil {
		return fmt.Errorf("encryption key: %w", err)
	}
	cipher, err := crypto.NewTokenCipher(masterKey)
	if err != nil {
		return fmt.Errorf("token cipher: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 4. DATABASE
	// ─────────────────────────────────────────────────────────────────────────
	log.Info("connecting to database...")
	dbConn, err := postgres.NewConnection(ctx, cfg.Database.URL, cfg.Database.MaxConns)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer func() {
		log.Info("closing database connection...")
		dbConn.Close()
	}()

	if err := dbConn.Ping(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}

	log.Info("running database migrations...")
	if err := postgres.NewMigrator(dbConn).Migrate(ctx); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 5. CACHE
	// ─────────────────────────────────────────────────────────────────────────
	var (
		cache      verification.MembershipCache
		cachePing  httpserver.Pinger
		wakeListen func(ctx context.Context, botInstanceID int64) <-chan struct{}
	)
	if cfg.Cache.URL != "" {
		log.Info("connecting to cache...")
		redisCache, err := redis.NewMembershipCache(ctx, cfg.Cache.URL, log)
		if err != nil {
			return fmt.Errorf("failed to connect to cache: %w", err)
		}
		defer func() { _ = redisCache.Close() }()

		cache = redisCache
		cachePing = redisCache
		wakeBus := redis.NewWakeBus(redisCache.Client(), log)
		wakeListen = wakeBus.Listen
	} else {
		log.Warn("CACHE_URL not set, membership cache stubbed")
		cache = redis.NewStubCache()
	}

	// ─────────────────────────────────────────────────────────────────────────
	// 6. REPOSITORIES
	// ─────────────────────────────────────────────────────────────────────────
	botRepo := postgres.NewBotRepository(dbConn)
	groupRepo := postgres.NewGroupRepository(dbConn)
	commandRepo := postgres.NewCommandRepository(dbConn)
	statusRepo := postgres.NewStatusRepository(dbConn)
	logRepo := postgres.NewLogRepository(dbConn)

	// ─────────────────────────────────────────────────────────────────────────
	// 7. METRICS AND LOG SINK
	// ─────────────────────────────────────────────────────────────────────────
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	sink := logging.NewBufferedSink(logRepo, m, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 8. HTTP SERVER
	// ─────────────────────────────────────────────────────────────────────────
	server := httpserver.NewServer(cfg.Telegram.WebhookListenAddr, registry, dbConn, cachePing, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 9. SUPERVISOR
	// ─────────────────────────────────────────────────────────────────────────
	factory := supervisor.NewWorkerFactory(supervisor.WorkerDeps{
		Bots:              botRepo,
		Groups:            groupRepo,
		Queue:             commandRepo,
		Status:            statusRepo,
		AuditLog:          statusRepo,
		Cache:             cache,
		Sink:              sink,
		Metrics:           m,
		Logger:            log,
		WakeListen:        wakeListen,
		UpdateMode:        string(cfg.Telegram.UpdateMode),
		Webhook:           server,
		PublicURL:         cfg.Telegram.WebhookPublicURL,
		HeartbeatInterval: cfg.Supervisor.HeartbeatInterval(),
		ShutdownGrace:     cfg.Supervisor.ShutdownGrace(),
	})

	sup := supervisor.New(supervisor.Config{
		SyncInterval:  cfg.Supervisor.SyncInterval(),
		ShutdownGrace: cfg.Supervisor.ShutdownGrace(),
	}, botRepo, statusRepo, cipher, factory, m, log)

	// ─────────────────────────────────────────────────────────────────────────
	// 10. RUN
	// ─────────────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sup.Run(gctx) })
	g.Go(func() error { return server.Run(gctx) })
	g.Go(func() error {
		sink.Run(gctx)
		return nil
	})
	g.Go(func() error {
		purgeLogs(gctx, logRepo, cfg.Observability.LogRetention(), log)
		return nil
	})

	log.Info("nezuko core started")
	err = g.Wait()
	log.Info("nezuko core stopped")
	return err
}

// purgeLogs prunes observability rows past the retention horizon.
func purgeLogs(ctx context.Context, repo *postgres.LogRepository, retention time.Duration, log *slog.Logger) {
	ticker := time.NewTicker(logPurgeInterval)
	defer ticker.Stop()

	for {
		if removed, err := repo.PurgeOldLogs(ctx, retention); err != nil {
			log.Warn("log purge failed", "error", err)
		} else if removed > 0 {
			log.Info("purged old log rows", "rows", removed)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// setupLogger builds the process logger from the observability config.
func setupLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	switch cfg.Observability.LogLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Observability.LogFormat == "text" {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}
