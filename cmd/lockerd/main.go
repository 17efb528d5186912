package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"github.com/lockerhub/lockerd/internal/auth"
	"github.com/lockerhub/lockerd/internal/config"
	dbpkg "github.com/lockerhub/lockerd/internal/db"
	"github.com/lockerhub/lockerd/internal/httpapi"
	"github.com/lockerhub/lockerd/internal/locker/bus"
	"github.com/lockerhub/lockerd/internal/locker/service"
	"github.com/lockerhub/lockerd/internal/locker/store"
	memorystore "github.com/lockerhub/lockerd/internal/locker/store/memory"
	sqlitestore "github.com/lockerhub/lockerd/internal/locker/store/sqlite"
	"github.com/lockerhub/lockerd/internal/logging"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "lockerd: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg := config.FromEnv()

	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat, "lockerd")
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	if cfg.JWTSecret == "" {
		return fmt.Errorf("LOCKERD_JWT_SECRET is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Store
	var (
		st      store.Store
		attach  func(store.Notifier)
		closeDB func()
	)
	switch cfg.StoreKind {
	case "memory":
		ms := memorystore.New()
		st, attach = ms, ms.SetNotifier
		closeDB = func() {}
	default:
		conn, err := dbpkg.Open(ctx, dbpkg.Config{Path: cfg.DBPath, Env: cfg.Env})
		if err != nil {
			return fmt.Errorf("open db: %w", err)
		}
		if cfg.Env == "dev" {
			if err := dbpkg.SeedDev(ctx, conn, dbpkg.SeedDevOptions{
				Lockers: map[string]string{
					"A1": "DEV-TOKEN-A1", "A2": "DEV-TOKEN-A2",
					"A3": "DEV-TOKEN-A3", "A4": "DEV-TOKEN-A4",
				},
				AdminUserID: "dev-admin",
				AdminEmail:  "admin@example.com",
			}); err != nil {
				return fmt.Errorf("seed dev: %w", err)
			}
		}
		writer := dbpkg.NewWorker(conn)
		ss := sqlitestore.New(conn, writer)
		st, attach = ss, ss.SetNotifier
		closeDB = func() {
			writer.Close()
			_ = conn.Close()
		}
	}
	defer closeDB()

	// Change notification bus, primed with store snapshots.
	b := bus.New(logger, bus.StoreSnapshot(st, cfg.LogTopicN), cfg.BusBuffer)
	attach(b)

	// Optional Redis Streams mirror for external consumers.
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		mirror := bus.NewRedisMirror(client, b, cfg.RedisPrefix, logger)
		if err := mirror.Start(ctx); err != nil {
			return fmt.Errorf("redis mirror: %w", err)
		}
		defer func() {
			mirror.Stop()
			_ = client.Close()
		}()
		logger.Info("redis mirror enabled", zap.String("addr", cfg.RedisAddr))
	}

	// Services
	engine := service.NewEngine(st, logger)
	telemetry := service.NewTelemetry(st, logger)

	watchdog := service.NewCommandWatchdog(st, service.WatchdogConfig{
		WindowSeconds:   cfg.WatchdogWindowSeconds,
		IntervalSeconds: cfg.WatchdogIntervalSeconds,
	}, logger)
	watchdog.Start(ctx)
	defer watchdog.Stop()

	// HTTP
	srv := httpapi.NewServer(httpapi.Dependencies{
		Logger:    logger,
		Addr:      cfg.HTTPAddr,
		Engine:    engine,
		Telemetry: telemetry,
		Bus:       b,
		Verifier:  auth.NewVerifier(cfg.JWTSecret, cfg.JWTIssuer),
		DeviceKey: cfg.DeviceKey,
	})

	go func() {
		logger.Info("listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.Start(); err != nil {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
