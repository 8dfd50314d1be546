// Package main is the entrypoint for the matchflow server: the HTTP API and
// every pipeline consumer in one process.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kiranshivaraju/matchflow/internal/cache"
	"github.com/kiranshivaraju/matchflow/internal/config"
	"github.com/kiranshivaraju/matchflow/internal/inference"
	"github.com/kiranshivaraju/matchflow/internal/ledger"
	"github.com/kiranshivaraju/matchflow/internal/store"
)

const shutdownTimeout = 30 * time.Second

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := run(); err != nil {
		slog.Error("server failed", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load config, fail fast on invalid config
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	slog.Info("config loaded",
		"env", cfg.Server.Env,
		"bus_driver", cfg.Bus.Driver,
		"tracker_backend", cfg.Tracker.Backend,
		"auth_enabled", cfg.Server.APIKeyHash != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 2. Connect to database
	pool, err := store.Connect(ctx, cfg.Database)
	if err != nil {
		return fmt.Errorf("connect database: %w", err)
	}
	defer pool.Close()
	slog.Info("database connected")

	// 3. Run migrations
	if err := store.RunMigrations(cfg.Database.URL, "migrations"); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	slog.Info("database migrations applied")

	// 4. Create Redis cache
	redisCache, err := cache.NewRedisCache(cfg.Redis.URL)
	if err != nil {
		return fmt.Errorf("create redis cache: %w", err)
	}
	defer redisCache.Close()

	if err := redisCache.Ping(ctx); err != nil {
		return fmt.Errorf("ping redis: %w", err)
	}
	slog.Info("redis connected")

	tracker, err := newTracker(cfg.Tracker, redisCache)
	if err != nil {
		return fmt.Errorf("create batch tracker: %w", err)
	}

	// 5. Open the message bus
	b, err := newBus(ctx, cfg.Bus)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer b.Close()
	slog.Info("bus connected", "driver", cfg.Bus.Driver)

	// 6. Build components and subscribe every consumer
	client := inference.NewClient(cfg.Inference.BaseURL, cfg.Inference.Timeout)
	if err := client.Ready(ctx); err != nil {
		// Stages retry through redelivery until the service is up.
		slog.Warn("inference service not ready", "base_url", cfg.Inference.BaseURL, "error", err)
	}

	a, err := wire(ctx, cfg, infra{
		store:     store.NewPostgresStore(pool),
		ledger:    ledger.NewPostgres(pool),
		bus:       b,
		tracker:   tracker,
		cache:     redisCache,
		inference: client,
	})
	if err != nil {
		return err
	}
	slog.Info("consumers subscribed")

	// 7. Start HTTP server
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      a.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-ctx.Done():
		slog.Info("shutdown signal received, draining connections...")
	}

	// Graceful shutdown: HTTP first, then in-flight handlers. Deferred
	// closes release the bus, Redis and the pool in that order.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	if err := b.Stop(shutdownCtx); err != nil {
		return fmt.Errorf("stop consumers: %w", err)
	}

	slog.Info("server stopped gracefully")
	return nil
}
