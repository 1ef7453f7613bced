package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/arbiterlabs/arbiter/internal/api"
	"github.com/arbiterlabs/arbiter/internal/buildconfig"
	"github.com/arbiterlabs/arbiter/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

func main() {
	logger, _ := zap.NewProduction()
	defer func() { _ = logger.Sync() }()

	if err := config.Load(); err != nil {
		logger.Fatal("failed to load config", zap.Error(err))
	}

	ctx := context.Background()

	// The database is optional: without it, sessions are in-memory only
	// and pending escalations do not survive a restart.
	var pool *pgxpool.Pool
	if dbURL := config.DatabaseURL(); dbURL != "" {
		var err error
		pool, err = pgxpool.New(ctx, dbURL)
		if err != nil {
			logger.Fatal("failed to connect to database", zap.Error(err))
		}
		defer pool.Close()

		if err := pool.Ping(ctx); err != nil {
			logger.Fatal("failed to ping database", zap.Error(err))
		}
		logger.Info("connected to database")
	} else {
		logger.Warn("DATABASE_URL not set, running without persistence")
	}

	app, err := api.NewApp(pool, logger)
	if err != nil {
		logger.Fatal("failed to initialize application", zap.Error(err))
	}

	// Start background services
	app.Trail.Start()
	app.Escalation.Start()
	if err := app.Rules.Watch(); err != nil {
		logger.Warn("rule file watcher unavailable, falling back to explicit reloads", zap.Error(err))
	}

	// Re-suspend sessions that were awaiting a human decision when the
	// process last stopped.
	if n, err := app.Orchestrator.RecoverPending(ctx); err != nil {
		logger.Error("failed to recover pending escalations", zap.Error(err))
	} else if n > 0 {
		logger.Info("recovered pending escalations", zap.Int("count", n))
	}

	addr := config.ServerAddr()
	srv := &http.Server{
		Addr:    addr,
		Handler: app.Router,
	}

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		logger.Info("server starting",
			zap.String("addr", addr),
			zap.String("version", buildconfig.Version()),
			zap.String("commit", buildconfig.Commit()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", zap.Error(err))
		}
	}()

	<-quit
	logger.Info("shutting down server")

	shutdownCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server forced to shutdown", zap.Error(err))
	}

	// Stop background services after the listener so in-flight requests
	// still see them running.
	if err := app.Orchestrator.Shutdown(shutdownCtx); err != nil {
		logger.Warn("sessions still in flight at shutdown", zap.Error(err))
	}
	app.Rules.Stop()
	app.Escalation.Stop()
	app.Trail.Stop()

	logger.Info("server stopped")
}
