package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/automagik-dev/omni-sub005/internal/api"
	"github.com/automagik-dev/omni-sub005/internal/application/factories/infrastructure"
	"github.com/automagik-dev/omni-sub005/internal/config"
	"github.com/automagik-dev/omni-sub005/internal/deadletter"
	"github.com/automagik-dev/omni-sub005/internal/infrastructure/postgres"
	"github.com/automagik-dev/omni-sub005/internal/syncjob"
	"github.com/automagik-dev/omni-sub005/internal/webhook"
)

func main() {
	// Initialize structured JSON logger
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	cfg, err := config.New()
	if err != nil {
		logger.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	redisClient, err := infraFactory.Redis(ctx)
	if err != nil {
		logger.Error("failed to connect to redis", "error", err)
		os.Exit(1)
	}

	eventBus := infraFactory.Bus()

	// Repositories
	deadLetterRepo := postgres.NewDeadLetterRepository(pgPool)
	syncJobRepo := postgres.NewSyncJobRepository(pgPool)
	webhookRepo := postgres.NewWebhookSourceRepository(pgPool)
	txManager := postgres.NewTxManager(pgPool)

	// Services
	deadLetterSvc := deadletter.NewService(deadLetterRepo, eventBus, txManager)
	syncJobSvc := syncjob.NewService(syncJobRepo, eventBus)
	webhookSvc := webhook.NewService(webhookRepo, eventBus)

	handlers := api.NewHandlers(deadLetterSvc, syncJobSvc, webhookSvc)
	apiHandler := api.NewRouter(handlers, redisClient)

	srv := &http.Server{
		Addr:    ":" + cfg.HTTP.Port,
		Handler: apiHandler,
	}

	go func() {
		logger.Info("Server starting", "port", cfg.HTTP.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("listen failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	logger.Info("Server exiting")
}
