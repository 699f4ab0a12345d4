package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/automagik-dev/omni-sub005/internal/application/factories/infrastructure"
	"github.com/automagik-dev/omni-sub005/internal/archiver"
	"github.com/automagik-dev/omni-sub005/internal/bus"
	"github.com/automagik-dev/omni-sub005/internal/config"
	"github.com/automagik-dev/omni-sub005/internal/deadletter"
	domainEvent "github.com/automagik-dev/omni-sub005/internal/domain/event"
	"github.com/automagik-dev/omni-sub005/internal/infrastructure/postgres"
	"github.com/automagik-dev/omni-sub005/internal/registry"
	"github.com/automagik-dev/omni-sub005/internal/syncjob"
)

// presenceOnline is soft state rebuilt from the live stream; the consumer
// feeding it deliberately resumes from its last acknowledged position.
var presenceOnline = promauto.NewGaugeVec(prometheus.GaugeOpts{
	Name: "worker_presence_online",
	Help: "Whether an instance currently reports an online presence",
}, []string{"instance"})

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

	// Metrics Server
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info("Worker metrics listening on :9091")
		http.ListenAndServe(":9091", mux)
	}()

	// Infrastructure
	infraFactory := infrastructure.NewFactory(cfg)
	defer infraFactory.Close()

	pgPool, err := infraFactory.Postgres(ctx)
	if err != nil {
		logger.Error("failed to connect to postgres", "error", err)
		os.Exit(1)
	}

	eventBus := infraFactory.Bus()

	// Repositories
	deadLetterRepo := postgres.NewDeadLetterRepository(pgPool)
	syncJobRepo := postgres.NewSyncJobRepository(pgPool)
	syncItemRepo := postgres.NewSyncItemRepository(pgPool)
	instanceRepo := postgres.NewInstanceRepository(pgPool)
	archiveRepo := postgres.NewEventArchiveRepository(pgPool)
	txManager := postgres.NewTxManager(pgPool)

	// Services
	deadLetterSvc := deadletter.NewService(deadLetterRepo, eventBus, txManager)
	syncJobSvc := syncjob.NewService(syncJobRepo, eventBus)

	executor := syncjob.NewExecutor(syncJobSvc, syncItemRepo, instanceRepo)
	for _, channelType := range []string{"whatsapp-baileys", "discord", "slack"} {
		executor.RegisterSource(channelType, syncjob.NewHTTPSource(cfg.Sync.GatewayURL, channelType))
	}

	eventArchiver := archiver.New(archiveRepo)

	// Consumers
	reg := registry.New(eventBus, deadLetterSvc)

	defs := []registry.Definition{
		eventArchiver.Definition(),
		executor.Definition(),
		{
			// Soft-state presence tracking; resumes from the last ack and
			// tolerates missing whatever happened while the worker was down.
			Durable:   "presence-monitor",
			Subject:   "presence.>",
			StartFrom: bus.Last,
			Handler:   trackPresence,
		},
	}
	for _, def := range defs {
		if err := reg.Register(def); err != nil {
			logger.Error("failed to register consumer", "error", err)
			os.Exit(1)
		}
	}

	// Dead-letter auto-retry sweeper
	sweepInterval, err := time.ParseDuration(cfg.Sync.SweepInterval)
	if err != nil {
		logger.Error("invalid sweep interval", "value", cfg.Sync.SweepInterval, "error", err)
		os.Exit(1)
	}
	go deadLetterSvc.RunSweeper(ctx, sweepInterval)

	logger.Info("worker starting", "consumers", len(defs))
	if err := reg.Run(ctx); err != nil && ctx.Err() == nil {
		logger.Error("registry stopped with error", "error", err)
		os.Exit(1)
	}

	logger.Info("worker exited")
}

func trackPresence(ctx context.Context, ev domainEvent.Event) error {
	var p struct {
		Status string `json:"status"`
	}
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		return nil // not a presence payload we understand, drop it
	}

	if p.Status == "online" {
		presenceOnline.WithLabelValues(ev.Metadata.InstanceID).Set(1)
	} else {
		presenceOnline.WithLabelValues(ev.Metadata.InstanceID).Set(0)
	}
	return nil
}
