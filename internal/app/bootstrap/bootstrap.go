package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	epochsettlementservice "settlement/contexts/network-rewards/epoch-settlement-service"
	"settlement/contexts/network-rewards/epoch-settlement-service/adapters/nasapi"
	oracleadapter "settlement/contexts/network-rewards/epoch-settlement-service/adapters/oracle"
	postgresadapter "settlement/contexts/network-rewards/epoch-settlement-service/adapters/postgres"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/commands"
	"settlement/contexts/network-rewards/epoch-settlement-service/application/dispatcher"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/entities"
	"settlement/contexts/network-rewards/epoch-settlement-service/domain/services"
	"settlement/contexts/network-rewards/epoch-settlement-service/ports"
	"settlement/internal/platform/config"
	"settlement/internal/platform/db"
	"settlement/internal/platform/httpserver"
	"settlement/internal/platform/messaging"
	"settlement/internal/platform/metrics"

	"golang.org/x/sync/errgroup"
)

// Package bootstrap is the composition root.
// Keep construction/wiring here so module code stays framework-agnostic.

type APIApp struct {
	server   *httpserver.Server
	postgres *db.Postgres
	logger   *slog.Logger
}

type WorkerApp struct {
	postgres      *db.Postgres
	kafka         *messaging.Kafka
	module        epochsettlementservice.Module
	metrics       *metrics.Metrics
	metricsAddr   string
	retryMax      int
	pollInterval  time.Duration
	cacheInterval time.Duration
	logger        *slog.Logger
}

func BuildAPI() (*APIApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "api")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	registry := metrics.New()
	module, err := buildSettlement(cfg, pg, nil, registry, logger)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}

	server := httpserver.New(module, registry, logger, normalizeAddr(cfg.HTTPPort))
	return &APIApp{
		server:   server,
		postgres: pg,
		logger:   logger,
	}, nil
}

func BuildWorker() (*WorkerApp, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}

	logger := slog.Default().With("service", cfg.ServiceName, "process", "worker")
	if strings.TrimSpace(cfg.PostgresDSN) == "" {
		return nil, errors.New("POSTGRES_DSN is required")
	}

	pg, err := db.Connect(cfg.PostgresDSN)
	if err != nil {
		return nil, err
	}

	kafka, err := messaging.NewKafka(cfg.KafkaBrokers, logger)
	if err != nil {
		_ = pg.Close()
		return nil, err
	}

	registry := metrics.New()
	module, err := buildSettlement(cfg, pg, kafka, registry, logger)
	if err != nil {
		_ = kafka.Close()
		_ = pg.Close()
		return nil, err
	}

	return &WorkerApp{
		postgres:      pg,
		kafka:         kafka,
		module:        module,
		metrics:       registry,
		metricsAddr:   normalizeAddr(cfg.MetricsPort),
		retryMax:      cfg.RetryMaxAttempts,
		pollInterval:  cfg.RetrySweepInterval,
		cacheInterval: cfg.EpochCacheSweep,
		logger:        logger,
	}, nil
}

// buildSettlement wires the settlement module. The api process passes a nil broker:
// it never dispatches or consumes.
func buildSettlement(
	cfg config.Config,
	pg *db.Postgres,
	kafka *messaging.Kafka,
	registry *metrics.Metrics,
	logger *slog.Logger,
) (epochsettlementservice.Module, error) {
	repo := postgresadapter.NewRepository(pg.DB, logger)
	if cfg.TestMode() {
		repo = postgresadapter.NewSandboxRepository(pg.DB, logger)
	}

	oracle, err := oracleadapter.New(oracleadapter.Config{
		Enabled:   cfg.OracleEnabled && !cfg.TestMode(),
		CacheSize: cfg.OracleCacheSize,
	}, func(context.Context) (ports.NodeEntryReader, error) {
		client, err := oracleadapter.NewClient(cfg.OracleAPI, cfg.OracleAPIKey)
		if err != nil {
			return nil, err
		}
		return client, nil
	}, logger)
	if err != nil {
		return epochsettlementservice.Module{}, fmt.Errorf("build oracle: %w", err)
	}

	probed := []entities.Channel{entities.ChannelWupi}
	if cfg.SyncCheckWubi {
		probed = append(probed, entities.ChannelWubi)
	}

	deps := epochsettlementservice.Dependencies{
		Epochs:    repo,
		Rewards:   repo,
		Nodes:     repo,
		Readiness: nasapi.NewSyncChecker(cfg.NasAPI, cfg.NasAPIKey, probed, logger),
		Oracle:    oracle,
		Metrics:   registry,
		Clock:     postgresadapter.SystemClock{},
		Period:    services.ParseRewardsPeriod(cfg.RewardsPeriod),
		Topics: epochsettlementservice.Topics{
			WubiRequests:  cfg.TopicWubiRequests,
			WubiResponses: cfg.TopicWubiResponses,
			WupiRequests:  cfg.TopicWupiRequests,
			WupiResponses: cfg.TopicWupiResponses,
		},
		Dispatch: dispatcher.Config{
			Concurrency: cfg.DispatchConcurrency,
			BatchSize:   cfg.DispatchBatchSize,
			SendDelay:   cfg.DispatchSendDelay,
			MaxAttempts: cfg.DispatchMaxRetries,
			RetryDelay:  cfg.DispatchRetryDelay,
		},
		ConsumerGroup:     cfg.ConsumerGroup,
		CacheTTL:          cfg.EpochCacheTTL,
		FinalizeBatchSize: cfg.FinalizeBatchSize,
		RetryMaxAttempts:  cfg.RetryMaxAttempts,
		AutoStartEpoch:    cfg.AutoStartEpoch,
		Logger:            logger,
	}
	if kafka != nil {
		deps.Sender = kafka
		deps.Subscriber = kafka
	}
	return epochsettlementservice.NewModule(deps), nil
}

func (a *APIApp) Run(ctx context.Context) error {
	if a.logger != nil {
		a.logger.Info("api app started",
			"event", "bootstrap_api_started",
			"module", "internal/app/bootstrap",
			"layer", "platform",
		)
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(a.server.Start)
	group.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return a.server.Shutdown(shutdownCtx)
	})
	return group.Wait()
}

func (a *APIApp) Close() error {
	if a.postgres != nil {
		return a.postgres.Close()
	}
	return nil
}

// Run reconciles in-flight epochs, starts the response consumers and then drives the
// control loop until ctx is cancelled.
func (w *WorkerApp) Run(ctx context.Context) error {
	resumed, err := w.module.Commands.ReconcileActiveEpochs(ctx)
	if err != nil {
		return err
	}
	for _, consumer := range w.module.Consumers {
		if err := consumer.Start(ctx); err != nil {
			return err
		}
	}

	w.logger.Info("worker app started",
		"event", "bootstrap_worker_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"poll_interval", w.pollInterval.String(),
		"resumed_epochs", resumed,
	)

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		w.module.Epochs.Run(ctx, w.cacheInterval)
		return nil
	})
	group.Go(func() error {
		return w.serveMetrics(ctx)
	})
	group.Go(func() error {
		return w.controlLoop(ctx)
	})
	return group.Wait()
}

func (w *WorkerApp) controlLoop(ctx context.Context) error {
	interval := w.pollInterval
	if interval <= 0 {
		interval = 8 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := w.module.DailyEpoch.RunOnce(ctx); err != nil {
			return err
		}
		if err := w.module.RetrySweep.RunOnce(ctx); err != nil {
			return err
		}
		if err := w.module.Regeneration.RunOnce(ctx); err != nil {
			return err
		}
		if err := w.module.Reevaluate.RunOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (w *WorkerApp) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", w.metrics.Handler())
	server := &http.Server{
		Addr:              w.metricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// StartEpoch runs one epoch outside the control loop. A zero epochID with a zero date
// starts the previous day.
func (w *WorkerApp) StartEpoch(ctx context.Context, epochID int64, date time.Time) (commands.StartEpochResult, error) {
	if epochID == 0 && date.IsZero() {
		date = time.Now().UTC().AddDate(0, 0, -1)
	}
	result, err := w.module.Commands.StartEpochProcessing(ctx, commands.StartEpochCommand{
		EpochID: epochID,
		Date:    date,
	})
	if err != nil {
		return commands.StartEpochResult{}, err
	}
	w.logger.Info("epoch started from command line",
		"event", "bootstrap_epoch_started",
		"module", "internal/app/bootstrap",
		"layer", "platform",
		"epoch_id", result.Epoch.ID,
		"created", result.Created,
	)
	return result, nil
}

func (w *WorkerApp) RetrySweep(ctx context.Context) (bool, error) {
	return w.module.Commands.RetrySweep(ctx, w.retryMax)
}

// Regenerate queues a regeneration and runs the queue head immediately.
func (w *WorkerApp) Regenerate(ctx context.Context, epochID int64, regenerateType string) (entities.Epoch, bool, error) {
	if _, err := w.module.Commands.RequestRegeneration(ctx, commands.RegenerateCommand{
		EpochID: epochID,
		Type:    regenerateType,
	}); err != nil {
		return entities.Epoch{}, false, err
	}
	return w.module.Commands.RegenerateNext(ctx)
}

func (w *WorkerApp) Reconcile(ctx context.Context) (int, error) {
	return w.module.Commands.ReconcileActiveEpochs(ctx)
}

func (w *WorkerApp) Close() error {
	var errs []error
	if w.kafka != nil {
		errs = append(errs, w.kafka.Close())
	}
	if w.postgres != nil {
		errs = append(errs, w.postgres.Close())
	}
	return errors.Join(errs...)
}

func normalizeAddr(port string) string {
	value := strings.TrimSpace(port)
	if value == "" {
		return ":8080"
	}
	if strings.HasPrefix(value, ":") {
		return value
	}
	return ":" + value
}
