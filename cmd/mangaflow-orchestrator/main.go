// Mangaflow Orchestrator — выполняет pipeline runs.
//
// Orchestrator:
//   - Получает runs из RabbitMQ (run.pending, run.resume, run.cancel)
//   - Подхватывает runs сканированием БД, если сообщение потеряно
//   - Делит runs с другими репликами через аренду в pipeline_runs
//   - Выполняет стадии script → storyboard → character_design →
//     scene_images → scene_videos с ограниченным fan-out
//   - Финализирует runs и возвращает неиспользованные кредиты
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaiso/Mangaflow/internal/assets"
	"github.com/shaiso/Mangaflow/internal/config"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/mq"
	"github.com/shaiso/Mangaflow/internal/orchestrator"
	"github.com/shaiso/Mangaflow/internal/poller"
	"github.com/shaiso/Mangaflow/internal/prompt"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/repo"
	"github.com/shaiso/Mangaflow/internal/steps"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("mangaflow-orchestrator")
	logger.Info("starting mangaflow-orchestrator")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	// graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// DB pool
	pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("database connected")

	// Создаём репозитории
	accountRepo := repo.NewAccountRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	taskRepo := repo.NewTaskRepo(pool)
	assetRepo := repo.NewAssetRepo(pool)

	// RabbitMQ
	var mqConn *mq.Connection
	if cfg.RabbitMQURL != "" {
		mqConn, err = mq.NewConnection(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, running in polling-only mode", "error", err)
			mqConn = nil
		} else {
			defer mqConn.Close()
			logger.Info("RabbitMQ connected")

			if err := mq.SetupTopology(ctx, mqConn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
		}
	}

	providers, err := provider.NewRegistryFromConfig(cfg.Providers, logger)
	if err != nil {
		logger.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}

	prompts, err := prompt.NewBuilder()
	if err != nil {
		logger.Error("failed to load prompt templates", "error", err)
		os.Exit(1)
	}

	recorder, err := assets.Open(ctx, cfg.Storage.MinIO, cfg.Storage.MirrorMedia, assetRepo, logger)
	if err != nil {
		logger.Error("failed to configure asset storage", "error", err)
		os.Exit(1)
	}

	pricing := estimate.New(cfg.Pricing)

	stages := steps.DefaultRegistry(steps.Deps{
		Providers:   providers,
		Poller:      poller.New(cfg.Poller, logger),
		Prompts:     prompts,
		Tasks:       taskRepo,
		Assets:      recorder,
		Pricing:     pricing,
		FanOut:      cfg.Orchestrator.FanOut,
		SubmitRetry: cfg.Orchestrator.SubmitRetry,
		PollRetry:   cfg.Orchestrator.PollRetry,
		Logger:      logger,
	})

	credits := ledger.New(ledger.Config{
		Store:         accountRepo,
		ConflictRetry: cfg.Ledger.ConflictRetry,
		Logger:        logger,
	})

	// Создаём orchestrator
	orch := orchestrator.New(orchestrator.Config{
		Runs:                runRepo,
		Tasks:               taskRepo,
		Stages:              stages,
		Ledger:              credits,
		Pricing:             pricing,
		Policies:            cfg.Orchestrator.Policies,
		Conn:                mqConn,
		PollInterval:        cfg.Orchestrator.PollInterval,
		BatchSize:           cfg.Orchestrator.BatchSize,
		CancelCheckInterval: cfg.Orchestrator.CancelCheckInterval,
		WorkerID:            cfg.Orchestrator.WorkerID,
		LeaseTTL:            cfg.Orchestrator.LeaseTTL,
		Logger:              logger,
	})

	// Запускаем orchestrator
	if err := orch.Start(ctx); err != nil {
		logger.Error("failed to start orchestrator", "error", err)
		os.Exit(1)
	}

	// HTTP mux: /healthz + /metrics + /runs
	mux := http.NewServeMux()
	orch.RegisterRoutes(mux)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Ports.Orchestrator,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Ports.Orchestrator)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()

	// Останавливаем orchestrator: активные runs сохраняют состояние
	// и будут подхвачены после рестарта.
	orch.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("mangaflow-orchestrator stopped")
}
