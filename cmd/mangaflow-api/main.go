// Mangaflow API — HTTP-интерфейс запуска и отслеживания генераций.
//
// API:
//   - Оценивает стоимость и списывает кредиты при запуске run
//   - Публикует run.pending / run.resume / run.cancel в RabbitMQ
//   - Выполняет одиночные генерации изображений
//   - Отдаёт runs, tasks, assets и журнал кредитов
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaiso/Mangaflow/internal/api"
	"github.com/shaiso/Mangaflow/internal/assets"
	"github.com/shaiso/Mangaflow/internal/config"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/launcher"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/mq"
	"github.com/shaiso/Mangaflow/internal/poller"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/repo"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

var startTime = time.Now()

func main() {
	// Инициализируем structured logging
	logger := telemetry.SetupLogger("mangaflow-api")
	logger.Info("starting mangaflow-api")

	cfg, err := config.Load()
	if err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Подключаемся к базе данных
	pool, err := repo.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	logger.Info("connected to database")

	// Создаём репозитории
	accountRepo := repo.NewAccountRepo(pool)
	runRepo := repo.NewRunRepo(pool)
	taskRepo := repo.NewTaskRepo(pool)
	assetRepo := repo.NewAssetRepo(pool)

	credits := ledger.New(ledger.Config{
		Store:         accountRepo,
		ConflictRetry: cfg.Ledger.ConflictRetry,
		Logger:        logger,
	})

	// RabbitMQ: без него runs подхватываются сканированием БД,
	// но resume недоступен.
	var (
		runPublisher launcher.Publisher
		runControl   api.Publisher
	)
	if cfg.RabbitMQURL != "" {
		conn, err := mq.NewConnection(cfg.RabbitMQURL, logger)
		if err != nil {
			logger.Warn("RabbitMQ not available, runs will be picked up by polling", "error", err)
		} else {
			defer conn.Close()
			if err := mq.SetupTopology(ctx, conn); err != nil {
				logger.Warn("failed to setup topology", "error", err)
			}
			publisher := mq.NewPublisher(conn, logger)
			runPublisher, runControl = publisher, publisher
			logger.Info("RabbitMQ connected")
		}
	}

	providers, err := provider.NewRegistryFromConfig(cfg.Providers, logger)
	if err != nil {
		logger.Error("failed to configure providers", "error", err)
		os.Exit(1)
	}

	recorder, err := assets.Open(ctx, cfg.Storage.MinIO, cfg.Storage.MirrorMedia, assetRepo, logger)
	if err != nil {
		logger.Error("failed to configure asset storage", "error", err)
		os.Exit(1)
	}

	l := launcher.New(launcher.Config{
		Runs:          runRepo,
		Tasks:         taskRepo,
		Ledger:        credits,
		Pricing:       estimate.New(cfg.Pricing),
		Publisher:     runPublisher,
		Providers:     providers,
		Poller:        poller.New(cfg.Poller, logger),
		Assets:        recorder,
		MaxTextLength: cfg.Launcher.MaxTextLength,
		SubmitRetry:   cfg.Orchestrator.SubmitRetry,
		Logger:        logger,
	})
	defer l.Close()

	// Создаём API handler
	handler := api.NewHandler(api.Config{
		Runs:      runRepo,
		Tasks:     taskRepo,
		Assets:    assetRepo,
		Ledger:    credits,
		Launcher:  l,
		Publisher: runControl,
		Logger:    logger,
	})

	mux := http.NewServeMux()

	// Health и metrics
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "ok %s", time.Since(startTime))
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Регистрируем API маршруты
	handler.RegisterRoutes(mux)

	server := &http.Server{
		Addr:              cfg.Ports.API,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Ports.API)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			cancel()
		}
	}()

	// Ожидаем сигнал завершения
	<-ctx.Done()
	logger.Info("shutting down")

	// Graceful shutdown с таймаутом 10 секунд
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("stopped")
}
