// Mangaflow Auditor — периодическая сверка журнала кредитов.
//
// Auditor:
//   - Сверяет баланс каждого счёта с суммой транзакций
//   - Закрывает зависшие генерации и возвращает за них кредиты
//   - Работает только на лидере (pg_try_advisory_lock)
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shaiso/Mangaflow/internal/audit"
	"github.com/shaiso/Mangaflow/internal/config"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/repo"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

func main() {
	logger := telemetry.SetupLogger("mangaflow-auditor")
	logger.Info("starting mangaflow-auditor")

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

	accountRepo := repo.NewAccountRepo(pool)

	credits := ledger.New(ledger.Config{
		Store:         accountRepo,
		ConflictRetry: cfg.Ledger.ConflictRetry,
		Logger:        logger,
	})

	auditor := audit.New(audit.Config{
		Accounts:     accountRepo,
		Ledger:       credits,
		Tasks:        repo.NewTaskRepo(pool),
		StaleTaskTTL: cfg.Audit.StaleTaskTTL,
		Locker:       repo.NewAdvisoryLock(pool, audit.LockKey),
		Logger:       logger,
	})

	// HTTP mux: /healthz + /metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              cfg.Ports.Auditor,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("listening", "addr", cfg.Ports.Auditor)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server error", "error", err)
			cancel()
		}
	}()

	if err := auditor.Run(ctx, cfg.Audit.Schedule); err != nil {
		logger.Error("auditor failed", "error", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	logger.Info("mangaflow-auditor stopped")
}
