package audit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// LockKey — ключ advisory lock лидера аудита.
const LockKey int64 = 424243

// staleReason — error_message зависших задач.
const staleReason = "task timed out"

// Accounts перечисляет счета.
type Accounts interface {
	ListAccountIDs(ctx context.Context) ([]uuid.UUID, error)
}

// Ledger — сверка и возврат кредитов. Реализуется *ledger.Ledger.
type Ledger interface {
	Reconcile(ctx context.Context, accountID uuid.UUID) (ledger.Reconciliation, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount int64, relatedTaskID uuid.UUID, description string) (bool, error)
}

// TaskStore переводит зависшие задачи в failed.
type TaskStore interface {
	FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]domain.GenerationTask, error)
}

// Locker — выбор лидера. Реализуется *repo.AdvisoryLock.
type Locker interface {
	TryLock(ctx context.Context) (bool, error)
	Unlock(ctx context.Context) error
}

// Config — конфигурация Auditor.
type Config struct {
	Accounts Accounts
	Ledger   Ledger

	// Tasks — nil отключает поиск зависших задач.
	Tasks        TaskStore
	StaleTaskTTL time.Duration

	// Locker — nil, если экземпляр единственный.
	Locker Locker

	Logger *slog.Logger
}

// Auditor сверяет журнал кредитов и закрывает зависшие задачи.
type Auditor struct {
	accounts Accounts
	ledger   Ledger
	tasks    TaskStore
	staleTTL time.Duration
	locker   Locker
	logger   *slog.Logger
}

// New создаёт Auditor.
func New(cfg Config) *Auditor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Auditor{
		accounts: cfg.Accounts,
		ledger:   cfg.Ledger,
		tasks:    cfg.Tasks,
		staleTTL: cfg.StaleTaskTTL,
		locker:   cfg.Locker,
		logger:   logger,
	}
}

// Report — итог одного тика.
type Report struct {
	Accounts   int
	Drifted    []ledger.Reconciliation
	StaleTasks int
	Refunded   int
}

// Tick выполняет один проход аудита.
//
// Ошибка по одному счёту или задаче не прерывает проход; Tick возвращает
// ошибку, только если не удалось получить список счетов или задач.
func (a *Auditor) Tick(ctx context.Context) (Report, error) {
	var report Report

	if a.tasks != nil && a.staleTTL > 0 {
		stale, err := a.tasks.FailStale(ctx, a.staleTTL, staleReason)
		if err != nil {
			return report, fmt.Errorf("fail stale tasks: %w", err)
		}
		report.StaleTasks = len(stale)
		report.Refunded = a.refundStale(ctx, stale)
	}

	ids, err := a.accounts.ListAccountIDs(ctx)
	if err != nil {
		return report, fmt.Errorf("list accounts: %w", err)
	}
	report.Accounts = len(ids)

	for _, id := range ids {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}

		rec, err := a.ledger.Reconcile(ctx, id)
		if err != nil {
			a.logger.Error("failed to reconcile account", "account_id", id, "error", err)
			continue
		}
		if rec.Consistent() {
			continue
		}

		telemetry.LedgerDrift.Inc()
		report.Drifted = append(report.Drifted, rec)
		a.logger.Error("ledger drift detected",
			"account_id", id,
			"balance", rec.Balance,
			"transactions_sum", rec.Sum,
			"diff", rec.Balance-rec.Sum,
		)
	}

	a.logger.Info("audit tick completed",
		"accounts", report.Accounts,
		"drifted", len(report.Drifted),
		"stale_tasks", report.StaleTasks,
		"refunded", report.Refunded,
	)
	return report, nil
}

// refundStale возвращает кредиты за зависшие одиночные генерации.
// Возврат привязан к ID задачи, поэтому повтор не удваивает его.
func (a *Auditor) refundStale(ctx context.Context, stale []domain.GenerationTask) int {
	var refunded int
	for _, task := range stale {
		logger := a.logger.With("task_id", task.ID, "account_id", task.AccountID)

		if task.RunID != nil || task.CreditsCost <= 0 {
			logger.Warn("stale task failed", "type", task.Type)
			continue
		}

		ok, err := a.ledger.Refund(ctx, task.AccountID, task.CreditsCost, task.ID, "refund: "+staleReason)
		if err != nil {
			logger.Error("failed to refund stale task", "credits", task.CreditsCost, "error", err)
			continue
		}
		if ok {
			refunded++
			logger.Info("stale task refunded", "credits", task.CreditsCost)
		}
	}
	return refunded
}

// Run выполняет Tick по расписанию до отмены ctx.
// Тик пропускается, если предыдущий ещё идёт или экземпляр не лидер.
func (a *Auditor) Run(ctx context.Context, schedule string) error {
	sched, err := ParseSchedule(schedule)
	if err != nil {
		return err
	}

	c := cron.New(
		cron.WithParser(cronParser),
		cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)),
	)
	c.Schedule(sched, cron.FuncJob(func() { a.runOnce(ctx) }))

	a.logger.Info("auditor started", "schedule", schedule, "next", sched.Next(time.Now()).UTC())
	c.Start()

	<-ctx.Done()
	<-c.Stop().Done()

	if a.locker != nil {
		if err := a.locker.Unlock(context.Background()); err != nil {
			a.logger.Warn("failed to release audit lock", "error", err)
		}
	}

	a.logger.Info("auditor stopped")
	return nil
}

func (a *Auditor) runOnce(ctx context.Context) {
	if a.locker != nil {
		leader, err := a.locker.TryLock(ctx)
		if err != nil {
			a.logger.Warn("audit lock failed", "error", err)
			return
		}
		if !leader {
			a.logger.Debug("not the leader, skipping audit tick")
			return
		}
	}

	if _, err := a.Tick(ctx); err != nil {
		a.logger.Error("audit tick failed", "error", err)
	}
}
