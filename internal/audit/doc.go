// Package audit периодически проверяет журнал кредитов.
//
// Каждый тик аудитора:
//   - переводит в failed задачи, зависшие в pending/processing дольше
//     StaleTaskTTL, и возвращает кредиты за одиночные генерации
//     (задачи pipeline run рассчитывает orchestrator при финализации);
//   - сверяет баланс каждого счёта с суммой его транзакций и
//     увеличивает mangaflow_ledger_drift_total при расхождении.
//
// Структура:
//   - auditor.go — Auditor (Tick, Run)
//   - cron.go    — разбор cron-выражений
//
// Использование:
//
//	a := audit.New(audit.Config{
//	    Accounts:     accountRepo,
//	    Ledger:       ledger,
//	    Tasks:        taskRepo,
//	    Locker:       repo.NewAdvisoryLock(pool, audit.LockKey),
//	    StaleTaskTTL: 2 * time.Hour,
//	    Logger:       logger,
//	})
//	err := a.Run(ctx, "*/15 * * * *")
//
// Leader Election:
//
// При нескольких экземплярах тик выполняет только держатель
// pg_try_advisory_lock; остальные пропускают тик.
package audit
