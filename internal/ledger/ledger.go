// Package ledger управляет балансом кредитов.
//
// Баланс меняется только условной записью: новое значение пишется, если
// баланс не изменился с момента чтения (optimistic concurrency). Глобальных
// блокировок и кэша баланса в памяти процесса нет — конкурентные списания
// с одного счёта сериализуются только в точке конфликта.
//
// Каждое изменение баланса сопровождается записью в append-only журнал,
// поэтому сумма транзакций счёта всегда равна балансу.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/repo"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// Store — хранилище счетов и журнала.
type Store interface {
	// GetAccount возвращает счёт или repo.ErrNotFound.
	GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error)

	// DebitIfUnchanged атомарно устанавливает баланс expected+tx.Amount при
	// условии, что текущий баланс равен expected, и добавляет tx в журнал.
	// Если баланс изменился — repo.ErrConflict, ничего не записано.
	DebitIfUnchanged(ctx context.Context, expected int64, tx *domain.CreditTransaction) error

	// ApplyRefund атомарно добавляет refund в журнал и увеличивает баланс.
	// Не больше одного refund на RelatedTaskID: повторный вызов возвращает false.
	ApplyRefund(ctx context.Context, tx *domain.CreditTransaction) (bool, error)

	// ListTransactions возвращает последние транзакции счёта (новые первыми).
	ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error)

	// BalanceAndSum читает баланс и сумму всех транзакций счёта одним
	// снимком. Если счёта нет — repo.ErrNotFound.
	BalanceAndSum(ctx context.Context, accountID uuid.UUID) (balance, sum int64, err error)
}

// Default configuration values.
const (
	defaultConflictAttempts = 3
	defaultConflictDelay    = 50 * time.Millisecond
)

// Ledger — операции с кредитами.
type Ledger struct {
	store  Store
	retry  retry.Policy
	logger *slog.Logger
}

// Config — конфигурация Ledger.
type Config struct {
	Store Store

	// ConflictRetry — политика повтора резервирования при конфликте
	// (ReserveWithRetry и ChargeThen).
	ConflictRetry retry.Policy

	Logger *slog.Logger
}

// New создаёт Ledger.
func New(cfg Config) *Ledger {
	policy := cfg.ConflictRetry
	if policy.MaxAttempts <= 0 {
		policy.MaxAttempts = defaultConflictAttempts
	}
	if policy.InitialDelay <= 0 {
		policy.InitialDelay = defaultConflictDelay
		policy.Backoff = retry.BackoffExponential
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Ledger{
		store:  cfg.Store,
		retry:  policy,
		logger: logger,
	}
}

// ReserveAndConsume списывает amount со счёта и пишет транзакцию consume.
//
// Порядок: читаем баланс, проверяем достаточность, пишем новый баланс
// условно на прочитанное значение. При конфликте возвращает
// ErrConcurrencyConflict — без побочных эффектов.
func (l *Ledger) ReserveAndConsume(ctx context.Context, accountID uuid.UUID, amount int64, description string, relatedTaskID *uuid.UUID) (int64, error) {
	if amount <= 0 {
		return 0, ErrInvalidAmount
	}

	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return 0, fmt.Errorf("get account: %w", err)
	}

	if account.CreditBalance < amount {
		telemetry.LedgerOperations.WithLabelValues("consume", "insufficient").Inc()
		return 0, &InsufficientCreditsError{Current: account.CreditBalance, Requested: amount}
	}

	tx := &domain.CreditTransaction{
		ID:            uuid.New(),
		AccountID:     accountID,
		Amount:        -amount,
		Kind:          domain.TransactionConsume,
		Description:   description,
		RelatedTaskID: relatedTaskID,
		CreatedAt:     time.Now(),
	}

	if err := l.store.DebitIfUnchanged(ctx, account.CreditBalance, tx); err != nil {
		if errors.Is(err, repo.ErrConflict) {
			telemetry.LedgerOperations.WithLabelValues("consume", "conflict").Inc()
			return 0, ErrConcurrencyConflict
		}
		return 0, fmt.Errorf("debit account: %w", err)
	}

	telemetry.LedgerOperations.WithLabelValues("consume", "ok").Inc()
	remaining := account.CreditBalance - amount

	l.logger.Debug("credits consumed",
		"account_id", accountID,
		"amount", amount,
		"remaining", remaining,
	)

	return remaining, nil
}

// ReserveWithRetry повторяет ReserveAndConsume целиком (с новым чтением
// баланса) при ErrConcurrencyConflict.
func (l *Ledger) ReserveWithRetry(ctx context.Context, accountID uuid.UUID, amount int64, description string, relatedTaskID *uuid.UUID) (int64, error) {
	var remaining int64

	err := retry.Do(ctx, l.retry, IsRetryable, func(ctx context.Context, attempt int) error {
		var err error
		remaining, err = l.ReserveAndConsume(ctx, accountID, amount, description, relatedTaskID)
		if err != nil && IsRetryable(err) {
			l.logger.Debug("reservation conflict, retrying",
				"account_id", accountID,
				"attempt", attempt,
			)
		}
		return err
	})

	return remaining, err
}

// Refund возвращает amount на счёт. Идемпотентен по relatedTaskID:
// повторные вызовы для той же задачи не начисляют кредиты повторно
// и возвращают applied=false.
func (l *Ledger) Refund(ctx context.Context, accountID uuid.UUID, amount int64, relatedTaskID uuid.UUID, description string) (bool, error) {
	if amount <= 0 {
		return false, ErrInvalidAmount
	}

	taskID := relatedTaskID
	tx := &domain.CreditTransaction{
		ID:            uuid.New(),
		AccountID:     accountID,
		Amount:        amount,
		Kind:          domain.TransactionRefund,
		Description:   description,
		RelatedTaskID: &taskID,
		CreatedAt:     time.Now(),
	}

	applied, err := l.store.ApplyRefund(ctx, tx)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		telemetry.LedgerOperations.WithLabelValues("refund", "error").Inc()
		return false, fmt.Errorf("apply refund: %w", err)
	}

	if !applied {
		telemetry.LedgerOperations.WithLabelValues("refund", "duplicate").Inc()
		l.logger.Debug("refund already applied", "account_id", accountID, "task_id", relatedTaskID)
		return false, nil
	}

	telemetry.LedgerOperations.WithLabelValues("refund", "ok").Inc()
	l.logger.Info("credits refunded",
		"account_id", accountID,
		"task_id", relatedTaskID,
		"amount", amount,
	)

	return true, nil
}

// Balance возвращает текущий баланс.
func (l *Ledger) Balance(ctx context.Context, accountID uuid.UUID) (int64, error) {
	account, err := l.store.GetAccount(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return 0, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return 0, err
	}
	return account.CreditBalance, nil
}

// History возвращает последние транзакции счёта.
func (l *Ledger) History(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	if limit <= 0 {
		limit = 50
	}
	return l.store.ListTransactions(ctx, accountID, limit)
}

// Reconciliation — результат сверки баланса с журналом.
type Reconciliation struct {
	AccountID uuid.UUID
	Balance   int64
	Sum       int64
}

// Consistent возвращает true, если баланс равен сумме транзакций.
func (r Reconciliation) Consistent() bool {
	return r.Balance == r.Sum
}

// Reconcile сверяет баланс с суммой транзакций. Оба значения читаются
// одним снимком: списание между двумя чтениями выглядело бы расхождением.
func (l *Ledger) Reconcile(ctx context.Context, accountID uuid.UUID) (Reconciliation, error) {
	balance, sum, err := l.store.BalanceAndSum(ctx, accountID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return Reconciliation{}, fmt.Errorf("%w: %s", ErrAccountNotFound, accountID)
		}
		return Reconciliation{}, fmt.Errorf("read balance and sum: %w", err)
	}

	return Reconciliation{AccountID: accountID, Balance: balance, Sum: sum}, nil
}
