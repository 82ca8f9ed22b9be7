package repo

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Mangaflow/internal/domain"
)

// AccountRepo — репозиторий счетов и журнала кредитов.
type AccountRepo struct {
	pool *pgxpool.Pool
}

// NewAccountRepo создаёт новый AccountRepo.
func NewAccountRepo(pool *pgxpool.Pool) *AccountRepo {
	return &AccountRepo{pool: pool}
}

// Create создаёт счёт. Начальный баланс записывается в журнал,
// чтобы сумма транзакций совпадала с балансом.
func (r *AccountRepo) Create(ctx context.Context, account *domain.Account) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO accounts (id, credit_balance, updated_at)
		VALUES ($1, $2, $3)
	`, account.ID, account.CreditBalance, account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert account: %w", err)
	}

	if account.CreditBalance > 0 {
		_, err = tx.Exec(ctx, `
			INSERT INTO credit_transactions (id, account_id, amount, kind, description, created_at)
			VALUES ($1, $2, $3, 'grant', 'initial balance', $4)
		`, uuid.New(), account.ID, account.CreditBalance, account.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert initial transaction: %w", err)
		}
	}

	return tx.Commit(ctx)
}

// GetAccount возвращает счёт по ID.
func (r *AccountRepo) GetAccount(ctx context.Context, id uuid.UUID) (*domain.Account, error) {
	var a domain.Account
	err := r.pool.QueryRow(ctx, `
		SELECT id, credit_balance, updated_at
		FROM accounts
		WHERE id = $1
	`, id).Scan(&a.ID, &a.CreditBalance, &a.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get account: %w", err)
	}
	return &a, nil
}

// ListAccountIDs возвращает ID всех счетов (для сверки).
func (r *AccountRepo) ListAccountIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `SELECT id FROM accounts ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list accounts: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan account id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// DebitIfUnchanged применяет tx.Amount к балансу, только если баланс
// всё ещё равен expected. Обновление баланса и запись в журнал — одна
// транзакция Postgres.
func (r *AccountRepo) DebitIfUnchanged(ctx context.Context, expected int64, ct *domain.CreditTransaction) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		UPDATE accounts
		SET credit_balance = credit_balance + $3, updated_at = now()
		WHERE id = $1 AND credit_balance = $2
	`, ct.AccountID, expected, ct.Amount)
	if err != nil {
		return fmt.Errorf("update balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrConflict
	}

	if err := insertTransaction(ctx, tx, ct); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit debit: %w", err)
	}
	return nil
}

// ApplyRefund вставляет refund и увеличивает баланс.
// Если refund для этой задачи уже есть — возвращает false без изменений.
func (r *AccountRepo) ApplyRefund(ctx context.Context, ct *domain.CreditTransaction) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	result, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, kind, description, related_task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (related_task_id) WHERE kind = 'refund' DO NOTHING
	`, ct.ID, ct.AccountID, ct.Amount, ct.Kind, ct.Description, ct.RelatedTaskID, ct.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("insert refund: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, nil
	}

	result, err = tx.Exec(ctx, `
		UPDATE accounts
		SET credit_balance = credit_balance + $2, updated_at = now()
		WHERE id = $1
	`, ct.AccountID, ct.Amount)
	if err != nil {
		return false, fmt.Errorf("update balance: %w", err)
	}
	if result.RowsAffected() == 0 {
		return false, ErrNotFound
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("commit refund: %w", err)
	}
	return true, nil
}

// ListTransactions возвращает последние транзакции счёта.
func (r *AccountRepo) ListTransactions(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, account_id, amount, kind, description, related_task_id, created_at
		FROM credit_transactions
		WHERE account_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`, accountID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var txs []domain.CreditTransaction
	for rows.Next() {
		var ct domain.CreditTransaction
		if err := rows.Scan(
			&ct.ID,
			&ct.AccountID,
			&ct.Amount,
			&ct.Kind,
			&ct.Description,
			&ct.RelatedTaskID,
			&ct.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		txs = append(txs, ct)
	}
	return txs, rows.Err()
}

// BalanceAndSum читает баланс и сумму транзакций счёта одним запросом,
// то есть из одного снимка.
func (r *AccountRepo) BalanceAndSum(ctx context.Context, accountID uuid.UUID) (int64, int64, error) {
	var balance, sum int64
	err := r.pool.QueryRow(ctx, `
		SELECT a.credit_balance,
		       COALESCE((SELECT SUM(t.amount) FROM credit_transactions t WHERE t.account_id = a.id), 0)::bigint
		FROM accounts a
		WHERE a.id = $1
	`, accountID).Scan(&balance, &sum)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, 0, ErrNotFound
	}
	if err != nil {
		return 0, 0, fmt.Errorf("balance and sum: %w", err)
	}
	return balance, sum, nil
}

func insertTransaction(ctx context.Context, tx pgx.Tx, ct *domain.CreditTransaction) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO credit_transactions (id, account_id, amount, kind, description, related_task_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, ct.ID, ct.AccountID, ct.Amount, ct.Kind, ct.Description, ct.RelatedTaskID, ct.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}
