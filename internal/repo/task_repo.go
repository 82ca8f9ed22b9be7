package repo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shaiso/Mangaflow/internal/domain"
)

// TaskRepo — репозиторий generation tasks.
type TaskRepo struct {
	pool *pgxpool.Pool
}

// NewTaskRepo создаёт новый TaskRepo.
func NewTaskRepo(pool *pgxpool.Pool) *TaskRepo {
	return &TaskRepo{pool: pool}
}

const taskColumns = `
	id, account_id, run_id, type, model, provider_task_id, status, result_ref,
	error_message, credits_cost, params, created_at, updated_at`

// Create создаёт task.
func (r *TaskRepo) Create(ctx context.Context, task *domain.GenerationTask) error {
	paramsJSON, err := marshalParams(task.Params)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO generation_tasks (` + taskColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`
	_, err = r.pool.Exec(ctx, query,
		task.ID,
		task.AccountID,
		task.RunID,
		task.Type,
		nullString(task.Model),
		nullString(task.ProviderTaskID),
		task.Status,
		nullString(task.ResultRef),
		nullString(task.ErrorMessage),
		task.CreditsCost,
		paramsJSON,
		task.CreatedAt,
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// GetByID возвращает task по ID.
func (r *TaskRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error) {
	query := `SELECT ` + taskColumns + ` FROM generation_tasks WHERE id = $1`
	return scanTask(r.pool.QueryRow(ctx, query, id))
}

// ListByRunID возвращает все tasks run.
func (r *TaskRepo) ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.GenerationTask, error) {
	query := `
		SELECT ` + taskColumns + `
		FROM generation_tasks
		WHERE run_id = $1
		ORDER BY created_at ASC
	`
	rows, err := r.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("list tasks by run_id: %w", err)
	}
	defer rows.Close()

	return collectTasks(rows)
}

// Update обновляет изменяемые поля task. credits_cost не меняется.
func (r *TaskRepo) Update(ctx context.Context, task *domain.GenerationTask) error {
	query := `
		UPDATE generation_tasks
		SET provider_task_id = $2, status = $3, result_ref = $4, error_message = $5, updated_at = $6
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		task.ID,
		nullString(task.ProviderTaskID),
		task.Status,
		nullString(task.ResultRef),
		nullString(task.ErrorMessage),
		task.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// FailStale переводит в failed задачи, не менявшиеся дольше olderThan
// в статусах pending и processing, и возвращает их.
// Задачи type=pipeline не трогаются: их статус ведёт run.
func (r *TaskRepo) FailStale(ctx context.Context, olderThan time.Duration, reason string) ([]domain.GenerationTask, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE generation_tasks
		SET status = 'failed', error_message = $2, updated_at = now()
		WHERE status IN ('pending', 'processing')
		  AND type <> 'pipeline'
		  AND updated_at < now() - make_interval(secs => $1)
		RETURNING `+taskColumns, olderThan.Seconds(), reason)
	if err != nil {
		return nil, fmt.Errorf("fail stale tasks: %w", err)
	}
	defer rows.Close()
	return collectTasks(rows)
}

// --- Helpers ---

func marshalParams(params map[string]any) ([]byte, error) {
	if params == nil {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}
	return data, nil
}

func scanTask(row pgx.Row) (*domain.GenerationTask, error) {
	var task domain.GenerationTask
	var model, providerTaskID, resultRef, errorMessage *string
	var paramsJSON []byte

	err := row.Scan(
		&task.ID,
		&task.AccountID,
		&task.RunID,
		&task.Type,
		&model,
		&providerTaskID,
		&task.Status,
		&resultRef,
		&errorMessage,
		&task.CreditsCost,
		&paramsJSON,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan task: %w", err)
	}

	if paramsJSON != nil {
		if err := json.Unmarshal(paramsJSON, &task.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
	}
	task.Model = deref(model)
	task.ProviderTaskID = deref(providerTaskID)
	task.ResultRef = deref(resultRef)
	task.ErrorMessage = deref(errorMessage)

	return &task, nil
}

func collectTasks(rows pgx.Rows) ([]domain.GenerationTask, error) {
	var tasks []domain.GenerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, *task)
	}
	return tasks, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
