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

// RunRepo — репозиторий pipeline runs.
//
// Стадии, артефакты и сбои хранятся в JSONB. Порядок стадий сохраняется
// как есть: это массив, а не объект.
type RunRepo struct {
	pool *pgxpool.Pool
}

// NewRunRepo создаёт новый RunRepo.
func NewRunRepo(pool *pgxpool.Pool) *RunRepo {
	return &RunRepo{pool: pool}
}

const runColumns = `
	id, account_id, name, status, stages, current_stage_index, config, input_text,
	estimated_credits, actual_credits, task_id, artifacts, failures, error,
	cancel_requested, created_at, started_at, finished_at`

// Create создаёт новый run.
func (r *RunRepo) Create(ctx context.Context, run *domain.PipelineRun) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO pipeline_runs (` + runColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
	`
	_, err = r.pool.Exec(ctx, query,
		run.ID,
		run.AccountID,
		run.Name,
		run.Status,
		enc.stages,
		run.CurrentStageIndex,
		enc.config,
		run.InputText,
		run.EstimatedCredits,
		run.ActualCredits,
		run.TaskID,
		enc.artifacts,
		enc.failures,
		nullString(run.Error),
		run.CancelRequested,
		run.CreatedAt,
		run.StartedAt,
		run.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert run: %w", err)
	}
	return nil
}

// GetByID возвращает run по ID.
func (r *RunRepo) GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error) {
	query := `SELECT ` + runColumns + ` FROM pipeline_runs WHERE id = $1`
	return scanRun(r.pool.QueryRow(ctx, query, id))
}

// List возвращает runs счёта с фильтрацией.
func (r *RunRepo) List(ctx context.Context, filter RunFilter) ([]domain.PipelineRun, error) {
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE ($1::uuid IS NULL OR account_id = $1)
		  AND ($2::text IS NULL OR status = $2)
		ORDER BY created_at DESC
		LIMIT $3 OFFSET $4
	`
	rows, err := r.pool.Query(ctx, query,
		nullUUID(filter.AccountID),
		nullString(string(filter.Status)),
		filter.Limit,
		filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// Update сохраняет состояние run.
//
// cancel_requested здесь не пишется: флаг выставляет только RequestCancel,
// и оркестратор не должен затирать его своим снимком.
func (r *RunRepo) Update(ctx context.Context, run *domain.PipelineRun) error {
	enc, err := encodeRun(run)
	if err != nil {
		return err
	}

	query := `
		UPDATE pipeline_runs
		SET status = $2, stages = $3, current_stage_index = $4, actual_credits = $5,
		    artifacts = $6, failures = $7, error = $8, started_at = $9, finished_at = $10,
		    config = $11
		WHERE id = $1
	`
	result, err := r.pool.Exec(ctx, query,
		run.ID,
		run.Status,
		enc.stages,
		run.CurrentStageIndex,
		run.ActualCredits,
		enc.artifacts,
		enc.failures,
		nullString(run.Error),
		run.StartedAt,
		run.FinishedAt,
		enc.config,
	)
	if err != nil {
		return fmt.Errorf("update run: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ListResumable возвращает runs в pending/processing без действующей
// аренды: после рестарта или падения оркестратора их нужно продолжить.
// Runs, которые сейчас исполняются, в выборку не попадают.
func (r *RunRepo) ListResumable(ctx context.Context, limit int) ([]domain.PipelineRun, error) {
	query := `
		SELECT ` + runColumns + `
		FROM pipeline_runs
		WHERE status IN ('pending', 'processing')
		  AND (lease_until IS NULL OR lease_until < now())
		ORDER BY created_at ASC
		LIMIT $1
	`
	rows, err := r.pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("list resumable runs: %w", err)
	}
	defer rows.Close()

	return collectRuns(rows)
}

// Claim берёт аренду run для owner на ttl и возвращает состояние run
// на момент захвата. Аренду можно взять, если она свободна, истекла
// или уже принадлежит owner. Иначе — ErrLeaseHeld.
func (r *RunRepo) Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*domain.PipelineRun, error) {
	query := `
		UPDATE pipeline_runs
		SET lease_owner = $2, lease_until = now() + make_interval(secs => $3)
		WHERE id = $1
		  AND (lease_owner IS NULL OR lease_owner = $2 OR lease_until < now())
		RETURNING ` + runColumns
	run, err := scanRun(r.pool.QueryRow(ctx, query, id, owner, ttl.Seconds()))
	if errors.Is(err, ErrNotFound) {
		if _, getErr := r.GetByID(ctx, id); getErr != nil {
			return nil, getErr
		}
		return nil, ErrLeaseHeld
	}
	if err != nil {
		return nil, fmt.Errorf("claim run: %w", err)
	}
	return run, nil
}

// RenewLease продлевает аренду owner. Если аренду перехватили — ErrLeaseHeld.
func (r *RunRepo) RenewLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET lease_until = now() + make_interval(secs => $3)
		WHERE id = $1 AND lease_owner = $2
	`, id, owner, ttl.Seconds())
	if err != nil {
		return fmt.Errorf("renew lease: %w", err)
	}
	if result.RowsAffected() == 0 {
		return ErrLeaseHeld
	}
	return nil
}

// ReleaseLease снимает аренду owner. Чужую аренду не трогает.
func (r *RunRepo) ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET lease_owner = NULL, lease_until = NULL
		WHERE id = $1 AND lease_owner = $2
	`, id, owner)
	if err != nil {
		return fmt.Errorf("release lease: %w", err)
	}
	return nil
}

// RequestCancel выставляет cancel_requested для незавершённого run.
// Для завершённого run возвращает ErrInvalidState.
func (r *RunRepo) RequestCancel(ctx context.Context, id uuid.UUID) error {
	result, err := r.pool.Exec(ctx, `
		UPDATE pipeline_runs
		SET cancel_requested = true
		WHERE id = $1 AND status NOT IN ('completed', 'failed', 'cancelled')
	`, id)
	if err != nil {
		return fmt.Errorf("request cancel: %w", err)
	}
	if result.RowsAffected() == 0 {
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
		return ErrInvalidState
	}
	return nil
}

// IsCancelRequested читает флаг отмены.
func (r *RunRepo) IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error) {
	var requested bool
	err := r.pool.QueryRow(ctx, `SELECT cancel_requested FROM pipeline_runs WHERE id = $1`, id).Scan(&requested)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("get cancel flag: %w", err)
	}
	return requested, nil
}

// --- Helpers ---

// RunFilter — параметры фильтрации runs.
type RunFilter struct {
	AccountID *uuid.UUID
	Status    domain.RunStatus
	Limit     int
	Offset    int
}

type encodedRun struct {
	stages    []byte
	config    []byte
	artifacts []byte
	failures  []byte
}

func encodeRun(run *domain.PipelineRun) (encodedRun, error) {
	var enc encodedRun
	var err error

	stages := run.Stages
	if stages == nil {
		stages = []domain.Stage{}
	}
	if enc.stages, err = json.Marshal(stages); err != nil {
		return enc, fmt.Errorf("marshal stages: %w", err)
	}
	if enc.config, err = json.Marshal(run.Config); err != nil {
		return enc, fmt.Errorf("marshal config: %w", err)
	}
	if enc.artifacts, err = json.Marshal(run.Artifacts); err != nil {
		return enc, fmt.Errorf("marshal artifacts: %w", err)
	}
	if len(run.Failures) > 0 {
		if enc.failures, err = json.Marshal(run.Failures); err != nil {
			return enc, fmt.Errorf("marshal failures: %w", err)
		}
	}
	return enc, nil
}

// scanRun сканирует одну строку в PipelineRun.
func scanRun(row pgx.Row) (*domain.PipelineRun, error) {
	var run domain.PipelineRun
	var stagesJSON, configJSON, artifactsJSON, failuresJSON []byte
	var runError *string

	err := row.Scan(
		&run.ID,
		&run.AccountID,
		&run.Name,
		&run.Status,
		&stagesJSON,
		&run.CurrentStageIndex,
		&configJSON,
		&run.InputText,
		&run.EstimatedCredits,
		&run.ActualCredits,
		&run.TaskID,
		&artifactsJSON,
		&failuresJSON,
		&runError,
		&run.CancelRequested,
		&run.CreatedAt,
		&run.StartedAt,
		&run.FinishedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan run: %w", err)
	}

	if err := json.Unmarshal(stagesJSON, &run.Stages); err != nil {
		return nil, fmt.Errorf("unmarshal stages: %w", err)
	}
	if configJSON != nil {
		if err := json.Unmarshal(configJSON, &run.Config); err != nil {
			return nil, fmt.Errorf("unmarshal config: %w", err)
		}
	}
	if artifactsJSON != nil {
		if err := json.Unmarshal(artifactsJSON, &run.Artifacts); err != nil {
			return nil, fmt.Errorf("unmarshal artifacts: %w", err)
		}
	}
	if failuresJSON != nil {
		if err := json.Unmarshal(failuresJSON, &run.Failures); err != nil {
			return nil, fmt.Errorf("unmarshal failures: %w", err)
		}
	}
	if runError != nil {
		run.Error = *runError
	}

	return &run, nil
}

func collectRuns(rows pgx.Rows) ([]domain.PipelineRun, error) {
	var runs []domain.PipelineRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, *run)
	}
	return runs, rows.Err()
}

// nullString возвращает nil для пустой строки (для NULL в БД).
func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// nullUUID возвращает nil для пустого UUID.
func nullUUID(id *uuid.UUID) *uuid.UUID {
	if id == nil || *id == uuid.Nil {
		return nil
	}
	return id
}
