package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/steps"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// Default configuration values.
const (
	defaultCancelCheckInterval = 5 * time.Second
	defaultSettleAttempts      = 5
	defaultSettleDelay         = 500 * time.Millisecond
)

// Policy — что делать с run, если стадия упала целиком.
type Policy string

const (
	// PolicyStopOnFailure — run падает, оставшиеся стадии пропускаются.
	PolicyStopOnFailure Policy = "stop_on_failure"

	// PolicyTolerate — run продолжается, сбой попадает в Failures.
	PolicyTolerate Policy = "tolerate"
)

// IsValid проверяет, что строка — известная политика.
func (p Policy) IsValid() bool {
	return p == PolicyStopOnFailure || p == PolicyTolerate
}

// DefaultPolicies возвращает политики стадий по умолчанию.
// Без сценария, раскадровки или кадров следующим стадиям не из чего
// работать; портреты и видео можно потерять частично.
func DefaultPolicies() map[string]Policy {
	return map[string]Policy{
		steps.StageScript:          PolicyStopOnFailure,
		steps.StageStoryboard:      PolicyStopOnFailure,
		steps.StageCharacterDesign: PolicyTolerate,
		steps.StageSceneImages:     PolicyStopOnFailure,
		steps.StageSceneVideos:     PolicyTolerate,
	}
}

// RunStore — хранилище runs.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error)

	// Update сохраняет run целиком, кроме флага отмены.
	Update(ctx context.Context, run *domain.PipelineRun) error

	ListResumable(ctx context.Context, limit int) ([]domain.PipelineRun, error)
	IsCancelRequested(ctx context.Context, id uuid.UUID) (bool, error)
}

// TaskStore — хранилище tracking tasks.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)
	Update(ctx context.Context, task *domain.GenerationTask) error
}

// Refunder возвращает кредиты, идемпотентно по relatedTaskID.
type Refunder interface {
	Refund(ctx context.Context, accountID uuid.UUID, amount int64, relatedTaskID uuid.UUID, description string) (bool, error)
}

// RunnerConfig — зависимости Runner.
type RunnerConfig struct {
	Runs   RunStore
	Tasks  TaskStore // необязателен
	Stages *steps.Registry
	Ledger Refunder

	Pricing  *estimate.Estimator
	Policies map[string]Policy

	// CancelCheckInterval — как часто перечитывать флаг отмены,
	// пока стадия ждёт провайдеров.
	CancelCheckInterval time.Duration

	// SettleRetry — повтор возврата остатка кредитов.
	SettleRetry retry.Policy

	Logger *slog.Logger
}

// Runner выполняет один run от первой незавершённой стадии до конца
// или до остановки.
type Runner struct {
	runs     RunStore
	tasks    TaskStore
	stages   *steps.Registry
	ledger   Refunder
	pricing  *estimate.Estimator
	policies map[string]Policy

	cancelCheck time.Duration
	settleRetry retry.Policy
	logger      *slog.Logger
}

// NewRunner создаёт Runner.
func NewRunner(cfg RunnerConfig) *Runner {
	policies := DefaultPolicies()
	for id, p := range cfg.Policies {
		policies[id] = p
	}

	cancelCheck := cfg.CancelCheckInterval
	if cancelCheck <= 0 {
		cancelCheck = defaultCancelCheckInterval
	}

	settle := cfg.SettleRetry
	if settle.MaxAttempts <= 0 {
		settle.MaxAttempts = defaultSettleAttempts
	}
	if settle.InitialDelay <= 0 {
		settle.InitialDelay = defaultSettleDelay
		settle.Backoff = retry.BackoffExponential
	}

	pricing := cfg.Pricing
	if pricing == nil {
		pricing = estimate.New(estimate.DefaultConfig())
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Runner{
		runs:        cfg.Runs,
		tasks:       cfg.Tasks,
		stages:      cfg.Stages,
		ledger:      cfg.Ledger,
		pricing:     pricing,
		policies:    policies,
		cancelCheck: cancelCheck,
		settleRetry: settle,
		logger:      logger,
	}
}

// Policy возвращает политику стадии. Неизвестная стадия — stop_on_failure.
func (r *Runner) Policy(stageID string) Policy {
	if p, ok := r.policies[stageID]; ok {
		return p
	}
	return PolicyStopOnFailure
}

// Execute выполняет run.
//
// Возвращает nil, когда run дошёл до итогового статуса или остановился
// как partial. Если ctx отменён не по запросу пользователя (остановка
// процесса), run остаётся processing и возвращается ctx.Err().
func (r *Runner) Execute(ctx context.Context, state *RunState) error {
	logger := telemetry.WithRunID(r.logger, state.RunID().String())

	if state.run.IsFinished() {
		logger.Debug("run already finished", "status", state.run.Status)
		return nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	state.bind(cancel)

	stopWatch := r.watchCancel(runCtx, state)
	defer stopWatch()

	if err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		run.MarkProcessing()
	}); err != nil {
		return err
	}

	logger.Info("run started", "from_stage", state.run.FirstIncompleteStage())

	for {
		idx := state.run.FirstIncompleteStage()
		if idx >= len(state.run.Stages) {
			break
		}

		if r.cancelRequested(ctx, state) {
			return r.finishCancelled(ctx, state, idx, nil)
		}

		halt, err := r.executeStage(runCtx, ctx, state, idx, logger)
		if err != nil || halt {
			return err
		}
	}

	return r.finishRun(ctx, state, logger)
}

// executeStage выполняет стадию idx и применяет её итог.
// halt=true — run остановлен (итоговый статус или partial).
func (r *Runner) executeStage(runCtx, ctx context.Context, state *RunState, idx int, logger *slog.Logger) (halt bool, err error) {
	stageID := state.run.Stages[idx].ID
	logger = telemetry.WithStageID(logger, stageID)

	stage, err := r.stages.Get(stageID)
	if err != nil {
		return true, r.finishFailed(ctx, state, idx, err.Error())
	}

	var req *steps.Request
	err = r.mutate(ctx, state, func(run *domain.PipelineRun) {
		st := &run.Stages[idx]
		if st.Status != domain.StageStatusProcessing {
			_ = st.Transition(domain.StageStatusProcessing)
		}
		st.Error = ""
		run.CurrentStageIndex = idx

		req = &steps.Request{
			RunID:     run.ID,
			AccountID: run.AccountID,
			Config:    run.Config,
			InputText: run.InputText,
			Artifacts: run.Artifacts.Clone(),
			SubJobs:   slices.Clone(st.SubJobs),
			Report: func(job domain.SubJob, produced domain.Artifacts) {
				r.report(ctx, state, idx, job, produced, logger)
			},
			CancelRequested: func(c context.Context) bool {
				return r.cancelRequested(c, state)
			},
		}
	})
	if err != nil {
		return true, err
	}

	logger.Info("stage started", "sub_jobs_known", len(req.SubJobs))
	start := time.Now()

	res, execErr := stage.Execute(runCtx, req)

	interrupted := errors.Is(execErr, steps.ErrStageCancelled) || (execErr != nil && runCtx.Err() != nil)
	switch {
	case interrupted && r.cancelRequested(ctx, state):
		r.observeStage(stageID, "cancelled", start)
		return true, r.finishCancelled(ctx, state, idx, res)

	case interrupted:
		// Остановка процесса: sub-jobs уже сохранены, стадия остаётся
		// processing и будет продолжена после рестарта.
		r.observeStage(stageID, "interrupted", start)
		if res != nil {
			if err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
				applySubJobs(run, idx, res)
			}); err != nil {
				return true, err
			}
		}
		logger.Info("stage interrupted, run left for resume")
		return true, context.Cause(runCtx)

	case errors.Is(execErr, provider.ErrNotConfigured):
		r.observeStage(stageID, string(domain.StageStatusDeferred), start)
		logger.Warn("stage deferred", "error", execErr)
		return true, r.finishDeferred(ctx, state, idx, execErr)

	case execErr != nil:
		res = &steps.Result{Status: domain.StageStatusFailed, Error: execErr.Error()}

	case res == nil:
		res = &steps.Result{Status: domain.StageStatusFailed, Error: "stage returned no result"}
	}

	if !validOutcome(res.Status) {
		if res.Error == "" {
			res.Error = fmt.Sprintf("stage returned status %q", res.Status)
		}
		res.Status = domain.StageStatusFailed
	}

	r.observeStage(stageID, string(res.Status), start)
	succeeded, total := res.Counts()
	logger.Info("stage finished",
		"status", res.Status,
		"succeeded", succeeded,
		"total", total,
		"duration", time.Since(start),
	)

	if res.Status == domain.StageStatusFailed && r.Policy(stageID) == PolicyStopOnFailure {
		if err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
			applySubJobs(run, idx, res)
		}); err != nil {
			return true, err
		}
		return true, r.finishFailed(ctx, state, idx, res.Error)
	}

	err = r.mutate(ctx, state, func(run *domain.PipelineRun) {
		applySubJobs(run, idx, res)
		st := &run.Stages[idx]
		_ = st.Transition(res.Status)
		st.Error = res.Error

		if res.Status == domain.StageStatusFailed || res.Status == domain.StageStatusCompletedWithFailures {
			run.Failures = append(run.Failures, domain.FailureRecord{
				StageID: stageID,
				Failed:  total - succeeded,
				Total:   total,
				Error:   res.Error,
			})
		}
	})
	if err != nil {
		return true, err
	}

	if res.Status == domain.StageStatusDeferred {
		return true, r.finishDeferred(ctx, state, idx, errors.New(res.Error))
	}
	return false, nil
}

// report сохраняет переход sub-job. Вызывается конкурентно.
func (r *Runner) report(ctx context.Context, state *RunState, idx int, job domain.SubJob, produced domain.Artifacts, logger *slog.Logger) {
	err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		run.Stages[idx].UpsertSubJob(job)
		run.Artifacts.Merge(produced)
	})
	if err != nil {
		// Итог стадии будет сохранён ещё раз; если БД недоступна и тогда,
		// ошибка всплывёт из Execute.
		logger.Error("failed to persist sub-job", "key", job.Key, "status", job.Status, "error", err)
	}
}

// finishRun выставляет итоговый статус после последней стадии.
func (r *Runner) finishRun(ctx context.Context, state *RunState, logger *slog.Logger) error {
	err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		var withFailures []string
		for _, st := range run.Stages {
			if st.Status == domain.StageStatusCompletedWithFailures {
				withFailures = append(withFailures, st.ID)
			}
		}
		if len(withFailures) > 0 {
			run.MarkPartial("stages completed with failures: " + strings.Join(withFailures, ", "))
			return
		}
		if err := run.MarkCompleted(); err != nil {
			run.MarkFailed("", err.Error())
		}
	})
	if err != nil {
		return err
	}

	logger.Info("run finished", "status", state.run.Status, "failures", len(state.run.Failures))
	return r.settle(ctx, state)
}

// finishFailed завершает run как failed из-за стадии idx.
func (r *Runner) finishFailed(ctx context.Context, state *RunState, idx int, errMsg string) error {
	err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		st := &run.Stages[idx]
		if st.Status != domain.StageStatusFailed {
			if !st.Status.CanTransition(domain.StageStatusFailed) {
				_ = st.Transition(domain.StageStatusProcessing)
			}
			_ = st.Transition(domain.StageStatusFailed)
		}
		st.Error = errMsg
		skipRemaining(run, idx+1)
		run.MarkFailed(st.ID, errMsg)
	})
	if err != nil {
		return err
	}

	r.logger.Warn("run failed", "run_id", state.RunID(), "stage_id", state.run.Stages[idx].ID, "error", errMsg)
	return r.settle(ctx, state)
}

// finishDeferred останавливает run как partial на стадии idx.
// Кредиты не возвращаются: run ещё может быть продолжен.
func (r *Runner) finishDeferred(ctx context.Context, state *RunState, idx int, cause error) error {
	err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		st := &run.Stages[idx]
		if st.Status != domain.StageStatusDeferred {
			_ = st.Transition(domain.StageStatusDeferred)
		}
		st.Error = cause.Error()
		run.MarkPartial(fmt.Sprintf("stage %s deferred: %v", st.ID, cause))
	})
	if err != nil {
		return err
	}
	telemetry.RunsTotal.WithLabelValues(string(domain.RunStatusPartial)).Inc()
	return nil
}

// finishCancelled завершает run как cancelled. idx — стадия, на которой
// застала отмена; res — её частичный итог, если стадия успела стартовать.
func (r *Runner) finishCancelled(ctx context.Context, state *RunState, idx int, res *steps.Result) error {
	err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		st := &run.Stages[idx]
		if res != nil {
			applySubJobs(run, idx, res)
		}
		if st.Status == domain.StageStatusProcessing {
			_ = st.Transition(domain.StageStatusFailed)
			st.Error = ErrRunCancelled.Error()
		}
		skipRemaining(run, idx)
		run.MarkCancelled()
	})
	if err != nil {
		return err
	}

	r.logger.Info("run cancelled", "run_id", state.RunID(), "stage_id", state.run.Stages[idx].ID)
	return r.settle(ctx, state)
}

// settle фиксирует фактическую стоимость и возвращает остаток.
// Для partial с незавершёнными стадиями ничего не делает.
func (r *Runner) settle(ctx context.Context, state *RunState) error {
	ctx = context.WithoutCancel(ctx)

	state.mu.Lock()
	run := state.run
	settleable := run.Status.IsTerminal() || (run.Status == domain.RunStatusPartial && !run.HasIncompleteStages())
	status := run.Status
	state.mu.Unlock()

	if !settleable {
		return nil
	}
	telemetry.RunsTotal.WithLabelValues(string(status)).Inc()

	actual := min(r.ActualCredits(run), run.EstimatedCredits)
	if err := r.mutate(ctx, state, func(run *domain.PipelineRun) {
		run.ActualCredits = actual
	}); err != nil {
		return err
	}

	r.finishTrackingTask(ctx, state)

	remainder := run.EstimatedCredits - actual
	if remainder <= 0 || run.TaskID == uuid.Nil || r.ledger == nil {
		return nil
	}

	desc := fmt.Sprintf("run %s settlement", run.ID)
	err := retry.Do(ctx, r.settleRetry, func(error) bool { return true }, func(ctx context.Context, attempt int) error {
		_, err := r.ledger.Refund(ctx, run.AccountID, remainder, run.TaskID, desc)
		if err != nil {
			r.logger.Warn("settlement refund failed", "run_id", run.ID, "attempt", attempt, "error", err)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("%w: refund %d credits for run %s: %v", ErrPersistence, remainder, run.ID, err)
	}

	r.logger.Info("run settled",
		"run_id", run.ID,
		"estimated_credits", run.EstimatedCredits,
		"actual_credits", actual,
		"refunded", remainder,
	)
	return nil
}

// ActualCredits считает стоимость фактически полученных результатов
// по той же формуле, что и оценка. Без сценария run ничего не стоит.
func (r *Runner) ActualCredits(run *domain.PipelineRun) int64 {
	script := run.StageByID(steps.StageScript)
	if script == nil || !script.Status.Succeeded() {
		return 0
	}

	units := estimate.Units{
		Characters: completedSubJobs(run, steps.StageCharacterDesign),
		Shots:      completedSubJobs(run, steps.StageSceneImages),
		Videos:     completedSubJobs(run, steps.StageSceneVideos),
	}
	return r.pricing.Price(units, run.Config.ImageModel, run.Config.VideoModel, run.Config.LipSync)
}

// finishTrackingTask переводит tracking task в итоговый статус run.
func (r *Runner) finishTrackingTask(ctx context.Context, state *RunState) {
	run := state.run
	if r.tasks == nil || run.TaskID == uuid.Nil {
		return
	}

	task, err := r.tasks.GetByID(ctx, run.TaskID)
	if err != nil {
		r.logger.Warn("tracking task not found", "run_id", run.ID, "task_id", run.TaskID, "error", err)
		return
	}
	switch run.Status {
	case domain.RunStatusFailed:
		task.MarkFailed(run.Error)
	case domain.RunStatusCancelled:
		task.MarkFailed(ErrRunCancelled.Error())
	default:
		task.MarkCompleted(run.ID.String())
	}
	if err := r.tasks.Update(ctx, task); err != nil {
		r.logger.Error("failed to update tracking task", "task_id", task.ID, "error", err)
	}
}

// mutate меняет run под блокировкой и сразу сохраняет его.
// Сохранение не зависит от отмены ctx: переход уже произошёл. После
// потери аренды run принадлежит другому оркестратору, и запись не делается.
func (r *Runner) mutate(ctx context.Context, state *RunState, fn func(run *domain.PipelineRun)) error {
	if errors.Is(context.Cause(ctx), ErrLeaseLost) {
		return fmt.Errorf("%w: run %s", ErrLeaseLost, state.RunID())
	}

	state.mu.Lock()
	defer state.mu.Unlock()

	fn(state.run)
	if err := r.runs.Update(context.WithoutCancel(ctx), state.run); err != nil {
		return fmt.Errorf("%w: run %s: %v", ErrPersistence, state.run.ID, err)
	}
	return nil
}

// cancelRequested проверяет флаг отмены в памяти, затем в БД.
func (r *Runner) cancelRequested(ctx context.Context, state *RunState) bool {
	if state.CancelRequested() {
		return true
	}

	requested, err := r.runs.IsCancelRequested(context.WithoutCancel(ctx), state.RunID())
	if err != nil {
		r.logger.Warn("failed to read cancel flag", "run_id", state.RunID(), "error", err)
		return false
	}
	if requested {
		state.RequestCancel()
	}
	return requested
}

// watchCancel перечитывает флаг отмены, пока стадии ждут провайдеров,
// и прерывает контекст run, когда флаг выставлен.
func (r *Runner) watchCancel(ctx context.Context, state *RunState) (stop func()) {
	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(r.cancelCheck)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if r.cancelRequested(ctx, state) {
					return
				}
			}
		}
	}()

	return func() {
		cancel()
		<-done
	}
}

func (r *Runner) observeStage(stageID, status string, start time.Time) {
	telemetry.StageDuration.WithLabelValues(stageID, status).Observe(time.Since(start).Seconds())
}

func applySubJobs(run *domain.PipelineRun, idx int, res *steps.Result) {
	st := &run.Stages[idx]
	for _, j := range res.SubJobs {
		st.UpsertSubJob(j)
	}
	run.Artifacts.Merge(res.Artifacts)
}

// skipRemaining переводит незавершённые стадии начиная с from в skipped.
func skipRemaining(run *domain.PipelineRun, from int) {
	for i := from; i < len(run.Stages); i++ {
		st := &run.Stages[i]
		if st.Status.CanTransition(domain.StageStatusSkipped) {
			_ = st.Transition(domain.StageStatusSkipped)
		}
	}
}

func completedSubJobs(run *domain.PipelineRun, stageID string) int {
	st := run.StageByID(stageID)
	if st == nil {
		return 0
	}
	return st.CountSubJobs()[domain.SubJobStatusCompleted]
}

func validOutcome(s domain.StageStatus) bool {
	switch s {
	case domain.StageStatusCompleted, domain.StageStatusCompletedWithFailures,
		domain.StageStatusFailed, domain.StageStatusSkipped, domain.StageStatusDeferred:
		return true
	default:
		return false
	}
}
