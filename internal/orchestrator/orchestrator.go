package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/mq"
	"github.com/shaiso/Mangaflow/internal/repo"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/steps"
)

// Default configuration values.
const (
	defaultPollInterval = 10 * time.Second
	defaultBatchSize    = 100
	defaultLeaseTTL     = time.Minute
)

// LeaseStore — runs с арендой выполнения. Реализуется *repo.RunRepo.
//
// Run исполняет тот оркестратор, который держит аренду; остальные
// реплики его не трогают, пока аренда не истечёт.
type LeaseStore interface {
	RunStore

	// Claim берёт аренду и возвращает состояние run на момент захвата.
	// Чужая действующая аренда — repo.ErrLeaseHeld.
	Claim(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) (*domain.PipelineRun, error)

	// RenewLease продлевает аренду owner; перехваченная аренда — repo.ErrLeaseHeld.
	RenewLease(ctx context.Context, id uuid.UUID, owner string, ttl time.Duration) error

	ReleaseLease(ctx context.Context, id uuid.UUID, owner string) error
}

// Orchestrator запускает runs и следит за ними.
//
// Каждый run выполняется в своей горутине; активные runs хранятся в карте
// вместе с функцией отмены. Между репликами runs делятся арендой в БД.
// Без RabbitMQ (Conn == nil) работает только сканирование БД.
type Orchestrator struct {
	runner *Runner
	runs   LeaseStore
	conn   *mq.Connection

	workerID string
	leaseTTL time.Duration

	activeRuns map[uuid.UUID]*RunState
	mu         sync.RWMutex

	consumers []*mq.Consumer

	pollInterval time.Duration
	batchSize    int

	logger     *slog.Logger
	runCtx     context.Context
	cancelFunc context.CancelFunc
	wg         sync.WaitGroup
	runsWG     sync.WaitGroup
	stopped    bool
	stoppedMu  sync.RWMutex
}

// Config — конфигурация Orchestrator.
type Config struct {
	Runs   LeaseStore
	Tasks  TaskStore
	Stages *steps.Registry
	Ledger Refunder

	Pricing  *estimate.Estimator
	Policies map[string]Policy

	// Conn — соединение с RabbitMQ. nil — только polling.
	Conn *mq.Connection

	PollInterval        time.Duration // интервал сканирования БД (default: 10s)
	BatchSize           int           // runs за одно сканирование (default: 100)
	CancelCheckInterval time.Duration // default: 5s
	SettleRetry         retry.Policy

	// WorkerID — владелец аренды runs (default: hostname и случайный суффикс).
	WorkerID string

	// LeaseTTL — срок аренды run; продлевается каждую треть срока (default: 1m).
	LeaseTTL time.Duration

	Logger *slog.Logger
}

// New создаёт Orchestrator.
func New(cfg Config) *Orchestrator {
	pollInterval := cfg.PollInterval
	if pollInterval <= 0 {
		pollInterval = defaultPollInterval
	}

	batchSize := cfg.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}

	leaseTTL := cfg.LeaseTTL
	if leaseTTL <= 0 {
		leaseTTL = defaultLeaseTTL
	}

	workerID := cfg.WorkerID
	if workerID == "" {
		workerID = defaultWorkerID()
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	runner := NewRunner(RunnerConfig{
		Runs:                cfg.Runs,
		Tasks:               cfg.Tasks,
		Stages:              cfg.Stages,
		Ledger:              cfg.Ledger,
		Pricing:             cfg.Pricing,
		Policies:            cfg.Policies,
		CancelCheckInterval: cfg.CancelCheckInterval,
		SettleRetry:         cfg.SettleRetry,
		Logger:              logger,
	})

	return &Orchestrator{
		runner:       runner,
		runs:         cfg.Runs,
		conn:         cfg.Conn,
		workerID:     workerID,
		leaseTTL:     leaseTTL,
		activeRuns:   make(map[uuid.UUID]*RunState),
		pollInterval: pollInterval,
		batchSize:    batchSize,
		logger:       logger,
		runCtx:       context.Background(),
	}
}

// Runner возвращает исполнитель runs.
func (o *Orchestrator) Runner() *Runner {
	return o.runner
}

// Start запускает consumers (если есть соединение) и сканирование БД.
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	o.cancelFunc = cancel
	o.runCtx = ctx

	o.logger.Info("starting orchestrator",
		"worker_id", o.workerID,
		"poll_interval", o.pollInterval,
		"batch_size", o.batchSize,
		"messaging", o.conn != nil,
	)

	if o.conn != nil {
		o.consumers = []*mq.Consumer{
			mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
				Queue:    mq.QueueRunsPending,
				Handler:  o.handleRunPending,
				Prefetch: 10,
			}),
			mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
				Queue:    mq.QueueRunsResume,
				Handler:  o.handleRunResume,
				Prefetch: 10,
			}),
			mq.NewConsumer(o.conn, o.logger, mq.ConsumerConfig{
				Queue:    mq.QueueRunsCancel,
				Handler:  o.handleRunCancel,
				Prefetch: 10,
			}),
		}

		for _, c := range o.consumers {
			o.wg.Add(1)
			go func() {
				defer o.wg.Done()
				if err := c.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
					o.logger.Error("consumer error", "error", err)
				}
			}()
		}
	}

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		o.pollLoop(ctx)
	}()

	o.logger.Info("orchestrator started")
	return nil
}

// Stop останавливает приём новых runs и ждёт, пока активные runs
// сохранят состояние. Прерванные runs остаются processing.
func (o *Orchestrator) Stop() {
	o.stoppedMu.Lock()
	o.stopped = true
	o.stoppedMu.Unlock()

	o.logger.Info("stopping orchestrator...", "active_runs", o.ActiveRunsCount())

	if o.cancelFunc != nil {
		o.cancelFunc()
	}

	o.wg.Wait()
	o.runsWG.Wait()

	o.logger.Info("orchestrator stopped")
}

// Wait ждёт завершения всех запущенных runs.
func (o *Orchestrator) Wait() {
	o.runsWG.Wait()
}

// IsStopped проверяет, остановлен ли Orchestrator.
func (o *Orchestrator) IsStopped() bool {
	o.stoppedMu.RLock()
	defer o.stoppedMu.RUnlock()
	return o.stopped
}

// pollLoop периодически сканирует БД.
func (o *Orchestrator) pollLoop(ctx context.Context) {
	ticker := time.NewTicker(o.pollInterval)
	defer ticker.Stop()

	// Первое сканирование сразу: подхватываем runs, прерванные рестартом.
	o.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.poll(ctx)
		}
	}
}

// poll запускает pending/processing runs без действующей аренды:
// брошенные упавшей репликой или не доставленные через RabbitMQ.
func (o *Orchestrator) poll(ctx context.Context) {
	runs, err := o.runs.ListResumable(ctx, o.batchSize)
	if err != nil {
		o.logger.Error("failed to list resumable runs", "error", err)
		return
	}
	if len(runs) == 0 {
		return
	}

	o.logger.Debug("poll found resumable runs", "count", len(runs))

	for i := range runs {
		run := &runs[i]
		if o.isRunActive(run.ID) {
			continue
		}
		err := o.launch(ctx, run.ID, checkRunnable)
		if err != nil && !errors.Is(err, ErrRunAlreadyActive) && !errors.Is(err, ErrRunLeased) && !errors.Is(err, ErrRunNotResumable) {
			o.logger.Error("failed to launch run from poll", "run_id", run.ID, "error", err)
		}
	}
}

// launch берёт аренду run и запускает его выполнение в отдельной горутине.
//
// prepare проверяет свежее, уже арендованное состояние run и может его
// дополнить; ошибка prepare снимает аренду.
func (o *Orchestrator) launch(ctx context.Context, runID uuid.UUID, prepare func(*domain.PipelineRun) error) error {
	if o.IsStopped() {
		return ErrOrchestratorStopped
	}
	if o.isRunActive(runID) {
		return ErrRunAlreadyActive
	}

	run, err := o.runs.Claim(ctx, runID, o.workerID, o.leaseTTL)
	switch {
	case errors.Is(err, repo.ErrNotFound):
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	case errors.Is(err, repo.ErrLeaseHeld):
		return fmt.Errorf("%w: %s", ErrRunLeased, runID)
	case err != nil:
		return fmt.Errorf("claim run: %w", err)
	}

	if prepare != nil {
		if err := prepare(run); err != nil {
			o.releaseLease(runID)
			return err
		}
	}

	state := NewRunState(run)
	if err := o.addActiveRun(state); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancelCause(o.runCtx)

	o.runsWG.Add(1)
	go func() {
		defer o.runsWG.Done()
		defer o.removeActiveRun(runID)
		defer cancel(nil)

		stopLease := o.keepLease(runCtx, cancel, runID)
		err := o.runner.Execute(runCtx, state)
		stopLease()
		o.releaseLease(runID)

		switch {
		case err == nil:
		case errors.Is(err, ErrLeaseLost) || errors.Is(context.Cause(runCtx), ErrLeaseLost):
			o.logger.Warn("run abandoned after losing lease", "run_id", runID)
		case errors.Is(err, context.Canceled):
			o.logger.Info("run interrupted", "run_id", runID)
		default:
			o.logger.Error("run execution failed", "run_id", runID, "error", err)
		}
	}()

	return nil
}

// keepLease продлевает аренду run, пока он выполняется. Если аренду
// перехватили или её не удалось продлить до истечения срока, контекст
// run отменяется с причиной ErrLeaseLost.
func (o *Orchestrator) keepLease(ctx context.Context, cancel context.CancelCauseFunc, runID uuid.UUID) (stop func()) {
	ctx, stopCtx := context.WithCancel(ctx)
	done := make(chan struct{})

	go func() {
		defer close(done)
		ticker := time.NewTicker(o.leaseTTL / 3)
		defer ticker.Stop()

		renewed := time.Now()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			err := o.runs.RenewLease(ctx, runID, o.workerID, o.leaseTTL)
			switch {
			case err == nil:
				renewed = time.Now()
			case ctx.Err() != nil:
				return
			case errors.Is(err, repo.ErrLeaseHeld):
				o.logger.Warn("run lease taken over", "run_id", runID)
				cancel(ErrLeaseLost)
				return
			case time.Since(renewed) >= o.leaseTTL:
				o.logger.Error("run lease expired", "run_id", runID, "error", err)
				cancel(ErrLeaseLost)
				return
			default:
				o.logger.Warn("failed to renew run lease", "run_id", runID, "error", err)
			}
		}
	}()

	return func() {
		stopCtx()
		<-done
	}
}

func (o *Orchestrator) releaseLease(runID uuid.UUID) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.runs.ReleaseLease(ctx, runID, o.workerID); err != nil {
		o.logger.Warn("failed to release run lease", "run_id", runID, "error", err)
	}
}

// WorkerID возвращает владельца аренд этого оркестратора.
func (o *Orchestrator) WorkerID() string {
	return o.workerID
}

func defaultWorkerID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "orchestrator"
	}
	return host + "-" + uuid.NewString()[:8]
}

func (o *Orchestrator) isRunActive(runID uuid.UUID) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, exists := o.activeRuns[runID]
	return exists
}

func (o *Orchestrator) getActiveRun(runID uuid.UUID) *RunState {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.activeRuns[runID]
}

func (o *Orchestrator) addActiveRun(state *RunState) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if _, exists := o.activeRuns[state.RunID()]; exists {
		return ErrRunAlreadyActive
	}
	o.activeRuns[state.RunID()] = state
	return nil
}

func (o *Orchestrator) removeActiveRun(runID uuid.UUID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.activeRuns, runID)
}

// ActiveRunsCount возвращает количество активных runs.
func (o *Orchestrator) ActiveRunsCount() int {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return len(o.activeRuns)
}

// GetActiveRunStats возвращает сводку по активному run.
func (o *Orchestrator) GetActiveRunStats(runID uuid.UUID) (RunStats, bool) {
	state := o.getActiveRun(runID)
	if state == nil {
		return RunStats{}, false
	}
	return state.Stats(), true
}
