package steps

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/panjf2000/ants/v2"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// Job — единица fan-out работы.
type Job struct {
	// Key — ключ sub-job, стабильный между попытками.
	Key string

	// Run выполняет sub-job и возвращает итоговое состояние и результаты.
	Run func(ctx context.Context) (domain.SubJob, domain.Artifacts)
}

// FanOutOptions — параметры FanOut.
type FanOutOptions struct {
	StageID string
	Size    int
	Request *Request
	Logger  *slog.Logger
}

// FanOut выполняет jobs в пуле размера opts.Size.
//
// Ошибка одного job не прерывает остальные. Перед запуском каждого job
// проверяется отмена: если run отменён, оставшиеся jobs помечаются
// abandoned без запуска, а выполняющиеся получают отменённый контекст.
//
// Результаты возвращаются в порядке jobs. Если выполнение было прервано,
// вместе с результатами возвращается ErrStageCancelled.
func FanOut(ctx context.Context, opts FanOutOptions, jobs []Job) ([]domain.SubJob, domain.Artifacts, error) {
	results := make([]domain.SubJob, len(jobs))
	produced := make([]domain.Artifacts, len(jobs))
	if len(jobs) == 0 {
		return results, domain.Artifacts{}, nil
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	size := opts.Size
	if size <= 0 {
		size = defaultFanOut
	}
	if size > len(jobs) {
		size = len(jobs)
	}

	pool, err := ants.NewPool(size, ants.WithPanicHandler(func(p any) {
		logger.Error("panic in fan-out pool", "stage_id", opts.StageID, "panic", p)
	}))
	if err != nil {
		return nil, domain.Artifacts{}, fmt.Errorf("create pool: %w", err)
	}
	defer pool.Release()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	req := opts.Request
	if req == nil {
		req = &Request{}
	}

	var wg sync.WaitGroup
	stopped := false

	for i, job := range jobs {
		if !stopped && req.cancelled(ctx) {
			stopped = true
			cancel()
			logger.Info("fan-out stopped by cancel", "stage_id", opts.StageID, "dispatched", i, "total", len(jobs))
		}
		if stopped {
			results[i] = domain.SubJob{Key: job.Key, Status: domain.SubJobStatusAbandoned, Error: "run cancelled before dispatch"}
			continue
		}

		wg.Add(1)
		err := pool.Submit(func() {
			defer wg.Done()
			results[i], produced[i] = runJob(ctx, job)
			req.report(results[i], produced[i])
			telemetry.SubJobsTotal.WithLabelValues(opts.StageID, string(results[i].Status)).Inc()
		})
		if err != nil {
			wg.Done()
			results[i] = domain.SubJob{Key: job.Key, Status: domain.SubJobStatusFailed, Error: fmt.Sprintf("submit to pool: %v", err)}
			req.report(results[i], domain.Artifacts{})
		}
	}

	wg.Wait()

	var merged domain.Artifacts
	for _, p := range produced {
		merged.Merge(p)
	}

	if stopped || (ctx.Err() != nil && hasAbandoned(results)) {
		return results, merged, ErrStageCancelled
	}
	return results, merged, nil
}

// runJob выполняет job, превращая панику в проваленный sub-job.
func runJob(ctx context.Context, job Job) (res domain.SubJob, produced domain.Artifacts) {
	defer func() {
		if p := recover(); p != nil {
			res = domain.SubJob{Key: job.Key, Status: domain.SubJobStatusFailed, Error: fmt.Sprintf("panic: %v", p)}
			produced = domain.Artifacts{}
		}
	}()

	res, produced = job.Run(ctx)
	if res.Key == "" {
		res.Key = job.Key
	}
	return res, produced
}

func hasAbandoned(jobs []domain.SubJob) bool {
	for _, j := range jobs {
		if j.Status == domain.SubJobStatusAbandoned {
			return true
		}
	}
	return false
}

// Aggregate вычисляет итог стадии по sub-jobs.
//
//	нет sub-jobs  → skipped
//	все успешны   → completed
//	ни одного     → failed
//	иначе         → completed_with_failures
//
// abandoned считается неуспешным.
func Aggregate(jobs []domain.SubJob) domain.StageStatus {
	if len(jobs) == 0 {
		return domain.StageStatusSkipped
	}

	succeeded := 0
	for _, j := range jobs {
		if j.Status == domain.SubJobStatusCompleted {
			succeeded++
		}
	}

	switch succeeded {
	case len(jobs):
		return domain.StageStatusCompleted
	case 0:
		return domain.StageStatusFailed
	default:
		return domain.StageStatusCompletedWithFailures
	}
}

// newResult собирает Result по итогам fan-out.
func newResult(jobs []domain.SubJob, produced domain.Artifacts) *Result {
	res := &Result{
		Status:    Aggregate(jobs),
		SubJobs:   jobs,
		Artifacts: produced,
	}

	if res.Status == domain.StageStatusFailed || res.Status == domain.StageStatusCompletedWithFailures {
		succeeded, total := res.Counts()
		res.Error = fmt.Sprintf("%d of %d sub-jobs failed", total-succeeded, total)
		if first := firstError(jobs); first != "" {
			res.Error += ": " + first
		}
	}
	return res
}

func firstError(jobs []domain.SubJob) string {
	for _, j := range jobs {
		if j.Status != domain.SubJobStatusCompleted && j.Error != "" {
			return strings.TrimSpace(j.Key + ": " + j.Error)
		}
	}
	return ""
}
