// Package poller отслеживает задачу провайдера до финального состояния.
//
// Три исхода ожидания различаются явно:
//   - провайдер сообщил об ошибке — *provider.Error;
//   - истёк MaxWait — ErrTimeout;
//   - контекст отменён (отмена run) — ErrAbandoned.
//
// Ошибка отдельного опроса (сеть, 5xx) не финальна: она логируется,
// и опрос повторяется на следующем тике.
package poller

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

// Ошибки ожидания.
var (
	// ErrTimeout — задача не завершилась за MaxWait.
	// Удалённая задача при этом может продолжать выполняться.
	ErrTimeout = errors.New("job did not finish in time")

	// ErrAbandoned — ожидание прервано отменой run.
	ErrAbandoned = errors.New("job polling abandoned")
)

// Default configuration values.
const (
	defaultInitialDelay = 5 * time.Second
	defaultMaxDelay     = 30 * time.Second
	defaultMaxWait      = 10 * time.Minute
)

// Policy — интервал опроса и предельное время ожидания.
type Policy struct {
	Backoff      retry.Backoff `yaml:"backoff"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
	MaxWait      time.Duration `yaml:"max_wait"`
}

func (p Policy) withDefaults() Policy {
	if p.InitialDelay <= 0 {
		p.InitialDelay = defaultInitialDelay
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = defaultMaxDelay
	}
	if p.MaxWait <= 0 {
		p.MaxWait = defaultMaxWait
	}
	if p.Backoff == "" {
		p.Backoff = retry.BackoffFixed
	}
	return p
}

// Poller опрашивает задачи провайдеров.
type Poller struct {
	policy Policy
	logger *slog.Logger
}

// New создаёт Poller.
func New(policy Policy, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Poller{policy: policy.withDefaults(), logger: logger}
}

// Policy возвращает действующую политику.
func (p *Poller) Policy() Policy {
	return p.policy
}

// Wait опрашивает задачу taskID, пока она не завершится.
//
// Первый опрос выполняется сразу: после рестарта задача могла уже
// завершиться.
func (p *Poller) Wait(ctx context.Context, source provider.JobSource, taskID string) (provider.JobResult, error) {
	start := time.Now()
	deadline := start.Add(p.policy.MaxWait)
	delays := retry.Policy{
		Backoff:      p.policy.Backoff,
		InitialDelay: p.policy.InitialDelay,
		MaxDelay:     p.policy.MaxDelay,
	}

	logger := p.logger.With("provider", source.Name(), "provider_task_id", taskID)

	for attempt := 1; ; attempt++ {
		if ctx.Err() != nil {
			return p.finish(start, "abandoned", provider.JobResult{}, abandoned(ctx))
		}

		res, err := source.Poll(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return p.finish(start, "abandoned", provider.JobResult{}, abandoned(ctx))
			}
			logger.Warn("poll failed, will retry", "attempt", attempt, "error", err)

		case res.Status == provider.JobCompleted:
			return p.finish(start, "completed", res, nil)

		case res.Status == provider.JobFailed:
			return p.finish(start, "failed", res, &provider.Error{
				Provider: source.Name(),
				Message:  res.Error,
			})
		}

		delay := delays.Delay(attempt)
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return p.finish(start, "timeout", provider.JobResult{}, fmt.Errorf("%w: %s task %s after %s", ErrTimeout, source.Name(), taskID, p.policy.MaxWait))
		}
		if delay > remaining {
			delay = remaining
		}

		if err := retry.Sleep(ctx, delay); err != nil {
			return p.finish(start, "abandoned", provider.JobResult{}, abandoned(ctx))
		}
	}
}

func (p *Poller) finish(start time.Time, outcome string, res provider.JobResult, err error) (provider.JobResult, error) {
	telemetry.PollWait.WithLabelValues(outcome).Observe(time.Since(start).Seconds())
	return res, err
}

func abandoned(ctx context.Context) error {
	return fmt.Errorf("%w: %v", ErrAbandoned, context.Cause(ctx))
}

// Retryable решает, имеет ли смысл повторить sub-job после ошибки.
// Таймаут — да; ошибка провайдера — только временная; отмена — никогда.
func Retryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrAbandoned):
		return false
	case errors.Is(err, ErrTimeout):
		return true
	default:
		return provider.IsTransient(err)
	}
}
