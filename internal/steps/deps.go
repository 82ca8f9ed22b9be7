package steps

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/prompt"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/retry"
)

// Default configuration values.
const (
	defaultFanOut = 4
)

// Providers — источник адаптеров по модели. Реализуется *provider.Registry.
type Providers interface {
	Text() (provider.TextGenerator, error)
	Image(model domain.ImageModel) (provider.ImageGenerator, error)
	Video(model domain.VideoModel) (provider.VideoGenerator, error)
}

// Waiter ждёт завершения задачи провайдера. Реализуется *poller.Poller.
type Waiter interface {
	Wait(ctx context.Context, source provider.JobSource, taskID string) (provider.JobResult, error)
}

// TaskStore — хранилище generation tasks.
type TaskStore interface {
	Create(ctx context.Context, task *domain.GenerationTask) error
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)
	Update(ctx context.Context, task *domain.GenerationTask) error
}

// AssetRecorder сохраняет результаты. Реализуется *assets.Recorder.
type AssetRecorder interface {
	Record(ctx context.Context, asset domain.Asset, body []byte)
}

// Deps — зависимости стадий.
type Deps struct {
	Providers Providers
	Poller    Waiter
	Prompts   *prompt.Builder
	Tasks     TaskStore
	Assets    AssetRecorder

	// Pricing задаёт стоимость, записываемую в CreditsCost задач.
	Pricing *estimate.Estimator

	// FanOut — размер пула sub-jobs одной стадии (default: 4).
	FanOut int

	// SubmitRetry — повтор submit и текстовых запросов при временных ошибках.
	SubmitRetry retry.Policy

	// PollRetry — повтор ожидания той же задачи провайдера после таймаута
	// или временной ошибки опроса (default: 2 попытки).
	PollRetry retry.Policy

	Logger *slog.Logger
}

func (d Deps) withDefaults() Deps {
	if d.FanOut <= 0 {
		d.FanOut = defaultFanOut
	}
	if d.Prompts == nil {
		d.Prompts = prompt.MustBuilder()
	}
	if d.Pricing == nil {
		d.Pricing = estimate.New(estimate.DefaultConfig())
	}
	if d.SubmitRetry.MaxAttempts <= 0 {
		d.SubmitRetry = retry.Policy{
			MaxAttempts:  3,
			Backoff:      retry.BackoffExponential,
			InitialDelay: 2 * time.Second,
			MaxDelay:     20 * time.Second,
		}
	}
	if d.PollRetry.MaxAttempts <= 0 {
		d.PollRetry = retry.Policy{
			MaxAttempts:  2,
			Backoff:      retry.BackoffFixed,
			InitialDelay: 5 * time.Second,
		}
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return d
}

// record сохраняет asset, если Recorder задан.
func (d Deps) record(ctx context.Context, asset domain.Asset, body []byte) {
	if d.Assets != nil {
		d.Assets.Record(ctx, asset, body)
	}
}
