// Package launcher принимает запросы на генерацию от API.
//
// Запуск pipeline — это списание оценки и две записи (tracking task и run).
// Если запись не удалась, кредиты возвращаются до ответа клиенту.
// Дальше run выполняет orchestrator; сообщение run.pending только ускоряет
// подхват, а его потеря покрывается сканированием БД.
package launcher

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/retry"
	"github.com/shaiso/Mangaflow/internal/steps"
)

// Default configuration values.
const (
	defaultMaxTextLength = 200_000
	defaultRunNameRunes  = 40
)

// RunStore — хранилище runs.
type RunStore interface {
	Create(ctx context.Context, run *domain.PipelineRun) error
}

// TaskStore — хранилище generation tasks.
type TaskStore interface {
	Create(ctx context.Context, task *domain.GenerationTask) error
	Update(ctx context.Context, task *domain.GenerationTask) error
}

// Ledger — списание с компенсацией. Реализуется *ledger.Ledger.
type Ledger interface {
	ChargeThen(ctx context.Context, c ledger.Charge, fn func(ctx context.Context) error) (int64, error)
	Refund(ctx context.Context, accountID uuid.UUID, amount int64, relatedTaskID uuid.UUID, description string) (bool, error)
}

// Publisher уведомляет orchestrator о новом run. Реализуется *mq.Publisher.
type Publisher interface {
	PublishRunPending(ctx context.Context, runID, accountID uuid.UUID) error
}

// Providers — источник генераторов. Реализуется *provider.Registry.
type Providers interface {
	Image(model domain.ImageModel) (provider.ImageGenerator, error)
	Video(model domain.VideoModel) (provider.VideoGenerator, error)
}

// Config — конфигурация Launcher.
type Config struct {
	Runs    RunStore
	Tasks   TaskStore
	Ledger  Ledger
	Pricing *estimate.Estimator

	// Publisher — nil, если RabbitMQ не настроен.
	Publisher Publisher

	// Зависимости одиночных генераций изображений и видео.
	Providers Providers
	Poller    steps.Waiter
	Assets    steps.AssetRecorder

	// MaxTextLength — предел длины текста в символах (default: 200000).
	MaxTextLength int

	// SubmitRetry — повтор submit при временных ошибках провайдера.
	SubmitRetry retry.Policy

	// RefundRetry — повтор возврата за неудавшуюся генерацию.
	RefundRetry retry.Policy

	Logger *slog.Logger
}

// Launcher создаёт runs и одиночные генерации изображений и видео.
type Launcher struct {
	runs      RunStore
	tasks     TaskStore
	ledger    Ledger
	pricing   *estimate.Estimator
	publisher Publisher

	providers Providers
	poller    steps.Waiter
	assets    steps.AssetRecorder

	maxTextLength int
	submitRetry   retry.Policy
	refundRetry   retry.Policy
	logger        *slog.Logger

	// Фоновые генерации живут дольше HTTP-запроса.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New создаёт Launcher.
func New(cfg Config) *Launcher {
	pricing := cfg.Pricing
	if pricing == nil {
		pricing = estimate.New(estimate.DefaultConfig())
	}

	maxText := cfg.MaxTextLength
	if maxText <= 0 {
		maxText = defaultMaxTextLength
	}

	submitRetry := cfg.SubmitRetry
	if submitRetry.MaxAttempts <= 0 {
		submitRetry = retry.Policy{
			MaxAttempts:  3,
			Backoff:      retry.BackoffExponential,
			InitialDelay: 2 * time.Second,
			MaxDelay:     20 * time.Second,
		}
	}

	refundRetry := cfg.RefundRetry
	if refundRetry.MaxAttempts <= 0 {
		refundRetry = retry.Policy{
			MaxAttempts:  5,
			Backoff:      retry.BackoffExponential,
			InitialDelay: 500 * time.Millisecond,
			MaxDelay:     10 * time.Second,
		}
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Launcher{
		runs:          cfg.Runs,
		tasks:         cfg.Tasks,
		ledger:        cfg.Ledger,
		pricing:       pricing,
		publisher:     cfg.Publisher,
		providers:     cfg.Providers,
		poller:        cfg.Poller,
		assets:        cfg.Assets,
		maxTextLength: maxText,
		submitRetry:   submitRetry,
		refundRetry:   refundRetry,
		logger:        logger,
		ctx:           ctx,
		cancel:        cancel,
	}
}

// Pricing возвращает калькулятор стоимости.
func (l *Launcher) Pricing() *estimate.Estimator {
	return l.pricing
}

// StartRequest — запрос на запуск pipeline.
type StartRequest struct {
	AccountID  uuid.UUID
	Name       string
	Text       string
	ImageModel domain.ImageModel
	VideoModel domain.VideoModel
	LipSync    bool
	ArtStyle   string
}

// Started — результат запуска.
type Started struct {
	RunID     uuid.UUID
	TaskID    uuid.UUID
	Estimate  estimate.Estimate
	Remaining int64
}

// EstimateRun проверяет запрос и возвращает оценку без списания.
func (l *Launcher) EstimateRun(req StartRequest) (estimate.Estimate, error) {
	if err := l.validate(&req); err != nil {
		return estimate.Estimate{}, err
	}
	return l.estimate(req), nil
}

// StartRun списывает оценку и создаёт tracking task и run.
//
// Ошибки: *domain.ValidationError, *ledger.InsufficientCreditsError,
// ledger.ErrConcurrencyConflict, *ledger.PersistenceError (кредиты уже
// возвращены или возврат залогирован).
func (l *Launcher) StartRun(ctx context.Context, req StartRequest) (*Started, error) {
	if req.AccountID == uuid.Nil {
		return nil, domain.NewValidationError("account_id", "is required")
	}
	if err := l.validate(&req); err != nil {
		return nil, err
	}

	est := l.estimate(req)
	name := req.Name
	if name == "" {
		name = defaultRunName(req.Text)
	}

	cfg := domain.RunConfig{
		ImageModel:    req.ImageModel,
		VideoModel:    req.VideoModel,
		LipSync:       req.LipSync,
		ArtStyle:      req.ArtStyle,
		TargetScenes:  est.Scenes,
		ShotsPerScene: l.pricing.Config().ShotsPerScene,
	}
	run := domain.NewPipelineRun(req.AccountID, name, req.Text, cfg, steps.DefaultDefs())
	run.EstimatedCredits = est.Credits

	task := domain.NewGenerationTask(req.AccountID, &run.ID, domain.TaskTypePipeline, "", est.Credits)
	task.Params = map[string]any{
		"image_model": string(req.ImageModel),
		"video_model": string(req.VideoModel),
		"lip_sync":    req.LipSync,
		"scenes":      est.Scenes,
	}
	run.TaskID = task.ID

	logger := l.logger.With("account_id", req.AccountID, "run_id", run.ID, "task_id", task.ID)

	remaining, err := l.ledger.ChargeThen(ctx, ledger.Charge{
		AccountID:   req.AccountID,
		Amount:      est.Credits,
		Description: "pipeline run: " + name,
		TaskID:      task.ID,
		Op:          "create run",
	}, func(ctx context.Context) error {
		if err := l.tasks.Create(ctx, task); err != nil {
			return fmt.Errorf("create task: %w", err)
		}
		if err := l.runs.Create(ctx, run); err != nil {
			task.MarkFailed("run was not created")
			if uerr := l.tasks.Update(context.WithoutCancel(ctx), task); uerr != nil {
				logger.Error("failed to mark tracking task failed", "error", uerr)
			}
			return fmt.Errorf("create run: %w", err)
		}
		return nil
	})
	if err != nil {
		logger.Warn("run not started", "credits", est.Credits, "error", err)
		return nil, err
	}

	logger.Info("run created",
		"credits", est.Credits,
		"scenes", est.Scenes,
		"remaining", remaining,
	)

	if l.publisher != nil {
		if err := l.publisher.PublishRunPending(ctx, run.ID, req.AccountID); err != nil {
			logger.Warn("failed to publish run.pending, poll will pick it up", "error", err)
		}
	}

	return &Started{
		RunID:     run.ID,
		TaskID:    task.ID,
		Estimate:  est,
		Remaining: remaining,
	}, nil
}

func (l *Launcher) estimate(req StartRequest) estimate.Estimate {
	return l.pricing.Estimate(estimate.Input{
		TextLength: utf8.RuneCountInString(req.Text),
		ImageModel: req.ImageModel,
		VideoModel: req.VideoModel,
		LipSync:    req.LipSync,
	})
}

// validate нормализует запрос и проверяет поля.
func (l *Launcher) validate(req *StartRequest) error {
	req.Text = strings.TrimSpace(req.Text)
	if req.Text == "" {
		return domain.NewValidationError("text", "is required")
	}
	if n := utf8.RuneCountInString(req.Text); n > l.maxTextLength {
		return domain.NewValidationError("text", fmt.Sprintf("is too long: %d characters, max %d", n, l.maxTextLength))
	}

	if req.ImageModel == "" {
		req.ImageModel = domain.ImageModelSeedream
	}
	if !req.ImageModel.IsValid() {
		return domain.NewValidationError("image_model", fmt.Sprintf("unknown model %q", req.ImageModel))
	}
	if req.VideoModel == "" {
		req.VideoModel = domain.VideoModelKling
	}
	if !req.VideoModel.IsValid() {
		return domain.NewValidationError("video_model", fmt.Sprintf("unknown model %q", req.VideoModel))
	}

	req.Name = strings.TrimSpace(req.Name)
	req.ArtStyle = strings.TrimSpace(req.ArtStyle)
	return nil
}

// defaultRunName — начало текста до первой строки.
func defaultRunName(text string) string {
	line, _, _ := strings.Cut(text, "\n")
	line = strings.TrimSpace(line)

	runes := []rune(line)
	if len(runes) > defaultRunNameRunes {
		return string(runes[:defaultRunNameRunes]) + "…"
	}
	return line
}

// Close прерывает фоновые генерации и ждёт их завершения.
// Прерванные задачи остаются processing.
func (l *Launcher) Close() {
	l.cancel()
	l.wg.Wait()
}

// Wait ждёт завершения фоновых генераций.
func (l *Launcher) Wait() {
	l.wg.Wait()
}
