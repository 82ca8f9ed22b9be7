package api

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/estimate"
	"github.com/shaiso/Mangaflow/internal/launcher"
	"github.com/shaiso/Mangaflow/internal/repo"
)

// HeaderAccountID — заголовок со счётом вызывающего.
const HeaderAccountID = "X-Account-ID"

// RunStore — чтение runs и флаг отмены. Реализуется *repo.RunRepo.
type RunStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.PipelineRun, error)
	List(ctx context.Context, filter repo.RunFilter) ([]domain.PipelineRun, error)
	RequestCancel(ctx context.Context, id uuid.UUID) error
}

// TaskStore — чтение generation tasks. Реализуется *repo.TaskRepo.
type TaskStore interface {
	GetByID(ctx context.Context, id uuid.UUID) (*domain.GenerationTask, error)
	ListByRunID(ctx context.Context, runID uuid.UUID) ([]domain.GenerationTask, error)
}

// AssetStore — чтение assets. Реализуется *repo.AssetRepo.
type AssetStore interface {
	List(ctx context.Context, filter repo.AssetFilter) ([]domain.Asset, int, error)
}

// Ledger — операции с кредитами. Реализуется *ledger.Ledger.
type Ledger interface {
	ReserveAndConsume(ctx context.Context, accountID uuid.UUID, amount int64, description string, relatedTaskID *uuid.UUID) (int64, error)
	Balance(ctx context.Context, accountID uuid.UUID) (int64, error)
	History(ctx context.Context, accountID uuid.UUID, limit int) ([]domain.CreditTransaction, error)
}

// Launcher — оплачиваемые запуски. Реализуется *launcher.Launcher.
type Launcher interface {
	EstimateRun(req launcher.StartRequest) (estimate.Estimate, error)
	StartRun(ctx context.Context, req launcher.StartRequest) (*launcher.Started, error)
	GenerateImage(ctx context.Context, req launcher.ImageRequest) (*launcher.GenerationStarted, error)
	GenerateVideo(ctx context.Context, req launcher.VideoRequest) (*launcher.GenerationStarted, error)
}

// Publisher — управляющие сообщения orchestrator. Реализуется *mq.Publisher.
type Publisher interface {
	PublishRunResume(ctx context.Context, runID, accountID uuid.UUID) error
	PublishRunCancel(ctx context.Context, runID, accountID uuid.UUID) error
}

// Handler — главный обработчик API с зависимостями.
type Handler struct {
	runs      RunStore
	tasks     TaskStore
	assets    AssetStore
	ledger    Ledger
	launcher  Launcher
	publisher Publisher
	logger    *slog.Logger
}

// Config — конфигурация для создания Handler.
type Config struct {
	Runs     RunStore
	Tasks    TaskStore
	Assets   AssetStore
	Ledger   Ledger
	Launcher Launcher

	// Publisher — nil, если RabbitMQ не настроен. Тогда resume недоступен,
	// а отмена простаивающего run подхватывается только при следующем запуске.
	Publisher Publisher

	Logger *slog.Logger
}

// NewHandler создаёт новый Handler.
func NewHandler(cfg Config) *Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		runs:      cfg.Runs,
		tasks:     cfg.Tasks,
		assets:    cfg.Assets,
		ledger:    cfg.Ledger,
		launcher:  cfg.Launcher,
		publisher: cfg.Publisher,
		logger:    logger,
	}
}

// accountID читает счёт вызывающего. ok=false — заголовок не передан.
func accountID(r *http.Request) (id uuid.UUID, ok bool, err error) {
	raw := r.Header.Get(HeaderAccountID)
	if raw == "" {
		return uuid.Nil, false, nil
	}
	id, err = uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, false, domain.NewValidationError(HeaderAccountID, "invalid uuid")
	}
	return id, true, nil
}

// requireAccount возвращает счёт вызывающего или пишет 400.
func (h *Handler) requireAccount(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, ok, err := accountID(r)
	if err != nil {
		BadRequest(w, err.Error())
		return uuid.Nil, false
	}
	if !ok {
		BadRequest(w, HeaderAccountID+" header is required")
		return uuid.Nil, false
	}
	return id, true
}

// owns проверяет, что ресурс принадлежит вызывающему. Без заголовка
// доступ не ограничивается.
func owns(r *http.Request, owner uuid.UUID) bool {
	id, ok, err := accountID(r)
	if err != nil {
		return false
	}
	return !ok || id == owner
}
