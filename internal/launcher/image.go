package launcher

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/provider"
)

// Ratio — соотношение сторон изображения.
type Ratio string

const (
	RatioSquare    Ratio = "1:1"
	RatioLandscape Ratio = "16:9"
	RatioPortrait  Ratio = "9:16"
	RatioPoster    Ratio = "3:4"
)

type size struct{ width, height int }

var ratioSizes = map[Ratio]size{
	RatioSquare:    {1024, 1024},
	RatioLandscape: {1280, 720},
	RatioPortrait:  {720, 1280},
	RatioPoster:    {864, 1152},
}

// Size возвращает размер изображения в пикселях.
func (r Ratio) Size() (width, height int, ok bool) {
	s, ok := ratioSizes[r]
	return s.width, s.height, ok
}

// ImageRequest — запрос одиночной генерации изображения.
type ImageRequest struct {
	AccountID      uuid.UUID
	Model          domain.ImageModel
	Prompt         string
	NegativePrompt string
	Ratio          Ratio
}

// GenerationStarted — принятая одиночная генерация.
type GenerationStarted struct {
	TaskID    uuid.UUID
	Cost      int64
	Remaining int64
}

// GenerateImage списывает стоимость, создаёт task и отправляет задачу
// провайдеру в фоне. Результат читается по task.
//
// Если task не создан, кредиты возвращаются до ответа. Если провайдер
// вернул ошибку, task помечается failed и кредиты возвращаются; refund
// идемпотентен по ID задачи.
func (l *Launcher) GenerateImage(ctx context.Context, req ImageRequest) (*GenerationStarted, error) {
	if err := validateImage(&req); err != nil {
		return nil, err
	}
	if l.providers == nil || l.poller == nil {
		return nil, fmt.Errorf("image %s: %w", req.Model, provider.ErrNotConfigured)
	}
	gen, err := l.providers.Image(req.Model)
	if err != nil {
		return nil, err
	}

	width, height, _ := req.Ratio.Size()
	cost := l.pricing.ImageRate(req.Model)

	task := domain.NewGenerationTask(req.AccountID, nil, domain.TaskTypeImage, string(req.Model), cost)
	task.Params = map[string]any{
		"prompt": req.Prompt,
		"ratio":  string(req.Ratio),
	}
	if req.NegativePrompt != "" {
		task.Params["negative_prompt"] = req.NegativePrompt
	}

	remaining, err := l.ledger.ChargeThen(ctx, ledger.Charge{
		AccountID:   req.AccountID,
		Amount:      cost,
		Description: "image generation: " + string(req.Model),
		TaskID:      task.ID,
		Op:          "create task",
	}, func(ctx context.Context) error {
		return l.tasks.Create(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("image generation accepted",
		"account_id", req.AccountID,
		"task_id", task.ID,
		"model", req.Model,
		"credits", cost,
	)

	ir := provider.ImageRequest{
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          width,
		Height:         height,
	}
	l.spawn(task, generation{
		kind:   domain.AssetTypeImage,
		source: gen,
		prompt: req.Prompt,
		submit: func(ctx context.Context) (string, error) {
			return gen.SubmitImage(ctx, ir)
		},
	})

	return &GenerationStarted{TaskID: task.ID, Cost: cost, Remaining: remaining}, nil
}

func validateImage(req *ImageRequest) error {
	if req.AccountID == uuid.Nil {
		return domain.NewValidationError("account_id", "is required")
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return domain.NewValidationError("prompt", "is required")
	}
	req.NegativePrompt = strings.TrimSpace(req.NegativePrompt)

	if req.Model == "" {
		req.Model = domain.ImageModelSeedream
	}
	if !req.Model.IsValid() {
		return domain.NewValidationError("model", fmt.Sprintf("unknown model %q", req.Model))
	}

	if req.Ratio == "" {
		req.Ratio = RatioSquare
	}
	if _, _, ok := req.Ratio.Size(); !ok {
		return domain.NewValidationError("ratio", fmt.Sprintf("unsupported ratio %q", req.Ratio))
	}
	return nil
}
