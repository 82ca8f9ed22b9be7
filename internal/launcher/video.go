package launcher

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/ledger"
	"github.com/shaiso/Mangaflow/internal/provider"
)

// Длительности клипа, которые принимают видеопровайдеры.
const (
	VideoShortSeconds = 5
	VideoLongSeconds  = 10
)

// VideoRequest — запрос одиночной генерации видео из изображения.
type VideoRequest struct {
	AccountID       uuid.UUID
	Model           domain.VideoModel
	Prompt          string
	SourceImageURL  string
	DurationSeconds int
}

// GenerateVideo списывает стоимость клипа, создаёт task и отправляет
// задачу провайдеру в фоне; компенсация та же, что у GenerateImage.
func (l *Launcher) GenerateVideo(ctx context.Context, req VideoRequest) (*GenerationStarted, error) {
	if err := validateVideo(&req); err != nil {
		return nil, err
	}
	if l.providers == nil || l.poller == nil {
		return nil, fmt.Errorf("video %s: %w", req.Model, provider.ErrNotConfigured)
	}
	gen, err := l.providers.Video(req.Model)
	if err != nil {
		return nil, err
	}

	cost := l.pricing.VideoRate(req.Model)

	task := domain.NewGenerationTask(req.AccountID, nil, domain.TaskTypeVideo, string(req.Model), cost)
	task.Params = map[string]any{
		"prompt":       req.Prompt,
		"source_image": req.SourceImageURL,
		"duration":     req.DurationSeconds,
	}

	remaining, err := l.ledger.ChargeThen(ctx, ledger.Charge{
		AccountID:   req.AccountID,
		Amount:      cost,
		Description: "video generation: " + string(req.Model),
		TaskID:      task.ID,
		Op:          "create task",
	}, func(ctx context.Context) error {
		return l.tasks.Create(ctx, task)
	})
	if err != nil {
		return nil, err
	}

	l.logger.Info("video generation accepted",
		"account_id", req.AccountID,
		"task_id", task.ID,
		"model", req.Model,
		"duration", req.DurationSeconds,
		"credits", cost,
	)

	vr := provider.VideoRequest{
		Prompt:          req.Prompt,
		SourceImageURL:  req.SourceImageURL,
		DurationSeconds: req.DurationSeconds,
	}
	l.spawn(task, generation{
		kind:   domain.AssetTypeVideo,
		source: gen,
		prompt: req.Prompt,
		submit: func(ctx context.Context) (string, error) {
			return gen.SubmitVideo(ctx, vr)
		},
	})

	return &GenerationStarted{TaskID: task.ID, Cost: cost, Remaining: remaining}, nil
}

func validateVideo(req *VideoRequest) error {
	if req.AccountID == uuid.Nil {
		return domain.NewValidationError("account_id", "is required")
	}

	req.Prompt = strings.TrimSpace(req.Prompt)
	if req.Prompt == "" {
		return domain.NewValidationError("prompt", "is required")
	}

	req.SourceImageURL = strings.TrimSpace(req.SourceImageURL)
	if req.SourceImageURL == "" {
		return domain.NewValidationError("source_image_url", "is required")
	}
	u, err := url.Parse(req.SourceImageURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return domain.NewValidationError("source_image_url", "must be an http(s) URL")
	}

	if req.Model == "" {
		req.Model = domain.VideoModelKling
	}
	if !req.Model.IsValid() {
		return domain.NewValidationError("model", fmt.Sprintf("unknown model %q", req.Model))
	}

	switch req.DurationSeconds {
	case 0:
		req.DurationSeconds = VideoShortSeconds
	case VideoShortSeconds, VideoLongSeconds:
	default:
		return domain.NewValidationError("duration", fmt.Sprintf("must be %d or %d seconds", VideoShortSeconds, VideoLongSeconds))
	}
	return nil
}
