package steps

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
)

// ID стадий в порядке выполнения.
const (
	StageScript          = "script"
	StageStoryboard      = "storyboard"
	StageCharacterDesign = "character_design"
	StageSceneImages     = "scene_images"
	StageSceneVideos     = "scene_videos"
)

// Ошибки стадий.
var (
	// ErrStageNotFound — стадия не найдена в реестре.
	ErrStageNotFound = errors.New("stage not found")

	// ErrStageCancelled — выполнение стадии прервано отменой контекста.
	ErrStageCancelled = errors.New("stage execution cancelled")

	// ErrMissingInput — нет артефакта предыдущей стадии.
	ErrMissingInput = errors.New("stage input missing")
)

// Stage — стадия pipeline.
type Stage interface {
	// ID возвращает неизменный идентификатор стадии.
	ID() string

	// Label возвращает название для отображения.
	Label() string

	// Execute выполняет стадию.
	// Стадия должна проверять ctx.Done() и не изменять req.
	Execute(ctx context.Context, req *Request) (*Result, error)
}

// Request — входные данные стадии.
type Request struct {
	RunID     uuid.UUID
	AccountID uuid.UUID
	Config    domain.RunConfig
	InputText string

	// Artifacts — снимок артефактов run на момент старта стадии.
	Artifacts domain.Artifacts

	// SubJobs — состояние sub-jobs прошлой попытки этой стадии.
	SubJobs []domain.SubJob

	// Report вызывается на каждом переходе sub-job, в том числе
	// конкурентно из пула. produced — результаты завершённого sub-job.
	Report func(job domain.SubJob, produced domain.Artifacts)

	// CancelRequested проверяет сохранённый запрос на отмену run.
	CancelRequested func(ctx context.Context) bool
}

// previous возвращает sub-job прошлой попытки.
func (r *Request) previous(key string) (domain.SubJob, bool) {
	for _, j := range r.SubJobs {
		if j.Key == key {
			return j, true
		}
	}
	return domain.SubJob{}, false
}

func (r *Request) report(job domain.SubJob, produced domain.Artifacts) {
	if r.Report != nil {
		r.Report(job, produced)
	}
}

func (r *Request) cancelled(ctx context.Context) bool {
	if ctx.Err() != nil {
		return true
	}
	return r.CancelRequested != nil && r.CancelRequested(ctx)
}

// Result — итог стадии.
type Result struct {
	Status    domain.StageStatus
	SubJobs   []domain.SubJob
	Artifacts domain.Artifacts

	// Error — описание сбоя для failed и completed_with_failures.
	Error string
}

// Counts возвращает число успешных sub-jobs и их общее число.
func (r *Result) Counts() (succeeded, total int) {
	for _, j := range r.SubJobs {
		if j.Status == domain.SubJobStatusCompleted {
			succeeded++
		}
	}
	return succeeded, len(r.SubJobs)
}
