package api

import (
	"time"

	"github.com/google/uuid"
	"github.com/shaiso/Mangaflow/internal/domain"
)

// Run DTOs

// CreateRunRequest — запрос на запуск pipeline.
type CreateRunRequest struct {
	Text       string `json:"text"`
	Name       string `json:"name,omitempty"`
	ImageModel string `json:"image_model,omitempty"`
	VideoModel string `json:"video_model,omitempty"`
	LipSync    bool   `json:"lip_sync,omitempty"`
	ArtStyle   string `json:"art_style,omitempty"`
}

// CreateRunResponse — ответ на запуск.
type CreateRunResponse struct {
	RunID            uuid.UUID `json:"run_id"`
	TaskID           uuid.UUID `json:"task_id"`
	EstimatedCredits int64     `json:"estimated_credits"`
	EstimatedScenes  int       `json:"estimated_scenes"`
	RemainingCredits int64     `json:"remaining_credits"`
}

// EstimateResponse — оценка без списания.
type EstimateResponse struct {
	EstimatedScenes     int   `json:"estimated_scenes"`
	EstimatedShots      int   `json:"estimated_shots"`
	EstimatedCharacters int   `json:"estimated_characters"`
	EstimatedCredits    int64 `json:"estimated_credits"`
}

// StageResponse — стадия run.
type StageResponse struct {
	ID        string `json:"id"`
	Label     string `json:"label"`
	Status    string `json:"status"`
	Completed int    `json:"completed_sub_jobs,omitempty"`
	Failed    int    `json:"failed_sub_jobs,omitempty"`
	Total     int    `json:"total_sub_jobs,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RunResponse — ответ с run.
type RunResponse struct {
	ID               uuid.UUID              `json:"id"`
	AccountID        uuid.UUID              `json:"account_id"`
	Name             string                 `json:"name"`
	Status           string                 `json:"status"`
	CurrentStage     string                 `json:"current_stage,omitempty"`
	Stages           []StageResponse        `json:"stages"`
	Config           domain.RunConfig       `json:"config"`
	EstimatedCredits int64                  `json:"estimated_credits"`
	ActualCredits    int64                  `json:"actual_credits"`
	TaskID           uuid.UUID              `json:"task_id"`
	Failures         []domain.FailureRecord `json:"failures,omitempty"`
	Error            string                 `json:"error,omitempty"`
	CancelRequested  bool                   `json:"cancel_requested,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
	StartedAt        *time.Time             `json:"started_at,omitempty"`
	FinishedAt       *time.Time             `json:"finished_at,omitempty"`
}

// RunFromDomain конвертирует domain.PipelineRun в RunResponse.
func RunFromDomain(r domain.PipelineRun) RunResponse {
	stages := make([]StageResponse, len(r.Stages))
	for i, s := range r.Stages {
		counts := s.CountSubJobs()
		stages[i] = StageResponse{
			ID:        s.ID,
			Label:     s.Label,
			Status:    string(s.Status),
			Completed: counts[domain.SubJobStatusCompleted],
			Failed:    counts[domain.SubJobStatusFailed],
			Total:     len(s.SubJobs),
			Error:     s.Error,
		}
	}

	var current string
	if idx := r.FirstIncompleteStage(); idx < len(r.Stages) {
		current = r.Stages[idx].ID
	}

	return RunResponse{
		ID:               r.ID,
		AccountID:        r.AccountID,
		Name:             r.Name,
		Status:           string(r.Status),
		CurrentStage:     current,
		Stages:           stages,
		Config:           r.Config,
		EstimatedCredits: r.EstimatedCredits,
		ActualCredits:    r.ActualCredits,
		TaskID:           r.TaskID,
		Failures:         r.Failures,
		Error:            r.Error,
		CancelRequested:  r.CancelRequested,
		CreatedAt:        r.CreatedAt,
		StartedAt:        r.StartedAt,
		FinishedAt:       r.FinishedAt,
	}
}

// Task DTOs

// TaskResponse — ответ с generation task.
type TaskResponse struct {
	ID           uuid.UUID  `json:"id"`
	RunID        *uuid.UUID `json:"run_id,omitempty"`
	Type         string     `json:"type"`
	Model        string     `json:"model,omitempty"`
	Status       string     `json:"status"`
	ResultURL    string     `json:"result_url,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	CreditsCost  int64      `json:"credits_cost"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// TaskFromDomain конвертирует domain.GenerationTask в TaskResponse.
func TaskFromDomain(t domain.GenerationTask) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		RunID:        t.RunID,
		Type:         string(t.Type),
		Model:        t.Model,
		Status:       string(t.Status),
		ResultURL:    t.ResultRef,
		ErrorMessage: t.ErrorMessage,
		CreditsCost:  t.CreditsCost,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
}

// Generation DTOs

// GenerateImageRequest — запрос одиночной генерации изображения.
type GenerateImageRequest struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt,omitempty"`
	Model          string `json:"model,omitempty"`
	Ratio          string `json:"ratio,omitempty"`
}

// GenerateVideoRequest — запрос одиночной генерации видео из изображения.
type GenerateVideoRequest struct {
	Prompt          string `json:"prompt"`
	SourceImageURL  string `json:"source_image_url"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Model           string `json:"model,omitempty"`
}

// GenerationResponse — принятая генерация.
type GenerationResponse struct {
	TaskID           uuid.UUID `json:"task_id"`
	CreditsCost      int64     `json:"credits_cost"`
	RemainingCredits int64     `json:"remaining_credits"`
}

// Credit DTOs

// CreditsResponse — баланс счёта.
type CreditsResponse struct {
	AccountID uuid.UUID `json:"account_id"`
	Balance   int64     `json:"balance"`
}

// DeductRequest — прямое списание.
type DeductRequest struct {
	Amount      int64      `json:"amount"`
	Description string     `json:"description,omitempty"`
	TaskID      *uuid.UUID `json:"task_id,omitempty"`
}

// DeductResponse — остаток после списания.
type DeductResponse struct {
	Remaining int64 `json:"remaining"`
}

// TransactionResponse — запись журнала кредитов.
type TransactionResponse struct {
	ID            uuid.UUID  `json:"id"`
	Amount        int64      `json:"amount"`
	Kind          string     `json:"kind"`
	Description   string     `json:"description"`
	RelatedTaskID *uuid.UUID `json:"related_task_id,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// TransactionFromDomain конвертирует domain.CreditTransaction в TransactionResponse.
func TransactionFromDomain(t domain.CreditTransaction) TransactionResponse {
	return TransactionResponse{
		ID:            t.ID,
		Amount:        t.Amount,
		Kind:          string(t.Kind),
		Description:   t.Description,
		RelatedTaskID: t.RelatedTaskID,
		CreatedAt:     t.CreatedAt,
	}
}

// Asset DTOs

// AssetResponse — ответ с asset.
type AssetResponse struct {
	ID        uuid.UUID      `json:"id"`
	RunID     *uuid.UUID     `json:"run_id,omitempty"`
	Type      string         `json:"type"`
	Name      string         `json:"name"`
	URL       string         `json:"url,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// AssetFromDomain конвертирует domain.Asset в AssetResponse.
func AssetFromDomain(a domain.Asset) AssetResponse {
	return AssetResponse{
		ID:        a.ID,
		RunID:     a.RunID,
		Type:      string(a.Type),
		Name:      a.Name,
		URL:       a.URL,
		Metadata:  a.Metadata,
		CreatedAt: a.CreatedAt,
	}
}
