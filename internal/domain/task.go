package domain

import (
	"time"

	"github.com/google/uuid"
)

// TaskType — тип generation task.
type TaskType string

const (
	TaskTypeText     TaskType = "text"
	TaskTypeImage    TaskType = "image"
	TaskTypeVideo    TaskType = "video"
	TaskTypePipeline TaskType = "pipeline"
)

// GenerationTask — одна оплачиваемая задача генерации.
//
// Для pipeline run создаётся tracking task (type=pipeline), к которому
// привязано списание. Каждый sub-job у провайдера — отдельный task
// с ProviderTaskID.
type GenerationTask struct {
	ID        uuid.UUID  `json:"id"`
	AccountID uuid.UUID  `json:"account_id"`
	RunID     *uuid.UUID `json:"run_id,omitempty"`
	Type      TaskType   `json:"type"`
	Model     string     `json:"model,omitempty"`

	// ProviderTaskID — идентификатор задачи на стороне провайдера.
	ProviderTaskID string `json:"provider_task_id,omitempty"`

	Status       TaskStatus `json:"status"`
	ResultRef    string     `json:"result_ref,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	// CreditsCost неизменен после сохранения.
	CreditsCost int64 `json:"credits_cost"`

	Params map[string]any `json:"params,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewGenerationTask создаёт task в статусе pending.
func NewGenerationTask(accountID uuid.UUID, runID *uuid.UUID, typ TaskType, model string, cost int64) *GenerationTask {
	now := time.Now()
	return &GenerationTask{
		ID:          uuid.New(),
		AccountID:   accountID,
		RunID:       runID,
		Type:        typ,
		Model:       model,
		Status:      TaskStatusPending,
		CreditsCost: cost,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// MarkProcessing фиксирует отправку задачи провайдеру.
func (t *GenerationTask) MarkProcessing(providerTaskID string) {
	t.Status = TaskStatusProcessing
	t.ProviderTaskID = providerTaskID
	t.UpdatedAt = time.Now()
}

// MarkCompleted фиксирует результат.
func (t *GenerationTask) MarkCompleted(resultRef string) {
	t.Status = TaskStatusCompleted
	t.ResultRef = resultRef
	t.ErrorMessage = ""
	t.UpdatedAt = time.Now()
}

// MarkFailed фиксирует ошибку.
func (t *GenerationTask) MarkFailed(errMsg string) {
	t.Status = TaskStatusFailed
	t.ErrorMessage = errMsg
	t.UpdatedAt = time.Now()
}
