package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ImageModel — провайдер генерации изображений.
type ImageModel string

const (
	ImageModelSeedream   ImageModel = "seedream"
	ImageModelMidjourney ImageModel = "midjourney"
)

// VideoModel — провайдер генерации видео.
type VideoModel string

const (
	VideoModelKling VideoModel = "kling"
	VideoModelSora  VideoModel = "sora2"
)

// IsValid проверяет, что модель известна.
func (m ImageModel) IsValid() bool {
	return m == ImageModelSeedream || m == ImageModelMidjourney
}

// IsValid проверяет, что модель известна.
func (m VideoModel) IsValid() bool {
	return m == VideoModelKling || m == VideoModelSora
}

// RunConfig — параметры запуска pipeline, выбранные пользователем.
type RunConfig struct {
	ImageModel ImageModel `json:"image_model"`
	VideoModel VideoModel `json:"video_model"`
	LipSync    bool       `json:"lip_sync,omitempty"`
	ArtStyle   string     `json:"art_style,omitempty"`

	// TargetScenes и ShotsPerScene берутся из оценки стоимости
	// и передаются в промпты, чтобы реальный объём совпадал с оплаченным.
	TargetScenes  int `json:"target_scenes,omitempty"`
	ShotsPerScene int `json:"shots_per_scene,omitempty"`
}

// PipelineRun — один запуск pipeline: текст → сценарий → раскадровка →
// портреты → кадры → видео.
//
// Стадии выполняются строго последовательно. Состояние каждой стадии
// сохраняется до перехода к следующей, поэтому run можно продолжить после
// рестарта с первой незавершённой стадии.
type PipelineRun struct {
	ID        uuid.UUID `json:"id"`
	AccountID uuid.UUID `json:"account_id"`
	Name      string    `json:"name"`
	Status    RunStatus `json:"status"`

	// Stages — упорядоченный список стадий. Порядок и ID стадий неизменны
	// после создания run.
	Stages []Stage `json:"stages"`

	// CurrentStageIndex — индекс стадии, которая выполняется или будет выполнена следующей.
	CurrentStageIndex int `json:"current_stage_index"`

	Config    RunConfig `json:"config"`
	InputText string    `json:"-"`

	// EstimatedCredits — сумма, списанная при старте.
	EstimatedCredits int64 `json:"estimated_credits"`

	// ActualCredits — стоимость фактически полученных результатов.
	// Заполняется при финализации; разница возвращается на баланс.
	ActualCredits int64 `json:"actual_credits"`

	// TaskID — tracking task (type=pipeline), к которому привязано списание.
	TaskID uuid.UUID `json:"task_id"`

	Artifacts Artifacts `json:"artifacts"`

	// Failures — аннотация частичных сбоев для runs, которые дошли до конца.
	Failures []FailureRecord `json:"failures,omitempty"`

	Error           string `json:"error,omitempty"`
	CancelRequested bool   `json:"cancel_requested,omitempty"`

	CreatedAt  time.Time  `json:"created_at"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// FailureRecord — запись о сбое стадии, не остановившем run.
type FailureRecord struct {
	StageID string `json:"stage_id"`
	Failed  int    `json:"failed"`
	Total   int    `json:"total"`
	Error   string `json:"error,omitempty"`
}

// Stage — одна стадия run.
type Stage struct {
	ID      string      `json:"id"`
	Label   string      `json:"label"`
	Status  StageStatus `json:"status"`
	SubJobs []SubJob    `json:"sub_jobs,omitempty"`
	Error   string      `json:"error,omitempty"`
}

// SubJob — ссылка на одну единицу fan-out работы внутри стадии.
type SubJob struct {
	// Key — ключ сущности: "character:Имя", "shot:1-2", "scene:1".
	Key string `json:"key"`

	TaskID         uuid.UUID    `json:"task_id,omitempty"`
	ProviderTaskID string       `json:"provider_task_id,omitempty"`
	Status         SubJobStatus `json:"status"`
	ResultRef      string       `json:"result_ref,omitempty"`
	Error          string       `json:"error,omitempty"`
	ErrorKind      ErrorKind    `json:"error_kind,omitempty"`
}

// StageDef — описание стадии при создании run.
type StageDef struct {
	ID    string
	Label string
}

// NewPipelineRun создаёт run в статусе pending со всеми стадиями в pending.
func NewPipelineRun(accountID uuid.UUID, name, text string, cfg RunConfig, defs []StageDef) *PipelineRun {
	stages := make([]Stage, len(defs))
	for i, d := range defs {
		stages[i] = Stage{ID: d.ID, Label: d.Label, Status: StageStatusPending}
	}

	return &PipelineRun{
		ID:        uuid.New(),
		AccountID: accountID,
		Name:      name,
		Status:    RunStatusPending,
		Stages:    stages,
		Config:    cfg,
		InputText: text,
		CreatedAt: time.Now(),
	}
}

// FirstIncompleteStage возвращает индекс первой стадии, которую нужно выполнить.
// Если все стадии завершены, возвращает len(Stages).
func (r *PipelineRun) FirstIncompleteStage() int {
	for i := range r.Stages {
		if !r.Stages[i].Status.IsDone() {
			return i
		}
	}
	return len(r.Stages)
}

// HasIncompleteStages проверяет, есть ли стадии в pending/processing/deferred.
func (r *PipelineRun) HasIncompleteStages() bool {
	return r.FirstIncompleteStage() < len(r.Stages)
}

// StageByID возвращает стадию по ID.
func (r *PipelineRun) StageByID(id string) *Stage {
	for i := range r.Stages {
		if r.Stages[i].ID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// IsFinished возвращает true, если run в финальном статусе.
func (r *PipelineRun) IsFinished() bool {
	return r.Status.IsTerminal()
}

// Duration возвращает продолжительность выполнения.
func (r *PipelineRun) Duration() time.Duration {
	if r.StartedAt == nil || r.FinishedAt == nil {
		return 0
	}
	return r.FinishedAt.Sub(*r.StartedAt)
}

// MarkProcessing переводит run в processing (старт или resume).
func (r *PipelineRun) MarkProcessing() {
	now := time.Now()
	r.Status = RunStatusProcessing
	if r.StartedAt == nil {
		r.StartedAt = &now
	}
	r.FinishedAt = nil
	r.Error = ""
}

// MarkCompleted переводит run в completed.
// Возвращает ErrInvalidTransition, если остались незавершённые стадии.
func (r *PipelineRun) MarkCompleted() error {
	if i := r.FirstIncompleteStage(); i < len(r.Stages) {
		return fmt.Errorf("%w: stage %s is %s", ErrInvalidTransition, r.Stages[i].ID, r.Stages[i].Status)
	}
	now := time.Now()
	r.Status = RunStatusCompleted
	r.FinishedAt = &now
	return nil
}

// MarkPartial переводит run в partial.
func (r *PipelineRun) MarkPartial(reason string) {
	r.Status = RunStatusPartial
	r.Error = reason
	if !r.HasIncompleteStages() {
		now := time.Now()
		r.FinishedAt = &now
	}
}

// MarkFailed переводит run в failed с указанием стадии-источника.
func (r *PipelineRun) MarkFailed(stageID, errMsg string) {
	now := time.Now()
	r.Status = RunStatusFailed
	r.FinishedAt = &now
	if stageID != "" {
		r.Error = fmt.Sprintf("stage %s: %s", stageID, errMsg)
	} else {
		r.Error = errMsg
	}
}

// MarkCancelled переводит run в cancelled.
func (r *PipelineRun) MarkCancelled() {
	now := time.Now()
	r.Status = RunStatusCancelled
	r.FinishedAt = &now
}

// Transition меняет статус стадии, соблюдая монотонность.
func (s *Stage) Transition(to StageStatus) error {
	if !s.Status.CanTransition(to) {
		return fmt.Errorf("%w: stage %s %s → %s", ErrInvalidTransition, s.ID, s.Status, to)
	}
	s.Status = to
	return nil
}

// SubJob возвращает sub-job по ключу.
func (s *Stage) SubJob(key string) *SubJob {
	for i := range s.SubJobs {
		if s.SubJobs[i].Key == key {
			return &s.SubJobs[i]
		}
	}
	return nil
}

// UpsertSubJob добавляет или заменяет sub-job с тем же ключом.
func (s *Stage) UpsertSubJob(job SubJob) {
	if existing := s.SubJob(job.Key); existing != nil {
		*existing = job
		return
	}
	s.SubJobs = append(s.SubJobs, job)
}

// CountSubJobs возвращает количество sub-jobs в каждом статусе.
func (s *Stage) CountSubJobs() map[SubJobStatus]int {
	counts := make(map[SubJobStatus]int, 5)
	for _, j := range s.SubJobs {
		counts[j.Status]++
	}
	return counts
}
