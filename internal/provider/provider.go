// Package provider содержит адаптеры внешних генераторов.
//
// Все генераторы изображений и видео работают по схеме submit-then-poll:
// Submit возвращает идентификатор задачи провайдера, Poll — её текущее
// состояние. Ожидание результата — забота пакета poller.
//
// Генерация текста синхронная: TextGenerator.Generate возвращает ответ модели.
package provider

import (
	"context"
	"errors"
	"fmt"
)

// Ошибки провайдеров.
var (
	// ErrNotConfigured — для провайдера не задан ключ.
	// Стадия, которой он нужен, переходит в deferred.
	ErrNotConfigured = errors.New("provider not configured")

	// ErrParse — ответ модели не удалось разобрать как JSON.
	ErrParse = errors.New("failed to parse provider output")
)

// Error — ошибка, сообщённая провайдером или транспортом.
type Error struct {
	Provider   string
	Message    string
	StatusCode int

	// Transient — ошибку имеет смысл повторить (429, 5xx, сеть).
	Transient bool
}

// Error реализует интерфейс error.
func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

// IsTransient проверяет, что err — временная ошибка провайдера.
func IsTransient(err error) bool {
	var pe *Error
	return errors.As(err, &pe) && pe.Transient
}

// JobStatus — нормализованный статус задачи провайдера.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
)

// IsTerminal возвращает true для completed и failed.
func (s JobStatus) IsTerminal() bool {
	return s == JobCompleted || s == JobFailed
}

// JobResult — состояние задачи на стороне провайдера.
type JobResult struct {
	Status JobStatus
	URLs   []string
	Error  string
}

// URL возвращает первый URL результата.
func (r JobResult) URL() string {
	if len(r.URLs) == 0 {
		return ""
	}
	return r.URLs[0]
}

// TextRequest — запрос генерации текста.
type TextRequest struct {
	System      string
	User        string
	MaxTokens   int
	Temperature float64
}

// ImageRequest — запрос генерации изображения.
type ImageRequest struct {
	Prompt         string
	NegativePrompt string
	Width          int
	Height         int

	// ReferenceURLs — изображения для консистентности персонажей.
	ReferenceURLs []string
}

// VideoRequest — запрос генерации видео из изображения.
type VideoRequest struct {
	Prompt          string
	SourceImageURL  string
	DurationSeconds int
}

// TextGenerator — синхронная генерация текста.
type TextGenerator interface {
	Name() string
	Generate(ctx context.Context, req TextRequest) (string, error)
}

// JobSource — опрашиваемая задача провайдера.
type JobSource interface {
	Name() string
	Poll(ctx context.Context, taskID string) (JobResult, error)
}

// ImageGenerator — асинхронная генерация изображений.
type ImageGenerator interface {
	JobSource
	SubmitImage(ctx context.Context, req ImageRequest) (string, error)
}

// VideoGenerator — асинхронная генерация видео.
type VideoGenerator interface {
	JobSource
	SubmitVideo(ctx context.Context, req VideoRequest) (string, error)
}
