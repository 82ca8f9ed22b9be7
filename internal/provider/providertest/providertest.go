// Package providertest содержит управляемые реализации генераторов
// для тестов стадий и оркестратора.
package providertest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/shaiso/Mangaflow/internal/provider"
)

// Text — текстовый генератор с ответом из функции.
type Text struct {
	Respond func(req provider.TextRequest) (string, error)

	mu    sync.Mutex
	calls []provider.TextRequest
}

// Name возвращает имя генератора.
func (t *Text) Name() string { return "fake-text" }

// Generate возвращает ответ Respond и запоминает запрос.
func (t *Text) Generate(_ context.Context, req provider.TextRequest) (string, error) {
	t.mu.Lock()
	t.calls = append(t.calls, req)
	t.mu.Unlock()
	return t.Respond(req)
}

// Calls возвращает все запросы.
func (t *Text) Calls() []provider.TextRequest {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]provider.TextRequest, len(t.calls))
	copy(out, t.calls)
	return out
}

// Jobs — генератор изображений и видео по схеме submit-then-poll.
//
// Задача завершается на первом опросе с URL https://fake/{id}.
// Задача, промпт которой содержит FailOn, завершается с ошибкой.
// Hold держит все задачи в processing.
type Jobs struct {
	ProviderName string
	FailOn       string
	SubmitErr    error

	mu      sync.Mutex
	hold    bool
	seq     int
	prompts map[string]string
	images  []provider.ImageRequest
	videos  []provider.VideoRequest
	polls   int
}

// NewJobs создаёт Jobs.
func NewJobs(name string) *Jobs {
	return &Jobs{ProviderName: name, prompts: make(map[string]string)}
}

// Name возвращает имя генератора.
func (j *Jobs) Name() string { return j.ProviderName }

// SetHold включает или выключает удержание задач в processing.
func (j *Jobs) SetHold(hold bool) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.hold = hold
}

// SubmitImage регистрирует задачу изображения.
func (j *Jobs) SubmitImage(_ context.Context, req provider.ImageRequest) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.SubmitErr != nil {
		return "", j.SubmitErr
	}
	j.images = append(j.images, req)
	return j.register(req.Prompt), nil
}

// SubmitVideo регистрирует задачу видео.
func (j *Jobs) SubmitVideo(_ context.Context, req provider.VideoRequest) (string, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.SubmitErr != nil {
		return "", j.SubmitErr
	}
	j.videos = append(j.videos, req)
	return j.register(req.Prompt), nil
}

func (j *Jobs) register(prompt string) string {
	j.seq++
	id := fmt.Sprintf("%s-%d", j.ProviderName, j.seq)
	j.prompts[id] = prompt
	return id
}

// Poll возвращает состояние задачи. Неизвестная задача (отправленная
// до рестарта) считается завершённой.
func (j *Jobs) Poll(_ context.Context, taskID string) (provider.JobResult, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.polls++

	if j.hold {
		return provider.JobResult{Status: provider.JobProcessing}, nil
	}
	if j.FailOn != "" && strings.Contains(j.prompts[taskID], j.FailOn) {
		return provider.JobResult{Status: provider.JobFailed, Error: "content rejected"}, nil
	}
	return provider.JobResult{Status: provider.JobCompleted, URLs: []string{"https://fake/" + taskID}}, nil
}

// ImageRequests возвращает отправленные запросы изображений.
func (j *Jobs) ImageRequests() []provider.ImageRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]provider.ImageRequest, len(j.images))
	copy(out, j.images)
	return out
}

// VideoRequests возвращает отправленные запросы видео.
func (j *Jobs) VideoRequests() []provider.VideoRequest {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := make([]provider.VideoRequest, len(j.videos))
	copy(out, j.videos)
	return out
}

// Submits возвращает число отправленных задач.
func (j *Jobs) Submits() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.images) + len(j.videos)
}

// Polls возвращает число опросов.
func (j *Jobs) Polls() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.polls
}
