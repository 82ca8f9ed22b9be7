package steps

import (
	"fmt"
	"sync"

	"github.com/shaiso/Mangaflow/internal/domain"
)

// Registry — упорядоченный реестр стадий.
//
// Порядок регистрации — порядок выполнения. Потокобезопасен.
type Registry struct {
	mu     sync.RWMutex
	order  []string
	stages map[string]Stage
}

// NewRegistry создаёт пустой реестр.
func NewRegistry() *Registry {
	return &Registry{
		stages: make(map[string]Stage),
	}
}

// DefaultRegistry создаёт реестр со всеми стадиями pipeline.
func DefaultRegistry(deps Deps) *Registry {
	d := deps.withDefaults()

	r := NewRegistry()
	r.Register(NewScriptStage(d))
	r.Register(NewStoryboardStage(d))
	r.Register(NewCharacterDesignStage(d))
	r.Register(NewSceneImagesStage(d))
	r.Register(NewSceneVideosStage(d))

	return r
}

// Register добавляет стадию в конец порядка.
// Стадия с тем же ID заменяется без изменения порядка.
func (r *Registry) Register(stage Stage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.stages[stage.ID()]; !exists {
		r.order = append(r.order, stage.ID())
	}
	r.stages[stage.ID()] = stage
}

// Get возвращает стадию по ID.
// Возвращает ErrStageNotFound, если стадия не найдена.
func (r *Registry) Get(id string) (Stage, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	stage, exists := r.stages[id]
	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrStageNotFound, id)
	}

	return stage, nil
}

// Has проверяет, зарегистрирована ли стадия.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, exists := r.stages[id]
	return exists
}

// IDs возвращает ID стадий в порядке выполнения.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, len(r.order))
	copy(ids, r.order)
	return ids
}

// Defs возвращает описания стадий для создания run.
func (r *Registry) Defs() []domain.StageDef {
	r.mu.RLock()
	defer r.mu.RUnlock()

	defs := make([]domain.StageDef, 0, len(r.order))
	for _, id := range r.order {
		defs = append(defs, domain.StageDef{ID: id, Label: r.stages[id].Label()})
	}
	return defs
}

// Count возвращает количество зарегистрированных стадий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

// defaultDefs — стадии pipeline по умолчанию.
var defaultDefs = []domain.StageDef{
	{ID: StageScript, Label: "Script"},
	{ID: StageStoryboard, Label: "Storyboard"},
	{ID: StageCharacterDesign, Label: "Character design"},
	{ID: StageSceneImages, Label: "Scene images"},
	{ID: StageSceneVideos, Label: "Scene videos"},
}

// DefaultDefs возвращает описания стадий по умолчанию.
// Используется там, где провайдеры не нужны (создание run в API).
func DefaultDefs() []domain.StageDef {
	defs := make([]domain.StageDef, len(defaultDefs))
	copy(defs, defaultDefs)
	return defs
}

func labelOf(id string) string {
	for _, d := range defaultDefs {
		if d.ID == id {
			return d.Label
		}
	}
	return id
}
