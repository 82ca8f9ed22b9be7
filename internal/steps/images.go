package steps

import (
	"context"
	"fmt"
	"strings"

	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/prompt"
	"github.com/shaiso/Mangaflow/internal/provider"
)

// CharacterDesignStage генерирует портрет каждого персонажа сценария.
// Портреты затем передаются в кадры как референсы.
type CharacterDesignStage struct {
	deps Deps
}

// NewCharacterDesignStage создаёт CharacterDesignStage.
func NewCharacterDesignStage(deps Deps) *CharacterDesignStage {
	return &CharacterDesignStage{deps: deps.withDefaults()}
}

// ID возвращает ID стадии.
func (s *CharacterDesignStage) ID() string { return StageCharacterDesign }

// Label возвращает название стадии.
func (s *CharacterDesignStage) Label() string { return labelOf(StageCharacterDesign) }

// Execute запускает по sub-job на персонажа.
func (s *CharacterDesignStage) Execute(ctx context.Context, req *Request) (*Result, error) {
	script := req.Artifacts.Script
	if script == nil {
		return nil, fmt.Errorf("%w: script", ErrMissingInput)
	}

	model := req.Config.ImageModel
	gen, err := s.deps.Providers.Image(model)
	if err != nil {
		return nil, err
	}

	artStyle := artStyleOf(req)
	jobs := make([]Job, 0, len(script.Characters))
	seen := make(map[string]bool, len(script.Characters))
	for _, c := range script.Characters {
		name := strings.TrimSpace(c.Name)
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true

		key := CharacterKey(name)
		jobs = append(jobs, Job{
			Key: key,
			Run: func(ctx context.Context) (domain.SubJob, domain.Artifacts) {
				reused := completedBefore(req, key)

				p, err := s.deps.Prompts.Character(c, artStyle, model)
				if err != nil {
					return failed(domain.SubJob{Key: key}, domain.ErrorKindParse, err), domain.Artifacts{}
				}

				job := s.deps.runProviderJob(ctx, req, providerJob{
					stageID:  StageCharacterDesign,
					key:      key,
					taskType: domain.TaskTypeImage,
					model:    string(model),
					cost:     s.deps.Pricing.ImageRate(model),
					params:   map[string]any{"character": name, "prompt": p.Prompt},
					source:   gen,
					submit: func(ctx context.Context) (string, error) {
						return gen.SubmitImage(ctx, provider.ImageRequest{
							Prompt:         p.Prompt,
							NegativePrompt: p.Negative,
							Width:          prompt.PortraitWidth,
							Height:         prompt.PortraitHeight,
						})
					},
				})
				if job.Status != domain.SubJobStatusCompleted {
					return job, domain.Artifacts{}
				}

				if !reused {
					runID := req.RunID
					s.deps.record(ctx, domain.Asset{
						AccountID: req.AccountID,
						RunID:     &runID,
						Type:      domain.AssetTypeImage,
						Name:      name,
						URL:       job.ResultRef,
						Metadata:  map[string]any{"character": name, "model": string(model)},
					}, nil)
				}
				return job, domain.Artifacts{Portraits: map[string]string{name: job.ResultRef}}
			},
		})
	}

	results, produced, err := FanOut(ctx, FanOutOptions{
		StageID: StageCharacterDesign,
		Size:    s.deps.FanOut,
		Request: req,
		Logger:  s.deps.Logger,
	}, jobs)
	if results == nil {
		return nil, err
	}
	return newResult(results, produced), err
}

// SceneImagesStage генерирует изображение каждого кадра раскадровки.
type SceneImagesStage struct {
	deps Deps
}

// NewSceneImagesStage создаёт SceneImagesStage.
func NewSceneImagesStage(deps Deps) *SceneImagesStage {
	return &SceneImagesStage{deps: deps.withDefaults()}
}

// ID возвращает ID стадии.
func (s *SceneImagesStage) ID() string { return StageSceneImages }

// Label возвращает название стадии.
func (s *SceneImagesStage) Label() string { return labelOf(StageSceneImages) }

// Execute запускает по sub-job на кадр. Портреты персонажей в кадре
// передаются как референсы.
func (s *SceneImagesStage) Execute(ctx context.Context, req *Request) (*Result, error) {
	model := req.Config.ImageModel
	gen, err := s.deps.Providers.Image(model)
	if err != nil {
		return nil, err
	}

	artStyle := artStyleOf(req)
	var jobs []Job
	for _, sc := range req.Artifacts.Storyboard {
		for _, shot := range sc.Shots {
			key := ShotKey(shot.ID)
			jobs = append(jobs, Job{
				Key: key,
				Run: func(ctx context.Context) (domain.SubJob, domain.Artifacts) {
					reused := completedBefore(req, key)

					p, err := s.deps.Prompts.Scene(shot, artStyle, model)
					if err != nil {
						return failed(domain.SubJob{Key: key}, domain.ErrorKindParse, err), domain.Artifacts{}
					}
					refs := referenceURLs(shot, req.Artifacts.Portraits)

					job := s.deps.runProviderJob(ctx, req, providerJob{
						stageID:  StageSceneImages,
						key:      key,
						taskType: domain.TaskTypeImage,
						model:    string(model),
						cost:     s.deps.Pricing.ImageRate(model),
						params:   map[string]any{"shot_id": shot.ID, "scene_id": int(sc.SceneID), "prompt": p.Prompt, "references": len(refs)},
						source:   gen,
						submit: func(ctx context.Context) (string, error) {
							return gen.SubmitImage(ctx, provider.ImageRequest{
								Prompt:         p.Prompt,
								NegativePrompt: p.Negative,
								Width:          prompt.SceneWidth,
								Height:         prompt.SceneHeight,
								ReferenceURLs:  refs,
							})
						},
					})
					if job.Status != domain.SubJobStatusCompleted {
						return job, domain.Artifacts{}
					}

					if !reused {
						runID := req.RunID
						s.deps.record(ctx, domain.Asset{
							AccountID: req.AccountID,
							RunID:     &runID,
							Type:      domain.AssetTypeImage,
							Name:      "shot " + shot.ID,
							URL:       job.ResultRef,
							Metadata:  map[string]any{"shot_id": shot.ID, "scene_id": int(sc.SceneID), "model": string(model)},
						}, nil)
					}
					return job, domain.Artifacts{ShotImages: map[string]string{shot.ID: job.ResultRef}}
				},
			})
		}
	}

	results, produced, err := FanOut(ctx, FanOutOptions{
		StageID: StageSceneImages,
		Size:    s.deps.FanOut,
		Request: req,
		Logger:  s.deps.Logger,
	}, jobs)
	if results == nil {
		return nil, err
	}
	return newResult(results, produced), err
}

// referenceURLs — портреты персонажей, присутствующих в кадре.
func referenceURLs(shot domain.Shot, portraits map[string]string) []string {
	var refs []string
	for _, name := range shot.CharactersInFrame {
		if u := portraits[name]; u != "" {
			refs = append(refs, u)
		}
	}
	return refs
}

// completedBefore — sub-job завершён в прошлой попытке и будет переиспользован.
func completedBefore(req *Request, key string) bool {
	prev, ok := req.previous(key)
	return ok && prev.Status == domain.SubJobStatusCompleted && prev.ResultRef != ""
}
