package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/prompt"
	"github.com/shaiso/Mangaflow/internal/provider"
)

const (
	storyboardMaxTokens   = 8192
	storyboardTemperature = 0.6
)

// StoryboardStage строит раскадровку каждой сцены сценария.
type StoryboardStage struct {
	deps Deps
}

// NewStoryboardStage создаёт StoryboardStage.
func NewStoryboardStage(deps Deps) *StoryboardStage {
	return &StoryboardStage{deps: deps.withDefaults()}
}

// ID возвращает ID стадии.
func (s *StoryboardStage) ID() string { return StageStoryboard }

// Label возвращает название стадии.
func (s *StoryboardStage) Label() string { return labelOf(StageStoryboard) }

// Execute запускает по sub-job на сцену.
func (s *StoryboardStage) Execute(ctx context.Context, req *Request) (*Result, error) {
	script := req.Artifacts.Script
	if script == nil {
		return nil, fmt.Errorf("%w: script", ErrMissingInput)
	}

	gen, err := s.deps.Providers.Text()
	if err != nil {
		return nil, err
	}

	system, err := s.deps.Prompts.StoryboardSystem(req.Config.ShotsPerScene)
	if err != nil {
		return nil, err
	}

	artStyle := artStyleOf(req)
	jobs := make([]Job, 0, len(script.Scenes))
	for _, scene := range script.Scenes {
		key := SceneKey(scene.ID)
		jobs = append(jobs, Job{
			Key: key,
			Run: func(ctx context.Context) (domain.SubJob, domain.Artifacts) {
				if prev, ok := req.previous(key); ok && prev.Status == domain.SubJobStatusCompleted {
					if sb, ok := req.Artifacts.StoryboardFor(scene.ID); ok {
						return prev, domain.Artifacts{Storyboard: []domain.StoryboardScene{sb}}
					}
				}
				return s.storyboardScene(ctx, req, gen, system, scene, script, artStyle)
			},
		})
	}

	results, produced, err := FanOut(ctx, FanOutOptions{
		StageID: StageStoryboard,
		Size:    s.deps.FanOut,
		Request: req,
		Logger:  s.deps.Logger,
	}, jobs)
	if results == nil {
		return nil, err
	}
	return newResult(results, produced), err
}

func (s *StoryboardStage) storyboardScene(ctx context.Context, req *Request, gen provider.TextGenerator, system string, scene domain.Scene, script *domain.Script, artStyle string) (domain.SubJob, domain.Artifacts) {
	key := SceneKey(scene.ID)

	user, err := prompt.StoryboardUser(scene, script, artStyle)
	if err != nil {
		return failed(domain.SubJob{Key: key}, domain.ErrorKindParse, err), domain.Artifacts{}
	}

	var sb domain.StoryboardScene
	job := s.deps.generateText(ctx, req, StageStoryboard, key, gen, provider.TextRequest{
		System:      system,
		User:        user,
		MaxTokens:   storyboardMaxTokens,
		Temperature: storyboardTemperature,
	}, &sb)
	if job.Status != domain.SubJobStatusCompleted {
		return job, domain.Artifacts{}
	}

	if len(sb.Shots) == 0 {
		return failed(job, domain.ErrorKindParse, fmt.Errorf("%w: scene %d has no shots", provider.ErrParse, scene.ID)), domain.Artifacts{}
	}
	normalizeStoryboard(&sb, scene.ID)

	if body, err := json.Marshal(sb); err == nil {
		runID := req.RunID
		s.deps.record(ctx, domain.Asset{
			AccountID: req.AccountID,
			RunID:     &runID,
			Type:      domain.AssetTypeText,
			Name:      fmt.Sprintf("storyboard scene %d", scene.ID),
			Metadata:  map[string]any{"scene_id": int(scene.ID), "shots": len(sb.Shots)},
		}, body)
	}

	return job, domain.Artifacts{Storyboard: []domain.StoryboardScene{sb}}
}

// normalizeStoryboard привязывает раскадровку к сцене и делает ID кадров
// уникальными в пределах run: "{scene}-{n}".
func normalizeStoryboard(sb *domain.StoryboardScene, sceneID domain.SceneID) {
	sb.SceneID = sceneID
	prefix := fmt.Sprintf("%d-", sceneID)
	seen := make(map[string]bool, len(sb.Shots))
	for i := range sb.Shots {
		id := strings.TrimSpace(sb.Shots[i].ID)
		if !strings.HasPrefix(id, prefix) || seen[id] {
			for n := i + 1; ; n++ {
				id = fmt.Sprintf("%d-%d", sceneID, n)
				if !seen[id] {
					break
				}
			}
		}
		sb.Shots[i].ID = id
		seen[id] = true
	}
}

// SceneKey — ключ sub-job раскадровки сцены.
func SceneKey(id domain.SceneID) string {
	return fmt.Sprintf("scene:%d", id)
}

// CharacterKey — ключ sub-job портрета.
func CharacterKey(name string) string {
	return "character:" + name
}

// ShotKey — ключ sub-job кадра или видео.
func ShotKey(id string) string {
	return "shot:" + id
}
