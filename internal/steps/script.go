package steps

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/prompt"
	"github.com/shaiso/Mangaflow/internal/provider"
	"github.com/shaiso/Mangaflow/internal/telemetry"
)

const (
	scriptMaxTokens   = 8192
	scriptTemperature = 0.7

	scriptKey = "script"
)

// ScriptStage превращает исходный текст в сценарий.
//
// Атомарная стадия: один запрос к текстовой модели, один sub-job.
type ScriptStage struct {
	deps Deps
}

// NewScriptStage создаёт ScriptStage.
func NewScriptStage(deps Deps) *ScriptStage {
	return &ScriptStage{deps: deps.withDefaults()}
}

// ID возвращает ID стадии.
func (s *ScriptStage) ID() string { return StageScript }

// Label возвращает название стадии.
func (s *ScriptStage) Label() string { return labelOf(StageScript) }

// Execute генерирует сценарий.
func (s *ScriptStage) Execute(ctx context.Context, req *Request) (*Result, error) {
	if strings.TrimSpace(req.InputText) == "" {
		return nil, fmt.Errorf("%w: input text is empty", ErrMissingInput)
	}

	gen, err := s.deps.Providers.Text()
	if err != nil {
		return nil, err
	}

	system, err := s.deps.Prompts.ScriptSystem(prompt.ScriptOptions{
		TargetScenes: req.Config.TargetScenes,
		ArtStyle:     req.Config.ArtStyle,
	})
	if err != nil {
		return nil, err
	}

	var script domain.Script
	job := s.deps.generateText(ctx, req, StageScript, scriptKey, gen, provider.TextRequest{
		System:      system,
		User:        prompt.ScriptUser(req.InputText),
		MaxTokens:   scriptMaxTokens,
		Temperature: scriptTemperature,
	}, &script)

	var produced domain.Artifacts
	if job.Status == domain.SubJobStatusCompleted {
		if len(script.Scenes) == 0 {
			job = failed(job, domain.ErrorKindParse, fmt.Errorf("%w: script has no scenes", provider.ErrParse))
		} else {
			normalizeScript(&script, req.Config.ArtStyle)
			produced.Script = &script
			s.recordScript(ctx, req, &script)
		}
	}

	req.report(job, produced)
	telemetry.SubJobsTotal.WithLabelValues(StageScript, string(job.Status)).Inc()

	res := newResult([]domain.SubJob{job}, produced)
	if job.Status == domain.SubJobStatusAbandoned {
		return res, ErrStageCancelled
	}
	return res, nil
}

func (s *ScriptStage) recordScript(ctx context.Context, req *Request, script *domain.Script) {
	body, err := json.Marshal(script)
	if err != nil {
		s.deps.Logger.Error("failed to marshal script", "run_id", req.RunID, "error", err)
		return
	}
	runID := req.RunID
	s.deps.record(ctx, domain.Asset{
		AccountID: req.AccountID,
		RunID:     &runID,
		Type:      domain.AssetTypeText,
		Name:      "script",
		Metadata: map[string]any{
			"title":      script.Title,
			"scenes":     len(script.Scenes),
			"characters": len(script.Characters),
		},
	}, body)
}

// normalizeScript заполняет пропуски в ответе модели: номера сцен
// и стиль рисовки. Номера сцен после нормализации уникальны.
func normalizeScript(script *domain.Script, artStyle string) {
	if script.ArtStyle == "" {
		script.ArtStyle = artStyle
	}
	seen := make(map[domain.SceneID]bool, len(script.Scenes))
	for i := range script.Scenes {
		id := script.Scenes[i].ID
		if id <= 0 || seen[id] {
			id = domain.SceneID(i + 1)
			for seen[id] {
				id++
			}
		}
		script.Scenes[i].ID = id
		seen[id] = true
	}
}

// artStyleOf — стиль из конфигурации run, иначе из сценария.
func artStyleOf(req *Request) string {
	if req.Config.ArtStyle != "" {
		return req.Config.ArtStyle
	}
	if req.Artifacts.Script != nil {
		return req.Artifacts.Script.ArtStyle
	}
	return ""
}
