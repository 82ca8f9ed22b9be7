package steps

import (
	"context"
	"errors"

	"github.com/shaiso/Mangaflow/internal/domain"
	"github.com/shaiso/Mangaflow/internal/prompt"
	"github.com/shaiso/Mangaflow/internal/provider"
)

// errNoSourceImage — у кадра нет изображения, видео строить не из чего.
var errNoSourceImage = errors.New("source image failed")

// SceneVideosStage генерирует видео из изображения каждого кадра.
type SceneVideosStage struct {
	deps Deps
}

// NewSceneVideosStage создаёт SceneVideosStage.
func NewSceneVideosStage(deps Deps) *SceneVideosStage {
	return &SceneVideosStage{deps: deps.withDefaults()}
}

// ID возвращает ID стадии.
func (s *SceneVideosStage) ID() string { return StageSceneVideos }

// Label возвращает название стадии.
func (s *SceneVideosStage) Label() string { return labelOf(StageSceneVideos) }

// Execute запускает по sub-job на кадр. Кадр без изображения сразу
// получает failed с ErrorKind dependency, провайдер не вызывается.
func (s *SceneVideosStage) Execute(ctx context.Context, req *Request) (*Result, error) {
	model := req.Config.VideoModel
	gen, err := s.deps.Providers.Video(model)
	if err != nil {
		return nil, err
	}

	var jobs []Job
	for _, sc := range req.Artifacts.Storyboard {
		for _, shot := range sc.Shots {
			key := ShotKey(shot.ID)
			image := req.Artifacts.ShotImages[shot.ID]

			jobs = append(jobs, Job{
				Key: key,
				Run: func(ctx context.Context) (domain.SubJob, domain.Artifacts) {
					if image == "" {
						return failed(domain.SubJob{Key: key}, domain.ErrorKindDependency, errNoSourceImage), domain.Artifacts{}
					}
					reused := completedBefore(req, key)

					text, err := s.deps.Prompts.Video(shot)
					if err != nil {
						return failed(domain.SubJob{Key: key}, domain.ErrorKindParse, err), domain.Artifacts{}
					}
					duration := prompt.VideoDuration(shot)

					job := s.deps.runProviderJob(ctx, req, providerJob{
						stageID:  StageSceneVideos,
						key:      key,
						taskType: domain.TaskTypeVideo,
						model:    string(model),
						cost:     s.deps.Pricing.VideoRate(model),
						params:   map[string]any{"shot_id": shot.ID, "duration": duration, "prompt": text, "source_image": image},
						source:   gen,
						submit: func(ctx context.Context) (string, error) {
							return gen.SubmitVideo(ctx, provider.VideoRequest{
								Prompt:          text,
								SourceImageURL:  image,
								DurationSeconds: duration,
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
							Type:      domain.AssetTypeVideo,
							Name:      "shot " + shot.ID,
							URL:       job.ResultRef,
							Metadata: map[string]any{
								"shot_id":  shot.ID,
								"scene_id": int(sc.SceneID),
								"model":    string(model),
								"duration": duration,
							},
						}, nil)
					}
					return job, domain.Artifacts{ShotVideos: map[string]string{shot.ID: job.ResultRef}}
				},
			})
		}
	}

	results, produced, err := FanOut(ctx, FanOutOptions{
		StageID: StageSceneVideos,
		Size:    s.deps.FanOut,
		Request: req,
		Logger:  s.deps.Logger,
	}, jobs)
	if results == nil {
		return nil, err
	}
	return newResult(results, produced), err
}
