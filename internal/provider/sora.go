package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const soraDefaultURL = "https://api.openai.com/v1/videos/generations"

// SoraConfig — настройки SoraVideo.
type SoraConfig struct {
	APIKey     string        `yaml:"api_key"`
	Model      string        `yaml:"model"`
	URL        string        `yaml:"url"`
	Resolution string        `yaml:"resolution"`
	Aspect     string        `yaml:"aspect_ratio"`
	Timeout    time.Duration `yaml:"timeout"`
}

// SoraVideo — генерация видео Sora.
type SoraVideo struct {
	cfg    SoraConfig
	client client
}

// NewSoraVideo создаёт адаптер. Без ключа возвращает ErrNotConfigured.
func NewSoraVideo(cfg SoraConfig) (*SoraVideo, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.URL == "" {
		cfg.URL = soraDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = "sora"
	}
	if cfg.Resolution == "" {
		cfg.Resolution = "1080p"
	}
	if cfg.Aspect == "" {
		cfg.Aspect = "16:9"
	}
	return &SoraVideo{cfg: cfg, client: newClient("sora", cfg.Timeout)}, nil
}

// Name возвращает имя провайдера.
func (s *SoraVideo) Name() string { return "sora" }

type soraRequest struct {
	Model       string     `json:"model"`
	Prompt      string     `json:"prompt"`
	Duration    int        `json:"duration"`
	Resolution  string     `json:"resolution"`
	AspectRatio string     `json:"aspect_ratio"`
	Image       *soraImage `json:"image,omitempty"`
}

type soraImage struct {
	URL string `json:"url"`
}

type soraResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Video  *struct {
		URL string `json:"url"`
	} `json:"video"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (s *SoraVideo) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + s.cfg.APIKey}
}

// SubmitVideo ставит задачу генерации.
func (s *SoraVideo) SubmitVideo(ctx context.Context, req VideoRequest) (string, error) {
	duration := req.DurationSeconds
	if duration <= 0 {
		duration = 5
	}

	body := soraRequest{
		Model:       s.cfg.Model,
		Prompt:      req.Prompt,
		Duration:    duration,
		Resolution:  s.cfg.Resolution,
		AspectRatio: s.cfg.Aspect,
	}
	if req.SourceImageURL != "" {
		body.Image = &soraImage{URL: req.SourceImageURL}
	}

	var resp soraResponse
	err := s.client.do(ctx, request{
		method:  http.MethodPost,
		url:     s.cfg.URL,
		headers: s.headers(),
		body:    body,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.ID == "" {
		return "", &Error{Provider: s.Name(), Message: "empty task id"}
	}
	return resp.ID, nil
}

// Poll возвращает состояние задачи.
func (s *SoraVideo) Poll(ctx context.Context, taskID string) (JobResult, error) {
	var resp soraResponse
	err := s.client.do(ctx, request{
		method:  http.MethodGet,
		url:     strings.TrimRight(s.cfg.URL, "/") + "/" + taskID,
		headers: s.headers(),
	}, &resp)
	if err != nil {
		return JobResult{}, err
	}

	switch resp.Status {
	case "completed":
		if resp.Video == nil || resp.Video.URL == "" {
			return JobResult{Status: JobFailed, Error: "no video in result"}, nil
		}
		return JobResult{Status: JobCompleted, URLs: []string{resp.Video.URL}}, nil
	case "failed":
		msg := "generation failed"
		if resp.Error != nil && resp.Error.Message != "" {
			msg = resp.Error.Message
		}
		return JobResult{Status: JobFailed, Error: msg}, nil
	case "queued":
		return JobResult{Status: JobPending}, nil
	default:
		return JobResult{Status: JobProcessing}, nil
	}
}
