package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	seedreamDefaultURL   = "https://visual.volcengineapi.com"
	seedreamDefaultModel = "seedream-4.5"
)

// Signer подписывает запрос к провайдеру.
// Алгоритм подписи вендора подключается снаружи.
type Signer interface {
	Sign(req *http.Request, body []byte) error
}

// BearerSigner — подпись заголовком Authorization: Bearer.
type BearerSigner struct {
	Token string
}

// Sign реализует Signer.
func (s BearerSigner) Sign(req *http.Request, _ []byte) error {
	req.Header.Set("Authorization", "Bearer "+s.Token)
	return nil
}

// SeedreamConfig — настройки SeedreamImage.
type SeedreamConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`

	// Signer заменяет bearer-подпись по APIKey.
	Signer Signer `yaml:"-"`
}

// SeedreamImage — генерация изображений Seedream.
type SeedreamImage struct {
	cfg    SeedreamConfig
	signer Signer
	client client
}

// NewSeedreamImage создаёт адаптер.
// Без ключа и без Signer возвращает ErrNotConfigured.
func NewSeedreamImage(cfg SeedreamConfig) (*SeedreamImage, error) {
	signer := cfg.Signer
	if signer == nil {
		if cfg.APIKey == "" {
			return nil, ErrNotConfigured
		}
		signer = BearerSigner{Token: cfg.APIKey}
	}
	if cfg.URL == "" {
		cfg.URL = seedreamDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = seedreamDefaultModel
	}
	return &SeedreamImage{cfg: cfg, signer: signer, client: newClient("seedream", cfg.Timeout)}, nil
}

// Name возвращает имя провайдера.
func (s *SeedreamImage) Name() string { return "seedream" }

type seedreamRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Width          int    `json:"width"`
	Height         int    `json:"height"`
	NumImages      int    `json:"num_images"`
	Seed           int    `json:"seed"`
	RefImage       string `json:"ref_image,omitempty"`
}

type seedreamResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID string `json:"task_id"`
		Status string `json:"status"`
		Images []struct {
			URL string `json:"url"`
		} `json:"images"`
	} `json:"data"`
}

// SubmitImage ставит задачу генерации.
func (s *SeedreamImage) SubmitImage(ctx context.Context, req ImageRequest) (string, error) {
	width, height := req.Width, req.Height
	if width <= 0 {
		width = 1024
	}
	if height <= 0 {
		height = 1024
	}

	body := seedreamRequest{
		Model:          s.cfg.Model,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Width:          width,
		Height:         height,
		NumImages:      1,
		Seed:           -1,
	}
	if len(req.ReferenceURLs) > 0 {
		body.RefImage = req.ReferenceURLs[0]
	}

	var resp seedreamResponse
	err := s.client.do(ctx, request{
		method:  http.MethodPost,
		url:     strings.TrimRight(s.cfg.URL, "/") + "/v1/images/generations",
		body:    body,
		prepare: s.signer.Sign,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &Error{Provider: s.Name(), Message: resp.Message}
	}
	if resp.Data.TaskID == "" {
		return "", &Error{Provider: s.Name(), Message: "empty task id"}
	}
	return resp.Data.TaskID, nil
}

// Poll возвращает состояние задачи.
func (s *SeedreamImage) Poll(ctx context.Context, taskID string) (JobResult, error) {
	var resp seedreamResponse
	err := s.client.do(ctx, request{
		method:  http.MethodGet,
		url:     strings.TrimRight(s.cfg.URL, "/") + "/v1/images/tasks/" + taskID,
		prepare: s.signer.Sign,
	}, &resp)
	if err != nil {
		return JobResult{}, err
	}

	switch resp.Data.Status {
	case "success":
		urls := make([]string, 0, len(resp.Data.Images))
		for _, img := range resp.Data.Images {
			urls = append(urls, img.URL)
		}
		if len(urls) == 0 {
			return JobResult{Status: JobFailed, Error: "no images in result"}, nil
		}
		return JobResult{Status: JobCompleted, URLs: urls}, nil
	case "failed":
		msg := resp.Message
		if msg == "" {
			msg = "generation failed"
		}
		return JobResult{Status: JobFailed, Error: msg}, nil
	default:
		return JobResult{Status: JobProcessing}, nil
	}
}
