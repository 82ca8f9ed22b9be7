package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

// MidjourneyConfig — настройки MidjourneyImage (через прокси-сервис).
type MidjourneyConfig struct {
	APIKey  string        `yaml:"api_key"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// MidjourneyImage — генерация изображений через midjourney-proxy.
//
// Параметры вроде --ar и --niji передаются в самом промпте.
type MidjourneyImage struct {
	cfg    MidjourneyConfig
	client client
}

// NewMidjourneyImage создаёт адаптер. Нужны и URL прокси, и ключ.
func NewMidjourneyImage(cfg MidjourneyConfig) (*MidjourneyImage, error) {
	if cfg.APIKey == "" || cfg.URL == "" {
		return nil, ErrNotConfigured
	}
	return &MidjourneyImage{cfg: cfg, client: newClient("midjourney", cfg.Timeout)}, nil
}

// Name возвращает имя провайдера.
func (m *MidjourneyImage) Name() string { return "midjourney" }

type mjSubmitResponse struct {
	Code        int    `json:"code"`
	Description string `json:"description"`
	Result      string `json:"result"`
}

type mjTaskResponse struct {
	ID         string `json:"id"`
	Status     string `json:"status"`
	Progress   string `json:"progress"`
	ImageURL   string `json:"imageUrl"`
	FailReason string `json:"failReason"`
}

func (m *MidjourneyImage) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + m.cfg.APIKey}
}

// SubmitImage ставит задачу /imagine. Размер задаётся суффиксом --ar в промпте.
func (m *MidjourneyImage) SubmitImage(ctx context.Context, req ImageRequest) (string, error) {
	prompt := req.Prompt
	if len(req.ReferenceURLs) > 0 {
		prompt = strings.Join(req.ReferenceURLs, " ") + " " + prompt
	}

	var resp mjSubmitResponse
	err := m.client.do(ctx, request{
		method:  http.MethodPost,
		url:     strings.TrimRight(m.cfg.URL, "/") + "/submit/imagine",
		headers: m.headers(),
		body: map[string]string{
			"prompt":  prompt,
			"botType": "MID_JOURNEY",
		},
	}, &resp)
	if err != nil {
		return "", err
	}

	// Прокси отвечают code=1 или code=200 в зависимости от реализации.
	if resp.Code != 1 && resp.Code != 200 {
		return "", &Error{Provider: m.Name(), Message: resp.Description}
	}
	return resp.Result, nil
}

// Poll возвращает состояние задачи.
func (m *MidjourneyImage) Poll(ctx context.Context, taskID string) (JobResult, error) {
	var resp mjTaskResponse
	err := m.client.do(ctx, request{
		method:  http.MethodGet,
		url:     strings.TrimRight(m.cfg.URL, "/") + "/task/" + taskID + "/fetch",
		headers: m.headers(),
	}, &resp)
	if err != nil {
		return JobResult{}, err
	}

	switch resp.Status {
	case "SUCCESS":
		if resp.ImageURL == "" {
			return JobResult{Status: JobFailed, Error: "no image in result"}, nil
		}
		return JobResult{Status: JobCompleted, URLs: []string{resp.ImageURL}}, nil
	case "FAILURE":
		msg := resp.FailReason
		if msg == "" {
			msg = "generation failed"
		}
		return JobResult{Status: JobFailed, Error: msg}, nil
	case "IN_PROGRESS":
		return JobResult{Status: JobProcessing}, nil
	default:
		// NOT_START, SUBMITTED
		return JobResult{Status: JobPending}, nil
	}
}
