package provider

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	klingDefaultURL   = "https://api.klingai.com"
	klingDefaultModel = "kling-v1-6"
	klingTokenTTL     = 30 * time.Minute
)

// KlingConfig — настройки KlingVideo.
type KlingConfig struct {
	AccessKey string        `yaml:"access_key"`
	SecretKey string        `yaml:"secret_key"`
	Model     string        `yaml:"model"`
	Mode      string        `yaml:"mode"`
	URL       string        `yaml:"url"`
	Timeout   time.Duration `yaml:"timeout"`
}

// KlingVideo — генерация видео из изображения.
//
// Аутентификация — JWT HS256 с access key в iss, подписанный secret key.
type KlingVideo struct {
	cfg    KlingConfig
	client client
	now    func() time.Time
}

// NewKlingVideo создаёт адаптер. Нужны оба ключа.
func NewKlingVideo(cfg KlingConfig) (*KlingVideo, error) {
	if cfg.AccessKey == "" || cfg.SecretKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.URL == "" {
		cfg.URL = klingDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = klingDefaultModel
	}
	if cfg.Mode == "" {
		cfg.Mode = "pro"
	}
	return &KlingVideo{cfg: cfg, client: newClient("kling", cfg.Timeout), now: time.Now}, nil
}

// Name возвращает имя провайдера.
func (k *KlingVideo) Name() string { return "kling" }

// token выпускает JWT: exp через 30 минут, nbf на 5 секунд в прошлом.
func (k *KlingVideo) token() (string, error) {
	now := k.now()
	claims := jwt.RegisteredClaims{
		Issuer:    k.cfg.AccessKey,
		ExpiresAt: jwt.NewNumericDate(now.Add(klingTokenTTL)),
		NotBefore: jwt.NewNumericDate(now.Add(-5 * time.Second)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(k.cfg.SecretKey))
	if err != nil {
		return "", fmt.Errorf("sign kling token: %w", err)
	}
	return signed, nil
}

func (k *KlingVideo) authorize(req *http.Request, _ []byte) error {
	token, err := k.token()
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

type klingRequest struct {
	ModelName string  `json:"model_name"`
	Image     string  `json:"image"`
	Prompt    string  `json:"prompt"`
	CfgScale  float64 `json:"cfg_scale"`
	Mode      string  `json:"mode"`
	Duration  string  `json:"duration"`
}

type klingResponse struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		TaskID        string `json:"task_id"`
		TaskStatus    string `json:"task_status"`
		TaskStatusMsg string `json:"task_status_msg"`
		TaskResult    struct {
			Videos []struct {
				URL string `json:"url"`
			} `json:"videos"`
		} `json:"task_result"`
	} `json:"data"`
}

// SubmitVideo ставит задачу image2video. Длительность — 5 или 10 секунд.
func (k *KlingVideo) SubmitVideo(ctx context.Context, req VideoRequest) (string, error) {
	duration := 5
	if req.DurationSeconds > 5 {
		duration = 10
	}

	var resp klingResponse
	err := k.client.do(ctx, request{
		method: http.MethodPost,
		url:    strings.TrimRight(k.cfg.URL, "/") + "/v1/videos/image2video",
		body: klingRequest{
			ModelName: k.cfg.Model,
			Image:     req.SourceImageURL,
			Prompt:    req.Prompt,
			CfgScale:  0.5,
			Mode:      k.cfg.Mode,
			Duration:  strconv.Itoa(duration),
		},
		prepare: k.authorize,
	}, &resp)
	if err != nil {
		return "", err
	}
	if resp.Code != 0 {
		return "", &Error{Provider: k.Name(), Message: resp.Message}
	}
	return resp.Data.TaskID, nil
}

// Poll возвращает состояние задачи.
func (k *KlingVideo) Poll(ctx context.Context, taskID string) (JobResult, error) {
	var resp klingResponse
	err := k.client.do(ctx, request{
		method:  http.MethodGet,
		url:     strings.TrimRight(k.cfg.URL, "/") + "/v1/videos/image2video/" + taskID,
		prepare: k.authorize,
	}, &resp)
	if err != nil {
		return JobResult{}, err
	}

	switch resp.Data.TaskStatus {
	case "succeed":
		videos := resp.Data.TaskResult.Videos
		if len(videos) == 0 {
			return JobResult{Status: JobFailed, Error: "no video in result"}, nil
		}
		return JobResult{Status: JobCompleted, URLs: []string{videos[0].URL}}, nil
	case "failed":
		msg := resp.Data.TaskStatusMsg
		if msg == "" {
			msg = "generation failed"
		}
		return JobResult{Status: JobFailed, Error: msg}, nil
	case "submitted":
		return JobResult{Status: JobPending}, nil
	default:
		return JobResult{Status: JobProcessing}, nil
	}
}
