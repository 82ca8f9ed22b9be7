package provider

import (
	"context"
	"net/http"
	"strings"
	"time"
)

const (
	anthropicDefaultURL   = "https://api.anthropic.com/v1/messages"
	anthropicDefaultModel = "claude-sonnet-4-5"
	anthropicVersion      = "2023-06-01"
)

// AnthropicConfig — настройки AnthropicText.
type AnthropicConfig struct {
	APIKey  string        `yaml:"api_key"`
	Model   string        `yaml:"model"`
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// AnthropicText — генерация текста через Messages API.
type AnthropicText struct {
	cfg    AnthropicConfig
	client client
}

// NewAnthropicText создаёт адаптер. Без ключа возвращает ErrNotConfigured.
func NewAnthropicText(cfg AnthropicConfig) (*AnthropicText, error) {
	if cfg.APIKey == "" {
		return nil, ErrNotConfigured
	}
	if cfg.URL == "" {
		cfg.URL = anthropicDefaultURL
	}
	if cfg.Model == "" {
		cfg.Model = anthropicDefaultModel
	}
	if cfg.Timeout <= 0 {
		// Сценарий на 8k токенов генерируется долго.
		cfg.Timeout = 5 * time.Minute
	}
	return &AnthropicText{cfg: cfg, client: newClient("anthropic", cfg.Timeout)}, nil
}

// Name возвращает имя провайдера.
func (a *AnthropicText) Name() string { return "anthropic" }

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

// Generate отправляет запрос и возвращает склеенный текст ответа.
func (a *AnthropicText) Generate(ctx context.Context, req TextRequest) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	var resp anthropicResponse
	err := a.client.do(ctx, request{
		method: http.MethodPost,
		url:    a.cfg.URL,
		headers: map[string]string{
			"x-api-key":         a.cfg.APIKey,
			"anthropic-version": anthropicVersion,
		},
		body: anthropicRequest{
			Model:       a.cfg.Model,
			MaxTokens:   maxTokens,
			Temperature: req.Temperature,
			System:      req.System,
			Messages:    []anthropicMessage{{Role: "user", Content: req.User}},
		},
	}, &resp)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.Text)
		}
	}
	if sb.Len() == 0 {
		return "", &Error{Provider: a.Name(), Message: "empty response"}
	}
	return sb.String(), nil
}
