package provider

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shaiso/Mangaflow/internal/domain"
)

// Config — ключи и адреса всех провайдеров.
type Config struct {
	Anthropic  AnthropicConfig  `yaml:"anthropic"`
	Seedream   SeedreamConfig   `yaml:"seedream"`
	Midjourney MidjourneyConfig `yaml:"midjourney"`
	Kling      KlingConfig      `yaml:"kling"`
	Sora       SoraConfig       `yaml:"sora"`
}

// Registry сопоставляет модели с адаптерами.
//
// Отсутствующий адаптер — не ошибка сборки: стадия, которой он нужен,
// получит ErrNotConfigured и будет отложена.
type Registry struct {
	text   TextGenerator
	images map[domain.ImageModel]ImageGenerator
	videos map[domain.VideoModel]VideoGenerator
}

// NewRegistry создаёт пустой Registry.
func NewRegistry() *Registry {
	return &Registry{
		images: make(map[domain.ImageModel]ImageGenerator),
		videos: make(map[domain.VideoModel]VideoGenerator),
	}
}

// NewRegistryFromConfig создаёт адаптеры для всех провайдеров с ключами.
func NewRegistryFromConfig(cfg Config, logger *slog.Logger) (*Registry, error) {
	r := NewRegistry()

	if text, err := NewAnthropicText(cfg.Anthropic); err == nil {
		r.SetText(text)
	} else if err := skipUnconfigured(err, "anthropic", logger); err != nil {
		return nil, err
	}

	if img, err := NewSeedreamImage(cfg.Seedream); err == nil {
		r.RegisterImage(domain.ImageModelSeedream, img)
	} else if err := skipUnconfigured(err, "seedream", logger); err != nil {
		return nil, err
	}

	if img, err := NewMidjourneyImage(cfg.Midjourney); err == nil {
		r.RegisterImage(domain.ImageModelMidjourney, img)
	} else if err := skipUnconfigured(err, "midjourney", logger); err != nil {
		return nil, err
	}

	if vid, err := NewKlingVideo(cfg.Kling); err == nil {
		r.RegisterVideo(domain.VideoModelKling, vid)
	} else if err := skipUnconfigured(err, "kling", logger); err != nil {
		return nil, err
	}

	if vid, err := NewSoraVideo(cfg.Sora); err == nil {
		r.RegisterVideo(domain.VideoModelSora, vid)
	} else if err := skipUnconfigured(err, "sora", logger); err != nil {
		return nil, err
	}

	return r, nil
}

func skipUnconfigured(err error, name string, logger *slog.Logger) error {
	if errors.Is(err, ErrNotConfigured) {
		if logger != nil {
			logger.Warn("provider not configured, dependent stages will be deferred", "provider", name)
		}
		return nil
	}
	return fmt.Errorf("init %s: %w", name, err)
}

// SetText задаёт генератор текста.
func (r *Registry) SetText(g TextGenerator) { r.text = g }

// RegisterImage регистрирует генератор изображений для модели.
func (r *Registry) RegisterImage(model domain.ImageModel, g ImageGenerator) { r.images[model] = g }

// RegisterVideo регистрирует генератор видео для модели.
func (r *Registry) RegisterVideo(model domain.VideoModel, g VideoGenerator) { r.videos[model] = g }

// Text возвращает генератор текста.
func (r *Registry) Text() (TextGenerator, error) {
	if r.text == nil {
		return nil, fmt.Errorf("%w: text", ErrNotConfigured)
	}
	return r.text, nil
}

// Image возвращает генератор изображений для модели.
func (r *Registry) Image(model domain.ImageModel) (ImageGenerator, error) {
	g, ok := r.images[model]
	if !ok {
		return nil, fmt.Errorf("%w: image model %q", ErrNotConfigured, model)
	}
	return g, nil
}

// Video возвращает генератор видео для модели.
func (r *Registry) Video(model domain.VideoModel) (VideoGenerator, error) {
	g, ok := r.videos[model]
	if !ok {
		return nil, fmt.Errorf("%w: video model %q", ErrNotConfigured, model)
	}
	return g, nil
}
