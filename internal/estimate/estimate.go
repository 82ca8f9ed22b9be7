// Package estimate рассчитывает стоимость pipeline run до списания кредитов.
//
// Оценка — чистая функция: одинаковые входные данные всегда дают одинаковый
// результат. Та же формула (Price) применяется к фактически полученным
// результатам при финализации run, поэтому в run без сбоев оценка и
// фактическое потребление совпадают.
package estimate

import (
	"github.com/shaiso/Mangaflow/internal/domain"
)

// Default configuration values.
const (
	defaultCharsPerScene          = 200
	defaultMinScenes              = 3
	defaultMaxScenes              = 20
	defaultShotsPerScene          = 5
	defaultCharactersPerTenScenes = 4
	defaultMinCharacters          = 1
	defaultMaxCharacters          = 8
	defaultOverhead               = 5
	defaultImageRate              = 3
	defaultVideoRate              = 10
)

// Config — параметры оценки.
type Config struct {
	CharsPerScene int `yaml:"chars_per_scene"`
	MinScenes     int `yaml:"min_scenes"`
	MaxScenes     int `yaml:"max_scenes"`
	ShotsPerScene int `yaml:"shots_per_scene"`

	// CharactersPerTenScenes — сколько персонажей приходится на 10 сцен.
	CharactersPerTenScenes int `yaml:"characters_per_ten_scenes"`
	MinCharacters          int `yaml:"min_characters"`
	MaxCharacters          int `yaml:"max_characters"`

	// Overhead — фиксированная плата за текстовые стадии.
	Overhead int64 `yaml:"overhead"`

	// ImageRates и VideoRates — цена одной генерации у провайдера.
	ImageRates map[domain.ImageModel]int64 `yaml:"image_rates"`
	VideoRates map[domain.VideoModel]int64 `yaml:"video_rates"`

	// LipSyncRate — надбавка за кадр при включённом lip-sync.
	LipSyncRate int64 `yaml:"lip_sync_rate"`
}

// DefaultConfig возвращает тарифы по умолчанию.
func DefaultConfig() Config {
	return Config{
		CharsPerScene:          defaultCharsPerScene,
		MinScenes:              defaultMinScenes,
		MaxScenes:              defaultMaxScenes,
		ShotsPerScene:          defaultShotsPerScene,
		CharactersPerTenScenes: defaultCharactersPerTenScenes,
		MinCharacters:          defaultMinCharacters,
		MaxCharacters:          defaultMaxCharacters,
		Overhead:               defaultOverhead,
		ImageRates: map[domain.ImageModel]int64{
			domain.ImageModelSeedream:   3,
			domain.ImageModelMidjourney: 5,
		},
		VideoRates: map[domain.VideoModel]int64{
			domain.VideoModelKling: 10,
			domain.VideoModelSora:  12,
		},
		LipSyncRate: 4,
	}
}

// Input — входные данные оценки.
type Input struct {
	TextLength int
	ImageModel domain.ImageModel
	VideoModel domain.VideoModel
	LipSync    bool
}

// Units — количество оплачиваемых генераций.
type Units struct {
	Characters int `json:"characters"`
	Shots      int `json:"shots"`

	// Videos по умолчанию равно Shots; при фактическом подсчёте
	// видео может быть меньше кадров.
	Videos int `json:"videos"`
}

// Estimate — результат оценки.
type Estimate struct {
	Scenes     int   `json:"estimated_scenes"`
	Shots      int   `json:"estimated_shots"`
	Characters int   `json:"estimated_characters"`
	Credits    int64 `json:"estimated_credits"`
}

// Estimator рассчитывает стоимость. Безопасен для конкурентного использования:
// после New состояние не меняется.
type Estimator struct {
	cfg Config
}

// New создаёт Estimator, подставляя значения по умолчанию для пустых полей.
func New(cfg Config) *Estimator {
	def := DefaultConfig()

	if cfg.CharsPerScene <= 0 {
		cfg.CharsPerScene = def.CharsPerScene
	}
	if cfg.MinScenes <= 0 {
		cfg.MinScenes = def.MinScenes
	}
	if cfg.MaxScenes < cfg.MinScenes {
		cfg.MaxScenes = max(def.MaxScenes, cfg.MinScenes)
	}
	if cfg.ShotsPerScene <= 0 {
		cfg.ShotsPerScene = def.ShotsPerScene
	}
	if cfg.CharactersPerTenScenes <= 0 {
		cfg.CharactersPerTenScenes = def.CharactersPerTenScenes
	}
	if cfg.MinCharacters <= 0 {
		cfg.MinCharacters = def.MinCharacters
	}
	if cfg.MaxCharacters < cfg.MinCharacters {
		cfg.MaxCharacters = max(def.MaxCharacters, cfg.MinCharacters)
	}
	if cfg.Overhead < 0 {
		cfg.Overhead = 0
	}
	if cfg.ImageRates == nil {
		cfg.ImageRates = def.ImageRates
	}
	if cfg.VideoRates == nil {
		cfg.VideoRates = def.VideoRates
	}

	return &Estimator{cfg: cfg}
}

// Config возвращает действующую конфигурацию.
func (e *Estimator) Config() Config {
	return e.cfg
}

// Estimate предсказывает объём работ и стоимость run.
func (e *Estimator) Estimate(in Input) Estimate {
	scenes := e.Scenes(in.TextLength)
	characters := clamp(ceilDiv(scenes*e.cfg.CharactersPerTenScenes, 10), e.cfg.MinCharacters, e.cfg.MaxCharacters)
	shots := scenes * e.cfg.ShotsPerScene

	units := Units{Characters: characters, Shots: shots, Videos: shots}

	return Estimate{
		Scenes:     scenes,
		Shots:      shots,
		Characters: characters,
		Credits:    e.Price(units, in.ImageModel, in.VideoModel, in.LipSync),
	}
}

// Scenes возвращает ожидаемое количество сцен для текста длиной textLength.
func (e *Estimator) Scenes(textLength int) int {
	return clamp(ceilDiv(textLength, e.cfg.CharsPerScene), e.cfg.MinScenes, e.cfg.MaxScenes)
}

// Price рассчитывает стоимость набора генераций.
//
//	credits = overhead + characters·imageRate + shots·imageRate + videos·videoRate (+ videos·lipSyncRate)
func (e *Estimator) Price(u Units, image domain.ImageModel, video domain.VideoModel, lipSync bool) int64 {
	imageRate := e.imageRate(image)
	videoRate := e.videoRate(video)

	credits := e.cfg.Overhead +
		int64(u.Characters)*imageRate +
		int64(u.Shots)*imageRate +
		int64(u.Videos)*videoRate

	if lipSync {
		credits += int64(u.Videos) * e.cfg.LipSyncRate
	}

	return credits
}

// ImageRate возвращает цену одного изображения.
func (e *Estimator) ImageRate(model domain.ImageModel) int64 {
	return e.imageRate(model)
}

// VideoRate возвращает цену одного видео.
func (e *Estimator) VideoRate(model domain.VideoModel) int64 {
	return e.videoRate(model)
}

func (e *Estimator) imageRate(model domain.ImageModel) int64 {
	if r, ok := e.cfg.ImageRates[model]; ok {
		return r
	}
	return defaultImageRate
}

func (e *Estimator) videoRate(model domain.VideoModel) int64 {
	if r, ok := e.cfg.VideoRates[model]; ok {
		return r
	}
	return defaultVideoRate
}

func ceilDiv(a, b int) int {
	if a <= 0 {
		return 0
	}
	return (a + b - 1) / b
}

func clamp(v, lo, hi int) int {
	return max(lo, min(hi, v))
}
