// Package prompt собирает промпты для генераторов.
//
// Системные промпты и шаблоны кадров лежат в templates/ и рендерятся
// через text/template. Структура кадра — «две строки»: язык камеры
// (ракурс, план, движение) и описание содержимого.
package prompt

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/shaiso/Mangaflow/internal/domain"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// QualityTags добавляются в конец каждого промпта изображения.
const QualityTags = "高清，4K，精细，细节丰富，电影级画质，高质量渲染"

// Негативные промпты.
const (
	CharacterNegative = "低质量，模糊，变形，多余肢体，解剖错误，水印，文字，多视图重叠，不一致设计，写实照片风格"
	SceneNegative     = "低质量，最差质量，模糊，变形，解剖错误，水印，文字，logo，签名，多余手指，畸形手部，丑陋面部，写实照片"
)

// Суффиксы Midjourney: соотношение сторон и аниме-модель.
const (
	MidjourneyPortraitSuffix = "--ar 1:1 --niji 6"
	MidjourneySceneSuffix    = "--ar 16:9 --niji 6"
)

// DefaultArtStyle — стиль, если ни пользователь, ни сценарий его не задали.
const DefaultArtStyle = "日漫风格"

// Размеры изображений.
const (
	PortraitWidth  = 1024
	PortraitHeight = 1024
	SceneWidth     = 1280
	SceneHeight    = 720
)

var shotTypes = []string{
	"远景：展示环境全貌",
	"全景：人物全身+环境",
	"中景：人物膝盖以上",
	"近景：人物胸部以上",
	"特写：面部或局部",
	"大特写：眼睛/物品等",
}

var cameraMovements = []string{
	"镜头固定", "镜头推进", "镜头拉远", "镜头向左移动", "镜头向右移动",
	"跟镜头", "环绕镜头", "摇镜头", "镜头缓慢推进",
}

var compositions = []string{"对角线构图", "三分构图", "对称构图", "越肩镜头"}

// motionTags — теги динамики для видео.
var motionTags = map[domain.MotionLevel]string{
	domain.MotionHigh:   "大动态，大动效，快速运动",
	domain.MotionMedium: "中动态",
	domain.MotionLow:    "小动态，小幅动态",
}

// templateFuncs — функции шаблонов.
var templateFuncs = template.FuncMap{
	// join — объединяет слайс строк
	"join": func(sep string, items []string) string {
		return strings.Join(items, sep)
	},

	// coalesce — первая непустая строка
	"coalesce": func(values ...string) string {
		for _, v := range values {
			if strings.TrimSpace(v) != "" {
				return v
			}
		}
		return ""
	},

	// list и append — сборка списка частей промпта
	"list": func() []string { return nil },
	"append": func(items []string, v string) []string {
		return append(items, v)
	},

	"motion": func(level domain.MotionLevel) string {
		if tag, ok := motionTags[level]; ok {
			return tag
		}
		return motionTags[domain.MotionMedium]
	},

	"describe": describeCharacter,
}

// Builder рендерит промпты.
type Builder struct {
	tmpl *template.Template
}

// NewBuilder парсит встроенные шаблоны.
func NewBuilder() (*Builder, error) {
	t, err := template.New("prompts").Funcs(templateFuncs).ParseFS(templateFS, "templates/*.tmpl")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTemplateParse, err)
	}
	return &Builder{tmpl: t}, nil
}

// MustBuilder — NewBuilder, паникующий при ошибке.
// Шаблоны встроены в бинарник, поэтому ошибка здесь — ошибка сборки.
func MustBuilder() *Builder {
	b, err := NewBuilder()
	if err != nil {
		panic(err)
	}
	return b
}

func (b *Builder) render(name string, data any) (string, error) {
	var buf bytes.Buffer
	if err := b.tmpl.ExecuteTemplate(&buf, name, data); err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrTemplateRender, name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// ScriptOptions — параметры системного промпта сценария.
type ScriptOptions struct {
	TargetScenes int
	ArtStyle     string
}

// ScriptSystem возвращает системный промпт «роман → сценарий».
func (b *Builder) ScriptSystem(opts ScriptOptions) (string, error) {
	return b.render("novel_to_script.tmpl", opts)
}

// StoryboardSystem возвращает системный промпт «сцена → раскадровка».
func (b *Builder) StoryboardSystem(shotsPerScene int) (string, error) {
	shots := "4-8"
	if shotsPerScene > 0 {
		shots = fmt.Sprintf("%d", shotsPerScene)
	}
	return b.render("script_to_storyboard.tmpl", map[string]any{
		"ShotTypes":       shotTypes,
		"CameraMovements": cameraMovements,
		"Compositions":    compositions,
		"ShotsPerScene":   shots,
		"QualityTags":     QualityTags,
	})
}

// storyboardInput — пользовательская часть запроса раскадровки.
type storyboardInput struct {
	Scene      domain.Scene       `json:"scene"`
	Characters []domain.Character `json:"characters"`
	ArtStyle   string             `json:"art_style"`
}

// StoryboardUser сериализует сцену вместе с персонажами, которые в ней
// присутствуют. Остальные персонажи в запрос не попадают.
func StoryboardUser(scene domain.Scene, script *domain.Script, artStyle string) (string, error) {
	present := make(map[string]bool, len(scene.CharactersPresent))
	for _, name := range scene.CharactersPresent {
		present[name] = true
	}

	chars := make([]domain.Character, 0, len(scene.CharactersPresent))
	for _, c := range script.Characters {
		if present[c.Name] {
			chars = append(chars, c)
		}
	}

	data, err := json.MarshalIndent(storyboardInput{
		Scene:      scene,
		Characters: chars,
		ArtStyle:   artStyle,
	}, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal storyboard input: %w", err)
	}
	return "剧本场景数据（含角色信息）：\n" + string(data), nil
}

// ScriptUser — пользовательская часть запроса сценария.
func ScriptUser(text string) string {
	return "小说原文：\n" + text
}

// ImagePrompt — промпт изображения с негативом для конкретной модели.
type ImagePrompt struct {
	Prompt   string
	Negative string
}

// Character собирает промпт портрета персонажа.
// Для Midjourney негатив не передаётся, а к промпту добавляется суффикс.
func (b *Builder) Character(c domain.Character, artStyle string, model domain.ImageModel) (ImagePrompt, error) {
	text, err := b.render("character.tmpl", map[string]any{
		"Character":   c,
		"ArtStyle":    styleOrDefault(artStyle),
		"QualityTags": "高清，4K，电影级画质",
	})
	if err != nil {
		return ImagePrompt{}, err
	}
	if model == domain.ImageModelMidjourney {
		return ImagePrompt{Prompt: text + " " + MidjourneyPortraitSuffix}, nil
	}
	return ImagePrompt{Prompt: text, Negative: CharacterNegative}, nil
}

// Scene собирает промпт кадра. Если модель вернула full_prompt,
// он используется как есть.
func (b *Builder) Scene(shot domain.Shot, artStyle string, model domain.ImageModel) (ImagePrompt, error) {
	text, err := b.render("scene.tmpl", map[string]any{
		"Shot":        shot,
		"ArtStyle":    styleOrDefault(artStyle),
		"QualityTags": QualityTags,
	})
	if err != nil {
		return ImagePrompt{}, err
	}
	if model == domain.ImageModelMidjourney {
		return ImagePrompt{Prompt: text + " " + MidjourneySceneSuffix}, nil
	}
	return ImagePrompt{Prompt: text, Negative: SceneNegative}, nil
}

// Video собирает промпт видео: две строки кадра, эффекты и тег динамики.
func (b *Builder) Video(shot domain.Shot) (string, error) {
	return b.render("video.tmpl", map[string]any{"Shot": shot})
}

// VideoDuration — 5 секунд для коротких кадров, иначе 10.
func VideoDuration(shot domain.Shot) int {
	if shot.DurationSeconds <= 5 {
		return 5
	}
	return 10
}

func styleOrDefault(style string) string {
	if strings.TrimSpace(style) == "" {
		return DefaultArtStyle
	}
	return style
}

// describeCharacter собирает описание из полей карточки,
// если модель не заполнила full_prompt.
func describeCharacter(c domain.Character) string {
	parts := make([]string, 0, 12)
	for _, v := range []string{
		c.Identity, c.Gender, c.Age, c.Height, c.BodyType, c.Hair,
		c.Face, c.Eyes, c.Skin, c.Outfit, c.Accessories,
	} {
		if v = strings.TrimSpace(v); v != "" {
			parts = append(parts, v)
		}
	}
	if len(parts) == 0 {
		return c.Name
	}
	return strings.Join(parts, "，")
}
