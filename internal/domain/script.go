package domain

import (
	"encoding/json"
	"maps"
	"slices"
)

// Script — сценарий, полученный из исходного текста.
type Script struct {
	Title      string      `json:"title"`
	Genre      string      `json:"genre"`
	ArtStyle   string      `json:"art_style"`
	Characters []Character `json:"characters"`
	Scenes     []Scene     `json:"scenes"`
}

// Character — карточка персонажа. FullPrompt — собранное описание для генерации портрета.
type Character struct {
	Name        string `json:"name"`
	Identity    string `json:"identity,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Age         string `json:"age,omitempty"`
	Height      string `json:"height,omitempty"`
	BodyType    string `json:"body_type,omitempty"`
	Hair        string `json:"hair,omitempty"`
	Face        string `json:"face,omitempty"`
	Eyes        string `json:"eyes,omitempty"`
	Skin        string `json:"skin,omitempty"`
	Outfit      string `json:"outfit,omitempty"`
	Accessories string `json:"accessories,omitempty"`
	Personality string `json:"personality,omitempty"`
	Role        string `json:"role,omitempty"`
	FullPrompt  string `json:"full_prompt,omitempty"`
}

// ActionType — тип действия в сцене.
type ActionType string

const (
	ActionDialogue  ActionType = "dialogue"
	ActionAction    ActionType = "action"
	ActionNarration ActionType = "narration"
)

// SceneAction — реплика, действие или закадровый текст.
type SceneAction struct {
	Type         ActionType `json:"type"`
	Character    string     `json:"character,omitempty"`
	Text         string     `json:"text"`
	Emotion      string     `json:"emotion,omitempty"`
	BodyLanguage string     `json:"body_language,omitempty"`
}

// SceneID — номер сцены. Модели иногда возвращают его строкой,
// поэтому декодер принимает оба варианта.
type SceneID int

// UnmarshalJSON принимает 3 и "3".
func (id *SceneID) UnmarshalJSON(data []byte) error {
	var n int
	if err := json.Unmarshal(data, &n); err == nil {
		*id = SceneID(n)
		return nil
	}
	var s json.Number
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	v, err := s.Int64()
	if err != nil {
		return err
	}
	*id = SceneID(v)
	return nil
}

// Scene — сцена сценария: окружение, настроение и упорядоченные действия.
type Scene struct {
	ID                SceneID       `json:"id"`
	Title             string        `json:"title"`
	Location          string        `json:"location,omitempty"`
	Time              string        `json:"time,omitempty"`
	Weather           string        `json:"weather,omitempty"`
	Lighting          string        `json:"lighting,omitempty"`
	ColorTone         string        `json:"color_tone,omitempty"`
	Mood              string        `json:"mood,omitempty"`
	Environment       string        `json:"environment,omitempty"`
	CharactersPresent []string      `json:"characters_present,omitempty"`
	Actions           []SceneAction `json:"actions,omitempty"`
}

// MotionLevel — амплитуда движения в кадре: 大 / 中 / 小.
type MotionLevel string

const (
	MotionHigh   MotionLevel = "大"
	MotionMedium MotionLevel = "中"
	MotionLow    MotionLevel = "小"
)

// StoryboardScene — раскадровка одной сцены.
type StoryboardScene struct {
	SceneID SceneID `json:"scene_id"`
	Shots   []Shot  `json:"storyboards"`
}

// Shot — один кадр раскадровки.
//
// CameraLine и SubjectLine — «двухстрочная» структура промпта:
// язык камеры и описание содержимого кадра.
type Shot struct {
	ID                    string      `json:"id"`
	CameraLine            string      `json:"camera_line"`
	SubjectLine           string      `json:"subject_line"`
	FullPrompt            string      `json:"full_prompt,omitempty"`
	ShotType              string      `json:"shot_type,omitempty"`
	CameraAngle           string      `json:"camera_angle,omitempty"`
	CameraMovement        string      `json:"camera_movement,omitempty"`
	Composition           string      `json:"composition,omitempty"`
	MotionLevel           MotionLevel `json:"motion_level,omitempty"`
	CharactersInFrame     []string    `json:"characters_in_frame,omitempty"`
	CharacterDescriptions []string    `json:"character_descriptions,omitempty"`
	Dialogue              string      `json:"dialogue,omitempty"`
	Emotion               string      `json:"emotion,omitempty"`
	Lighting              string      `json:"lighting,omitempty"`
	ColorTone             string      `json:"color_tone,omitempty"`
	Mood                  string      `json:"mood,omitempty"`
	DurationSeconds       int         `json:"duration_seconds,omitempty"`
	Transition            string      `json:"transition,omitempty"`
	SpecialEffects        string      `json:"special_effects,omitempty"`
}

// Artifacts — промежуточные результаты стадий, сохраняемые вместе с run.
// Последующие стадии читают их отсюда, а не из Asset'ов: запись Asset'а
// может не удаться, а run обязан продолжиться.
type Artifacts struct {
	Script     *Script           `json:"script,omitempty"`
	Storyboard []StoryboardScene `json:"storyboard,omitempty"`

	// Portraits — имя персонажа → URL портрета.
	Portraits map[string]string `json:"portraits,omitempty"`

	// ShotImages и ShotVideos — ID кадра → URL результата.
	ShotImages map[string]string `json:"shot_images,omitempty"`
	ShotVideos map[string]string `json:"shot_videos,omitempty"`
}

// AllShots возвращает все кадры раскадровки в порядке сцен.
func (a *Artifacts) AllShots() []Shot {
	var shots []Shot
	for _, sc := range a.Storyboard {
		shots = append(shots, sc.Shots...)
	}
	return shots
}

// CharacterByName ищет персонажа в сценарии.
func (s *Script) CharacterByName(name string) (Character, bool) {
	for _, c := range s.Characters {
		if c.Name == name {
			return c, true
		}
	}
	return Character{}, false
}

// Clone возвращает копию, не разделяющую map и slice с исходной.
func (a Artifacts) Clone() Artifacts {
	out := Artifacts{
		Portraits:  maps.Clone(a.Portraits),
		ShotImages: maps.Clone(a.ShotImages),
		ShotVideos: maps.Clone(a.ShotVideos),
	}
	if a.Script != nil {
		s := *a.Script
		out.Script = &s
	}
	if a.Storyboard != nil {
		out.Storyboard = make([]StoryboardScene, len(a.Storyboard))
		for i, sc := range a.Storyboard {
			out.Storyboard[i] = StoryboardScene{SceneID: sc.SceneID, Shots: slices.Clone(sc.Shots)}
		}
	}
	return out
}

// Merge добавляет результаты src. Сцены раскадровки заменяются по SceneID
// и упорядочиваются по номеру сцены.
func (a *Artifacts) Merge(src Artifacts) {
	if src.Script != nil {
		a.Script = src.Script
	}
	for _, sc := range src.Storyboard {
		i := slices.IndexFunc(a.Storyboard, func(x StoryboardScene) bool { return x.SceneID == sc.SceneID })
		if i >= 0 {
			a.Storyboard[i] = sc
		} else {
			a.Storyboard = append(a.Storyboard, sc)
		}
	}
	slices.SortStableFunc(a.Storyboard, func(x, y StoryboardScene) int { return int(x.SceneID) - int(y.SceneID) })

	a.Portraits = mergeRefs(a.Portraits, src.Portraits)
	a.ShotImages = mergeRefs(a.ShotImages, src.ShotImages)
	a.ShotVideos = mergeRefs(a.ShotVideos, src.ShotVideos)
}

// StoryboardFor возвращает раскадровку сцены.
func (a *Artifacts) StoryboardFor(id SceneID) (StoryboardScene, bool) {
	for _, sc := range a.Storyboard {
		if sc.SceneID == id {
			return sc, true
		}
	}
	return StoryboardScene{}, false
}

func mergeRefs(dst, src map[string]string) map[string]string {
	if len(src) == 0 {
		return dst
	}
	if dst == nil {
		dst = make(map[string]string, len(src))
	}
	maps.Copy(dst, src)
	return dst
}
