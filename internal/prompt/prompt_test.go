package prompt

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/shaiso/Mangaflow/internal/domain"
)

func TestNewBuilder(t *testing.T) {
	if _, err := NewBuilder(); err != nil {
		t.Fatalf("embedded templates must parse: %v", err)
	}
}

func TestScriptSystem(t *testing.T) {
	b := MustBuilder()

	text, err := b.ScriptSystem(ScriptOptions{TargetScenes: 7, ArtStyle: "中国古风"})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(text, "约7个场景") {
		t.Error("target scene count missing")
	}
	if !strings.Contains(text, "中国古风") {
		t.Error("art style missing")
	}
	if !strings.Contains(text, `"full_prompt"`) {
		t.Error("output schema missing")
	}

	plain, _ := b.ScriptSystem(ScriptOptions{})
	if strings.Contains(plain, "将小说改编为约") {
		t.Error("scene hint should be omitted when target is unknown")
	}
}

func TestStoryboardSystem(t *testing.T) {
	b := MustBuilder()

	text, err := b.StoryboardSystem(5)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	for _, want := range []string{"拆分为5个分镜", "镜头缓慢推进", "对角线构图", QualityTags} {
		if !strings.Contains(text, want) {
			t.Errorf("expected %q in prompt", want)
		}
	}

	text, _ = b.StoryboardSystem(0)
	if !strings.Contains(text, "拆分为4-8个分镜") {
		t.Error("expected default shot range")
	}
}

func TestStoryboardUser_OnlyPresentCharacters(t *testing.T) {
	script := &domain.Script{
		Characters: []domain.Character{{Name: "林风"}, {Name: "苏雪"}, {Name: "黑衣人"}},
	}
	scene := domain.Scene{ID: 2, Title: "夜袭", CharactersPresent: []string{"林风", "黑衣人"}}

	text, err := StoryboardUser(scene, script, "日漫风格")
	if err != nil {
		t.Fatalf("render: %v", err)
	}

	jsonPart := text[strings.Index(text, "{"):]
	var in storyboardInput
	if err := json.Unmarshal([]byte(jsonPart), &in); err != nil {
		t.Fatalf("payload is not JSON: %v", err)
	}
	if len(in.Characters) != 2 {
		t.Fatalf("expected 2 characters, got %d", len(in.Characters))
	}
	for _, c := range in.Characters {
		if c.Name == "苏雪" {
			t.Error("absent character leaked into storyboard input")
		}
	}
}

func TestCharacterPrompt(t *testing.T) {
	b := MustBuilder()
	c := domain.Character{Name: "林风", FullPrompt: "黑发少年剑客"}

	p, err := b.Character(c, "", domain.ImageModelSeedream)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.HasPrefix(p.Prompt, DefaultArtStyle+"，角色设计表") {
		t.Errorf("unexpected prompt: %s", p.Prompt)
	}
	if !strings.Contains(p.Prompt, "黑发少年剑客") {
		t.Error("full prompt missing")
	}
	if p.Negative != CharacterNegative {
		t.Error("seedream should carry the character negative prompt")
	}

	mj, _ := b.Character(c, "韩漫", domain.ImageModelMidjourney)
	if !strings.HasSuffix(mj.Prompt, MidjourneyPortraitSuffix) || mj.Negative != "" {
		t.Errorf("unexpected midjourney prompt: %+v", mj)
	}
}

func TestCharacterPrompt_FallsBackToFields(t *testing.T) {
	b := MustBuilder()
	c := domain.Character{Name: "苏雪", Gender: "女", Hair: "银白短发", Eyes: "冰蓝色瞳孔"}

	p, err := b.Character(c, "", domain.ImageModelSeedream)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !strings.Contains(p.Prompt, "女，银白短发，冰蓝色瞳孔") {
		t.Errorf("expected description from fields, got %s", p.Prompt)
	}
}

func TestScenePrompt(t *testing.T) {
	b := MustBuilder()

	full := domain.Shot{FullPrompt: "完整提示词", CameraLine: "正面，中景"}
	p, _ := b.Scene(full, "", domain.ImageModelSeedream)
	if p.Prompt != "完整提示词" || p.Negative != SceneNegative {
		t.Errorf("full_prompt should be used as is: %+v", p)
	}

	twoLine := domain.Shot{CameraLine: "正面，中景", SubjectLine: "少年拔剑"}
	p, _ = b.Scene(twoLine, "赛博朋克", domain.ImageModelMidjourney)
	want := "正面，中景，少年拔剑，赛博朋克，" + QualityTags + " " + MidjourneySceneSuffix
	if p.Prompt != want {
		t.Errorf("expected %q, got %q", want, p.Prompt)
	}
}

func TestVideoPrompt(t *testing.T) {
	b := MustBuilder()

	tests := []struct {
		name string
		shot domain.Shot
		want string
	}{
		{
			"high motion with effects",
			domain.Shot{CameraLine: "镜头推进", SubjectLine: "剑光四射", SpecialEffects: "粒子", MotionLevel: domain.MotionHigh},
			"镜头推进，主体：剑光四射，粒子，大动态，大动效，快速运动",
		},
		{
			"low motion",
			domain.Shot{SubjectLine: "微笑", MotionLevel: domain.MotionLow},
			"主体：微笑，小动态，小幅动态",
		},
		{
			"unknown motion defaults to medium",
			domain.Shot{CameraLine: "镜头固定"},
			"镜头固定，中动态",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := b.Video(tt.shot)
			if err != nil {
				t.Fatalf("render: %v", err)
			}
			if got != tt.want {
				t.Errorf("expected %q, got %q", tt.want, got)
			}
		})
	}
}

func TestVideoDuration(t *testing.T) {
	for secs, want := range map[int]int{0: 5, 3: 5, 5: 5, 6: 10, 15: 10} {
		if got := VideoDuration(domain.Shot{DurationSeconds: secs}); got != want {
			t.Errorf("duration %d: expected %d, got %d", secs, want, got)
		}
	}
}
