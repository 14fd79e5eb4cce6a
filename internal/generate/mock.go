package generate

import (
	"context"
	"fmt"
	"strings"
)

const mockSceneSeconds = 5

// MockGenerator produces deterministic placeholder assets when no media
// backend is configured. Useful for local development and tests.
type MockGenerator struct{}

func NewMockGenerator() *MockGenerator { return &MockGenerator{} }

func (g *MockGenerator) GenerateScript(ctx context.Context, req ScriptRequest) (Script, error) {
	if err := ctx.Err(); err != nil {
		return Script{}, err
	}

	count := req.Duration / mockSceneSeconds
	if count < 1 {
		count = 1
	}
	if count > 8 {
		count = 8
	}

	scenes := make([]Scene, 0, count)
	per := float64(req.Duration) / float64(count)
	for i := 0; i < count; i++ {
		scenes = append(scenes, Scene{
			Index:       i,
			Description: fmt.Sprintf("scene %d of %q", i+1, req.Prompt),
			DurationSec: per,
		})
	}

	return Script{
		Title:     titleFromPrompt(req.Prompt),
		Narration: fmt.Sprintf("A short film about %s.", req.Prompt),
		Scenes:    scenes,
	}, nil
}

func (g *MockGenerator) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock://image/%d", req.Scene.Index), nil
}

func (g *MockGenerator) GenerateVoiceover(ctx context.Context, req VoiceoverRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "mock://voiceover", nil
}

func (g *MockGenerator) GenerateClip(ctx context.Context, req ClipRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock://clip/%d", req.Scene.Index), nil
}

func (g *MockGenerator) GenerateMusic(ctx context.Context, req MusicRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return "mock://music", nil
}

func (g *MockGenerator) Compose(ctx context.Context, req ComposeRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return fmt.Sprintf("mock://video/%d-clips", len(req.ClipURLs)), nil
}

func titleFromPrompt(prompt string) string {
	words := strings.Fields(strings.TrimSpace(prompt))
	if len(words) == 0 {
		return "Untitled"
	}
	if len(words) > 6 {
		words = words[:6]
	}
	return strings.Join(words, " ")
}
