package generate

import (
	"context"
	"fmt"
	"strings"
)

// Scene is one planned segment of the final video.
type Scene struct {
	Index       int     `json:"index"`
	Description string  `json:"description"`
	DurationSec float64 `json:"duration_sec"`
}

// Script is the narrative plan produced from the user prompt.
type Script struct {
	Title     string  `json:"title"`
	Narration string  `json:"narration"`
	Scenes    []Scene `json:"scenes"`
}

// ScriptRequest asks for a script covering the whole video.
type ScriptRequest struct {
	Prompt   string `json:"prompt"`
	Duration int    `json:"duration"`
	Style    string `json:"style,omitempty"`
}

// ImageRequest asks for a keyframe image for one scene.
type ImageRequest struct {
	Scene Scene  `json:"scene"`
	Style string `json:"style,omitempty"`
}

// VoiceoverRequest asks for narration audio.
type VoiceoverRequest struct {
	Narration string `json:"narration"`
	Voice     string `json:"voice,omitempty"`
}

// ClipRequest asks for an animated clip from a scene keyframe.
type ClipRequest struct {
	Scene    Scene  `json:"scene"`
	ImageURL string `json:"image_url"`
}

// MusicRequest asks for a background track.
type MusicRequest struct {
	Style    string `json:"style,omitempty"`
	Duration int    `json:"duration"`
}

// ComposeRequest asks for the final render from all produced assets.
type ComposeRequest struct {
	ClipURLs     []string `json:"clip_urls"`
	VoiceoverURL string   `json:"voiceover_url"`
	MusicURL     string   `json:"music_url,omitempty"`
}

// Generator produces the media assets of the pipeline. Implementations
// must be safe for concurrent use: scene images and clips are requested
// in parallel.
type Generator interface {
	GenerateScript(ctx context.Context, req ScriptRequest) (Script, error)
	GenerateImage(ctx context.Context, req ImageRequest) (string, error)
	GenerateVoiceover(ctx context.Context, req VoiceoverRequest) (string, error)
	GenerateClip(ctx context.Context, req ClipRequest) (string, error)
	GenerateMusic(ctx context.Context, req MusicRequest) (string, error)
	Compose(ctx context.Context, req ComposeRequest) (string, error)
}

// Config controls generator construction.
type Config struct {
	Mode    string
	HTTPURL string
	APIKey  string
}

// New builds a Generator for the configured mode. Mode "http" requires
// HTTPURL; everything else falls back to the deterministic mock.
func New(cfg Config) (Generator, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Mode)) {
	case "", "mock":
		return NewMockGenerator(), nil
	case "http":
		if strings.TrimSpace(cfg.HTTPURL) == "" {
			return nil, fmt.Errorf("generator mode http requires an endpoint URL")
		}
		return NewHTTPGenerator(cfg.HTTPURL, cfg.APIKey), nil
	default:
		return nil, fmt.Errorf("unknown generator mode %q", cfg.Mode)
	}
}
