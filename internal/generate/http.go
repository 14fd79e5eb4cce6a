package generate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"

	"github.com/lucavalli/reelforge/internal/reliability"
)

// HTTPGenerator forwards generation requests to a media backend over
// JSON HTTP. One endpoint path per asset kind.
type HTTPGenerator struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewHTTPGenerator(baseURL, apiKey string) *HTTPGenerator {
	return &HTTPGenerator{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		apiKey:  apiKey,
		client: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

type assetResponse struct {
	URL string `json:"url"`
}

func (g *HTTPGenerator) GenerateScript(ctx context.Context, req ScriptRequest) (Script, error) {
	var script Script
	if err := g.post(ctx, "/v1/script", req, &script); err != nil {
		return Script{}, err
	}
	if len(script.Scenes) == 0 {
		return Script{}, reliability.Permanent(fmt.Errorf("backend returned a script with no scenes"))
	}
	return script, nil
}

func (g *HTTPGenerator) GenerateImage(ctx context.Context, req ImageRequest) (string, error) {
	return g.postAsset(ctx, "/v1/image", req)
}

func (g *HTTPGenerator) GenerateVoiceover(ctx context.Context, req VoiceoverRequest) (string, error) {
	return g.postAsset(ctx, "/v1/voiceover", req)
}

func (g *HTTPGenerator) GenerateClip(ctx context.Context, req ClipRequest) (string, error) {
	return g.postAsset(ctx, "/v1/clip", req)
}

func (g *HTTPGenerator) GenerateMusic(ctx context.Context, req MusicRequest) (string, error) {
	return g.postAsset(ctx, "/v1/music", req)
}

func (g *HTTPGenerator) Compose(ctx context.Context, req ComposeRequest) (string, error) {
	return g.postAsset(ctx, "/v1/compose", req)
}

func (g *HTTPGenerator) postAsset(ctx context.Context, path string, req any) (string, error) {
	var out assetResponse
	if err := g.post(ctx, path, req, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.URL) == "" {
		return "", reliability.Permanent(fmt.Errorf("backend returned no asset url for %s", path))
	}
	return out.URL, nil
}

func (g *HTTPGenerator) post(ctx context.Context, path string, req, out any) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if g.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+g.apiKey)
	}

	res, err := g.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		statusErr := fmt.Errorf("backend %s status %d: %s", path, res.StatusCode, string(body))
		if !reliability.IsRetryableHTTPStatus(res.StatusCode) {
			return reliability.Permanent(statusErr)
		}
		return statusErr
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if err := sonic.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
