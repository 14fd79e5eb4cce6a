package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/lucavalli/reelforge/internal/executor"
	"github.com/lucavalli/reelforge/internal/generate"
	"github.com/lucavalli/reelforge/internal/graph"
	"github.com/lucavalli/reelforge/internal/hub"
	"github.com/lucavalli/reelforge/internal/observability"
	"github.com/lucavalli/reelforge/internal/policy"
	"github.com/lucavalli/reelforge/internal/reliability"
	"github.com/lucavalli/reelforge/internal/tasks"
)

const nodeBackoffCap = 30 * time.Second

type Config struct {
	GraphConcurrency int
	RetryCount       int
	RetryDelay       time.Duration
	DefaultDuration  int
}

// Service runs the prompt-to-video pipeline: each accepted request
// becomes a managed task whose stages execute as a dependency graph,
// with progress streamed to subscribers.
type Service struct {
	cfg     Config
	manager *tasks.Manager
	hub     *hub.Manager
	gen     generate.Generator
	metrics *observability.Metrics
	exec    *executor.Executor
}

func New(cfg Config, manager *tasks.Manager, h *hub.Manager, gen generate.Generator, metrics *observability.Metrics) *Service {
	if cfg.GraphConcurrency <= 0 {
		cfg.GraphConcurrency = 4
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 2 * time.Second
	}
	if cfg.DefaultDuration <= 0 {
		cfg.DefaultDuration = 30
	}

	s := &Service{
		cfg:     cfg,
		manager: manager,
		hub:     h,
		gen:     gen,
		metrics: metrics,
		exec:    executor.New(cfg.GraphConcurrency),
	}
	manager.SetUpdateHook(s.onTaskUpdate)
	return s
}

// Create screens the prompt, registers the task, and starts the
// pipeline for it.
func (s *Service) Create(req tasks.CreateRequest) (tasks.Task, error) {
	if err := policy.CheckPrompt(req.Prompt); err != nil {
		return tasks.Task{}, err
	}
	if req.Duration <= 0 {
		req.Duration = s.cfg.DefaultDuration
	}

	task, err := s.manager.Create(req)
	if err != nil {
		return tasks.Task{}, err
	}
	if s.metrics != nil {
		s.metrics.TaskEvents.WithLabelValues("created").Inc()
	}

	if err := s.manager.Start(task.ID, s.work(task)); err != nil {
		return tasks.Task{}, err
	}
	return task, nil
}

func (s *Service) Get(taskID string) (tasks.Task, error) {
	return s.manager.Get(taskID)
}

func (s *Service) ListForUser(userID string) []string {
	return s.manager.ListForUser(userID)
}

func (s *Service) Cancel(taskID string) (tasks.Task, error) {
	return s.manager.Cancel(taskID)
}

// work builds the generation graph for one task. Node values flow to
// dependents through the graph; asset URLs are additionally recorded on
// the task as they land so a recovered task keeps partial output.
func (s *Service) work(t tasks.Task) tasks.WorkFunc {
	return func(ctx context.Context, onProgress tasks.ProgressFunc) (string, error) {
		report := func(stage string, frac float64, message string) {
			span, ok := stageSpans[stage]
			if !ok {
				return
			}
			onProgress(span[0]+(span[1]-span[0])*frac, stage, message)
		}

		g := graph.New()

		g.AddNode("script", s.guard(t.ID, s.withRetry(func(ctx context.Context, deps map[string]any) (any, error) {
			report("script", 0, "writing script")
			script, err := s.gen.GenerateScript(ctx, generate.ScriptRequest{
				Prompt:   t.Prompt,
				Duration: t.Duration,
				Style:    t.Style,
			})
			if err != nil {
				return nil, fmt.Errorf("script: %w", err)
			}
			report("script", 1, fmt.Sprintf("script ready with %d scenes", len(script.Scenes)))
			return script, nil
		})))

		g.AddNode("scene_plan", s.guard(t.ID, func(ctx context.Context, deps map[string]any) (any, error) {
			script := deps["script"].(generate.Script)
			scenes := planScenes(script.Scenes, t.Duration)
			report("scene_plan", 1, fmt.Sprintf("%d scenes planned", len(scenes)))
			return scenes, nil
		}), "script")

		g.AddNode("images", s.guard(t.ID, func(ctx context.Context, deps map[string]any) (any, error) {
			scenes := deps["scene_plan"].([]generate.Scene)
			total := len(scenes)
			results := executor.Map(ctx, s.exec, scenes,
				func(ctx context.Context, sc generate.Scene) (any, error) {
					return s.gen.GenerateImage(ctx, generate.ImageRequest{Scene: sc, Style: t.Style})
				},
				func(completed int, message string) {
					report("images", float64(completed)/float64(total),
						fmt.Sprintf("keyframe %d/%d", completed, total))
				},
				s.cfg.RetryCount, s.cfg.RetryDelay)

			urls := make([]string, total)
			for i, r := range results {
				if r.Err != nil {
					return nil, fmt.Errorf("scene %d image: %w", i, r.Err)
				}
				urls[i] = r.Value.(string)
				s.manager.SetAsset(t.ID, fmt.Sprintf("image_%d", i), urls[i])
			}
			return urls, nil
		}), "scene_plan")

		g.AddNode("voiceover", s.guard(t.ID, s.withRetry(func(ctx context.Context, deps map[string]any) (any, error) {
			script := deps["script"].(generate.Script)
			report("voiceover", 0, "recording narration")
			url, err := s.gen.GenerateVoiceover(ctx, generate.VoiceoverRequest{Narration: script.Narration})
			if err != nil {
				return nil, fmt.Errorf("voiceover: %w", err)
			}
			s.manager.SetAsset(t.ID, "voiceover", url)
			report("voiceover", 1, "narration ready")
			return url, nil
		})), "script")

		g.AddNode("clips", s.guard(t.ID, func(ctx context.Context, deps map[string]any) (any, error) {
			scenes := deps["scene_plan"].([]generate.Scene)
			images := deps["images"].([]string)
			total := len(scenes)
			results := executor.Map(ctx, s.exec, scenes,
				func(ctx context.Context, sc generate.Scene) (any, error) {
					return s.gen.GenerateClip(ctx, generate.ClipRequest{Scene: sc, ImageURL: images[sc.Index]})
				},
				func(completed int, message string) {
					report("clips", float64(completed)/float64(total),
						fmt.Sprintf("clip %d/%d", completed, total))
				},
				s.cfg.RetryCount, s.cfg.RetryDelay)

			urls := make([]string, total)
			for i, r := range results {
				if r.Err != nil {
					return nil, fmt.Errorf("scene %d clip: %w", i, r.Err)
				}
				urls[i] = r.Value.(string)
				s.manager.SetAsset(t.ID, fmt.Sprintf("clip_%d", i), urls[i])
			}
			return urls, nil
		}), "scene_plan", "images")

		g.AddNode("music", s.guard(t.ID, s.withRetry(func(ctx context.Context, deps map[string]any) (any, error) {
			report("music", 0, "composing soundtrack")
			url, err := s.gen.GenerateMusic(ctx, generate.MusicRequest{Style: t.Style, Duration: t.Duration})
			if err != nil {
				return nil, fmt.Errorf("music: %w", err)
			}
			s.manager.SetAsset(t.ID, "music", url)
			report("music", 1, "soundtrack ready")
			return url, nil
		})))

		g.AddNode("compose", s.guard(t.ID, s.withRetry(func(ctx context.Context, deps map[string]any) (any, error) {
			report("compose", 0, "rendering final video")
			url, err := s.gen.Compose(ctx, generate.ComposeRequest{
				ClipURLs:     deps["clips"].([]string),
				VoiceoverURL: deps["voiceover"].(string),
				MusicURL:     deps["music"].(string),
			})
			if err != nil {
				return nil, fmt.Errorf("compose: %w", err)
			}
			report("compose", 1, "render complete")
			return url, nil
		})), "clips", "voiceover", "music")

		results, err := g.ExecuteAll(ctx, s.cfg.GraphConcurrency, s.nodeProgress(t.ID))
		s.observeStages(results)
		if err != nil {
			return "", err
		}
		if err := graph.FirstError(results); err != nil {
			return "", err
		}
		return results["compose"].Value.(string), nil
	}
}

// planScenes normalizes the script's scenes for downstream fan-out:
// indexes are made contiguous and scenes without a duration share the
// remaining time evenly.
func planScenes(scenes []generate.Scene, totalSeconds int) []generate.Scene {
	out := make([]generate.Scene, len(scenes))
	copy(out, scenes)

	remaining := float64(totalSeconds)
	missing := 0
	for i := range out {
		out[i].Index = i
		if out[i].DurationSec > 0 {
			remaining -= out[i].DurationSec
		} else {
			missing++
		}
	}
	if missing > 0 {
		per := remaining / float64(missing)
		if per <= 0 {
			per = 1
		}
		for i := range out {
			if out[i].DurationSec <= 0 {
				out[i].DurationSec = per
			}
		}
	}
	return out
}

// guard rejects work for a task whose cancellation flag is already set,
// so a cancel lands between graph nodes even if the context signal is
// still in flight.
func (s *Service) guard(taskID string, fn graph.WorkFunc) graph.WorkFunc {
	return func(ctx context.Context, deps map[string]any) (any, error) {
		if s.manager.Cancelled(taskID) {
			return nil, context.Canceled
		}
		return fn(ctx, deps)
	}
}

func (s *Service) withRetry(fn graph.WorkFunc) graph.WorkFunc {
	return func(ctx context.Context, deps map[string]any) (any, error) {
		var lastErr error
		for attempt := 0; attempt <= s.cfg.RetryCount; attempt++ {
			if attempt > 0 {
				delay := reliability.ExponentialBackoff(attempt-1, s.cfg.RetryDelay, nodeBackoffCap)
				select {
				case <-time.After(delay):
				case <-ctx.Done():
					return nil, ctx.Err()
				}
			}

			value, err := fn(ctx, deps)
			if err == nil {
				return value, nil
			}
			lastErr = err
			if !reliability.IsRetryable(err) {
				break
			}
		}
		return nil, lastErr
	}
}

func (s *Service) nodeProgress(taskID string) graph.ProgressFunc {
	return func(nodeID string, state graph.NodeState, completed, total int) {
		switch state {
		case graph.NodeRunning:
			s.hub.SendToolExecution(taskID, nodeID, "running", "")
		case graph.NodeDone:
			s.hub.SendToolExecution(taskID, nodeID, "done", fmt.Sprintf("%d/%d stages complete", completed, total))
		case graph.NodeFailed:
			s.hub.SendToolExecution(taskID, nodeID, "failed", "")
		}
	}
}

func (s *Service) observeStages(results map[string]graph.Result) {
	if s.metrics == nil {
		return
	}
	for stage, r := range results {
		if r.StartedAt.IsZero() || r.FinishedAt.IsZero() {
			continue
		}
		s.metrics.ObserveStageDuration(stage, r.FinishedAt.Sub(r.StartedAt))
	}
}

// onTaskUpdate mirrors every task transition to subscribers. Terminal
// states fire exactly once since the manager never mutates a finished
// task.
func (s *Service) onTaskUpdate(task tasks.Task, message string) {
	switch task.Status {
	case tasks.StatusProcessing:
		s.hub.SendProgressUpdate(task.ID, task.Progress, task.Stage, message)
	case tasks.StatusCompleted:
		s.hub.SendCompletion(task.ID, task.ResultURL)
		if s.metrics != nil {
			s.metrics.TaskEvents.WithLabelValues("completed").Inc()
		}
	case tasks.StatusFailed:
		s.hub.SendError(task.ID, "task_failed", task.Error, false)
		if s.metrics != nil {
			s.metrics.TaskEvents.WithLabelValues("failed").Inc()
		}
	case tasks.StatusCancelled:
		s.hub.SendTaskControl(task.ID, "cancelled", message)
		if s.metrics != nil {
			s.metrics.TaskEvents.WithLabelValues("cancelled").Inc()
		}
	}
	if s.metrics != nil {
		s.metrics.TasksProcessing.Set(float64(s.manager.ProcessingCount()))
	}
}

// stageSpans maps each graph node to its slice of the 0-100 progress
// range. Spans overlap nothing and leave headroom at both ends for the
// manager's own pending and completed bookkeeping.
var stageSpans = map[string][2]float64{
	"script":     {2, 12},
	"scene_plan": {12, 15},
	"images":     {15, 40},
	"voiceover":  {40, 50},
	"clips":      {50, 75},
	"music":      {75, 85},
	"compose":    {85, 98},
}
