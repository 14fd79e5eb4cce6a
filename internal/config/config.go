package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the video generation service.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	AllowAnyOrigin bool

	RedisURL    string
	DatabaseURL string
	TaskTTL     time.Duration

	GeneratorMode    string
	GeneratorHTTPURL string
	GeneratorAPIKey  string

	MaxConcurrentTasks int
	GraphConcurrency   int
	RetryCount         int
	RetryDelay         time.Duration
	TaskTimeout        time.Duration

	TaskMaxAge          time.Duration
	TaskSweepInterval   time.Duration
	IdleConnThreshold   time.Duration
	IdleSweepInterval   time.Duration
	DefaultVideoSeconds int
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:            envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace:    envOrDefault("APP_METRICS_NAMESPACE", "reelforge"),
		AllowAnyOrigin:      false,
		RedisURL:            stringsTrimSpace("REDIS_URL"),
		DatabaseURL:         stringsTrimSpace("DATABASE_URL"),
		GeneratorMode:       envOrDefault("GENERATOR_MODE", "mock"),
		GeneratorHTTPURL:    stringsTrimSpace("GENERATOR_HTTP_URL"),
		GeneratorAPIKey:     stringsTrimSpace("GENERATOR_API_KEY"),
		MaxConcurrentTasks:  3,
		GraphConcurrency:    4,
		RetryCount:          2,
		RetryDelay:          2 * time.Second,
		TaskTimeout:         15 * time.Minute,
		TaskTTL:             24 * time.Hour,
		TaskMaxAge:          24 * time.Hour,
		TaskSweepInterval:   10 * time.Minute,
		IdleConnThreshold:   5 * time.Minute,
		IdleSweepInterval:   time.Minute,
		DefaultVideoSeconds: 30,
		ShutdownTimeout:     15 * time.Second,
	}

	var err error
	cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}
	cfg.MaxConcurrentTasks, err = intFromEnv("TASK_MAX_CONCURRENT", cfg.MaxConcurrentTasks)
	if err != nil {
		return Config{}, err
	}
	cfg.GraphConcurrency, err = intFromEnv("GRAPH_CONCURRENCY", cfg.GraphConcurrency)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryCount, err = intFromEnv("RETRY_COUNT", cfg.RetryCount)
	if err != nil {
		return Config{}, err
	}
	cfg.RetryDelay, err = durationFromEnv("RETRY_DELAY", cfg.RetryDelay)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTimeout, err = durationFromEnv("TASK_TIMEOUT", cfg.TaskTimeout)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskTTL, err = durationFromEnv("TASK_TTL", cfg.TaskTTL)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskMaxAge, err = durationFromEnv("TASK_MAX_AGE", cfg.TaskMaxAge)
	if err != nil {
		return Config{}, err
	}
	cfg.TaskSweepInterval, err = durationFromEnv("TASK_SWEEP_INTERVAL", cfg.TaskSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleConnThreshold, err = durationFromEnv("WS_IDLE_THRESHOLD", cfg.IdleConnThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.IdleSweepInterval, err = durationFromEnv("WS_IDLE_SWEEP_INTERVAL", cfg.IdleSweepInterval)
	if err != nil {
		return Config{}, err
	}
	cfg.DefaultVideoSeconds, err = intFromEnv("VIDEO_DEFAULT_SECONDS", cfg.DefaultVideoSeconds)
	if err != nil {
		return Config{}, err
	}

	if cfg.MaxConcurrentTasks <= 0 {
		return Config{}, fmt.Errorf("TASK_MAX_CONCURRENT must be positive")
	}
	if cfg.GraphConcurrency <= 0 {
		return Config{}, fmt.Errorf("GRAPH_CONCURRENCY must be positive")
	}
	if cfg.RetryCount < 0 {
		return Config{}, fmt.Errorf("RETRY_COUNT must be >= 0")
	}
	if cfg.TaskTimeout < time.Minute {
		return Config{}, fmt.Errorf("TASK_TIMEOUT must be at least 1m")
	}
	if cfg.DefaultVideoSeconds <= 0 {
		return Config{}, fmt.Errorf("VIDEO_DEFAULT_SECONDS must be positive")
	}
	if cfg.GeneratorMode == "http" && cfg.GeneratorHTTPURL == "" {
		return Config{}, fmt.Errorf("GENERATOR_MODE=http requires GENERATOR_HTTP_URL")
	}

	return cfg, nil
}

func envOrDefault(key, fallback string) string {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
