package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/lucavalli/reelforge/internal/config"
	"github.com/lucavalli/reelforge/internal/generate"
	"github.com/lucavalli/reelforge/internal/httpapi"
	"github.com/lucavalli/reelforge/internal/hub"
	"github.com/lucavalli/reelforge/internal/observability"
	"github.com/lucavalli/reelforge/internal/pipeline"
	"github.com/lucavalli/reelforge/internal/tasks"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := tasks.NewStore(ctx, cfg.RedisURL, cfg.DatabaseURL, cfg.TaskTTL)
	if err != nil {
		log.Fatalf("task store init failed: %v", err)
	}
	storeMode := "in-memory"
	if store != nil {
		defer store.Close()
		if cfg.RedisURL != "" {
			storeMode = "redis"
		} else {
			storeMode = "postgres"
		}
	}
	log.Printf("task store: %s", storeMode)

	gen, err := generate.New(generate.Config{
		Mode:    cfg.GeneratorMode,
		HTTPURL: cfg.GeneratorHTTPURL,
		APIKey:  cfg.GeneratorAPIKey,
	})
	if err != nil {
		log.Fatalf("generator init failed: %v", err)
	}
	log.Printf("generator: %s", cfg.GeneratorMode)

	manager := tasks.NewManager(cfg.MaxConcurrentTasks, cfg.TaskTimeout)
	if store != nil {
		manager.SetStore(store)
	}

	broadcaster := hub.NewManager()
	broadcaster.SetEvictHook(func(taskID string) {
		metrics.BroadcastErrors.Inc()
	})

	svc := pipeline.New(pipeline.Config{
		GraphConcurrency: cfg.GraphConcurrency,
		RetryCount:       cfg.RetryCount,
		RetryDelay:       cfg.RetryDelay,
		DefaultDuration:  cfg.DefaultVideoSeconds,
	}, manager, broadcaster, gen, metrics)

	api := httpapi.New(cfg, svc, broadcaster, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	manager.StartJanitor(runCtx, cfg.TaskSweepInterval, cfg.TaskMaxAge)
	broadcaster.StartJanitor(runCtx, cfg.IdleSweepInterval, cfg.IdleConnThreshold)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
