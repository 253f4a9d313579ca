package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"spotify-insights/internal/cache"
	"spotify-insights/internal/config"
	"spotify-insights/internal/dispatch"
	"spotify-insights/internal/llm"
	"spotify-insights/internal/models"
	"spotify-insights/internal/queue"
	"spotify-insights/internal/scheduler"
	"spotify-insights/internal/spotify"
	"spotify-insights/internal/store"
	"spotify-insights/internal/telemetry"
	"spotify-insights/internal/tokens"
	"spotify-insights/internal/worker"
)

// Per-class retry budgets. External-API work retries hardest, LLM work
// less, and sweeps get a single slow retry.
var (
	spotifyRetry = worker.RetryPolicy{MaxRetries: 3, InitialBackoff: time.Minute, Exponential: true}
	insightRetry = worker.RetryPolicy{MaxRetries: 2, InitialBackoff: 30 * time.Second, Exponential: true}
	sweepRetry   = worker.RetryPolicy{MaxRetries: 1, InitialBackoff: 5 * time.Minute}
)

func main() {
	cfg := config.Load()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.Fatalf("migrations: %v", err)
	}

	q := queue.NewRedisQueue(cfg)
	c := cache.New(cfg)
	dispatcher := dispatch.New(st, q)

	tokenManager := tokens.NewManager(st, tokens.NewExchanger(cfg), cfg.TokenRefreshLookahead)
	fetcher := spotify.New(cfg)
	generator := llm.New(cfg)

	ingest := worker.NewIngestHandler(st, fetcher, tokenManager, c)
	insights := worker.NewInsightHandler(st, generator, c, cfg.LLMModel)
	refresh := worker.NewTokenRefreshHandler(tokenManager)
	sweeps := worker.NewSweeps(cfg, st, dispatcher, c)

	registry := worker.NewRegistry()
	registry.Register(worker.TaskDef{
		Type: models.TaskIngestListening, Queue: models.QueueSpotify,
		Retry: spotifyRetry, Handler: ingest.Handle,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskRefreshToken, Queue: models.QueueSpotify,
		Retry: spotifyRetry, Handler: refresh.Handle,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskGenerateInsight, Queue: models.QueueInsights,
		Retry: insightRetry, Handler: insights.Handle,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskRefreshExpiring, Queue: models.QueueMaintenance,
		Retry: sweepRetry, Handler: worker.RefreshExpiringTokensHandler(tokenManager),
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskIngestAllUsers, Queue: models.QueueMaintenance,
		Retry: sweepRetry, Handler: sweeps.IngestAllUsers,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskWeeklyInsights, Queue: models.QueueMaintenance,
		Retry: sweepRetry, Handler: sweeps.WeeklyInsights,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskCleanupRecords, Queue: models.QueueMaintenance,
		Retry: sweepRetry, Handler: sweeps.Cleanup,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskPlatformStats, Queue: models.QueueMaintenance,
		Retry: sweepRetry, Handler: sweeps.PlatformStats,
	})
	registry.Register(worker.TaskDef{
		Type: models.TaskMonthlyTrends, Queue: models.QueueMaintenance,
		Retry: sweepRetry, Handler: sweeps.MonthlyTrends,
	})

	processor := worker.NewProcessor(cfg, q, st, registry)
	beat := scheduler.NewBeat(cfg, dispatcher)

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.Printf("metrics server stopped: %v", err)
		}
	}()
	go func() {
		if err := beat.Run(ctx); err != nil && err != context.Canceled {
			log.Printf("beat stopped: %v", err)
		}
	}()

	log.Printf("worker started with queues=%v visibility=%s", cfg.Queues, cfg.VisibilityTimeout)
	if err := processor.Run(ctx); err != nil {
		log.Printf("worker stopped: %v", err)
	}
}
