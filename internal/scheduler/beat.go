// Package scheduler is the beat process: ticker-driven enqueueing of
// the periodic sweep tasks. The sweeps themselves run on workers; the
// beat only plants their job records on schedule.
package scheduler

import (
	"context"
	"log"
	"time"

	"spotify-insights/internal/config"
	"spotify-insights/internal/dispatch"
	"spotify-insights/internal/models"
)

// Beat fires each sweep task on its configured interval.
type Beat struct {
	cfg        config.Config
	dispatcher *dispatch.Dispatcher
}

func NewBeat(cfg config.Config, dispatcher *dispatch.Dispatcher) *Beat {
	return &Beat{cfg: cfg, dispatcher: dispatcher}
}

// Run blocks until context cancellation, enqueueing sweeps as their
// intervals elapse. Enqueue failures are logged and retried on the next
// tick; the beat itself never dies over a transient broker fault.
func (b *Beat) Run(ctx context.Context) error {
	entries := []struct {
		taskType string
		interval time.Duration
	}{
		{models.TaskRefreshExpiring, b.cfg.TokenRefreshInterval},
		{models.TaskIngestAllUsers, b.cfg.IngestSweepInterval},
		{models.TaskWeeklyInsights, b.cfg.InsightSweepInterval},
		{models.TaskPlatformStats, b.cfg.StatsSweepInterval},
		{models.TaskMonthlyTrends, b.cfg.TrendsSweepInterval},
		{models.TaskCleanupRecords, b.cfg.CleanupInterval},
	}

	for _, e := range entries {
		if e.interval <= 0 {
			log.Printf("beat: %s disabled (non-positive interval)", e.taskType)
			continue
		}
		go b.tick(ctx, e.taskType, e.interval)
	}

	log.Printf("beat running with %d scheduled task types", len(entries))
	<-ctx.Done()
	return ctx.Err()
}

func (b *Beat) tick(ctx context.Context, taskType string, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		job, err := b.dispatcher.EnqueueSweep(ctx, taskType)
		if err != nil {
			log.Printf("beat: enqueue %s: %v", taskType, err)
			continue
		}
		log.Printf("beat: enqueued %s as job %s", taskType, job.ID)
	}
}
