package worker

import (
	"context"
	"fmt"
	"log"
	"math"
	"time"

	"github.com/google/uuid"

	"spotify-insights/internal/cache"
	"spotify-insights/internal/config"
	"spotify-insights/internal/models"
	"spotify-insights/internal/store"
)

// TaskEnqueuer is the fan-out surface sweeps queue child tasks through.
type TaskEnqueuer interface {
	EnqueueIngestion(ctx context.Context, userID uuid.UUID, tr models.TimeRange) (models.JobRecord, error)
	EnqueueInsight(ctx context.Context, snapshotID uuid.UUID, kind models.InsightKind, tone string) (models.JobRecord, error)
}

// SweepStore is the slice of the store the periodic sweeps read.
type SweepStore interface {
	ListUserIDsWithValidTokens(ctx context.Context, now time.Time) ([]uuid.UUID, error)
	ListUsersWithRecentSnapshots(ctx context.Context, since time.Time) ([]uuid.UUID, error)
	LatestSnapshotForUser(ctx context.Context, userID uuid.UUID) (models.Snapshot, error)
	ListSnapshotsByUserSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.Snapshot, error)
	DeleteTerminalJobsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error)
	PlatformStatistics(ctx context.Context, now time.Time, window time.Duration) (models.PlatformStats, error)
}

var _ SweepStore = (*store.Store)(nil)

// Sweeps are the periodic fan-out and maintenance tasks. Every sweep
// isolates per-entity failures: one bad user never aborts the batch.
type Sweeps struct {
	cfg        config.Config
	store      SweepStore
	dispatcher TaskEnqueuer
	cache      *cache.Cache
	now        func() time.Time
}

func NewSweeps(cfg config.Config, st SweepStore, dispatcher TaskEnqueuer, c *cache.Cache) *Sweeps {
	return &Sweeps{cfg: cfg, store: st, dispatcher: dispatcher, cache: c, now: time.Now}
}

// IngestAllUsers queues an ingestion task for every user holding a
// currently valid token.
func (s *Sweeps) IngestAllUsers(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	userIDs, err := s.store.ListUserIDsWithValidTokens(ctx, s.now())
	if err != nil {
		return nil, err
	}

	tr, err := models.ParseTimeRange(s.cfg.DefaultTimeRange)
	if err != nil {
		return nil, Permanent(fmt.Errorf("default time range: %w", err))
	}

	summary := models.SweepSummary{TotalCandidates: len(userIDs)}
	for _, userID := range userIDs {
		if _, err := s.dispatcher.EnqueueIngestion(ctx, userID, tr); err != nil {
			log.Printf("ingest sweep: queue user %s: %v", userID, err)
			summary.Failed++
			continue
		}
		summary.Queued++
	}
	log.Printf("ingest sweep: %d candidates, %d queued, %d failed",
		summary.TotalCandidates, summary.Queued, summary.Failed)
	return summary.Payload(), nil
}

// WeeklyInsights queues a supportive wellness insight against the latest
// snapshot of every user active inside the insight window.
func (s *Sweeps) WeeklyInsights(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	since := s.now().Add(-s.cfg.InsightWindow)
	userIDs, err := s.store.ListUsersWithRecentSnapshots(ctx, since)
	if err != nil {
		return nil, err
	}

	summary := models.SweepSummary{TotalCandidates: len(userIDs)}
	for _, userID := range userIDs {
		snapshot, err := s.store.LatestSnapshotForUser(ctx, userID)
		if err != nil {
			log.Printf("weekly insights: latest snapshot for %s: %v", userID, err)
			summary.Failed++
			continue
		}
		if _, err := s.dispatcher.EnqueueInsight(ctx, snapshot.ID, models.InsightWellness, "supportive"); err != nil {
			log.Printf("weekly insights: queue user %s: %v", userID, err)
			summary.Failed++
			continue
		}
		summary.Queued++
	}
	log.Printf("weekly insights sweep: %d candidates, %d queued, %d failed",
		summary.TotalCandidates, summary.Queued, summary.Failed)
	return summary.Payload(), nil
}

// Cleanup removes terminal job rows and snapshots past their retention
// cutoffs. Insight rows follow their snapshot via cascade.
func (s *Sweeps) Cleanup(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	now := s.now()

	jobsDeleted, err := s.store.DeleteTerminalJobsBefore(ctx, now.Add(-s.cfg.JobRetention))
	if err != nil {
		return nil, err
	}
	snapshotsDeleted, err := s.store.DeleteSnapshotsBefore(ctx, now.Add(-s.cfg.SnapshotRetention))
	if err != nil {
		return nil, err
	}

	log.Printf("cleanup sweep: %d job rows, %d snapshots removed", jobsDeleted, snapshotsDeleted)
	return map[string]any{
		"deleted_jobs":      jobsDeleted,
		"deleted_snapshots": snapshotsDeleted,
	}, nil
}

// PlatformStats recomputes the aggregate activity counters and caches
// them for the read API.
func (s *Sweeps) PlatformStats(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	const window = 30 * 24 * time.Hour

	stats, err := s.store.PlatformStatistics(ctx, s.now(), window)
	if err != nil {
		return nil, err
	}
	s.cache.SetJSON(ctx, cache.PlatformStatsKey(), stats)

	var avgPerActive float64
	if stats.ActiveUsers > 0 {
		avgPerActive = math.Round(float64(stats.RecentSnapshots)/float64(stats.ActiveUsers)*100) / 100
	}
	return map[string]any{
		"total_users":                   stats.TotalUsers,
		"active_users_30d":              stats.ActiveUsers,
		"total_snapshots":               stats.TotalSnapshots,
		"total_insights":                stats.TotalInsights,
		"recent_snapshots_30d":          stats.RecentSnapshots,
		"recent_insights_30d":           stats.RecentInsights,
		"avg_snapshots_per_active_user": avgPerActive,
	}, nil
}

// MonthlyTrends compares the first and last snapshot of each user active
// in the trailing month. Users with fewer than two snapshots are skipped.
func (s *Sweeps) MonthlyTrends(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	since := s.now().Add(-30 * 24 * time.Hour)
	userIDs, err := s.store.ListUsersWithRecentSnapshots(ctx, since)
	if err != nil {
		return nil, err
	}

	trends := make([]map[string]any, 0, len(userIDs))
	failed := 0
	for _, userID := range userIDs {
		snapshots, err := s.store.ListSnapshotsByUserSince(ctx, userID, since)
		if err != nil {
			log.Printf("monthly trends: snapshots for %s: %v", userID, err)
			failed++
			continue
		}
		if len(snapshots) < 2 {
			continue
		}
		first, last := snapshots[0], snapshots[len(snapshots)-1]
		change := math.Round((last.MoodDiversityScore-first.MoodDiversityScore)*1000) / 1000
		direction := "decreasing"
		if change > 0 {
			direction = "increasing"
		}
		trends = append(trends, map[string]any{
			"user_id":              userID.String(),
			"period":               "monthly",
			"snapshots_analyzed":   len(snapshots),
			"mood_diversity_trend": direction,
			"mood_change":          change,
		})
	}

	log.Printf("monthly trends sweep: %d active users, %d trends, %d failed", len(userIDs), len(trends), failed)
	return map[string]any{
		"users_analyzed":   len(userIDs),
		"trends_generated": len(trends),
		"failed":           failed,
		"trends":           trends,
	}, nil
}

// ExpiringRefresher is satisfied by the token manager.
type ExpiringRefresher interface {
	RefreshExpiring(ctx context.Context, now time.Time) (models.SweepSummary, error)
}

// RefreshExpiringTokensHandler adapts the token manager's proactive
// sweep to a task handler.
func RefreshExpiringTokensHandler(refresher ExpiringRefresher) Handler {
	return func(ctx context.Context, job models.JobRecord) (map[string]any, error) {
		summary, err := refresher.RefreshExpiring(ctx, time.Now())
		if err != nil {
			return nil, err
		}
		return summary.Payload(), nil
	}
}
