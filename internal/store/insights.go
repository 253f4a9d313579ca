package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"spotify-insights/internal/models"
)

// CreateInsightParams collects the fields persisted on a generated insight.
type CreateInsightParams struct {
	UserID           uuid.UUID
	SnapshotID       uuid.UUID
	Kind             models.InsightKind
	Model            string
	PromptVersion    string
	Tone             string
	Content          string
	StructuredOutput map[string]any
	GenerationTimeMS int64
	TokensUsed       int
}

// CreateInsight inserts an immutable insight row referencing its snapshot.
func (s *Store) CreateInsight(ctx context.Context, p CreateInsightParams) (models.Insight, error) {
	if p.StructuredOutput == nil {
		p.StructuredOutput = map[string]any{}
	}
	structuredJSON, err := json.Marshal(p.StructuredOutput)
	if err != nil {
		return models.Insight{}, fmt.Errorf("marshal structured output: %w", err)
	}

	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO generated_insights
			(id, user_id, snapshot_id, insight_kind, llm_model, prompt_version, tone,
			 content, structured_output, generation_time_ms, tokens_used)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING created_at
	`, id, p.UserID, p.SnapshotID, p.Kind, p.Model, p.PromptVersion, emptyToNil(p.Tone),
		p.Content, structuredJSON, p.GenerationTimeMS, p.TokensUsed)

	var createdAt time.Time
	if err := row.Scan(&createdAt); err != nil {
		return models.Insight{}, fmt.Errorf("insert insight: %w", err)
	}

	return models.Insight{
		ID:               id,
		UserID:           p.UserID,
		SnapshotID:       p.SnapshotID,
		Kind:             p.Kind,
		Model:            p.Model,
		PromptVersion:    p.PromptVersion,
		Tone:             p.Tone,
		Content:          p.Content,
		StructuredOutput: p.StructuredOutput,
		GenerationTimeMS: p.GenerationTimeMS,
		TokensUsed:       p.TokensUsed,
		CreatedAt:        createdAt,
	}, nil
}

const insightColumns = `id, user_id, snapshot_id, insight_kind, llm_model, prompt_version, tone,
	content, structured_output, generation_time_ms, tokens_used, created_at`

// ListInsightsByUser returns a user's insights, most recent first.
func (s *Store) ListInsightsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Insight, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+insightColumns+` FROM generated_insights
		WHERE user_id = $1 ORDER BY created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list insights: %w", err)
	}
	defer rows.Close()

	var insights []models.Insight
	for rows.Next() {
		insight, err := scanInsight(rows)
		if err != nil {
			return nil, err
		}
		insights = append(insights, insight)
	}
	return insights, rows.Err()
}

func scanInsight(row pgx.Row) (models.Insight, error) {
	var (
		insight        models.Insight
		tone           pgtype.Text
		structuredJSON []byte
	)
	err := row.Scan(&insight.ID, &insight.UserID, &insight.SnapshotID, &insight.Kind,
		&insight.Model, &insight.PromptVersion, &tone, &insight.Content,
		&structuredJSON, &insight.GenerationTimeMS, &insight.TokensUsed, &insight.CreatedAt)
	if err != nil {
		return models.Insight{}, fmt.Errorf("scan insight: %w", err)
	}
	if len(structuredJSON) > 0 {
		if err := json.Unmarshal(structuredJSON, &insight.StructuredOutput); err != nil {
			return models.Insight{}, fmt.Errorf("unmarshal structured output: %w", err)
		}
	}
	if tone.Valid {
		insight.Tone = tone.String
	}
	return insight, nil
}

// PlatformStatistics aggregates platform activity for the statistics
// sweep. Active users are those with a snapshot inside the window.
func (s *Store) PlatformStatistics(ctx context.Context, now time.Time, window time.Duration) (models.PlatformStats, error) {
	since := now.Add(-window)
	stats := models.PlatformStats{
		WindowDays: int(window.Hours() / 24),
		ComputedAt: now,
	}

	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM users),
			(SELECT COUNT(DISTINCT user_id) FROM listening_snapshots WHERE snapshot_date >= $1),
			(SELECT COUNT(*) FROM listening_snapshots),
			(SELECT COUNT(*) FROM generated_insights),
			(SELECT COUNT(*) FROM listening_snapshots WHERE snapshot_date >= $1),
			(SELECT COUNT(*) FROM generated_insights WHERE created_at >= $1)
	`, since).Scan(&stats.TotalUsers, &stats.ActiveUsers, &stats.TotalSnapshots,
		&stats.TotalInsights, &stats.RecentSnapshots, &stats.RecentInsights)
	if err != nil {
		return models.PlatformStats{}, fmt.Errorf("platform statistics: %w", err)
	}
	return stats, nil
}
