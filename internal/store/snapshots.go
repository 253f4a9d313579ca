package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"spotify-insights/internal/models"
)

// ErrSnapshotNotFound is returned when no snapshot row matches the lookup.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// CreateSnapshotParams collects the aggregates persisted on a snapshot.
type CreateSnapshotParams struct {
	UserID               uuid.UUID
	SnapshotDate         time.Time
	TimeRange            models.TimeRange
	AudioFeatures        map[string]float64
	GenreDistribution    map[string]float64
	MoodPatterns         map[string]models.MoodPattern
	ArtistDiversityScore float64
	MoodDiversityScore   float64
	TotalTracksAnalyzed  int
}

// CreateSnapshot inserts an immutable snapshot row. The store enforces
// uniqueness on (user, snapshot day, time range): when a row for the
// triple already exists the existing row is returned with reused=true,
// so an at-least-once redelivery converges instead of corrupting state.
func (s *Store) CreateSnapshot(ctx context.Context, p CreateSnapshotParams) (models.Snapshot, bool, error) {
	featuresJSON, err := json.Marshal(orEmptyFloats(p.AudioFeatures))
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("marshal audio features: %w", err)
	}
	genresJSON, err := json.Marshal(orEmptyFloats(p.GenreDistribution))
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("marshal genre distribution: %w", err)
	}
	moodsJSON, err := json.Marshal(orEmptyMoods(p.MoodPatterns))
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("marshal mood patterns: %w", err)
	}

	day := p.SnapshotDate.UTC().Truncate(24 * time.Hour)
	id := uuid.New()
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO listening_snapshots
			(id, user_id, snapshot_date, time_range, audio_features, genre_distribution,
			 mood_patterns, artist_diversity_score, mood_diversity_score, total_tracks_analyzed)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT ON CONSTRAINT uq_user_snapshot_time_range DO NOTHING
	`, id, p.UserID, day, p.TimeRange, featuresJSON, genresJSON, moodsJSON,
		p.ArtistDiversityScore, p.MoodDiversityScore, p.TotalTracksAnalyzed)
	if err != nil {
		return models.Snapshot{}, false, fmt.Errorf("insert snapshot: %w", err)
	}

	if tag.RowsAffected() == 0 {
		existing, err := s.snapshotForTriple(ctx, p.UserID, day, p.TimeRange)
		if err != nil {
			return models.Snapshot{}, false, err
		}
		return existing, true, nil
	}
	snap, err := s.GetSnapshot(ctx, id)
	return snap, false, err
}

const snapshotColumns = `id, user_id, snapshot_date, time_range, audio_features, genre_distribution,
	mood_patterns, artist_diversity_score, mood_diversity_score, total_tracks_analyzed, created_at`

// GetSnapshot fetches a snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id uuid.UUID) (models.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM listening_snapshots WHERE id = $1`, id)
	return scanSnapshot(row)
}

func (s *Store) snapshotForTriple(ctx context.Context, userID uuid.UUID, day time.Time, tr models.TimeRange) (models.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM listening_snapshots
		WHERE user_id = $1 AND snapshot_date = $2 AND time_range = $3
	`, userID, day, tr)
	return scanSnapshot(row)
}

func scanSnapshot(row pgx.Row) (models.Snapshot, error) {
	var (
		snap         models.Snapshot
		featuresJSON []byte
		genresJSON   []byte
		moodsJSON    []byte
	)
	err := row.Scan(&snap.ID, &snap.UserID, &snap.SnapshotDate, &snap.TimeRange,
		&featuresJSON, &genresJSON, &moodsJSON,
		&snap.ArtistDiversityScore, &snap.MoodDiversityScore, &snap.TotalTracksAnalyzed, &snap.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return models.Snapshot{}, fmt.Errorf("scan snapshot: %w", err)
	}

	if err := json.Unmarshal(featuresJSON, &snap.AudioFeatures); err != nil {
		return models.Snapshot{}, fmt.Errorf("unmarshal audio features: %w", err)
	}
	if err := json.Unmarshal(genresJSON, &snap.GenreDistribution); err != nil {
		return models.Snapshot{}, fmt.Errorf("unmarshal genre distribution: %w", err)
	}
	if err := json.Unmarshal(moodsJSON, &snap.MoodPatterns); err != nil {
		return models.Snapshot{}, fmt.Errorf("unmarshal mood patterns: %w", err)
	}
	return snap, nil
}

// ListSnapshotsByUser returns a user's snapshots, most recent first.
func (s *Store) ListSnapshotsByUser(ctx context.Context, userID uuid.UUID, limit int) ([]models.Snapshot, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM listening_snapshots
		WHERE user_id = $1 ORDER BY snapshot_date DESC, created_at DESC LIMIT $2
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

// ListSnapshotsByUserSince returns a user's snapshots created since the
// given time, oldest first (for trend analysis).
func (s *Store) ListSnapshotsByUserSince(ctx context.Context, userID uuid.UUID, since time.Time) ([]models.Snapshot, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+snapshotColumns+` FROM listening_snapshots
		WHERE user_id = $1 AND snapshot_date >= $2 ORDER BY snapshot_date ASC
	`, userID, since)
	if err != nil {
		return nil, fmt.Errorf("list snapshots since: %w", err)
	}
	defer rows.Close()
	return collectSnapshots(rows)
}

func collectSnapshots(rows pgx.Rows) ([]models.Snapshot, error) {
	var snaps []models.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		snaps = append(snaps, snap)
	}
	return snaps, rows.Err()
}

// ListUsersWithRecentSnapshots returns the distinct users having at
// least one snapshot dated on or after since, the candidate set for the
// bulk insight sweep.
func (s *Store) ListUsersWithRecentSnapshots(ctx context.Context, since time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT DISTINCT user_id FROM listening_snapshots WHERE snapshot_date >= $1 ORDER BY user_id
	`, since)
	if err != nil {
		return nil, fmt.Errorf("list users with recent snapshots: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// LatestSnapshotForUser returns the user's most recent snapshot.
func (s *Store) LatestSnapshotForUser(ctx context.Context, userID uuid.UUID) (models.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+snapshotColumns+` FROM listening_snapshots
		WHERE user_id = $1 ORDER BY snapshot_date DESC, created_at DESC LIMIT 1
	`, userID)
	return scanSnapshot(row)
}

// DeleteSnapshotsBefore removes snapshots older than the cutoff; the
// cascade removes their insights.
func (s *Store) DeleteSnapshotsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM listening_snapshots WHERE snapshot_date < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old snapshots: %w", err)
	}
	return tag.RowsAffected(), nil
}

func orEmptyFloats(m map[string]float64) map[string]float64 {
	if m == nil {
		return map[string]float64{}
	}
	return m
}

func orEmptyMoods(m map[string]models.MoodPattern) map[string]models.MoodPattern {
	if m == nil {
		return map[string]models.MoodPattern{}
	}
	return m
}
