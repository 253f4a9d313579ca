package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TimeRange is the analysis window understood by the Spotify API.
type TimeRange string

const (
	RangeShort  TimeRange = "short_term"  // last 4 weeks
	RangeMedium TimeRange = "medium_term" // last 6 months
	RangeLong   TimeRange = "long_term"   // last year
)

// ParseTimeRange accepts both the wire values and the bare short/medium/long
// aliases used by callers.
func ParseTimeRange(s string) (TimeRange, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "short", "short_term":
		return RangeShort, nil
	case "medium", "medium_term", "":
		return RangeMedium, nil
	case "long", "long_term":
		return RangeLong, nil
	}
	return "", fmt.Errorf("invalid time range %q", s)
}

// InsightKind enumerates the supported generated-insight flavors.
type InsightKind string

const (
	InsightWellness     InsightKind = "wellness"
	InsightRoast        InsightKind = "roast"
	InsightProductivity InsightKind = "productivity"
)

// ParseInsightKind validates a caller-supplied kind.
func ParseInsightKind(s string) (InsightKind, error) {
	switch InsightKind(strings.ToLower(strings.TrimSpace(s))) {
	case InsightWellness:
		return InsightWellness, nil
	case InsightRoast:
		return InsightRoast, nil
	case InsightProductivity:
		return InsightProductivity, nil
	}
	return "", fmt.Errorf("invalid insight kind %q", s)
}

// User is the application-level identity, decoupled from Spotify's own
// user id. The Spotify id is immutable after first registration.
type User struct {
	ID            uuid.UUID `json:"id"`
	SpotifyUserID string    `json:"spotify_user_id"`
	DisplayName   string    `json:"display_name"`
	Email         *string   `json:"email,omitempty"`
	Country       *string   `json:"country,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// SpotifyToken is the single live credential for a user. Refresh updates
// the row in place; a second row per user is a constraint violation.
type SpotifyToken struct {
	ID           uuid.UUID `json:"id"`
	UserID       uuid.UUID `json:"user_id"`
	AccessToken  string    `json:"-"`
	RefreshToken string    `json:"-"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        *string   `json:"scope,omitempty"`
	TokenType    string    `json:"token_type"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Expired reports whether the access token is past its expiry.
func (t SpotifyToken) Expired(now time.Time) bool {
	return !t.ExpiresAt.After(now)
}

// MoodPattern is the per-label slice of a snapshot's mood breakdown.
// Fractions are per-label (a track may carry several labels) and do not
// sum to 1.0 across labels.
type MoodPattern struct {
	Percentage float64 `json:"percentage"`
	TrackCount int     `json:"track_count"`
}

// Snapshot is an immutable aggregate of listening behavior for one
// (user, time range, as-of day) triple.
type Snapshot struct {
	ID                   uuid.UUID              `json:"id"`
	UserID               uuid.UUID              `json:"user_id"`
	SnapshotDate         time.Time              `json:"snapshot_date"`
	TimeRange            TimeRange              `json:"time_range"`
	AudioFeatures        map[string]float64     `json:"audio_features"`
	GenreDistribution    map[string]float64     `json:"genre_distribution"`
	MoodPatterns         map[string]MoodPattern `json:"mood_patterns"`
	ArtistDiversityScore float64                `json:"artist_diversity_score"`
	MoodDiversityScore   float64                `json:"mood_diversity_score"`
	TotalTracksAnalyzed  int                    `json:"total_tracks_analyzed"`
	CreatedAt            time.Time              `json:"created_at"`
}

// Insight is a generated artifact derived from exactly one snapshot.
type Insight struct {
	ID               uuid.UUID      `json:"id"`
	UserID           uuid.UUID      `json:"user_id"`
	SnapshotID       uuid.UUID      `json:"snapshot_id"`
	Kind             InsightKind    `json:"kind"`
	Model            string         `json:"llm_model"`
	PromptVersion    string         `json:"prompt_version"`
	Tone             string         `json:"tone,omitempty"`
	Content          string         `json:"content"`
	StructuredOutput map[string]any `json:"structured_output,omitempty"`
	GenerationTimeMS int64          `json:"generation_time_ms"`
	TokensUsed       int            `json:"tokens_used"`
	CreatedAt        time.Time      `json:"created_at"`
}

// PlatformStats is the aggregate activity summary computed by the
// statistics sweep.
type PlatformStats struct {
	TotalUsers       int64     `json:"total_users"`
	ActiveUsers      int64     `json:"active_users"`
	TotalSnapshots   int64     `json:"total_snapshots"`
	TotalInsights    int64     `json:"total_insights"`
	RecentSnapshots  int64     `json:"recent_snapshots"`
	RecentInsights   int64     `json:"recent_insights"`
	WindowDays       int       `json:"window_days"`
	ComputedAt       time.Time `json:"computed_at"`
}
