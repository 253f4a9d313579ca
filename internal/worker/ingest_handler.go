package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"spotify-insights/internal/aggregate"
	"spotify-insights/internal/cache"
	"spotify-insights/internal/models"
	"spotify-insights/internal/spotify"
	"spotify-insights/internal/store"
	"spotify-insights/internal/telemetry"
)

// IngestStore is the slice of the store ingestion writes through.
type IngestStore interface {
	GetToken(ctx context.Context, userID uuid.UUID) (models.SpotifyToken, error)
	CreateSnapshot(ctx context.Context, p store.CreateSnapshotParams) (models.Snapshot, bool, error)
}

var _ IngestStore = (*store.Store)(nil)

// TokenRefresher renews an expired access token in place.
type TokenRefresher interface {
	Refresh(ctx context.Context, userID uuid.UUID) (string, error)
}

// Invalidator is the push-invalidation surface handlers use.
type Invalidator interface {
	Delete(ctx context.Context, key string)
}

var _ Invalidator = (*cache.Cache)(nil)

// IngestHandler pulls one user's listening data, aggregates it, and
// persists the day's snapshot.
type IngestHandler struct {
	store   IngestStore
	fetcher spotify.Fetcher
	tokens  TokenRefresher
	cache   Invalidator
	now     func() time.Time
}

func NewIngestHandler(st IngestStore, fetcher spotify.Fetcher, tokens TokenRefresher, cache Invalidator) *IngestHandler {
	return &IngestHandler{store: st, fetcher: fetcher, tokens: tokens, cache: cache, now: time.Now}
}

// Handle runs one ingestion attempt. A user without a stored credential
// cannot be ingested no matter how often we retry; an expired access
// token is refreshed inline and only its refresh failure is transient.
func (h *IngestHandler) Handle(ctx context.Context, job models.JobRecord) (map[string]any, error) {
	userID, err := paramUUID(job.Params, "user_id")
	if err != nil {
		return nil, err
	}
	tr, err := models.ParseTimeRange(optionalParamString(job.Params, "time_range"))
	if err != nil {
		return nil, Permanent(err)
	}

	token, err := h.store.GetToken(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrTokenNotFound) {
			return nil, Permanent(fmt.Errorf("user %s has no spotify credential", userID))
		}
		return nil, err
	}

	access := token.AccessToken
	if token.Expired(h.now()) {
		access, err = h.tokens.Refresh(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("refreshing expired token: %w", err)
		}
	}

	listening, err := h.fetcher.FetchTop(ctx, access, tr)
	if err != nil {
		return nil, err
	}

	genres := aggregate.GenreDistribution(listening.Artists)
	snapshot, reused, err := h.store.CreateSnapshot(ctx, store.CreateSnapshotParams{
		UserID:               userID,
		SnapshotDate:         h.now(),
		TimeRange:            tr,
		AudioFeatures:        aggregate.FeatureStats(listening.Features),
		GenreDistribution:    genres,
		MoodPatterns:         aggregate.MoodPatterns(listening.Features),
		ArtistDiversityScore: aggregate.ArtistDiversity(listening.Artists),
		MoodDiversityScore:   aggregate.GenreEntropy(genres),
		TotalTracksAnalyzed:  listening.TrackCount,
	})
	if err != nil {
		return nil, err
	}
	if reused {
		log.Printf("ingest user %s %s: snapshot for today already exists, converged on %s", userID, tr, snapshot.ID)
	}

	h.cache.Delete(ctx, cache.UserSnapshotsKey(userID.String()))
	telemetry.CacheInvalidates.Inc()

	return map[string]any{
		"snapshot_id":      snapshot.ID.String(),
		"tracks_analyzed":  listening.TrackCount,
		"artists_analyzed": listening.ArtistCount,
		"reused_existing":  reused,
	}, nil
}
