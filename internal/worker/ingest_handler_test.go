package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"spotify-insights/internal/aggregate"
	"spotify-insights/internal/models"
	"spotify-insights/internal/spotify"
	"spotify-insights/internal/store"
)

type fakeIngestStore struct {
	tokens    map[uuid.UUID]models.SpotifyToken
	snapshots []store.CreateSnapshotParams
	reuse     bool
}

func (f *fakeIngestStore) GetToken(_ context.Context, userID uuid.UUID) (models.SpotifyToken, error) {
	tok, ok := f.tokens[userID]
	if !ok {
		return models.SpotifyToken{}, store.ErrTokenNotFound
	}
	return tok, nil
}

func (f *fakeIngestStore) CreateSnapshot(_ context.Context, p store.CreateSnapshotParams) (models.Snapshot, bool, error) {
	f.snapshots = append(f.snapshots, p)
	return models.Snapshot{
		ID:                  uuid.New(),
		UserID:              p.UserID,
		TimeRange:           p.TimeRange,
		TotalTracksAnalyzed: p.TotalTracksAnalyzed,
	}, f.reuse, nil
}

type fakeFetcher struct {
	listening spotify.Listening
	err       error
	gotToken  string
	gotRange  models.TimeRange
}

func (f *fakeFetcher) FetchTop(_ context.Context, accessToken string, tr models.TimeRange) (spotify.Listening, error) {
	f.gotToken = accessToken
	f.gotRange = tr
	return f.listening, f.err
}

type fakeRefresher struct {
	access string
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(_ context.Context, _ uuid.UUID) (string, error) {
	f.calls++
	return f.access, f.err
}

type fakeInvalidator struct {
	deleted []string
}

func (f *fakeInvalidator) Delete(_ context.Context, key string) {
	f.deleted = append(f.deleted, key)
}

func fptr(v float64) *float64 { return &v }

func ingestJob(userID uuid.UUID, timeRange string) models.JobRecord {
	return models.JobRecord{
		ID:     uuid.New(),
		Type:   models.TaskIngestListening,
		Params: map[string]any{"user_id": userID.String(), "time_range": timeRange},
	}
}

func TestIngestHappyPath(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	st := &fakeIngestStore{tokens: map[uuid.UUID]models.SpotifyToken{
		userID: {UserID: userID, AccessToken: "live", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	fetcher := &fakeFetcher{listening: spotify.Listening{
		TrackCount:  2,
		ArtistCount: 2,
		Features: []aggregate.TrackFeatures{
			{Valence: fptr(0.8), Energy: fptr(0.7), Danceability: fptr(0.5)},
			{Valence: fptr(0.2), Energy: fptr(0.3), Acousticness: fptr(0.9)},
		},
		Artists: []aggregate.Artist{
			{Name: "A", Genres: []string{"pop"}},
			{Name: "B", Genres: []string{"rock", "pop"}},
		},
	}}
	cacheSpy := &fakeInvalidator{}
	h := NewIngestHandler(st, fetcher, &fakeRefresher{}, cacheSpy)

	result, err := h.Handle(ctx, ingestJob(userID, "short_term"))
	if err != nil {
		t.Fatalf("handle: %v", err)
	}
	if fetcher.gotToken != "live" || fetcher.gotRange != models.RangeShort {
		t.Fatalf("fetch used token=%q range=%q", fetcher.gotToken, fetcher.gotRange)
	}
	if len(st.snapshots) != 1 {
		t.Fatalf("expected one snapshot write, got %d", len(st.snapshots))
	}
	snap := st.snapshots[0]
	if snap.TotalTracksAnalyzed != 2 {
		t.Fatalf("tracks analyzed = %d", snap.TotalTracksAnalyzed)
	}
	if snap.GenreDistribution["pop"] == 0 {
		t.Fatalf("genre distribution not aggregated: %+v", snap.GenreDistribution)
	}
	if result["tracks_analyzed"] != 2 || result["artists_analyzed"] != 2 {
		t.Fatalf("unexpected result payload %+v", result)
	}
	if len(cacheSpy.deleted) != 1 {
		t.Fatalf("expected one cache invalidation, got %v", cacheSpy.deleted)
	}
}

func TestIngestMissingTokenIsPermanent(t *testing.T) {
	ctx := context.Background()
	st := &fakeIngestStore{tokens: map[uuid.UUID]models.SpotifyToken{}}
	h := NewIngestHandler(st, &fakeFetcher{}, &fakeRefresher{}, &fakeInvalidator{})

	_, err := h.Handle(ctx, ingestJob(uuid.New(), "medium_term"))
	if err == nil || !IsPermanent(err) {
		t.Fatalf("missing credential must be permanent, got %v", err)
	}
	if len(st.snapshots) != 0 {
		t.Fatalf("no snapshot must be written")
	}
}

func TestIngestExpiredTokenRefreshesInline(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	st := &fakeIngestStore{tokens: map[uuid.UUID]models.SpotifyToken{
		userID: {UserID: userID, AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)},
	}}
	fetcher := &fakeFetcher{}
	refresher := &fakeRefresher{access: "renewed"}
	h := NewIngestHandler(st, fetcher, refresher, &fakeInvalidator{})

	if _, err := h.Handle(ctx, ingestJob(userID, "")); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if refresher.calls != 1 {
		t.Fatalf("expected inline refresh, calls = %d", refresher.calls)
	}
	if fetcher.gotToken != "renewed" {
		t.Fatalf("fetch used %q, want renewed token", fetcher.gotToken)
	}
}

func TestIngestRefreshFailureIsTransient(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	st := &fakeIngestStore{tokens: map[uuid.UUID]models.SpotifyToken{
		userID: {UserID: userID, AccessToken: "stale", ExpiresAt: time.Now().Add(-time.Minute)},
	}}
	h := NewIngestHandler(st, &fakeFetcher{}, &fakeRefresher{err: errors.New("accounts service 502")}, &fakeInvalidator{})

	_, err := h.Handle(ctx, ingestJob(userID, ""))
	if err == nil || IsPermanent(err) {
		t.Fatalf("refresh failure must stay retryable, got %v", err)
	}
}

func TestIngestZeroTracksWritesDegenerateSnapshot(t *testing.T) {
	ctx := context.Background()
	userID := uuid.New()
	st := &fakeIngestStore{tokens: map[uuid.UUID]models.SpotifyToken{
		userID: {UserID: userID, AccessToken: "live", ExpiresAt: time.Now().Add(time.Hour)},
	}}
	h := NewIngestHandler(st, &fakeFetcher{}, &fakeRefresher{}, &fakeInvalidator{})

	result, err := h.Handle(ctx, ingestJob(userID, ""))
	if err != nil {
		t.Fatalf("empty listening history must still succeed: %v", err)
	}
	if len(st.snapshots) != 1 {
		t.Fatalf("expected degenerate snapshot write")
	}
	snap := st.snapshots[0]
	if snap.TotalTracksAnalyzed != 0 || len(snap.AudioFeatures) != 0 || len(snap.GenreDistribution) != 0 {
		t.Fatalf("degenerate snapshot must be empty but valid: %+v", snap)
	}
	if result["tracks_analyzed"] != 0 {
		t.Fatalf("unexpected result %+v", result)
	}
}

func TestIngestBadParamsArePermanent(t *testing.T) {
	ctx := context.Background()
	h := NewIngestHandler(&fakeIngestStore{}, &fakeFetcher{}, &fakeRefresher{}, &fakeInvalidator{})

	cases := []models.JobRecord{
		{Params: map[string]any{}},
		{Params: map[string]any{"user_id": "not-a-uuid"}},
		{Params: map[string]any{"user_id": uuid.NewString(), "time_range": "fortnight"}},
	}
	for i, job := range cases {
		if _, err := h.Handle(ctx, job); err == nil || !IsPermanent(err) {
			t.Fatalf("case %d: want permanent error, got %v", i, err)
		}
	}
}
