// Package spotify wraps the Spotify Web API for listening-history
// ingestion. A Client is process-wide; each call authenticates with the
// caller's access token.
package spotify

import (
	"context"
	"fmt"

	spotifyapi "github.com/zmb3/spotify/v2"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"spotify-insights/internal/aggregate"
	"spotify-insights/internal/config"
	"spotify-insights/internal/models"
	"spotify-insights/internal/telemetry"
)

const maxFeaturesPerRequest = 100

// Listening is the slice of a user's history one ingestion run needs.
type Listening struct {
	TrackIDs    []string
	TrackNames  []string
	Features    []aggregate.TrackFeatures
	Artists     []aggregate.Artist
	TrackCount  int
	ArtistCount int
}

// Fetcher retrieves a user's top listening data. Satisfied by Client;
// tests substitute their own.
type Fetcher interface {
	FetchTop(ctx context.Context, accessToken string, tr models.TimeRange) (Listening, error)
}

// Client talks to the Spotify Web API under a process-wide rate limit.
type Client struct {
	limiter *rate.Limiter
	limit   int
}

// New builds a client from config.
func New(cfg config.Config) *Client {
	return &Client{
		limiter: rate.NewLimiter(rate.Limit(cfg.SpotifyRateLimit), cfg.SpotifyRateBurst),
		limit:   cfg.FetchLimit,
	}
}

// FetchTop pulls the user's top tracks and artists for the window, then
// resolves audio features for the tracks. Tracks the API has no features
// for are skipped rather than zeroed.
func (c *Client) FetchTop(ctx context.Context, accessToken string, tr models.TimeRange) (Listening, error) {
	api := c.authenticated(ctx, accessToken)

	if err := c.limiter.Wait(ctx); err != nil {
		return Listening{}, err
	}
	trackPage, err := api.CurrentUsersTopTracks(ctx, spotifyapi.Timerange(apiRange(tr)), spotifyapi.Limit(c.limit))
	if err != nil {
		return Listening{}, fmt.Errorf("fetching top tracks: %w", err)
	}
	telemetry.SpotifyFetches.Inc()

	if err := c.limiter.Wait(ctx); err != nil {
		return Listening{}, err
	}
	artistPage, err := api.CurrentUsersTopArtists(ctx, spotifyapi.Timerange(apiRange(tr)), spotifyapi.Limit(c.limit))
	if err != nil {
		return Listening{}, fmt.Errorf("fetching top artists: %w", err)
	}
	telemetry.SpotifyFetches.Inc()

	out := Listening{
		TrackCount:  len(trackPage.Tracks),
		ArtistCount: len(artistPage.Artists),
	}
	for _, t := range trackPage.Tracks {
		out.TrackIDs = append(out.TrackIDs, t.ID.String())
		out.TrackNames = append(out.TrackNames, t.Name)
	}
	for _, a := range artistPage.Artists {
		out.Artists = append(out.Artists, aggregate.Artist{Name: a.Name, Genres: a.Genres})
	}

	features, err := c.audioFeatures(ctx, api, out.TrackIDs)
	if err != nil {
		return Listening{}, err
	}
	out.Features = features
	return out, nil
}

// audioFeatures resolves features in batches of at most 100 IDs per the
// API limit.
func (c *Client) audioFeatures(ctx context.Context, api *spotifyapi.Client, trackIDs []string) ([]aggregate.TrackFeatures, error) {
	if len(trackIDs) == 0 {
		return nil, nil
	}
	ids := make([]spotifyapi.ID, len(trackIDs))
	for i, id := range trackIDs {
		ids[i] = spotifyapi.ID(id)
	}

	var out []aggregate.TrackFeatures
	for i := 0; i < len(ids); i += maxFeaturesPerRequest {
		end := min(i+maxFeaturesPerRequest, len(ids))
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		batch, err := api.GetAudioFeatures(ctx, ids[i:end]...)
		if err != nil {
			return nil, fmt.Errorf("fetching audio features (batch %d-%d): %w", i+1, end, err)
		}
		telemetry.SpotifyFetches.Inc()
		for _, f := range batch {
			if f == nil {
				continue
			}
			out = append(out, convertFeatures(f))
		}
	}
	return out, nil
}

func convertFeatures(f *spotifyapi.AudioFeatures) aggregate.TrackFeatures {
	return aggregate.TrackFeatures{
		Valence:          f32(f.Valence),
		Energy:           f32(f.Energy),
		Danceability:     f32(f.Danceability),
		Acousticness:     f32(f.Acousticness),
		Instrumentalness: f32(f.Instrumentalness),
		Speechiness:      f32(f.Speechiness),
		Tempo:            f32(f.Tempo),
		Loudness:         f32(f.Loudness),
	}
}

func f32(v float32) *float64 {
	f := float64(v)
	return &f
}

// authenticated builds a per-call API client bound to one access token.
func (c *Client) authenticated(ctx context.Context, accessToken string) *spotifyapi.Client {
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: accessToken})
	return spotifyapi.New(oauth2.NewClient(ctx, src))
}

func apiRange(tr models.TimeRange) spotifyapi.Range {
	switch tr {
	case models.RangeShort:
		return spotifyapi.ShortTermRange
	case models.RangeLong:
		return spotifyapi.LongTermRange
	default:
		return spotifyapi.MediumTermRange
	}
}
