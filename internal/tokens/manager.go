// Package tokens owns the Spotify credential lifecycle: refresh of
// expired access tokens and the proactive expiring-token sweep.
package tokens

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"spotify-insights/internal/config"
	"spotify-insights/internal/models"
	"spotify-insights/internal/store"
)

const spotifyTokenURL = "https://accounts.spotify.com/api/token"

// Exchanger turns a refresh token into a fresh access token. Satisfied
// by the oauth2-backed exchanger; tests substitute their own.
type Exchanger interface {
	Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error)
}

// TokenStore is the slice of the store the manager touches.
type TokenStore interface {
	GetToken(ctx context.Context, userID uuid.UUID) (models.SpotifyToken, error)
	UpdateTokenSecrets(ctx context.Context, userID uuid.UUID, access, refresh string, expiresAt time.Time) error
	ListTokensExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.SpotifyToken, error)
}

// Manager refreshes stored Spotify credentials in place.
type Manager struct {
	store     TokenStore
	exchanger Exchanger
	lookahead time.Duration
}

func NewManager(st TokenStore, ex Exchanger, lookahead time.Duration) *Manager {
	return &Manager{store: st, exchanger: ex, lookahead: lookahead}
}

var _ TokenStore = (*store.Store)(nil)

// Refresh exchanges the user's refresh token for a new access token and
// persists it. Returns the fresh access secret. A provider that does not
// rotate the refresh token leaves the stored one intact.
func (m *Manager) Refresh(ctx context.Context, userID uuid.UUID) (string, error) {
	tok, err := m.store.GetToken(ctx, userID)
	if err != nil {
		return "", err
	}
	fresh, err := m.exchanger.Exchange(ctx, tok.RefreshToken)
	if err != nil {
		return "", fmt.Errorf("refreshing token for user %s: %w", userID, err)
	}
	if err := m.store.UpdateTokenSecrets(ctx, userID, fresh.AccessToken, fresh.RefreshToken, fresh.Expiry); err != nil {
		return "", err
	}
	return fresh.AccessToken, nil
}

// RefreshExpiring refreshes every token expiring within the lookahead
// window. One failing user never stops the sweep.
func (m *Manager) RefreshExpiring(ctx context.Context, now time.Time) (models.SweepSummary, error) {
	expiring, err := m.store.ListTokensExpiringWithin(ctx, now, m.lookahead)
	if err != nil {
		return models.SweepSummary{}, err
	}
	summary := models.SweepSummary{TotalCandidates: len(expiring)}
	for _, tok := range expiring {
		if _, err := m.Refresh(ctx, tok.UserID); err != nil {
			log.Printf("token refresh sweep: user %s: %v", tok.UserID, err)
			summary.Failed++
			continue
		}
		summary.Queued++
	}
	return summary, nil
}

// oauthExchanger implements Exchanger on golang.org/x/oauth2.
type oauthExchanger struct {
	conf *oauth2.Config
}

// NewExchanger builds the production exchanger against the Spotify
// accounts service.
func NewExchanger(cfg config.Config) Exchanger {
	return &oauthExchanger{conf: &oauth2.Config{
		ClientID:     cfg.SpotifyClientID,
		ClientSecret: cfg.SpotifyClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: spotifyTokenURL},
	}}
}

func (e *oauthExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	src := e.conf.TokenSource(ctx, &oauth2.Token{RefreshToken: refreshToken})
	return src.Token()
}
