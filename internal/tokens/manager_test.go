package tokens

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"spotify-insights/internal/models"
)

type fakeTokenStore struct {
	tokens  map[uuid.UUID]models.SpotifyToken
	updated map[uuid.UUID]models.SpotifyToken
}

func newFakeTokenStore() *fakeTokenStore {
	return &fakeTokenStore{
		tokens:  make(map[uuid.UUID]models.SpotifyToken),
		updated: make(map[uuid.UUID]models.SpotifyToken),
	}
}

func (f *fakeTokenStore) GetToken(ctx context.Context, userID uuid.UUID) (models.SpotifyToken, error) {
	tok, ok := f.tokens[userID]
	if !ok {
		return models.SpotifyToken{}, errors.New("token not found")
	}
	return tok, nil
}

func (f *fakeTokenStore) UpdateTokenSecrets(ctx context.Context, userID uuid.UUID, access, refresh string, expiresAt time.Time) error {
	tok := f.tokens[userID]
	tok.AccessToken = access
	if refresh != "" {
		tok.RefreshToken = refresh
	}
	tok.ExpiresAt = expiresAt
	f.tokens[userID] = tok
	f.updated[userID] = tok
	return nil
}

func (f *fakeTokenStore) ListTokensExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.SpotifyToken, error) {
	var out []models.SpotifyToken
	for _, tok := range f.tokens {
		if tok.ExpiresAt.Before(now.Add(window)) {
			out = append(out, tok)
		}
	}
	return out, nil
}

type fakeExchanger struct {
	failFor map[string]bool
	rotate  bool
}

func (f *fakeExchanger) Exchange(ctx context.Context, refreshToken string) (*oauth2.Token, error) {
	if f.failFor[refreshToken] {
		return nil, errors.New("invalid_grant")
	}
	tok := &oauth2.Token{
		AccessToken: "fresh-" + refreshToken,
		Expiry:      time.Now().Add(time.Hour),
	}
	if f.rotate {
		tok.RefreshToken = "rotated-" + refreshToken
	}
	return tok, nil
}

func TestRefreshPersistsNewAccessToken(t *testing.T) {
	ctx := context.Background()
	st := newFakeTokenStore()
	userID := uuid.New()
	st.tokens[userID] = models.SpotifyToken{UserID: userID, RefreshToken: "r1", ExpiresAt: time.Now().Add(-time.Minute)}

	m := NewManager(st, &fakeExchanger{}, time.Hour)
	access, err := m.Refresh(ctx, userID)
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if access != "fresh-r1" {
		t.Fatalf("unexpected access token %q", access)
	}
	if st.tokens[userID].RefreshToken != "r1" {
		t.Fatalf("unrotated refresh token must be kept, got %q", st.tokens[userID].RefreshToken)
	}
}

func TestRefreshRotatesRefreshToken(t *testing.T) {
	ctx := context.Background()
	st := newFakeTokenStore()
	userID := uuid.New()
	st.tokens[userID] = models.SpotifyToken{UserID: userID, RefreshToken: "r1"}

	m := NewManager(st, &fakeExchanger{rotate: true}, time.Hour)
	if _, err := m.Refresh(ctx, userID); err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if st.tokens[userID].RefreshToken != "rotated-r1" {
		t.Fatalf("expected rotated refresh token, got %q", st.tokens[userID].RefreshToken)
	}
}

func TestRefreshExpiringIsolatesFailures(t *testing.T) {
	ctx := context.Background()
	st := newFakeTokenStore()
	now := time.Now()
	ex := &fakeExchanger{failFor: map[string]bool{}}
	for i := 0; i < 5; i++ {
		id := uuid.New()
		refresh := string(rune('a' + i))
		if i == 2 {
			ex.failFor[refresh] = true
		}
		st.tokens[id] = models.SpotifyToken{UserID: id, RefreshToken: refresh, ExpiresAt: now.Add(10 * time.Minute)}
	}

	m := NewManager(st, ex, time.Hour)
	summary, err := m.RefreshExpiring(ctx, now)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if summary.TotalCandidates != 5 || summary.Queued != 4 || summary.Failed != 1 {
		t.Fatalf("unexpected summary %+v", summary)
	}
}
