package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"spotify-insights/internal/models"
)

// ErrTokenNotFound is returned when a user has no stored credential.
var ErrTokenNotFound = errors.New("spotify token not found")

// UpsertUser registers a user by Spotify id, updating the mutable profile
// fields on re-registration. The Spotify id itself never changes.
func (s *Store) UpsertUser(ctx context.Context, spotifyUserID, displayName string, email, country *string) (models.User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, spotify_user_id, display_name, email, country)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (spotify_user_id) DO UPDATE
		SET display_name = EXCLUDED.display_name,
		    email = EXCLUDED.email,
		    country = EXCLUDED.country,
		    updated_at = NOW()
		RETURNING id, spotify_user_id, display_name, email, country, created_at, updated_at
	`, uuid.New(), spotifyUserID, displayName, email, country)

	var (
		user       models.User
		emailCol   pgtype.Text
		countryCol pgtype.Text
	)
	if err := row.Scan(&user.ID, &user.SpotifyUserID, &user.DisplayName, &emailCol, &countryCol, &user.CreatedAt, &user.UpdatedAt); err != nil {
		return models.User{}, fmt.Errorf("upsert user: %w", err)
	}
	user.Email = textPtr(emailCol)
	user.Country = textPtr(countryCol)
	return user, nil
}

// SaveToken stores the single live credential for a user, replacing any
// previous row in place.
func (s *Store) SaveToken(ctx context.Context, userID uuid.UUID, access, refresh string, expiresAt time.Time, scope string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO spotify_tokens (id, user_id, access_token, refresh_token, expires_at, scope)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (user_id) DO UPDATE
		SET access_token = EXCLUDED.access_token,
		    refresh_token = EXCLUDED.refresh_token,
		    expires_at = EXCLUDED.expires_at,
		    scope = EXCLUDED.scope,
		    updated_at = NOW()
	`, uuid.New(), userID, access, refresh, expiresAt, emptyToNil(scope))
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

const tokenColumns = `id, user_id, access_token, refresh_token, expires_at, scope, token_type, created_at, updated_at`

// GetToken fetches the user's credential.
func (s *Store) GetToken(ctx context.Context, userID uuid.UUID) (models.SpotifyToken, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tokenColumns+` FROM spotify_tokens WHERE user_id = $1`, userID)
	return scanToken(row)
}

func scanToken(row pgx.Row) (models.SpotifyToken, error) {
	var (
		token models.SpotifyToken
		scope pgtype.Text
	)
	err := row.Scan(&token.ID, &token.UserID, &token.AccessToken, &token.RefreshToken,
		&token.ExpiresAt, &scope, &token.TokenType, &token.CreatedAt, &token.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.SpotifyToken{}, ErrTokenNotFound
	}
	if err != nil {
		return models.SpotifyToken{}, fmt.Errorf("scan token: %w", err)
	}
	token.Scope = textPtr(scope)
	return token, nil
}

// UpdateTokenSecrets rewrites the credential in place after a refresh
// exchange. An empty refresh secret keeps the stored one (the provider
// does not always rotate it).
func (s *Store) UpdateTokenSecrets(ctx context.Context, userID uuid.UUID, access, refresh string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE spotify_tokens
		SET access_token = $2,
		    refresh_token = COALESCE(NULLIF($3, ''), refresh_token),
		    expires_at = $4,
		    updated_at = NOW()
		WHERE user_id = $1
	`, userID, access, refresh, expiresAt)
	if err != nil {
		return fmt.Errorf("update token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}

// ListUserIDsWithValidTokens returns users whose credential has not yet
// expired, the candidate set for the bulk ingestion sweep.
func (s *Store) ListUserIDsWithValidTokens(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT user_id FROM spotify_tokens WHERE expires_at > $1 ORDER BY user_id
	`, now)
	if err != nil {
		return nil, fmt.Errorf("list valid tokens: %w", err)
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

// ListTokensExpiringWithin returns credentials whose expiry falls before
// now+window, the candidate set for the proactive refresh sweep.
func (s *Store) ListTokensExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]models.SpotifyToken, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+tokenColumns+` FROM spotify_tokens WHERE expires_at <= $1 ORDER BY expires_at
	`, now.Add(window))
	if err != nil {
		return nil, fmt.Errorf("list expiring tokens: %w", err)
	}
	defer rows.Close()

	var tokens []models.SpotifyToken
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, err
		}
		tokens = append(tokens, token)
	}
	return tokens, rows.Err()
}
