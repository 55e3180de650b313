package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"remindsync/internal/domain"
	"remindsync/internal/models"
)

func (db *DB) GetToken(ctx context.Context, orgID string) (*models.OAuthToken, error) {
	var (
		tok    models.OAuthToken
		expiry sql.NullTime
	)
	err := db.QueryRowContext(ctx, `
        SELECT org_id, access_token, refresh_token, token_type, expiry
        FROM oauth_tokens WHERE org_id = ?`, orgID,
	).Scan(&tok.OrgID, &tok.AccessToken, &tok.RefreshToken, &tok.TokenType, &expiry)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("token for %s: %w", orgID, domain.ErrRecordNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load token: %w", err)
	}
	if expiry.Valid {
		tok.Expiry = expiry.Time
	}
	return &tok, nil
}

func (db *DB) SaveToken(ctx context.Context, tok *models.OAuthToken) error {
	var expiry any
	if !tok.Expiry.IsZero() {
		expiry = tok.Expiry.UTC()
	}
	_, err := db.ExecContext(ctx, `
        INSERT INTO oauth_tokens (org_id, access_token, refresh_token, token_type, expiry, updated_at)
        VALUES (?, ?, ?, ?, ?, ?)
        ON CONFLICT(org_id) DO UPDATE SET
            access_token = excluded.access_token,
            refresh_token = excluded.refresh_token,
            token_type = excluded.token_type,
            expiry = excluded.expiry,
            updated_at = excluded.updated_at`,
		tok.OrgID, tok.AccessToken, tok.RefreshToken, tok.TokenType, expiry, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("save token: %w", err)
	}
	return nil
}

// DeleteToken forgets an organization's credential.
func (db *DB) DeleteToken(ctx context.Context, orgID string) error {
	_, err := db.ExecContext(ctx, `DELETE FROM oauth_tokens WHERE org_id = ?`, orgID)
	return err
}
