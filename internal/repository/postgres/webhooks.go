package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/inbound-router/internal/domain"
)

// LegacyWebhookRepo provides access to the webhooks table, the
// pre-endpoint destination records that addresses and domains may still
// point at.
type LegacyWebhookRepo struct{ db *sql.DB }

// GetActive fetches a legacy webhook only if it is active.
func (r *LegacyWebhookRepo) GetActive(ctx context.Context, id string) (*domain.LegacyWebhook, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, url, secret, verification_token, timeout,
		       custom_headers, is_active
		FROM webhooks
		WHERE id = $1 AND is_active = true
	`, id)

	var (
		w             domain.LegacyWebhook
		secret, token sql.NullString
		headers       []byte
	)
	err := row.Scan(&w.ID, &w.UserID, &w.Name, &w.URL, &secret, &token,
		&w.Timeout, &headers, &w.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan webhook: %w", err)
	}
	w.Secret = secret.String
	w.VerificationToken = token.String
	if err := unmarshalJSON(headers, &w.CustomHeaders); err != nil {
		return nil, fmt.Errorf("parse webhook headers: %w", err)
	}
	return &w, nil
}

// SetVerificationTokenIfAbsent persists a minted token onto a legacy
// webhook, compare-and-set on the token-absent predicate, and returns
// whichever token ended up stored.
func (r *LegacyWebhookRepo) SetVerificationTokenIfAbsent(ctx context.Context, id, token string) (string, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE webhooks
		SET verification_token = $2, updated_at = NOW()
		WHERE id = $1
		  AND (verification_token IS NULL OR verification_token = '')
	`, id, token)
	if err != nil {
		return "", fmt.Errorf("set webhook verification token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return token, nil
	}

	var persisted sql.NullString
	err = r.db.QueryRowContext(ctx, `
		SELECT verification_token FROM webhooks WHERE id = $1
	`, id).Scan(&persisted)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read webhook verification token: %w", err)
	}
	if !persisted.Valid || persisted.String == "" {
		// Tokens on legacy records are best-effort; a racing clear is
		// tolerated by minting per delivery.
		return token, nil
	}
	return persisted.String, nil
}
