package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/inbound-router/internal/domain"
)

// EndpointRepo provides access to the endpoints table.
type EndpointRepo struct{ db *sql.DB }

const endpointColumns = `
	id, user_id, type, name, description, is_active, webhook_format,
	config, created_at, updated_at`

func scanEndpoint(row interface{ Scan(...interface{}) error }) (*domain.Endpoint, error) {
	var (
		e                   domain.Endpoint
		description, format sql.NullString
		config              []byte
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.Type, &e.Name, &description, &e.IsActive,
		&format, &config, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan endpoint: %w", err)
	}
	e.Description = description.String
	e.WebhookFormat = domain.WebhookFormat(format.String)
	e.Config = config
	return &e, nil
}

// GetByID fetches one endpoint.
func (r *EndpointRepo) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+` FROM endpoints WHERE id = $1
	`, id)
	return scanEndpoint(row)
}

// GetActiveForUser fetches an endpoint only if it belongs to the user and
// is active. Guard route actions and continuity lookups use this.
func (r *EndpointRepo) GetActiveForUser(ctx context.Context, id, userID string) (*domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+endpointColumns+`
		FROM endpoints
		WHERE id = $1 AND user_id = $2 AND is_active = true
	`, id, userID)
	return scanEndpoint(row)
}

// SetVerificationTokenIfAbsent writes a freshly minted verification token
// into the webhook config blob only if no token is present yet
// (compare-and-set on the token-absent predicate). Returns the token that
// ended up persisted, which is the racing winner's token when two workers
// mint concurrently.
func (r *EndpointRepo) SetVerificationTokenIfAbsent(ctx context.Context, id, token string) (string, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE endpoints
		SET config = jsonb_set(config, '{verificationToken}', to_jsonb($2::text)),
		    updated_at = NOW()
		WHERE id = $1
		  AND (config->>'verificationToken' IS NULL OR config->>'verificationToken' = '')
	`, id, token)
	if err != nil {
		return "", fmt.Errorf("set verification token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return token, nil
	}

	// Lost the race (or a token pre-existed) — adopt the persisted one.
	var persisted sql.NullString
	err = r.db.QueryRowContext(ctx, `
		SELECT config->>'verificationToken' FROM endpoints WHERE id = $1
	`, id).Scan(&persisted)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read verification token: %w", err)
	}
	if !persisted.Valid || persisted.String == "" {
		return "", fmt.Errorf("verification token write-back raced and left no token on endpoint %s", id)
	}
	return persisted.String, nil
}
