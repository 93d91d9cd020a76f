package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ignite/inbound-router/internal/domain"
)

// DeliveryRepo provides access to the endpoint_deliveries table. The
// UNIQUE(email_id, endpoint_id) constraint on this table is the
// authoritative idempotency lock for the whole pipeline.
type DeliveryRepo struct{ db *sql.DB }

// Insert creates the pending delivery row. Returns ErrDuplicate when the
// (email, endpoint) pair already has a row — the caller treats that as
// "another worker owns this delivery" and exits successfully.
func (r *DeliveryRepo) Insert(ctx context.Context, d *domain.EndpointDelivery) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO endpoint_deliveries
			(id, email_id, endpoint_id, delivery_type, status, attempts,
			 last_attempt_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), NOW(), NOW())
	`, d.ID, d.EmailID, d.EndpointID, string(d.DeliveryType), string(d.Status), d.Attempts)
	return mapInsertErr(err)
}

// Get fetches the delivery row for one (email, endpoint) pair.
func (r *DeliveryRepo) Get(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email_id, endpoint_id, delivery_type, status, attempts,
		       last_attempt_at, response_data, created_at, updated_at
		FROM endpoint_deliveries
		WHERE email_id = $1 AND endpoint_id = $2
	`, emailID, endpointID)
	return scanDelivery(row)
}

func scanDelivery(row interface{ Scan(...interface{}) error }) (*domain.EndpointDelivery, error) {
	var (
		d           domain.EndpointDelivery
		lastAttempt sql.NullTime
		response    []byte
	)
	err := row.Scan(
		&d.ID, &d.EmailID, &d.EndpointID, &d.DeliveryType, &d.Status,
		&d.Attempts, &lastAttempt, &response, &d.CreatedAt, &d.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan delivery: %w", err)
	}
	if lastAttempt.Valid {
		d.LastAttempt = &lastAttempt.Time
	}
	d.ResponseData = response
	return &d, nil
}

// UpdateStatus finalizes a delivery row with its outcome and the captured
// response record.
func (r *DeliveryRepo) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, response interface{}) error {
	blob, err := marshalJSON(response)
	if err != nil {
		return fmt.Errorf("marshal delivery response: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE endpoint_deliveries
		SET status = $2, response_data = $3, last_attempt_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`, id, string(status), blob)
	if err != nil {
		return fmt.Errorf("update delivery status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailedRetryCandidate is one failed delivery the sweeper may re-drive.
type FailedRetryCandidate struct {
	DeliveryID string
	EmailID    string
	EndpointID string
	Attempts   int
	Response   json.RawMessage
}

// ListFailedForRetry returns failed webhook deliveries older than minAge
// whose endpoint allows retries and whose attempt count is below the
// endpoint's configured ceiling.
func (r *DeliveryRepo) ListFailedForRetry(ctx context.Context, minAge time.Duration, limit int) ([]FailedRetryCandidate, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT d.id, d.email_id, d.endpoint_id, d.attempts, d.response_data
		FROM endpoint_deliveries d
		JOIN endpoints e ON e.id = d.endpoint_id
		WHERE d.status = 'failed'
		  AND d.delivery_type = 'webhook'
		  AND d.updated_at < NOW() - ($1 * INTERVAL '1 second')
		  AND e.is_active = true
		  AND COALESCE((e.config->>'retryAttempts')::int, 0) > d.attempts
		ORDER BY d.updated_at ASC
		LIMIT $2
	`, int(minAge.Seconds()), limit)
	if err != nil {
		return nil, fmt.Errorf("list failed deliveries: %w", err)
	}
	defer rows.Close()

	var out []FailedRetryCandidate
	for rows.Next() {
		var c FailedRetryCandidate
		var response []byte
		if err := rows.Scan(&c.DeliveryID, &c.EmailID, &c.EndpointID, &c.Attempts, &response); err != nil {
			return nil, err
		}
		c.Response = response
		out = append(out, c)
	}
	return out, rows.Err()
}

// MarkRetrying flips a failed delivery back to pending and bumps its
// attempt counter. The sweeper claims a redelivery this way; the
// status='failed' predicate makes the claim atomic so two sweeping nodes
// cannot both take the same row.
func (r *DeliveryRepo) MarkRetrying(ctx context.Context, id string) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE endpoint_deliveries
		SET status = 'pending', attempts = attempts + 1, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'
	`, id)
	if err != nil {
		return false, fmt.Errorf("mark delivery retrying: %w", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}
