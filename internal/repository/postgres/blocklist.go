package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/inbound-router/internal/domain"
)

// BlocklistRepo provides access to the blocked_emails table. Rows here
// suppress forwarding to an address; webhook deliveries are unaffected.
type BlocklistRepo struct{ db *sql.DB }

// IsBlocked reports whether the address is blocked on any domain. The
// forwarder filters recipients with this consistent read.
func (r *BlocklistRepo) IsBlocked(ctx context.Context, address string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM blocked_emails WHERE email_address = $1)
	`, strings.ToLower(strings.TrimSpace(address))).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("blocklist check: %w", err)
	}
	return exists, nil
}

// Get fetches a block row for (address, domain).
func (r *BlocklistRepo) Get(ctx context.Context, address, domainID string) (*domain.BlockedEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email_address, domain_id, reason, blocked_by, created_at
		FROM blocked_emails
		WHERE email_address = $1 AND domain_id = $2
	`, strings.ToLower(strings.TrimSpace(address)), domainID)

	var b domain.BlockedEmail
	err := row.Scan(&b.ID, &b.EmailAddress, &b.DomainID, &b.Reason, &b.BlockedBy, &b.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get blocked email: %w", err)
	}
	return &b, nil
}

// Insert adds a block row. Unique per (email_address, domain_id);
// duplicates return ErrDuplicate.
func (r *BlocklistRepo) Insert(ctx context.Context, b *domain.BlockedEmail) error {
	b.EmailAddress = strings.ToLower(strings.TrimSpace(b.EmailAddress))
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO blocked_emails (id, email_address, domain_id, reason, blocked_by, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, b.ID, b.EmailAddress, b.DomainID, b.Reason, b.BlockedBy)
	return mapInsertErr(err)
}
