package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/inbound-router/internal/domain"
)

// EventRepo provides access to the email_delivery_events table.
type EventRepo struct{ db *sql.DB }

// Insert records a delivery event (bounce or complaint) with all resolved
// fields.
func (r *EventRepo) Insert(ctx context.Context, e *domain.EmailDeliveryEvent) error {
	var (
		sentEmailID, dsnEmailID sql.NullString
		userID, domainID        sql.NullString
		tenantID, blocklistID   sql.NullString
		originalSentAt          sql.NullTime
	)
	if e.OriginalSentEmailID != nil {
		sentEmailID = nullString(*e.OriginalSentEmailID)
	}
	if e.DSNEmailID != nil {
		dsnEmailID = nullString(*e.DSNEmailID)
	}
	if e.UserID != nil {
		userID = nullString(*e.UserID)
	}
	if e.DomainID != nil {
		domainID = nullString(*e.DomainID)
	}
	if e.TenantID != nil {
		tenantID = nullString(*e.TenantID)
	}
	if e.BlocklistID != nil {
		blocklistID = nullString(*e.BlocklistID)
	}
	if e.OriginalSentAt != nil {
		originalSentAt = sql.NullTime{Time: *e.OriginalSentAt, Valid: true}
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_delivery_events
			(id, event_type, bounce_type, bounce_sub_type, status_code,
			 status_class, status_category, diagnostic_code,
			 failed_recipient, failed_recipient_domain,
			 original_message_id, original_sent_email_id, original_from,
			 original_to, original_subject, original_sent_at,
			 dsn_email_id, dsn_received_at, reporting_mta, remote_mta,
			 user_id, domain_id, domain_name, tenant_id, tenant_name,
			 action_taken, added_to_blocklist, blocklist_id,
			 raw_dsn_content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
		        $11, $12, $13, $14, $15, $16, $17, $18, $19, $20,
		        $21, $22, $23, $24, $25, $26, $27, $28, $29, NOW())
	`,
		e.ID, string(e.EventType), string(e.BounceType), string(e.BounceSubType), e.StatusCode,
		e.StatusClass, e.StatusCategory, nullString(e.DiagnosticCode),
		nullString(e.FailedRecipient), nullString(e.FailedRecipientDomain),
		nullString(e.OriginalMessageID), sentEmailID, nullString(e.OriginalFrom),
		nullString(e.OriginalTo), nullString(e.OriginalSubject), originalSentAt,
		dsnEmailID, e.DSNReceivedAt, nullString(e.ReportingMTA), nullString(e.RemoteMTA),
		userID, domainID, nullString(e.DomainName), tenantID, nullString(e.TenantName),
		string(e.ActionTaken), e.AddedToBlocklist, blocklistID,
		nullString(e.RawDSNContent),
	)
	if err != nil {
		return fmt.Errorf("insert delivery event: %w", err)
	}
	return nil
}

// MarkBlocklisted updates an event row after the recorder auto-blocked
// the failed recipient.
func (r *EventRepo) MarkBlocklisted(ctx context.Context, eventID, blocklistID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE email_delivery_events
		SET action_taken = $2, added_to_blocklist = true, blocklist_id = $3
		WHERE id = $1
	`, eventID, string(domain.ActionAddedBlocklist), blocklistID)
	if err != nil {
		return fmt.Errorf("mark event blocklisted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IsDSNProcessed reports whether an event row already references this
// inbound DSN email. Duplicate DSN processing short-circuits here.
func (r *EventRepo) IsDSNProcessed(ctx context.Context, dsnEmailID string) (bool, error) {
	var exists bool
	err := r.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM email_delivery_events WHERE dsn_email_id = $1)
	`, dsnEmailID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("dsn processed check: %w", err)
	}
	return exists, nil
}
