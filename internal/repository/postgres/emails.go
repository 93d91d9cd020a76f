package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/ignite/inbound-router/internal/domain"
)

// EmailRepo provides access to the structured_emails table.
type EmailRepo struct{ db *sql.DB }

const structuredEmailColumns = `
	id, email_id, user_id, message_id, date, subject, recipient,
	from_data, to_data, cc_data, bcc_data, reply_to_data,
	in_reply_to, "references", text_body, html_body, raw_content,
	attachments, headers, priority, parse_success, parse_error,
	thread_id, thread_position, guard_blocked, guard_reason,
	guard_action, guard_rule_id, guard_metadata,
	created_at, updated_at, read_at`

func scanStructuredEmail(row interface{ Scan(...interface{}) error }) (*domain.StructuredEmail, error) {
	var (
		e                                  domain.StructuredEmail
		date, readAt                       sql.NullTime
		fromData, toData, ccData           []byte
		bccData, replyToData               []byte
		attachments, headers, guardMeta    []byte
		inReplyTo, parseError, guardReason sql.NullString
		subject, priority, guardAction     sql.NullString
		threadID, guardRuleID              sql.NullString
		threadPosition                     sql.NullInt64
	)
	err := row.Scan(
		&e.ID, &e.EmailID, &e.UserID, &e.MessageID, &date, &subject, &e.Recipient,
		&fromData, &toData, &ccData, &bccData, &replyToData,
		&inReplyTo, pq.Array(&e.References), &e.TextBody, &e.HTMLBody, &e.RawContent,
		&attachments, &headers, &priority, &e.ParseSuccess, &parseError,
		&threadID, &threadPosition, &e.GuardBlocked, &guardReason,
		&guardAction, &guardRuleID, &guardMeta,
		&e.CreatedAt, &e.UpdatedAt, &readAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan structured email: %w", err)
	}

	if date.Valid {
		e.Date = &date.Time
	}
	if readAt.Valid {
		e.ReadAt = &readAt.Time
	}
	e.Subject = subject.String
	e.Priority = priority.String
	e.InReplyTo = inReplyTo.String
	e.ParseError = parseError.String
	e.GuardReason = guardReason.String
	e.GuardAction = domain.GuardAction(guardAction.String)
	e.ThreadID = strPtr(threadID)
	e.GuardRuleID = strPtr(guardRuleID)
	if threadPosition.Valid {
		p := int(threadPosition.Int64)
		e.ThreadPosition = &p
	}
	if err := unmarshalJSON(fromData, &e.FromData); err != nil {
		return nil, fmt.Errorf("parse from_data: %w", err)
	}
	if err := unmarshalJSON(toData, &e.ToData); err != nil {
		return nil, fmt.Errorf("parse to_data: %w", err)
	}
	if err := unmarshalJSON(ccData, &e.CcData); err != nil {
		return nil, fmt.Errorf("parse cc_data: %w", err)
	}
	if err := unmarshalJSON(bccData, &e.BccData); err != nil {
		return nil, fmt.Errorf("parse bcc_data: %w", err)
	}
	if err := unmarshalJSON(replyToData, &e.ReplyToData); err != nil {
		return nil, fmt.Errorf("parse reply_to_data: %w", err)
	}
	if err := unmarshalJSON(attachments, &e.Attachments); err != nil {
		return nil, fmt.Errorf("parse attachments: %w", err)
	}
	if err := unmarshalJSON(headers, &e.Headers); err != nil {
		return nil, fmt.Errorf("parse headers: %w", err)
	}
	if len(guardMeta) > 0 {
		e.GuardMetadata = guardMeta
	}
	return &e, nil
}

// GetByIDOrEmailID fetches an email by its primary key or by the raw
// received-blob key, whichever matches first.
func (r *EmailRepo) GetByIDOrEmailID(ctx context.Context, id string) (*domain.StructuredEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+structuredEmailColumns+`
		FROM structured_emails
		WHERE id = $1 OR email_id = $1
		LIMIT 1
	`, id)
	return scanStructuredEmail(row)
}

// FindThreadedByMessageIDs returns the thread id of any email owned by
// userID whose message id is in ids and that already carries a thread.
func (r *EmailRepo) FindThreadedByMessageIDs(ctx context.Context, userID string, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	var threadID string
	err := r.db.QueryRowContext(ctx, `
		SELECT thread_id
		FROM structured_emails
		WHERE user_id = $1 AND message_id = ANY($2) AND thread_id IS NOT NULL
		LIMIT 1
	`, userID, pq.Array(ids)).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find threaded email: %w", err)
	}
	return threadID, nil
}

// UpdateGuardFields stamps the guard verdict onto an email.
func (r *EmailRepo) UpdateGuardFields(ctx context.Context, id string, blocked bool, action domain.GuardAction, reason string, ruleID *string, metadata []byte) error {
	var meta interface{}
	if len(metadata) > 0 {
		meta = metadata
	}
	var rule sql.NullString
	if ruleID != nil {
		rule = nullString(*ruleID)
	}
	res, err := r.db.ExecContext(ctx, `
		UPDATE structured_emails
		SET guard_blocked = $2, guard_action = $3, guard_reason = $4,
		    guard_rule_id = $5, guard_metadata = $6, updated_at = NOW()
		WHERE id = $1
	`, id, blocked, string(action), nullString(reason), rule, meta)
	if err != nil {
		return fmt.Errorf("update guard fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// EarliestInThread returns the thread's first email: position 1 if
// present, else the minimum position, else the earliest by date.
func (r *EmailRepo) EarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+structuredEmailColumns+`
		FROM structured_emails
		WHERE thread_id = $1
		ORDER BY (thread_position = 1) DESC NULLS LAST,
		         thread_position ASC NULLS LAST,
		         date ASC NULLS LAST,
		         created_at ASC
		LIMIT 1
	`, threadID)
	return scanStructuredEmail(row)
}
