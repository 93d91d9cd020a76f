package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/inbound-router/internal/domain"
)

// SentEmailRepo provides read access to the sent_emails table. Rows are
// written by the outbound sending side; the router reads them for
// threading, DSN source resolution, and spike detection.
type SentEmailRepo struct{ db *sql.DB }

// FindThreadedByMessageIDs returns the thread id of any sent email owned
// by userID whose message id is in ids and that already carries a thread.
func (r *SentEmailRepo) FindThreadedByMessageIDs(ctx context.Context, userID string, ids []string) (string, error) {
	if len(ids) == 0 {
		return "", ErrNotFound
	}
	var threadID string
	err := r.db.QueryRowContext(ctx, `
		SELECT thread_id
		FROM sent_emails
		WHERE user_id = $1 AND message_id = ANY($2) AND thread_id IS NOT NULL
		LIMIT 1
	`, userID, pq.Array(ids)).Scan(&threadID)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("find threaded sent email: %w", err)
	}
	return threadID, nil
}

// FindByMessageIDVariants probes message_id and ses_message_id against
// each candidate variant and returns the first match. DSN resolution
// feeds this with the bare id plus angle-bracketed and SES-suffixed
// forms.
func (r *SentEmailRepo) FindByMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error) {
	if len(variants) == 0 {
		return nil, ErrNotFound
	}
	row := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, message_id, ses_message_id, from_address, from_domain,
		       to_addresses, subject, status, sent_at, thread_id, created_at
		FROM sent_emails
		WHERE message_id = ANY($1) OR ses_message_id = ANY($1)
		LIMIT 1
	`, pq.Array(variants))

	var (
		e                      domain.SentEmail
		sesMessageID, threadID sql.NullString
		fromDomain, subject    sql.NullString
		sentAt                 sql.NullTime
	)
	err := row.Scan(
		&e.ID, &e.UserID, &e.MessageID, &sesMessageID, &e.From, &fromDomain,
		pq.Array(&e.To), &subject, &e.Status, &sentAt, &threadID, &e.CreatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find sent email by message id: %w", err)
	}
	e.SESMessageID = sesMessageID.String
	e.FromDomain = fromDomain.String
	e.Subject = subject.String
	e.ThreadID = strPtr(threadID)
	if sentAt.Valid {
		e.SentAt = &sentAt.Time
	}
	return &e, nil
}

// CountSentBetween counts sent emails for a user in [from, to).
func (r *SentEmailRepo) CountSentBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM sent_emails
		WHERE user_id = $1 AND created_at >= $2 AND created_at < $3
	`, userID, from, to).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count sent emails: %w", err)
	}
	return n, nil
}

// UsersWithRecentSends lists user ids that sent anything since the cutoff.
// The spike detector scans these.
func (r *SentEmailRepo) UsersWithRecentSends(ctx context.Context, since time.Time) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT DISTINCT user_id FROM sent_emails WHERE created_at >= $1
	`, since)
	if err != nil {
		return nil, fmt.Errorf("users with recent sends: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
