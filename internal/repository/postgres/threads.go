package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"github.com/ignite/inbound-router/internal/domain"
)

// ThreadRepo provides access to the email_threads table. The attach
// operation is the only multi-step write and runs in one transaction with
// the thread row locked, so positions stay contiguous under concurrency.
type ThreadRepo struct{ db *sql.DB }

const threadColumns = `
	id, user_id, root_message_id, normalized_subject, participant_emails,
	message_count, last_message_at, created_at, updated_at`

func scanThread(row interface{ Scan(...interface{}) error }) (*domain.EmailThread, error) {
	var t domain.EmailThread
	err := row.Scan(
		&t.ID, &t.UserID, &t.RootMessageID, &t.NormalizedSubject,
		pq.Array(&t.ParticipantEmails), &t.MessageCount, &t.LastMessageAt,
		&t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan thread: %w", err)
	}
	return &t, nil
}

// FindBySubjectWithin finds a thread for the user with the given
// normalized subject whose last activity falls inside the window.
func (r *ThreadRepo) FindBySubjectWithin(ctx context.Context, userID, normalizedSubject string, since time.Time) (*domain.EmailThread, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+`
		FROM email_threads
		WHERE user_id = $1 AND normalized_subject = $2 AND last_message_at >= $3
		ORDER BY last_message_at DESC
		LIMIT 1
	`, userID, normalizedSubject, since)
	return scanThread(row)
}

// Create inserts a new thread row.
func (r *ThreadRepo) Create(ctx context.Context, t *domain.EmailThread) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO email_threads
			(id, user_id, root_message_id, normalized_subject, participant_emails,
			 message_count, last_message_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, NOW(), NOW())
	`, t.ID, t.UserID, t.RootMessageID, t.NormalizedSubject,
		pq.Array(t.ParticipantEmails), t.MessageCount, t.LastMessageAt)
	return mapInsertErr(err)
}

// AttachEmail assigns the next contiguous position in the thread to the
// structured email, then bumps the thread counters, in one transaction.
// The thread row is locked FOR UPDATE for the duration so concurrent
// attaches serialize and positions never collide.
func (r *ThreadRepo) AttachEmail(ctx context.Context, threadID, emailID string, messageAt time.Time, participants []string) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin attach: %w", err)
	}
	defer tx.Rollback()

	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT message_count FROM email_threads WHERE id = $1 FOR UPDATE
	`, threadID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("lock thread: %w", err)
	}

	position := count + 1

	res, err := tx.ExecContext(ctx, `
		UPDATE structured_emails
		SET thread_id = $2, thread_position = $3, updated_at = NOW()
		WHERE id = $1
	`, emailID, threadID, position)
	if err != nil {
		return 0, fmt.Errorf("stamp email thread fields: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE email_threads
		SET message_count = $2,
		    last_message_at = GREATEST(last_message_at, $3),
		    participant_emails = (
		        SELECT ARRAY(SELECT DISTINCT unnest(participant_emails || $4::text[]))
		    ),
		    updated_at = NOW()
		WHERE id = $1
	`, threadID, position, messageAt, pq.Array(participants))
	if err != nil {
		return 0, fmt.Errorf("bump thread: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit attach: %w", err)
	}
	return position, nil
}
