package thread

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/pkg/ids"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/repository/postgres"
)

const (
	// subjectWindow bounds how old a thread may be for subject-fallback
	// matching. Older threads never absorb new mail by subject alone.
	subjectWindow = 30 * 24 * time.Hour

	// minSubjectLen keeps short generic subjects ("hi", "test") from
	// gluing unrelated conversations together.
	minSubjectLen = 5
)

// MessageIDIndex finds an existing thread by the message ids an email
// references. Both received and sent mail are consulted.
type MessageIDIndex interface {
	FindThreadedByMessageIDs(ctx context.Context, userID string, ids []string) (string, error)
}

// ThreadStore is the subset of the thread repository the threader needs.
type ThreadStore interface {
	FindBySubjectWithin(ctx context.Context, userID, normalizedSubject string, since time.Time) (*domain.EmailThread, error)
	Create(ctx context.Context, t *domain.EmailThread) error
	AttachEmail(ctx context.Context, threadID, emailID string, messageAt time.Time, participants []string) (int, error)
}

// Threader assigns every inbound email to exactly one conversation:
// by referenced message ids first, by recent identical subject second,
// and by creating a fresh thread last.
type Threader struct {
	threads ThreadStore
	emails  MessageIDIndex
	sent    MessageIDIndex
	now     func() time.Time
}

func NewThreader(threads ThreadStore, emails, sent MessageIDIndex) *Threader {
	return &Threader{threads: threads, emails: emails, sent: sent, now: time.Now}
}

// Assign resolves or creates the thread for one email and attaches the
// email to it, returning the assigned position.
func (t *Threader) Assign(ctx context.Context, email *domain.StructuredEmail) (domain.ThreadAssignment, error) {
	threadID, err := t.resolve(ctx, email)
	if err != nil {
		return domain.ThreadAssignment{}, err
	}

	isNew := false
	if threadID == "" {
		threadID, err = t.create(ctx, email)
		if err != nil {
			return domain.ThreadAssignment{}, err
		}
		isNew = true
	}

	position, err := t.threads.AttachEmail(ctx, threadID, email.ID, messageTime(email, t.now), participants(email))
	if err != nil {
		return domain.ThreadAssignment{}, fmt.Errorf("attach email to thread: %w", err)
	}

	logger.Debug("thread assigned",
		"emailId", email.ID, "threadId", threadID,
		"position", position, "new", isNew)

	return domain.ThreadAssignment{ThreadID: threadID, Position: position, IsNewThread: isNew}, nil
}

// resolve returns the id of an existing thread for the email, or "" when
// none matches. The subject fallback applies only to emails carrying no
// reply headers at all: a reply whose referenced ids resolve to nothing
// starts its own thread rather than gluing onto a same-subject stranger.
func (t *Threader) resolve(ctx context.Context, email *domain.StructuredEmail) (string, error) {
	refs := candidateIDs(email)
	if len(refs) > 0 {
		if id, err := t.emails.FindThreadedByMessageIDs(ctx, email.UserID, refs); err == nil {
			return id, nil
		} else if !errors.Is(err, postgres.ErrNotFound) {
			return "", fmt.Errorf("probe received mail: %w", err)
		}
		if id, err := t.sent.FindThreadedByMessageIDs(ctx, email.UserID, refs); err == nil {
			return id, nil
		} else if !errors.Is(err, postgres.ErrNotFound) {
			return "", fmt.Errorf("probe sent mail: %w", err)
		}
	}

	if email.InReplyTo != "" || len(email.References) > 0 {
		return "", nil
	}

	normalized := NormalizeSubject(email.Subject)
	if len(normalized) < minSubjectLen {
		return "", nil
	}
	since := t.now().Add(-subjectWindow)
	existing, err := t.threads.FindBySubjectWithin(ctx, email.UserID, normalized, since)
	if errors.Is(err, postgres.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("probe subject: %w", err)
	}
	return existing.ID, nil
}

func (t *Threader) create(ctx context.Context, email *domain.StructuredEmail) (string, error) {
	th := &domain.EmailThread{
		ID:                ids.New(),
		UserID:            email.UserID,
		RootMessageID:     email.MessageID,
		NormalizedSubject: NormalizeSubject(email.Subject),
		ParticipantEmails: participants(email),
		MessageCount:      0, // first attach brings it to 1
		LastMessageAt:     messageTime(email, t.now),
	}
	if err := t.threads.Create(ctx, th); err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	return th.ID, nil
}

// candidateIDs collects the message ids that can tie an email to an
// existing thread: its own message id (redeliveries), then In-Reply-To,
// then the References chain.
func candidateIDs(email *domain.StructuredEmail) []string {
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		id = strings.TrimSpace(strings.Trim(strings.TrimSpace(id), "<>"))
		if id != "" && !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	add(email.MessageID)
	add(email.InReplyTo)
	for _, ref := range email.References {
		add(ref)
	}
	return out
}

// participants returns the email's from/to/cc addresses, lowercased and
// deduplicated.
func participants(email *domain.StructuredEmail) []string {
	seen := map[string]bool{}
	var out []string
	for _, list := range [][]string{
		email.FromData.AllAddresses(),
		email.ToData.AllAddresses(),
		email.CcData.AllAddresses(),
	} {
		for _, addr := range list {
			if !seen[addr] {
				seen[addr] = true
				out = append(out, addr)
			}
		}
	}
	return out
}

func messageTime(email *domain.StructuredEmail, now func() time.Time) time.Time {
	if email.Date != nil {
		return *email.Date
	}
	return now()
}
