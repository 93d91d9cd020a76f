package thread

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/repository/postgres"
)

func TestNormalizeSubject(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Re: Hello World", "hello world"},
		{"RE: re: Fwd: Hello", "hello"},
		{"FW: Quarterly   Report", "quarterly report"},
		{"Aw: Wg: Termin", "termin"},
		{"Sv: Vs: Möte", "möte"},
		{"  Plain subject  ", "plain subject"},
		{"Re:", ""},
		{"", ""},
		{"Recommendations", "recommendations"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, NormalizeSubject(tt.in))
		})
	}
}

type stubIndex struct {
	threadID string
	seenIDs  []string
}

func (s *stubIndex) FindThreadedByMessageIDs(ctx context.Context, userID string, ids []string) (string, error) {
	s.seenIDs = ids
	if s.threadID == "" {
		return "", postgres.ErrNotFound
	}
	return s.threadID, nil
}

type stubThreadStore struct {
	bySubject *domain.EmailThread
	created   *domain.EmailThread
	attached  []string
	count     int
}

func (s *stubThreadStore) FindBySubjectWithin(ctx context.Context, userID, subject string, since time.Time) (*domain.EmailThread, error) {
	if s.bySubject == nil || s.bySubject.NormalizedSubject != subject {
		return nil, postgres.ErrNotFound
	}
	return s.bySubject, nil
}

func (s *stubThreadStore) Create(ctx context.Context, t *domain.EmailThread) error {
	s.created = t
	s.count = t.MessageCount
	return nil
}

func (s *stubThreadStore) AttachEmail(ctx context.Context, threadID, emailID string, at time.Time, participants []string) (int, error) {
	s.attached = append(s.attached, emailID)
	s.count++
	return s.count, nil
}

func inboundEmail() *domain.StructuredEmail {
	date := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	return &domain.StructuredEmail{
		ID:        "em-1",
		UserID:    "u1",
		MessageID: "m-new@acme.dev",
		Subject:   "Re: Contract draft",
		Date:      &date,
		FromData: &domain.AddressData{Addresses: []domain.EmailAddressPart{
			{Address: "Alice@acme.dev"},
		}},
		ToData: &domain.AddressData{Addresses: []domain.EmailAddressPart{
			{Address: "inbox@router.dev"},
		}},
	}
}

func TestAssign_ByReferences(t *testing.T) {
	email := inboundEmail()
	email.InReplyTo = "<m-old@acme.dev>"
	email.References = []string{"<m-root@acme.dev>", "<m-old@acme.dev>"}

	emails := &stubIndex{threadID: "th-1"}
	store := &stubThreadStore{count: 3}

	a, err := NewThreader(store, emails, &stubIndex{}).Assign(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, "th-1", a.ThreadID)
	assert.Equal(t, 4, a.Position)
	assert.False(t, a.IsNewThread)
	assert.Equal(t, []string{"m-new@acme.dev", "m-old@acme.dev", "m-root@acme.dev"}, emails.seenIDs)
	assert.Nil(t, store.created)
}

func TestAssign_SentMailFallback(t *testing.T) {
	email := inboundEmail()
	email.InReplyTo = "<m-sent@acme.dev>"

	sent := &stubIndex{threadID: "th-sent"}
	store := &stubThreadStore{count: 1}

	a, err := NewThreader(store, &stubIndex{}, sent).Assign(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, "th-sent", a.ThreadID)
	assert.Equal(t, 2, a.Position)
}

func TestAssign_BySubjectWithinWindow(t *testing.T) {
	email := inboundEmail()
	store := &stubThreadStore{
		bySubject: &domain.EmailThread{ID: "th-subj", NormalizedSubject: "contract draft"},
		count:     1,
	}

	a, err := NewThreader(store, &stubIndex{}, &stubIndex{}).Assign(context.Background(), email)
	require.NoError(t, err)
	assert.Equal(t, "th-subj", a.ThreadID)
	assert.False(t, a.IsNewThread)
}

func TestAssign_UnresolvedReplySkipsSubjectFallback(t *testing.T) {
	email := inboundEmail()
	email.InReplyTo = "<gone@elsewhere.dev>"
	store := &stubThreadStore{
		bySubject: &domain.EmailThread{ID: "th-subj", NormalizedSubject: "contract draft"},
	}

	a, err := NewThreader(store, &stubIndex{}, &stubIndex{}).Assign(context.Background(), email)
	require.NoError(t, err)
	assert.True(t, a.IsNewThread)
	assert.NotEqual(t, "th-subj", a.ThreadID)
}

func TestAssign_ShortSubjectSkipsFallback(t *testing.T) {
	email := inboundEmail()
	email.Subject = "Re: hi"
	store := &stubThreadStore{
		bySubject: &domain.EmailThread{ID: "th-subj", NormalizedSubject: "hi"},
	}

	a, err := NewThreader(store, &stubIndex{}, &stubIndex{}).Assign(context.Background(), email)
	require.NoError(t, err)
	assert.True(t, a.IsNewThread)
	require.NotNil(t, store.created)
	assert.Equal(t, "hi", store.created.NormalizedSubject)
}

func TestAssign_CreatesThreadAtPositionOne(t *testing.T) {
	email := inboundEmail()
	store := &stubThreadStore{}

	a, err := NewThreader(store, &stubIndex{}, &stubIndex{}).Assign(context.Background(), email)
	require.NoError(t, err)
	assert.True(t, a.IsNewThread)
	assert.Equal(t, 1, a.Position)

	require.NotNil(t, store.created)
	assert.Equal(t, "m-new@acme.dev", store.created.RootMessageID)
	assert.Equal(t, 0, store.created.MessageCount)
	assert.Equal(t, []string{"alice@acme.dev", "inbox@router.dev"}, store.created.ParticipantEmails)
	assert.Equal(t, email.Date.UTC(), store.created.LastMessageAt.UTC())
}
