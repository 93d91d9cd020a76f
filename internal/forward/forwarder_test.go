package forward

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/repository/postgres"
)

type stubDeliveries struct {
	inserted  *domain.EndpointDelivery
	insertErr error
	status    domain.DeliveryStatus
	response  map[string]interface{}
}

func (s *stubDeliveries) Insert(ctx context.Context, d *domain.EndpointDelivery) error {
	if s.insertErr != nil {
		return s.insertErr
	}
	s.inserted = d
	return nil
}

func (s *stubDeliveries) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, response interface{}) error {
	s.status = status
	s.response = response.(map[string]interface{})
	return nil
}

type stubBlocklist struct{ blocked map[string]bool }

func (s *stubBlocklist) IsBlocked(ctx context.Context, address string) (bool, error) {
	return s.blocked[address], nil
}

type stubTenants struct{ ident *domain.TenantIdentity }

func (s *stubTenants) IdentityForDomain(ctx context.Context, dom string) (*domain.TenantIdentity, error) {
	if s.ident == nil {
		return nil, postgres.ErrNotFound
	}
	return s.ident, nil
}

type stubSender struct {
	msg *Message
	err error
}

func (s *stubSender) SendForward(ctx context.Context, msg *Message) error {
	if s.err != nil {
		return s.err
	}
	s.msg = msg
	return nil
}

func forwardEmail() *domain.StructuredEmail {
	return &domain.StructuredEmail{
		ID:        "em-1",
		UserID:    "u1",
		Recipient: "x@a.com",
		Subject:   "Quarterly numbers",
		TextBody:  "see below",
		FromData: &domain.AddressData{Addresses: []domain.EmailAddressPart{
			{Address: "sender@outside.com"},
		}},
	}
}

func groupEndpoint(emails ...string) *domain.Endpoint {
	blob, _ := json.Marshal(domain.EmailGroupConfig{Emails: emails, SubjectPrefix: "[fwd] "})
	return &domain.Endpoint{ID: "ep-3", UserID: "u1", Type: domain.EndpointEmailGroup, Config: blob, IsActive: true}
}

func TestDeliver_ForwardsToGroup(t *testing.T) {
	deliveries := &stubDeliveries{}
	sender := &stubSender{}
	f := NewForwarder(deliveries, &stubBlocklist{}, &stubTenants{ident: &domain.TenantIdentity{
		TenantName: "acme", SourceARN: "arn:aws:ses:us-east-2:1:identity/a.com", ConfigurationSetName: "cs-acme",
	}}, sender)

	res, err := f.Deliver(context.Background(), forwardEmail(), groupEndpoint("alice@z.com", "bob@z.com"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"alice@z.com", "bob@z.com"}, res.To)

	assert.Equal(t, domain.DeliverySuccess, deliveries.status)
	assert.Equal(t, []string{"alice@z.com", "bob@z.com"}, deliveries.response["toAddresses"])
	assert.Equal(t, "x@a.com", deliveries.response["fromAddress"])

	require.NotNil(t, sender.msg)
	assert.Equal(t, "x@a.com", sender.msg.From)
	assert.Equal(t, "[fwd] ", sender.msg.SubjectPrefix)
	assert.Equal(t, "arn:aws:ses:us-east-2:1:identity/a.com", sender.msg.SourceARN)
	assert.Equal(t, "cs-acme", sender.msg.ConfigurationSetName)
}

func TestDeliver_BlocklistFiltersRecipients(t *testing.T) {
	deliveries := &stubDeliveries{}
	sender := &stubSender{}
	f := NewForwarder(deliveries, &stubBlocklist{blocked: map[string]bool{"dead@z.com": true}}, &stubTenants{}, sender)

	res, err := f.Deliver(context.Background(), forwardEmail(), groupEndpoint("alice@z.com", "dead@z.com"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, []string{"alice@z.com"}, res.To)
	assert.Equal(t, []string{"alice@z.com"}, sender.msg.To)
}

func TestDeliver_AllRecipientsBlocked(t *testing.T) {
	deliveries := &stubDeliveries{}
	sender := &stubSender{}
	f := NewForwarder(deliveries, &stubBlocklist{blocked: map[string]bool{"dead@z.com": true}}, &stubTenants{}, sender)

	res, err := f.Deliver(context.Background(), forwardEmail(), groupEndpoint("dead@z.com"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonAllRecipientsBlocked, res.Reason)
	assert.Equal(t, domain.DeliveryFailed, deliveries.status)
	assert.Equal(t, ReasonAllRecipientsBlocked, deliveries.response["error"])
	assert.Nil(t, sender.msg)
}

func TestDeliver_LoopDetected(t *testing.T) {
	deliveries := &stubDeliveries{}
	sender := &stubSender{}
	f := NewForwarder(deliveries, &stubBlocklist{}, &stubTenants{}, sender)

	email := forwardEmail()
	email.Recipient = "bot@a.com"
	res, err := f.Deliver(context.Background(), email, groupEndpoint("ok@z.com", " Bot@A.com "))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonForwardingLoop, res.Reason)
	assert.Equal(t, domain.DeliveryFailed, deliveries.status)
	// The entire forward is aborted, non-loop recipients included.
	assert.Nil(t, sender.msg)
}

func TestDeliver_DuplicateExitsSuccess(t *testing.T) {
	deliveries := &stubDeliveries{insertErr: postgres.ErrDuplicate}
	f := NewForwarder(deliveries, &stubBlocklist{}, &stubTenants{}, &stubSender{})

	res, err := f.Deliver(context.Background(), forwardEmail(), groupEndpoint("a@z.com"))
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, res.Duplicate)
}

func TestDeliver_NoSenderConfigured(t *testing.T) {
	deliveries := &stubDeliveries{}
	f := NewForwarder(deliveries, &stubBlocklist{}, &stubTenants{}, nil)

	res, err := f.Deliver(context.Background(), forwardEmail(), groupEndpoint("a@z.com"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, ReasonSenderUnavailable, res.Reason)
	assert.Equal(t, domain.DeliveryFailed, deliveries.status)
	assert.Equal(t, ReasonSenderUnavailable, deliveries.response["error"])
}

func TestDeliver_SenderRejection(t *testing.T) {
	deliveries := &stubDeliveries{}
	f := NewForwarder(deliveries, &stubBlocklist{}, &stubTenants{}, &stubSender{err: errors.New("throttled")})

	res, err := f.Deliver(context.Background(), forwardEmail(), groupEndpoint("a@z.com"))
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, "throttled", res.Reason)
	assert.Equal(t, domain.DeliveryFailed, deliveries.status)
	assert.Equal(t, "throttled", deliveries.response["error"])
}

func TestBuildMIME(t *testing.T) {
	email := forwardEmail()
	email.HTMLBody = "<p>see below</p>"
	email.Attachments = []domain.Attachment{{
		Filename:      "data.txt",
		ContentType:   "text/plain",
		ContentBase64: "aGVsbG8=",
	}}

	raw, err := BuildMIME(&Message{
		Email:              email,
		From:               "x@a.com",
		SenderName:         "Router",
		To:                 []string{"alice@z.com"},
		SubjectPrefix:      "[fwd] ",
		IncludeAttachments: true,
	})
	require.NoError(t, err)

	s := string(raw)
	assert.Contains(t, s, "From: Router <x@a.com>")
	assert.Contains(t, s, "To: alice@z.com")
	assert.Contains(t, s, "Reply-To: sender@outside.com")
	assert.Contains(t, s, "Subject: [fwd] Quarterly numbers")
	assert.Contains(t, s, "multipart/alternative")
	assert.Contains(t, s, `filename="data.txt"`)
	assert.Contains(t, s, "aGVsbG8=")
}

func TestMessage_FromHeader(t *testing.T) {
	m := &Message{From: "x@a.com"}
	assert.Equal(t, "x@a.com", m.FromHeader())
	m.SenderName = "Support"
	assert.Equal(t, "Support <x@a.com>", m.FromHeader())
}
