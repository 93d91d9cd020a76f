// Package bounce records DSN-derived delivery events and maintains the
// automatic blocklist for hard-bounced recipients.
package bounce

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/dsn"
	"github.com/ignite/inbound-router/internal/pkg/ids"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/repository/postgres"
)

// SentResolver probes sent mail by message-id variants.
type SentResolver interface {
	FindByMessageIDVariants(ctx context.Context, variants []string) (*domain.SentEmail, error)
}

// DomainResolver looks up a sending domain's row.
type DomainResolver interface {
	FindDomainByName(ctx context.Context, dom string) (*domain.EmailDomain, error)
}

// TenantResolver resolves the tenant identity behind a domain.
type TenantResolver interface {
	IdentityForDomain(ctx context.Context, dom string) (*domain.TenantIdentity, error)
}

// EventStore persists delivery events.
type EventStore interface {
	Insert(ctx context.Context, e *domain.EmailDeliveryEvent) error
	MarkBlocklisted(ctx context.Context, eventID, blocklistID string) error
	IsDSNProcessed(ctx context.Context, dsnEmailID string) (bool, error)
}

// BlockStore reads and writes blocklist rows.
type BlockStore interface {
	Get(ctx context.Context, address, domainID string) (*domain.BlockedEmail, error)
	Insert(ctx context.Context, b *domain.BlockedEmail) error
}

// Recorder turns an inbound DSN into a delivery event, resolving it back
// to the originating sent message and tenant, and auto-blocks hard-bounced
// recipients so forwards stop hitting dead addresses.
type Recorder struct {
	sent    SentResolver
	domains DomainResolver
	tenants TenantResolver
	events  EventStore
	blocks  BlockStore
	now     func() time.Time
}

func NewRecorder(sent SentResolver, domains DomainResolver, tenants TenantResolver, events EventStore, blocks BlockStore) *Recorder {
	return &Recorder{
		sent:    sent,
		domains: domains,
		tenants: tenants,
		events:  events,
		blocks:  blocks,
		now:     time.Now,
	}
}

// ProcessDSN parses and records one inbound DSN email. Re-processing the
// same DSN is a no-op. The returned event is nil when the DSN carried
// nothing recordable.
func (r *Recorder) ProcessDSN(ctx context.Context, email *domain.StructuredEmail) (*domain.EmailDeliveryEvent, error) {
	processed, err := r.events.IsDSNProcessed(ctx, email.ID)
	if err != nil {
		return nil, fmt.Errorf("dsn processed check: %w", err)
	}
	if processed {
		logger.Debug("dsn already processed", "emailId", email.ID)
		return nil, nil
	}

	report, err := dsn.Parse(email.RawContent)
	if err != nil {
		return nil, fmt.Errorf("parse dsn %s: %w", email.ID, err)
	}
	rcpt := report.FirstFailed()
	if rcpt == nil {
		logger.Debug("dsn carries no recipient block", "emailId", email.ID)
		return nil, nil
	}

	c := dsn.Classify(rcpt.Status, rcpt.DiagnosticCode)

	dsnEmailID := email.ID
	event := &domain.EmailDeliveryEvent{
		ID:                    ids.WithPrefix("evt"),
		EventType:             domain.EventBounce,
		BounceType:            c.BounceType,
		BounceSubType:         c.BounceSubType,
		StatusCode:            c.StatusCode,
		StatusClass:           c.StatusClass,
		StatusCategory:        c.StatusCategory,
		DiagnosticCode:        rcpt.DiagnosticCode,
		FailedRecipient:       rcpt.FinalRecipient,
		FailedRecipientDomain: addressDomain(rcpt.FinalRecipient),
		OriginalMessageID:     report.SourceMessageID(),
		DSNEmailID:            &dsnEmailID,
		DSNReceivedAt:         r.receivedAt(email),
		ReportingMTA:          report.ReportingMTA,
		RemoteMTA:             rcpt.RemoteMTA,
		ActionTaken:           domain.ActionNone,
		RawDSNContent:         email.RawContent,
	}

	r.resolveSource(ctx, report, event)

	if err := r.events.Insert(ctx, event); err != nil {
		return nil, fmt.Errorf("record delivery event: %w", err)
	}

	if event.BounceType == domain.BounceHard && event.UserID != nil && event.DomainID != nil {
		r.autoBlock(ctx, event)
	}

	logger.Info("bounce recorded",
		"emailId", email.ID,
		"bounceType", string(event.BounceType),
		"subType", string(event.BounceSubType),
		"recipient", event.FailedRecipient,
		"blocklisted", event.AddedToBlocklist)
	return event, nil
}

// resolveSource joins the DSN back to the sent message, its user, domain,
// and tenant. Every step is best-effort; an unresolvable DSN is still
// recorded.
func (r *Recorder) resolveSource(ctx context.Context, report *dsn.Report, event *domain.EmailDeliveryEvent) {
	bare := dsn.BareMessageID(report.SourceMessageID())
	variants := dsn.ProbeVariants(bare)
	if len(variants) == 0 {
		return
	}

	sent, err := r.sent.FindByMessageIDVariants(ctx, variants)
	if errors.Is(err, postgres.ErrNotFound) {
		logger.Debug("dsn source message not found", "messageId", bare)
		return
	}
	if err != nil {
		logger.Warn("dsn source lookup failed", "messageId", bare, "error", err.Error())
		return
	}

	event.OriginalSentEmailID = &sent.ID
	event.UserID = &sent.UserID
	event.OriginalFrom = sent.From
	event.OriginalSubject = sent.Subject
	event.OriginalSentAt = sent.SentAt
	if len(sent.To) > 0 {
		event.OriginalTo = strings.Join(sent.To, ", ")
	}

	fromDomain := sent.FromDomain
	if fromDomain == "" {
		fromDomain = addressDomain(sent.From)
	}
	if fromDomain == "" {
		return
	}

	dom, err := r.domains.FindDomainByName(ctx, fromDomain)
	if errors.Is(err, postgres.ErrNotFound) {
		return
	}
	if err != nil {
		logger.Warn("dsn domain lookup failed", "domain", fromDomain, "error", err.Error())
		return
	}
	event.DomainID = &dom.ID
	event.DomainName = dom.Domain

	ident, err := r.tenants.IdentityForDomain(ctx, fromDomain)
	if err == nil {
		event.TenantID = &ident.TenantID
		event.TenantName = ident.TenantName
	}
}

// autoBlock inserts the blocklist row for a hard-bounced recipient and
// stamps the event. A concurrent or pre-existing block is adopted, not
// an error.
func (r *Recorder) autoBlock(ctx context.Context, event *domain.EmailDeliveryEvent) {
	existing, err := r.blocks.Get(ctx, event.FailedRecipient, *event.DomainID)
	if err == nil {
		logger.Debug("recipient already blocklisted", "recipient", event.FailedRecipient, "blockId", existing.ID)
		return
	}
	if !errors.Is(err, postgres.ErrNotFound) {
		logger.Warn("blocklist lookup failed", "recipient", event.FailedRecipient, "error", err.Error())
		return
	}

	block := &domain.BlockedEmail{
		ID:           ids.WithPrefix("blk"),
		EmailAddress: event.FailedRecipient,
		DomainID:     *event.DomainID,
		Reason:       fmt.Sprintf("Hard bounce: %s (%s)", event.BounceSubType, event.StatusCode),
		BlockedBy:    "system",
	}
	if err := r.blocks.Insert(ctx, block); err != nil {
		if errors.Is(err, postgres.ErrDuplicate) {
			return // racing recorder won
		}
		logger.Warn("blocklist insert failed", "recipient", event.FailedRecipient, "error", err.Error())
		return
	}

	if err := r.events.MarkBlocklisted(ctx, event.ID, block.ID); err != nil {
		logger.Warn("event blocklist stamp failed", "eventId", event.ID, "error", err.Error())
		return
	}
	event.ActionTaken = domain.ActionAddedBlocklist
	event.AddedToBlocklist = true
	event.BlocklistID = &block.ID
}

func (r *Recorder) receivedAt(email *domain.StructuredEmail) time.Time {
	if !email.CreatedAt.IsZero() {
		return email.CreatedAt
	}
	return r.now()
}

func addressDomain(addr string) string {
	at := strings.LastIndex(addr, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(addr[at+1:])
}
