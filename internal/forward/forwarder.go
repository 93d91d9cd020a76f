package forward

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

// Failure reasons recorded on the delivery row when a forward is aborted
// before handoff.
const (
	ReasonAllRecipientsBlocked = "ALL_RECIPIENTS_BLOCKED"
	ReasonForwardingLoop       = "FORWARDING_LOOP_DETECTED"
	ReasonSenderUnavailable    = "FORWARD_SENDER_UNAVAILABLE"
)

// Sender is the outbound mail handoff. Acceptance or rejection is
// synchronous; the forwarder's contract ends there.
type Sender interface {
	SendForward(ctx context.Context, msg *Message) error
}

// DeliveryStore is the subset of the delivery repository the forwarder
// needs.
type DeliveryStore interface {
	Insert(ctx context.Context, d *domain.EndpointDelivery) error
	UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, response interface{}) error
}

// Blocklist answers whether forwarding to an address is suppressed.
type Blocklist interface {
	IsBlocked(ctx context.Context, address string) (bool, error)
}

// TenantResolver resolves the sending identity for a domain.
type TenantResolver interface {
	IdentityForDomain(ctx context.Context, dom string) (*domain.TenantIdentity, error)
}

// Result is the forwarder's outcome for the pipeline.
type Result struct {
	Success   bool
	Duplicate bool
	Reason    string
	To        []string
}

// Forwarder relays inbound mail to forwarding endpoints after blocklist
// and loop checks, under the tenant identity of the sending domain.
type Forwarder struct {
	deliveries DeliveryStore
	blocklist  Blocklist
	tenants    TenantResolver
	sender     Sender
	now        func() time.Time
}

func NewForwarder(deliveries DeliveryStore, blocklist Blocklist, tenants TenantResolver, sender Sender) *Forwarder {
	return &Forwarder{
		deliveries: deliveries,
		blocklist:  blocklist,
		tenants:    tenants,
		sender:     sender,
		now:        time.Now,
	}
}

// Deliver runs the forwarding contract for one email and endpoint.
func (f *Forwarder) Deliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint) (*Result, error) {
	delivery := &domain.EndpointDelivery{
		ID:           ids.WithPrefix("del"),
		EmailID:      email.ID,
		EndpointID:   endpoint.ID,
		DeliveryType: domain.DeliveryEmailForward,
		Status:       domain.DeliveryPending,
		Attempts:     1,
	}
	if err := f.deliveries.Insert(ctx, delivery); err != nil {
		if errors.Is(err, postgres.ErrDuplicate) {
			logger.Debug("forward delivery already claimed", "emailId", email.ID, "endpointId", endpoint.ID)
			return &Result{Success: true, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("claim forward delivery: %w", err)
	}

	// A nil sender means the outbound mail client never came up at
	// startup; the forward is recorded as failed, not attempted.
	if f.sender == nil {
		f.fail(ctx, delivery.ID, map[string]interface{}{
			"error":    ReasonSenderUnavailable,
			"failedAt": f.now().UTC().Format(time.RFC3339),
		})
		logger.Warn("forward aborted, outbound sender unavailable", "emailId", email.ID, "endpointId", endpoint.ID)
		return &Result{Reason: ReasonSenderUnavailable}, nil
	}

	cfg, err := forwardConfig(endpoint)
	if err != nil {
		f.fail(ctx, delivery.ID, map[string]interface{}{
			"error":    err.Error(),
			"failedAt": f.now().UTC().Format(time.RFC3339),
		})
		return &Result{Reason: err.Error()}, nil
	}

	recipients, err := f.filterBlocked(ctx, cfg.recipients)
	if err != nil {
		f.fail(ctx, delivery.ID, map[string]interface{}{
			"error":    err.Error(),
			"failedAt": f.now().UTC().Format(time.RFC3339),
		})
		return &Result{Reason: err.Error()}, nil
	}
	if len(recipients) == 0 {
		f.fail(ctx, delivery.ID, map[string]interface{}{
			"error":    ReasonAllRecipientsBlocked,
			"failedAt": f.now().UTC().Format(time.RFC3339),
		})
		logger.Warn("forward aborted, all recipients blocked", "emailId", email.ID, "endpointId", endpoint.ID)
		return &Result{Reason: ReasonAllRecipientsBlocked}, nil
	}

	// A configuration including a looping target is an error, not a
	// partial-success case; the whole forward is aborted.
	inbound := normalizeAddress(email.Recipient)
	for _, rcpt := range recipients {
		if normalizeAddress(rcpt) == inbound {
			f.fail(ctx, delivery.ID, map[string]interface{}{
				"error":    ReasonForwardingLoop,
				"failedAt": f.now().UTC().Format(time.RFC3339),
			})
			logger.Warn("forward aborted, loop detected", "emailId", email.ID, "endpointId", endpoint.ID)
			return &Result{Reason: ReasonForwardingLoop}, nil
		}
	}

	from := cfg.fromAddress
	if from == "" {
		from = email.Recipient
	}

	msg := &Message{
		Email:              email,
		From:               from,
		SenderName:         cfg.senderName,
		To:                 recipients,
		SubjectPrefix:      cfg.subjectPrefix,
		IncludeAttachments: cfg.includeAttachments,
	}
	f.applyTenant(ctx, msg, from)

	if err := f.sender.SendForward(ctx, msg); err != nil {
		f.fail(ctx, delivery.ID, map[string]interface{}{
			"error":    err.Error(),
			"failedAt": f.now().UTC().Format(time.RFC3339),
		})
		logger.Warn("forward rejected by sender", "emailId", email.ID, "endpointId", endpoint.ID, "error", err.Error())
		return &Result{Reason: err.Error()}, nil
	}

	f.finalize(ctx, delivery.ID, domain.DeliverySuccess, map[string]interface{}{
		"toAddresses": recipients,
		"fromAddress": from,
		"forwardedAt": f.now().UTC().Format(time.RFC3339),
	})
	logger.Info("forward delivered", "emailId", email.ID, "endpointId", endpoint.ID, "recipients", len(recipients))
	return &Result{Success: true, To: recipients}, nil
}

// applyTenant resolves the sending domain's tenant identity onto the
// message. Missing identity is tolerated; the forward goes out under the
// platform default.
func (f *Forwarder) applyTenant(ctx context.Context, msg *Message, from string) {
	at := strings.LastIndex(from, "@")
	if at < 0 {
		return
	}
	ident, err := f.tenants.IdentityForDomain(ctx, from[at+1:])
	if errors.Is(err, postgres.ErrNotFound) {
		logger.Warn("no tenant identity for forwarding domain", "domain", from[at+1:])
		return
	}
	if err != nil {
		logger.Warn("tenant identity lookup failed", "domain", from[at+1:], "error", err.Error())
		return
	}
	msg.SourceARN = ident.SourceARN
	msg.ConfigurationSetName = ident.ConfigurationSetName
	msg.TenantName = ident.TenantName
}

func (f *Forwarder) filterBlocked(ctx context.Context, recipients []string) ([]string, error) {
	out := make([]string, 0, len(recipients))
	for _, rcpt := range recipients {
		blocked, err := f.blocklist.IsBlocked(ctx, rcpt)
		if err != nil {
			return nil, fmt.Errorf("blocklist check for %s: %w", logger.RedactEmail(rcpt), err)
		}
		if blocked {
			logger.Info("recipient suppressed by blocklist", "recipient", rcpt)
			continue
		}
		out = append(out, rcpt)
	}
	return out, nil
}

func (f *Forwarder) fail(ctx context.Context, deliveryID string, response map[string]interface{}) {
	f.finalize(ctx, deliveryID, domain.DeliveryFailed, response)
}

func (f *Forwarder) finalize(ctx context.Context, deliveryID string, status domain.DeliveryStatus, response map[string]interface{}) {
	if err := f.deliveries.UpdateStatus(ctx, deliveryID, status, response); err != nil {
		logger.Error("forward delivery record update failed", "deliveryId", deliveryID, "error", err.Error())
	}
}

type resolvedConfig struct {
	recipients         []string
	fromAddress        string
	senderName         string
	subjectPrefix      string
	includeAttachments bool
}

func forwardConfig(endpoint *domain.Endpoint) (*resolvedConfig, error) {
	switch endpoint.Type {
	case domain.EndpointEmail:
		cfg, err := endpoint.EmailConfig()
		if err != nil {
			return nil, err
		}
		return &resolvedConfig{
			recipients:         []string{cfg.ForwardTo},
			fromAddress:        cfg.FromAddress,
			senderName:         cfg.SenderName,
			subjectPrefix:      cfg.SubjectPrefix,
			includeAttachments: cfg.IncludeAttachments,
		}, nil
	case domain.EndpointEmailGroup:
		cfg, err := endpoint.EmailGroupConfig()
		if err != nil {
			return nil, err
		}
		return &resolvedConfig{
			recipients:         cfg.Emails,
			fromAddress:        cfg.FromAddress,
			senderName:         cfg.SenderName,
			subjectPrefix:      cfg.SubjectPrefix,
			includeAttachments: cfg.IncludeAttachments,
		}, nil
	default:
		return nil, fmt.Errorf("endpoint %s is %s, not a forwarding type", endpoint.ID, endpoint.Type)
	}
}

func normalizeAddress(addr string) string {
	return strings.ToLower(strings.TrimSpace(addr))
}
