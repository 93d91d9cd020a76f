package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// GuardAction is the disposition a guard rule applies to an inbound email.
type GuardAction string

const (
	GuardAllow GuardAction = "allow"
	GuardBlock GuardAction = "block"
	GuardRoute GuardAction = "route"
	// GuardFlag and GuardLabel stamp metadata only; they never alter routing.
	GuardFlag  GuardAction = "flag"
	GuardLabel GuardAction = "label"
)

// EmailAddressPart is one parsed address from an address-list header.
type EmailAddressPart struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// AddressData is the parsed form of a From/To/Cc/Bcc/Reply-To header.
type AddressData struct {
	Text      string             `json:"text,omitempty"`
	Addresses []EmailAddressPart `json:"addresses,omitempty"`
}

// FirstAddress returns the first parsed address, lowercased, or "".
func (a *AddressData) FirstAddress() string {
	if a == nil || len(a.Addresses) == 0 {
		return ""
	}
	return strings.ToLower(a.Addresses[0].Address)
}

// AllAddresses returns every parsed address, lowercased.
func (a *AddressData) AllAddresses() []string {
	if a == nil {
		return nil
	}
	out := make([]string, 0, len(a.Addresses))
	for _, p := range a.Addresses {
		if p.Address != "" {
			out = append(out, strings.ToLower(p.Address))
		}
	}
	return out
}

// Attachment is one parsed MIME attachment. Content stays in object storage;
// ContentBase64 is populated only when the parser inlined it.
type Attachment struct {
	Filename      string `json:"filename,omitempty"`
	ContentType   string `json:"contentType,omitempty"`
	Size          int64  `json:"size,omitempty"`
	ContentID     string `json:"contentId,omitempty"`
	ContentBase64 string `json:"content,omitempty"`
	DownloadURL   string `json:"downloadUrl,omitempty"`
}

// StructuredEmail is the parsed representation of one received email.
// Created by the ingestion boundary; the pipeline adds thread and guard
// fields, nothing else mutates it.
type StructuredEmail struct {
	ID             string            `json:"id" db:"id"`
	EmailID        string            `json:"emailId" db:"email_id"`
	UserID         string            `json:"userId" db:"user_id"`
	MessageID      string            `json:"messageId" db:"message_id"`
	Date           *time.Time        `json:"date" db:"date"`
	Subject        string            `json:"subject" db:"subject"`
	Recipient      string            `json:"recipient" db:"recipient"`
	FromData       *AddressData      `json:"fromData" db:"from_data"`
	ToData         *AddressData      `json:"toData" db:"to_data"`
	CcData         *AddressData      `json:"ccData" db:"cc_data"`
	BccData        *AddressData      `json:"bccData" db:"bcc_data"`
	ReplyToData    *AddressData      `json:"replyToData" db:"reply_to_data"`
	InReplyTo      string            `json:"inReplyTo" db:"in_reply_to"`
	References     []string          `json:"references" db:"references"`
	TextBody       string            `json:"textBody" db:"text_body"`
	HTMLBody       string            `json:"htmlBody" db:"html_body"`
	RawContent     string            `json:"rawContent" db:"raw_content"`
	Attachments    []Attachment      `json:"attachments" db:"attachments"`
	Headers        map[string]string `json:"headers" db:"headers"`
	Priority       string            `json:"priority" db:"priority"`
	ParseSuccess   bool              `json:"parseSuccess" db:"parse_success"`
	ParseError     string            `json:"parseError" db:"parse_error"`
	ThreadID       *string           `json:"threadId" db:"thread_id"`
	ThreadPosition *int              `json:"threadPosition" db:"thread_position"`
	GuardBlocked   bool              `json:"guardBlocked" db:"guard_blocked"`
	GuardReason    string            `json:"guardReason" db:"guard_reason"`
	GuardAction    GuardAction       `json:"guardAction" db:"guard_action"`
	GuardRuleID    *string           `json:"guardRuleId" db:"guard_rule_id"`
	GuardMetadata  json.RawMessage   `json:"guardMetadata" db:"guard_metadata"`
	CreatedAt      time.Time         `json:"createdAt" db:"created_at"`
	UpdatedAt      time.Time         `json:"updatedAt" db:"updated_at"`
	ReadAt         *time.Time        `json:"readAt" db:"read_at"`
}

// Header returns a header value by case-insensitive name.
func (e *StructuredEmail) Header(name string) string {
	for k, v := range e.Headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}

// RecipientLocalPart returns the part of Recipient before '@', lowercased.
func (e *StructuredEmail) RecipientLocalPart() string {
	at := strings.Index(e.Recipient, "@")
	if at < 0 {
		return strings.ToLower(e.Recipient)
	}
	return strings.ToLower(e.Recipient[:at])
}

// RecipientDomain returns the part of Recipient after '@', lowercased.
func (e *StructuredEmail) RecipientDomain() string {
	at := strings.Index(e.Recipient, "@")
	if at < 0 {
		return ""
	}
	return strings.ToLower(e.Recipient[at+1:])
}

// SentEmailStatus is the lifecycle state of an outbound message.
type SentEmailStatus string

const (
	SentPending SentEmailStatus = "pending"
	SentSent    SentEmailStatus = "sent"
	SentFailed  SentEmailStatus = "failed"
)

// SentEmail is one outbound message recorded by the sending side. The
// router reads it for threading and for DSN source resolution.
type SentEmail struct {
	ID               string          `json:"id" db:"id"`
	UserID           string          `json:"userId" db:"user_id"`
	MessageID        string          `json:"messageId" db:"message_id"`
	SESMessageID     string          `json:"sesMessageId" db:"ses_message_id"`
	From             string          `json:"from" db:"from_address"`
	FromDomain       string          `json:"fromDomain" db:"from_domain"`
	To               []string        `json:"to" db:"to_addresses"`
	Cc               []string        `json:"cc" db:"cc_addresses"`
	Bcc              []string        `json:"bcc" db:"bcc_addresses"`
	ReplyTo          []string        `json:"replyTo" db:"reply_to_addresses"`
	Subject          string          `json:"subject" db:"subject"`
	HTMLBody         string          `json:"htmlBody" db:"html_body"`
	TextBody         string          `json:"textBody" db:"text_body"`
	Status           SentEmailStatus `json:"status" db:"status"`
	Provider         string          `json:"provider" db:"provider"`
	ProviderResponse string          `json:"providerResponse" db:"provider_response"`
	FailureReason    string          `json:"failureReason" db:"failure_reason"`
	SentAt           *time.Time      `json:"sentAt" db:"sent_at"`
	ThreadID         *string         `json:"threadId" db:"thread_id"`
	ThreadPosition   *int            `json:"threadPosition" db:"thread_position"`
	CreatedAt        time.Time       `json:"createdAt" db:"created_at"`
}

// EmailAddress maps one receiving address to at most one endpoint.
// Unique per (userId, address).
type EmailAddress struct {
	ID         string  `json:"id" db:"id"`
	Address    string  `json:"address" db:"address"`
	UserID     string  `json:"userId" db:"user_id"`
	DomainID   string  `json:"domainId" db:"domain_id"`
	EndpointID *string `json:"endpointId" db:"endpoint_id"`
	WebhookID  *string `json:"webhookId" db:"webhook_id"` // legacy routing
	IsActive   bool    `json:"isActive" db:"is_active"`
}

// DomainStatus is the verification state of a receiving domain.
type DomainStatus string

const (
	DomainPending  DomainStatus = "pending"
	DomainVerified DomainStatus = "verified"
	DomainFailed   DomainStatus = "failed"
)

// EmailDomain is one receiving domain with its catch-all configuration.
type EmailDomain struct {
	ID                 string       `json:"id" db:"id"`
	Domain             string       `json:"domain" db:"domain"`
	UserID             string       `json:"userId" db:"user_id"`
	Status             DomainStatus `json:"status" db:"status"`
	CanReceiveEmails   bool         `json:"canReceiveEmails" db:"can_receive_emails"`
	IsCatchAllEnabled  bool         `json:"isCatchAllEnabled" db:"is_catch_all_enabled"`
	CatchAllEndpointID *string      `json:"catchAllEndpointId" db:"catch_all_endpoint_id"`
	CatchAllWebhookID  *string      `json:"catchAllWebhookId" db:"catch_all_webhook_id"` // legacy
	ReceiveDmarcEmails bool         `json:"receiveDmarcEmails" db:"receive_dmarc_emails"`
	InheritsFromParent bool         `json:"inheritsFromParent" db:"inherits_from_parent"`
	ParentDomain       *string      `json:"parentDomain" db:"parent_domain"`
	TenantID           *string      `json:"tenantId" db:"tenant_id"`
}

// BlockedEmail suppresses forwarding to an address on a domain.
// Unique per (emailAddress, domainId). Webhook deliveries are unaffected.
type BlockedEmail struct {
	ID           string    `json:"id" db:"id"`
	EmailAddress string    `json:"emailAddress" db:"email_address"`
	DomainID     string    `json:"domainId" db:"domain_id"`
	Reason       string    `json:"reason" db:"reason"`
	BlockedBy    string    `json:"blockedBy" db:"blocked_by"`
	CreatedAt    time.Time `json:"createdAt" db:"created_at"`
}

// TenantIdentity carries the per-tenant SES sending identity resolved for
// a forwarding domain.
type TenantIdentity struct {
	TenantID             string `json:"tenantId"`
	TenantName           string `json:"tenantName"`
	SourceARN            string `json:"sourceArn"`
	ConfigurationSetName string `json:"configurationSetName"`
}
