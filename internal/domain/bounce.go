package domain

import "time"

// BounceType classifies a delivery failure by permanence.
type BounceType string

const (
	BounceHard      BounceType = "hard"
	BounceSoft      BounceType = "soft"
	BounceTransient BounceType = "transient"
)

// BounceSubType is the fixed status-code-derived failure category.
type BounceSubType string

const (
	SubTypeUserUnknown     BounceSubType = "USER_UNKNOWN"
	SubTypeBadDestination  BounceSubType = "BAD_DESTINATION"
	SubTypeMailboxDisabled BounceSubType = "MAILBOX_DISABLED"
	SubTypeMailboxFull     BounceSubType = "MAILBOX_FULL"
	SubTypeMessageTooLarge BounceSubType = "MESSAGE_TOO_LARGE"
	SubTypeInvalidDomain   BounceSubType = "INVALID_DOMAIN"
	SubTypePolicyRejection BounceSubType = "POLICY_REJECTION"
	SubTypeContentRejected BounceSubType = "CONTENT_REJECTED"
	SubTypeDNSFailure      BounceSubType = "DNS_FAILURE"
	SubTypeDeliveryTimeout BounceSubType = "DELIVERY_TIMEOUT"
	SubTypeConnFailed      BounceSubType = "CONNECTION_FAILED"
	SubTypeGeneralFailure  BounceSubType = "GENERAL_FAILURE"
	SubTypeUnknown         BounceSubType = "UNKNOWN"
	SubTypeSuppressionList BounceSubType = "SUPPRESSION_LIST"
)

// DeliveryEventType distinguishes bounce reports from complaints.
type DeliveryEventType string

const (
	EventBounce    DeliveryEventType = "bounce"
	EventComplaint DeliveryEventType = "complaint"
)

// EventAction records what the recorder did in response to an event.
type EventAction string

const (
	ActionNone           EventAction = "none"
	ActionAddedBlocklist EventAction = "added_to_blocklist"
)

// EmailDeliveryEvent is one recorded bounce or complaint, resolved back
// to the originating sent message and tenant where possible.
type EmailDeliveryEvent struct {
	ID                    string            `json:"id" db:"id"`
	EventType             DeliveryEventType `json:"eventType" db:"event_type"`
	BounceType            BounceType        `json:"bounceType" db:"bounce_type"`
	BounceSubType         BounceSubType     `json:"bounceSubType" db:"bounce_sub_type"`
	StatusCode            string            `json:"statusCode" db:"status_code"` // enhanced "X.Y.Z"
	StatusClass           int               `json:"statusClass" db:"status_class"`
	StatusCategory        int               `json:"statusCategory" db:"status_category"`
	DiagnosticCode        string            `json:"diagnosticCode" db:"diagnostic_code"`
	FailedRecipient       string            `json:"failedRecipient" db:"failed_recipient"`
	FailedRecipientDomain string            `json:"failedRecipientDomain" db:"failed_recipient_domain"`
	OriginalMessageID     string            `json:"originalMessageId" db:"original_message_id"`
	OriginalSentEmailID   *string           `json:"originalSentEmailId" db:"original_sent_email_id"`
	OriginalFrom          string            `json:"originalFrom" db:"original_from"`
	OriginalTo            string            `json:"originalTo" db:"original_to"`
	OriginalSubject       string            `json:"originalSubject" db:"original_subject"`
	OriginalSentAt        *time.Time        `json:"originalSentAt" db:"original_sent_at"`
	DSNEmailID            *string           `json:"dsnEmailId" db:"dsn_email_id"`
	DSNReceivedAt         time.Time         `json:"dsnReceivedAt" db:"dsn_received_at"`
	ReportingMTA          string            `json:"reportingMta" db:"reporting_mta"`
	RemoteMTA             string            `json:"remoteMta" db:"remote_mta"`
	UserID                *string           `json:"userId" db:"user_id"`
	DomainID              *string           `json:"domainId" db:"domain_id"`
	DomainName            string            `json:"domainName" db:"domain_name"`
	TenantID              *string           `json:"tenantId" db:"tenant_id"`
	TenantName            string            `json:"tenantName" db:"tenant_name"`
	ActionTaken           EventAction       `json:"actionTaken" db:"action_taken"`
	AddedToBlocklist      bool              `json:"addedToBlocklist" db:"added_to_blocklist"`
	BlocklistID           *string           `json:"blocklistId" db:"blocklist_id"`
	RawDSNContent         string            `json:"rawDsnContent,omitempty" db:"raw_dsn_content"`
	CreatedAt             time.Time         `json:"createdAt" db:"created_at"`
}
