package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// EndpointType discriminates the endpoint config union.
type EndpointType string

const (
	EndpointWebhook    EndpointType = "webhook"
	EndpointEmail      EndpointType = "email"
	EndpointEmailGroup EndpointType = "email_group"
)

// WebhookFormat selects the outbound payload shape for webhook endpoints.
type WebhookFormat string

const (
	FormatInbound WebhookFormat = "inbound"
	FormatDiscord WebhookFormat = "discord"
	FormatSlack   WebhookFormat = "slack"
)

// WebhookConfig is the config variant for type=webhook endpoints.
type WebhookConfig struct {
	URL               string            `json:"url"`
	Timeout           int               `json:"timeout"`       // seconds, 1-300
	RetryAttempts     int               `json:"retryAttempts"` // 0-10
	Headers           map[string]string `json:"headers,omitempty"`
	VerificationToken string            `json:"verificationToken,omitempty"`
	SigningSecret     string            `json:"signingSecret,omitempty"`
}

// TimeoutOrDefault clamps the configured timeout into [1s, 300s].
func (c *WebhookConfig) TimeoutOrDefault() time.Duration {
	t := c.Timeout
	if t < 1 {
		t = 30
	}
	if t > 300 {
		t = 300
	}
	return time.Duration(t) * time.Second
}

// EmailConfig is the config variant for type=email endpoints.
type EmailConfig struct {
	ForwardTo          string `json:"forwardTo"`
	IncludeAttachments bool   `json:"includeAttachments"`
	SubjectPrefix      string `json:"subjectPrefix,omitempty"`
	FromAddress        string `json:"fromAddress,omitempty"`
	SenderName         string `json:"senderName,omitempty"`
}

// EmailGroupConfig is the config variant for type=email_group endpoints.
type EmailGroupConfig struct {
	Emails             []string `json:"emails"`
	IncludeAttachments bool     `json:"includeAttachments"`
	SubjectPrefix      string   `json:"subjectPrefix,omitempty"`
	FromAddress        string   `json:"fromAddress,omitempty"`
	SenderName         string   `json:"senderName,omitempty"`
}

// Endpoint is a user-configured destination for inbound mail. Config is
// stored as an opaque JSON blob and parsed at the boundary, keyed on Type.
type Endpoint struct {
	ID            string          `json:"id" db:"id"`
	UserID        string          `json:"userId" db:"user_id"`
	Type          EndpointType    `json:"type" db:"type"`
	Name          string          `json:"name" db:"name"`
	Description   string          `json:"description" db:"description"`
	IsActive      bool            `json:"isActive" db:"is_active"`
	WebhookFormat WebhookFormat   `json:"webhookFormat" db:"webhook_format"`
	Config        json.RawMessage `json:"config" db:"config"`
	CreatedAt     time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt     time.Time       `json:"updatedAt" db:"updated_at"`
}

// WebhookConfig parses the config blob as a webhook variant.
func (e *Endpoint) WebhookConfig() (*WebhookConfig, error) {
	if e.Type != EndpointWebhook {
		return nil, fmt.Errorf("endpoint %s is %s, not webhook", e.ID, e.Type)
	}
	var cfg WebhookConfig
	if err := json.Unmarshal(e.Config, &cfg); err != nil {
		return nil, fmt.Errorf("endpoint %s webhook config: %w", e.ID, err)
	}
	return &cfg, nil
}

// EmailConfig parses the config blob as an email variant.
func (e *Endpoint) EmailConfig() (*EmailConfig, error) {
	if e.Type != EndpointEmail {
		return nil, fmt.Errorf("endpoint %s is %s, not email", e.ID, e.Type)
	}
	var cfg EmailConfig
	if err := json.Unmarshal(e.Config, &cfg); err != nil {
		return nil, fmt.Errorf("endpoint %s email config: %w", e.ID, err)
	}
	return &cfg, nil
}

// EmailGroupConfig parses the config blob as an email_group variant.
func (e *Endpoint) EmailGroupConfig() (*EmailGroupConfig, error) {
	if e.Type != EndpointEmailGroup {
		return nil, fmt.Errorf("endpoint %s is %s, not email_group", e.ID, e.Type)
	}
	var cfg EmailGroupConfig
	if err := json.Unmarshal(e.Config, &cfg); err != nil {
		return nil, fmt.Errorf("endpoint %s email_group config: %w", e.ID, err)
	}
	return &cfg, nil
}

// ForwardRecipients returns the recipient list for forwarding endpoints.
func (e *Endpoint) ForwardRecipients() ([]string, error) {
	switch e.Type {
	case EndpointEmail:
		cfg, err := e.EmailConfig()
		if err != nil {
			return nil, err
		}
		return []string{cfg.ForwardTo}, nil
	case EndpointEmailGroup:
		cfg, err := e.EmailGroupConfig()
		if err != nil {
			return nil, err
		}
		return cfg.Emails, nil
	default:
		return nil, fmt.Errorf("endpoint %s is %s, not a forwarding type", e.ID, e.Type)
	}
}

// LegacyWebhook is a pre-endpoint webhook destination. Kept for addresses
// and domains still routing through webhook_id / catch_all_webhook_id.
type LegacyWebhook struct {
	ID                string            `json:"id" db:"id"`
	UserID            string            `json:"userId" db:"user_id"`
	Name              string            `json:"name" db:"name"`
	URL               string            `json:"url" db:"url"`
	Secret            string            `json:"secret" db:"secret"`
	VerificationToken string            `json:"verificationToken" db:"verification_token"`
	Timeout           int               `json:"timeout" db:"timeout"`
	CustomHeaders     map[string]string `json:"customHeaders" db:"custom_headers"`
	IsActive          bool              `json:"isActive" db:"is_active"`
}

// TimeoutOrDefault clamps the configured timeout into [1s, 300s].
func (w *LegacyWebhook) TimeoutOrDefault() time.Duration {
	t := w.Timeout
	if t < 1 {
		t = 30
	}
	if t > 300 {
		t = 300
	}
	return time.Duration(t) * time.Second
}

// DeliveryType records which deliverer handled an email/endpoint pair.
type DeliveryType string

const (
	DeliveryWebhook      DeliveryType = "webhook"
	DeliveryEmailForward DeliveryType = "email_forward"
)

// DeliveryStatus is the lifecycle state of one delivery attempt record.
type DeliveryStatus string

const (
	DeliveryPending DeliveryStatus = "pending"
	DeliverySuccess DeliveryStatus = "success"
	DeliveryFailed  DeliveryStatus = "failed"
)

// EndpointDelivery is the idempotency record for one (email, endpoint)
// pair. UNIQUE(emailId, endpointId) is the delivery lock: a duplicate-key
// insert means another worker owns the delivery.
type EndpointDelivery struct {
	ID           string          `json:"id" db:"id"`
	EmailID      string          `json:"emailId" db:"email_id"`
	EndpointID   string          `json:"endpointId" db:"endpoint_id"`
	DeliveryType DeliveryType    `json:"deliveryType" db:"delivery_type"`
	Status       DeliveryStatus  `json:"status" db:"status"`
	Attempts     int             `json:"attempts" db:"attempts"`
	LastAttempt  *time.Time      `json:"lastAttemptAt" db:"last_attempt_at"`
	ResponseData json.RawMessage `json:"responseData" db:"response_data"`
	CreatedAt    time.Time       `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time       `json:"updatedAt" db:"updated_at"`
}
