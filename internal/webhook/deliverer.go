package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/pkg/ids"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/repository/postgres"
)

// maxResponseCapture bounds how much of the receiver's response body is
// persisted in the delivery record.
const maxResponseCapture = 2000

// DeliveryStore is the subset of the delivery repository the deliverer
// needs.
type DeliveryStore interface {
	Insert(ctx context.Context, d *domain.EndpointDelivery) error
	UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, response interface{}) error
}

// TokenStore persists minted verification tokens with compare-and-set
// semantics.
type TokenStore interface {
	SetVerificationTokenIfAbsent(ctx context.Context, id, token string) (string, error)
}

// ResponseRecord is the structured response blob written onto the
// delivery row.
type ResponseRecord struct {
	StatusCode      int               `json:"statusCode,omitempty"`
	ResponseBody    string            `json:"responseBody,omitempty"`
	ResponseHeaders map[string]string `json:"responseHeaders,omitempty"`
	DeliveryTime    int64             `json:"deliveryTime,omitempty"` // milliseconds
	Error           string            `json:"error,omitempty"`
	URL             string            `json:"url"`
	PayloadSize     int               `json:"payloadSize"`
	StrippedFields  []string          `json:"strippedFields,omitempty"`
	DeliveredAt     string            `json:"deliveredAt"`
}

// Result is the deliverer's outcome for the pipeline. Duplicate means
// another worker owns the delivery and nothing was sent.
type Result struct {
	Success    bool
	Duplicate  bool
	StatusCode int
	Error      string
}

// Deliverer posts inbound emails to webhook endpoints and records every
// outcome on the endpoint_deliveries row. It never retries and never
// raises on receiver errors; non-2xx responses are the receiver's
// problem, recorded as failed deliveries.
type Deliverer struct {
	deliveries DeliveryStore
	endpoints  TokenStore
	webhooks   TokenStore
	client     *http.Client
	baseURL    string
	userAgent  string
	maxPayload int
	now        func() time.Time
}

func NewDeliverer(deliveries DeliveryStore, endpoints, webhooks TokenStore, baseURL, userAgent string, maxPayload int) *Deliverer {
	return &Deliverer{
		deliveries: deliveries,
		endpoints:  endpoints,
		webhooks:   webhooks,
		client:     &http.Client{},
		baseURL:    baseURL,
		userAgent:  userAgent,
		maxPayload: maxPayload,
		now:        time.Now,
	}
}

// Deliver runs the full webhook contract for one email and endpoint:
// claim the delivery row, ensure a verification token, compose and
// govern the payload, POST, and finalize the row.
func (d *Deliverer) Deliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint) (*Result, error) {
	delivery := &domain.EndpointDelivery{
		ID:           ids.WithPrefix("del"),
		EmailID:      email.ID,
		EndpointID:   endpoint.ID,
		DeliveryType: domain.DeliveryWebhook,
		Status:       domain.DeliveryPending,
		Attempts:     1,
	}
	if err := d.deliveries.Insert(ctx, delivery); err != nil {
		if errors.Is(err, postgres.ErrDuplicate) {
			logger.Debug("webhook delivery already claimed", "emailId", email.ID, "endpointId", endpoint.ID)
			return &Result{Success: true, Duplicate: true}, nil
		}
		return nil, fmt.Errorf("claim webhook delivery: %w", err)
	}

	return d.send(ctx, email, endpoint, delivery.ID)
}

// Redeliver re-runs the POST against a delivery row the retry sweeper
// already claimed. No new row is inserted; the existing one is
// finalized with the fresh outcome.
func (d *Deliverer) Redeliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint, deliveryID string) (*Result, error) {
	return d.send(ctx, email, endpoint, deliveryID)
}

func (d *Deliverer) send(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint, deliveryID string) (*Result, error) {
	cfg, err := endpoint.WebhookConfig()
	if err != nil {
		d.finalize(ctx, deliveryID, domain.DeliveryFailed, &ResponseRecord{
			Error:       err.Error(),
			DeliveredAt: d.now().UTC().Format(time.RFC3339),
		})
		return &Result{Error: err.Error()}, nil
	}

	token := cfg.VerificationToken
	if token == "" {
		token, err = d.endpoints.SetVerificationTokenIfAbsent(ctx, endpoint.ID, NewVerificationToken())
		if err != nil {
			d.finalize(ctx, deliveryID, domain.DeliveryFailed, &ResponseRecord{
				Error:       fmt.Sprintf("verification token: %v", err),
				URL:         cfg.URL,
				DeliveredAt: d.now().UTC().Format(time.RFC3339),
			})
			return &Result{Error: err.Error()}, nil
		}
	}

	body, stripped, err := d.composeBody(email, endpoint)
	if err != nil {
		d.finalize(ctx, deliveryID, domain.DeliveryFailed, &ResponseRecord{
			Error:       err.Error(),
			URL:         cfg.URL,
			DeliveredAt: d.now().UTC().Format(time.RFC3339),
		})
		return &Result{Error: err.Error()}, nil
	}

	record := d.post(ctx, cfg.URL, body, d.headers(email, endpoint.ID, token, cfg.SigningSecret, body, cfg.Headers), cfg.TimeoutOrDefault())
	record.StrippedFields = stripped

	status := domain.DeliveryFailed
	if record.Error == "" && record.StatusCode >= 200 && record.StatusCode < 300 {
		status = domain.DeliverySuccess
	}
	d.finalize(ctx, deliveryID, status, record)

	if status == domain.DeliverySuccess {
		logger.Info("webhook delivered",
			"emailId", email.ID, "endpointId", endpoint.ID,
			"status", record.StatusCode, "ms", record.DeliveryTime)
	} else {
		logger.Warn("webhook delivery failed",
			"emailId", email.ID, "endpointId", endpoint.ID,
			"status", record.StatusCode, "error", record.Error)
	}

	return &Result{
		Success:    status == domain.DeliverySuccess,
		StatusCode: record.StatusCode,
		Error:      record.Error,
	}, nil
}

// DeliverLegacy posts to a pre-endpoint webhook record. Legacy webhooks
// have no endpoint_deliveries row; the outcome is logged only.
func (d *Deliverer) DeliverLegacy(ctx context.Context, email *domain.StructuredEmail, hook *domain.LegacyWebhook) (*Result, error) {
	token := hook.VerificationToken
	if token == "" {
		var err error
		token, err = d.webhooks.SetVerificationTokenIfAbsent(ctx, hook.ID, NewVerificationToken())
		if err != nil {
			// Tolerated: legacy records may never persist a token.
			logger.Warn("legacy webhook token write failed, using ephemeral", "webhookId", hook.ID, "error", err.Error())
			token = NewVerificationToken()
		}
	}

	payload := Compose(email, EndpointInfo{ID: hook.ID, Name: hook.Name, Type: "webhook"}, d.baseURL, d.now())
	body, stripped, err := Govern(payload, d.maxPayload)
	if err != nil {
		return nil, fmt.Errorf("compose legacy webhook payload: %w", err)
	}

	record := d.post(ctx, hook.URL, body, d.headers(email, hook.ID, token, hook.Secret, body, hook.CustomHeaders), hook.TimeoutOrDefault())
	record.StrippedFields = stripped

	success := record.Error == "" && record.StatusCode >= 200 && record.StatusCode < 300
	if success {
		logger.Info("legacy webhook delivered", "emailId", email.ID, "webhookId", hook.ID, "status", record.StatusCode)
	} else {
		logger.Warn("legacy webhook delivery failed",
			"emailId", email.ID, "webhookId", hook.ID,
			"status", record.StatusCode, "error", record.Error)
	}
	return &Result{Success: success, StatusCode: record.StatusCode, Error: record.Error}, nil
}

func (d *Deliverer) composeBody(email *domain.StructuredEmail, endpoint *domain.Endpoint) ([]byte, []string, error) {
	payload := Compose(email, EndpointInfo{
		ID:   endpoint.ID,
		Name: endpoint.Name,
		Type: string(endpoint.Type),
	}, d.baseURL, d.now())

	if endpoint.WebhookFormat == domain.FormatDiscord || endpoint.WebhookFormat == domain.FormatSlack {
		body, err := FormatBytes(payload, endpoint.WebhookFormat)
		return body, nil, err
	}
	return Govern(payload, d.maxPayload)
}

// headers builds the outbound header set: the fixed set first, then the
// endpoint's custom headers, which may override.
func (d *Deliverer) headers(email *domain.StructuredEmail, endpointID, token, secret string, body []byte, custom map[string]string) http.Header {
	h := http.Header{}
	h.Set("Content-Type", "application/json")
	h.Set("User-Agent", d.userAgent)
	h.Set("X-Webhook-Event", "email.received")
	h.Set("X-Endpoint-ID", endpointID)
	h.Set("X-Webhook-Timestamp", d.now().UTC().Format(time.RFC3339))
	h.Set("X-Email-ID", email.ID)
	h.Set("X-Message-ID", email.MessageID)
	h.Set("X-Webhook-Verification-Token", token)
	if secret != "" {
		h.Set("X-Webhook-Signature", Sign(secret, body))
	}
	for k, v := range custom {
		h.Set(k, v)
	}
	return h
}

// post performs the HTTP POST under the endpoint's wall-clock budget and
// captures the response into a record. Transport errors land in the
// record, not in a returned error.
func (d *Deliverer) post(ctx context.Context, url string, body []byte, headers http.Header, timeout time.Duration) *ResponseRecord {
	record := &ResponseRecord{
		URL:         url,
		PayloadSize: len(body),
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := d.now()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		record.Error = err.Error()
		record.DeliveredAt = d.now().UTC().Format(time.RFC3339)
		return record
	}
	req.Header = headers

	resp, err := d.client.Do(req)
	record.DeliveryTime = time.Since(start).Milliseconds()
	record.DeliveredAt = d.now().UTC().Format(time.RFC3339)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			record.Error = fmt.Sprintf("Request timeout after %ds", int(timeout.Seconds()))
		} else {
			record.Error = err.Error()
		}
		return record
	}
	defer resp.Body.Close()

	record.StatusCode = resp.StatusCode
	record.ResponseHeaders = flattenHeaders(resp.Header)
	captured, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseCapture))
	record.ResponseBody = string(captured)
	return record
}

func (d *Deliverer) finalize(ctx context.Context, deliveryID string, status domain.DeliveryStatus, record *ResponseRecord) {
	if err := d.deliveries.UpdateStatus(ctx, deliveryID, status, record); err != nil {
		logger.Error("webhook delivery record update failed", "deliveryId", deliveryID, "error", err.Error())
	}
}

func flattenHeaders(h http.Header) map[string]string {
	out := make(map[string]string, len(h))
	for k := range h {
		out[k] = h.Get(k)
	}
	return out
}

// Sign computes the signature header value over the exact outbound body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// NewVerificationToken mints an opaque random token for webhook receivers
// to echo-verify.
func NewVerificationToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("webhook: entropy source unavailable: %v", err))
	}
	return hex.EncodeToString(buf)
}
