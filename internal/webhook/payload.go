package webhook

import (
	"net/url"
	"time"

	"github.com/microcosm-cc/bluemonday"

	"github.com/ignite/inbound-router/internal/domain"
)

// htmlPolicy strips script, style, and event-handler attributes from the
// HTML body before it leaves the system.
var htmlPolicy = bluemonday.UGCPolicy()

// Payload is the canonical "inbound" webhook envelope.
type Payload struct {
	Event     string       `json:"event"`
	Timestamp string       `json:"timestamp"`
	Email     EmailPayload `json:"email"`
	Endpoint  EndpointInfo `json:"endpoint"`
}

// EmailPayload is the email section of the envelope.
type EmailPayload struct {
	ID             string              `json:"id"`
	MessageID      string              `json:"messageId"`
	From           *domain.AddressData `json:"from"`
	To             *domain.AddressData `json:"to"`
	Recipient      string              `json:"recipient"`
	Subject        string              `json:"subject"`
	ReceivedAt     string              `json:"receivedAt"`
	ThreadID       *string             `json:"threadId"`
	ThreadPosition *int                `json:"threadPosition"`
	ParsedData     ParsedData          `json:"parsedData"`
	CleanedContent CleanedContent      `json:"cleanedContent"`
}

// ParsedData carries the full parsed shape, raw MIME included. The size
// governor mutates Raw and Headers when the serialized envelope exceeds
// the ceiling.
type ParsedData struct {
	MessageID   string              `json:"messageId"`
	Date        *time.Time          `json:"date"`
	Subject     string              `json:"subject"`
	From        *domain.AddressData `json:"from"`
	To          *domain.AddressData `json:"to"`
	Cc          *domain.AddressData `json:"cc"`
	Bcc         *domain.AddressData `json:"bcc"`
	ReplyTo     *domain.AddressData `json:"replyTo"`
	InReplyTo   string              `json:"inReplyTo"`
	References  []string            `json:"references"`
	TextBody    string              `json:"textBody"`
	HTMLBody    string              `json:"htmlBody"`
	Raw         string              `json:"raw"`
	Attachments []domain.Attachment `json:"attachments"`
	Headers     map[string]string   `json:"headers"`
	Priority    string              `json:"priority"`
}

// CleanedContent is the receiver-friendly view: sanitized HTML, plain
// text, and the same annotated attachments.
type CleanedContent struct {
	HTML        string              `json:"html"`
	Text        string              `json:"text"`
	HasHTML     bool                `json:"hasHtml"`
	HasText     bool                `json:"hasText"`
	Attachments []domain.Attachment `json:"attachments"`
	Headers     map[string]string   `json:"headers"`
}

// EndpointInfo identifies the receiving endpoint in the envelope.
type EndpointInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type"`
}

// Compose builds the canonical envelope for one email and endpoint.
// Attachment entries are annotated with download URLs pointing back at
// the attachments API, so receivers never depend on inlined content.
func Compose(email *domain.StructuredEmail, endpoint EndpointInfo, baseURL string, now time.Time) *Payload {
	attachments := annotateAttachments(email, baseURL)
	sanitized := ""
	if email.HTMLBody != "" {
		sanitized = htmlPolicy.Sanitize(email.HTMLBody)
	}

	return &Payload{
		Event:     "email.received",
		Timestamp: now.UTC().Format(time.RFC3339),
		Email: EmailPayload{
			ID:             email.ID,
			MessageID:      email.MessageID,
			From:           email.FromData,
			To:             email.ToData,
			Recipient:      email.Recipient,
			Subject:        email.Subject,
			ReceivedAt:     email.CreatedAt.UTC().Format(time.RFC3339),
			ThreadID:       email.ThreadID,
			ThreadPosition: email.ThreadPosition,
			ParsedData: ParsedData{
				MessageID:   email.MessageID,
				Date:        email.Date,
				Subject:     email.Subject,
				From:        email.FromData,
				To:          email.ToData,
				Cc:          email.CcData,
				Bcc:         email.BccData,
				ReplyTo:     email.ReplyToData,
				InReplyTo:   email.InReplyTo,
				References:  email.References,
				TextBody:    email.TextBody,
				HTMLBody:    email.HTMLBody,
				Raw:         email.RawContent,
				Attachments: attachments,
				Headers:     email.Headers,
				Priority:    email.Priority,
			},
			CleanedContent: CleanedContent{
				HTML:        sanitized,
				Text:        email.TextBody,
				HasHTML:     email.HTMLBody != "",
				HasText:     email.TextBody != "",
				Attachments: attachments,
				Headers:     email.Headers,
			},
		},
		Endpoint: endpoint,
	}
}

// annotateAttachments copies the email's attachments, drops any inlined
// content, and stamps each with its download URL.
func annotateAttachments(email *domain.StructuredEmail, baseURL string) []domain.Attachment {
	if len(email.Attachments) == 0 {
		return nil
	}
	out := make([]domain.Attachment, len(email.Attachments))
	for i, a := range email.Attachments {
		a.ContentBase64 = ""
		name := a.Filename
		if name == "" {
			name = "attachment"
		}
		a.DownloadURL = baseURL + "/attachments/" + email.ID + "/" + url.PathEscape(name)
		out[i] = a
	}
	return out
}
