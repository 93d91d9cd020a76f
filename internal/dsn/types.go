// Package dsn detects, parses, and classifies Delivery Status
// Notifications per RFC 3464 (report format) and RFC 3463 (enhanced
// status codes).
package dsn

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Action is the per-recipient delivery action reported in a DSN.
type Action string

const (
	ActionFailed    Action = "failed"
	ActionDelayed   Action = "delayed"
	ActionDelivered Action = "delivered"
	ActionRelayed   Action = "relayed"
	ActionExpanded  Action = "expanded"
)

// EnhancedCode is an RFC 3463 three-number status code X.Y.Z.
type EnhancedCode struct {
	Class   int // 2=Success, 4=Transient, 5=Permanent
	Subject int // semantic category, 0-7
	Detail  int
}

// ParseEnhancedCode parses "X.Y.Z". Returns an error for anything that is
// not three dot-separated integers.
func ParseEnhancedCode(s string) (EnhancedCode, error) {
	parts := strings.Split(strings.TrimSpace(s), ".")
	if len(parts) != 3 {
		return EnhancedCode{}, fmt.Errorf("dsn: malformed status code %q", s)
	}
	var c EnhancedCode
	var err error
	if c.Class, err = strconv.Atoi(parts[0]); err != nil {
		return EnhancedCode{}, fmt.Errorf("dsn: malformed status class in %q", s)
	}
	if c.Subject, err = strconv.Atoi(parts[1]); err != nil {
		return EnhancedCode{}, fmt.Errorf("dsn: malformed status subject in %q", s)
	}
	if c.Detail, err = strconv.Atoi(parts[2]); err != nil {
		return EnhancedCode{}, fmt.Errorf("dsn: malformed status detail in %q", s)
	}
	return c, nil
}

// String renders the code back to its wire form "X.Y.Z".
func (c EnhancedCode) String() string {
	return fmt.Sprintf("%d.%d.%d", c.Class, c.Subject, c.Detail)
}

// RecipientStatus is the per-recipient field block of a DSN.
type RecipientStatus struct {
	FinalRecipient    string     // rfc822; prefix stripped, lowercased
	OriginalRecipient string
	Action            Action
	Status            string // enhanced code "X.Y.Z" as reported
	RemoteMTA         string
	DiagnosticCode    string // smtp; prefix stripped
	LastAttemptDate   *time.Time
	WillRetryUntil    *time.Time
}

// OriginalMessage holds the headers recovered from the returned
// message/rfc822 (or text/rfc822-headers) part.
type OriginalMessage struct {
	MessageID  string
	From       string
	To         string
	Subject    string
	Date       string
	FeedbackID string
}

// Report is one parsed DSN.
type Report struct {
	ReportingMTA    string
	ReceivedFromMTA string
	ArrivalDate     *time.Time

	Recipients []RecipientStatus
	Original   OriginalMessage

	// InReplyTo and References come from the DSN's own headers. They
	// point at the original Message-ID and take precedence over the
	// embedded original-message headers during source resolution.
	InReplyTo  string
	References []string
}

// FirstFailed returns the first recipient block with Action=failed, or
// the first block when none is explicitly failed (some MTAs omit the
// Action field on failures).
func (r *Report) FirstFailed() *RecipientStatus {
	for i := range r.Recipients {
		if r.Recipients[i].Action == ActionFailed {
			return &r.Recipients[i]
		}
	}
	if len(r.Recipients) > 0 {
		return &r.Recipients[0]
	}
	return nil
}
