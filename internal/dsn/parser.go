package dsn

import (
	"bufio"
	"fmt"
	"io"
	"net/mail"
	"strings"

	"github.com/emersion/go-message"
)

// Parse walks the multipart/report structure of a raw DSN and extracts
// the per-message fields, per-recipient blocks, and the returned original
// message's headers.
func Parse(raw string) (*Report, error) {
	entity, err := message.Read(strings.NewReader(raw))
	if err != nil && !message.IsUnknownCharset(err) {
		return nil, fmt.Errorf("dsn: read message: %w", err)
	}

	report := &Report{
		InReplyTo:  normalizeMessageIDToken(entity.Header.Get("In-Reply-To")),
		References: splitReferences(entity.Header.Get("References")),
	}

	mr := entity.MultipartReader()
	if mr == nil {
		// Not multipart; some MTAs send a bare message/delivery-status.
		body, _ := io.ReadAll(entity.Body)
		if t, _, _ := entity.Header.ContentType(); t == "message/delivery-status" {
			parseDeliveryStatus(string(body), report)
			return report, nil
		}
		return nil, fmt.Errorf("dsn: not a multipart report")
	}

	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		if err != nil {
			if message.IsUnknownCharset(err) {
				continue
			}
			return nil, fmt.Errorf("dsn: read part: %w", err)
		}

		mediaType, _, _ := part.Header.ContentType()
		switch mediaType {
		case "message/delivery-status":
			body, _ := io.ReadAll(part.Body)
			parseDeliveryStatus(string(body), report)
		case "message/rfc822", "text/rfc822-headers":
			body, _ := io.ReadAll(part.Body)
			parseOriginalHeaders(string(body), report)
		}
	}

	return report, nil
}

// parseDeliveryStatus parses the key/value body of a
// message/delivery-status part: one per-message block followed by one or
// more per-recipient blocks, separated by blank lines.
func parseDeliveryStatus(body string, report *Report) {
	blocks := splitFieldBlocks(body)
	if len(blocks) == 0 {
		return
	}

	for key, val := range blocks[0] {
		switch key {
		case "reporting-mta":
			report.ReportingMTA = stripTypePrefix(val)
		case "received-from-mta":
			report.ReceivedFromMTA = stripTypePrefix(val)
		case "arrival-date":
			if t, err := mail.ParseDate(val); err == nil {
				report.ArrivalDate = &t
			}
		}
	}

	for _, block := range blocks[1:] {
		var rs RecipientStatus
		for key, val := range block {
			switch key {
			case "final-recipient":
				rs.FinalRecipient = strings.ToLower(stripTypePrefix(val))
			case "original-recipient":
				rs.OriginalRecipient = strings.ToLower(stripTypePrefix(val))
			case "action":
				rs.Action = Action(strings.ToLower(val))
			case "status":
				rs.Status = val
			case "remote-mta":
				rs.RemoteMTA = stripTypePrefix(val)
			case "diagnostic-code":
				rs.DiagnosticCode = stripTypePrefix(val)
			case "last-attempt-date":
				if t, err := mail.ParseDate(val); err == nil {
					rs.LastAttemptDate = &t
				}
			case "will-retry-until":
				if t, err := mail.ParseDate(val); err == nil {
					rs.WillRetryUntil = &t
				}
			}
		}
		if rs.FinalRecipient != "" || rs.Status != "" {
			report.Recipients = append(report.Recipients, rs)
		}
	}
}

// parseOriginalHeaders extracts the headers of interest from the returned
// original message.
func parseOriginalHeaders(body string, report *Report) {
	msg, err := mail.ReadMessage(strings.NewReader(body))
	if err != nil {
		// A bare header block with no trailing blank line still parses
		// once one is appended.
		msg, err = mail.ReadMessage(strings.NewReader(body + "\r\n\r\n"))
		if err != nil {
			return
		}
	}
	h := msg.Header
	report.Original = OriginalMessage{
		MessageID:  normalizeMessageIDToken(h.Get("Message-Id")),
		From:       h.Get("From"),
		To:         h.Get("To"),
		Subject:    h.Get("Subject"),
		Date:       h.Get("Date"),
		FeedbackID: h.Get("Feedback-ID"),
	}
}

// splitFieldBlocks splits a delivery-status body into blank-line-separated
// blocks of folded "Key: value" fields, with keys lowercased.
func splitFieldBlocks(body string) []map[string]string {
	var blocks []map[string]string
	current := map[string]string{}
	lastKey := ""

	flush := func() {
		if len(current) > 0 {
			blocks = append(blocks, current)
			current = map[string]string{}
		}
		lastKey = ""
	}

	scanner := bufio.NewScanner(strings.NewReader(body))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == "" {
			flush()
			continue
		}
		// Folded continuation line
		if (strings.HasPrefix(line, " ") || strings.HasPrefix(line, "\t")) && lastKey != "" {
			current[lastKey] += " " + strings.TrimSpace(line)
			continue
		}
		colon := strings.Index(line, ":")
		if colon < 0 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(line[:colon]))
		current[key] = strings.TrimSpace(line[colon+1:])
		lastKey = key
	}
	flush()
	return blocks
}

// stripTypePrefix removes RFC 3464 type prefixes such as "rfc822;",
// "smtp;", or "dns;" from a field value.
func stripTypePrefix(val string) string {
	if semi := strings.Index(val, ";"); semi >= 0 {
		return strings.TrimSpace(val[semi+1:])
	}
	return strings.TrimSpace(val)
}

// splitReferences splits a References header into individual message-id
// tokens, normalized.
func splitReferences(header string) []string {
	if strings.TrimSpace(header) == "" {
		return nil
	}
	var out []string
	for _, tok := range strings.Fields(header) {
		if id := normalizeMessageIDToken(tok); id != "" {
			out = append(out, id)
		}
	}
	return out
}

// normalizeMessageIDToken strips angle brackets and whitespace from a
// message-id token.
func normalizeMessageIDToken(id string) string {
	id = strings.TrimSpace(id)
	id = strings.TrimPrefix(id, "<")
	id = strings.TrimSuffix(id, ">")
	return strings.TrimSpace(id)
}
