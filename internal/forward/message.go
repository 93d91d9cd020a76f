package forward

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/textproto"

	"github.com/ignite/inbound-router/internal/domain"
)

// Message is the outbound handoff for one forward: the parsed email plus
// everything the sender needs to emit it under the right identity.
type Message struct {
	Email                *domain.StructuredEmail
	From                 string
	SenderName           string
	To                   []string
	SubjectPrefix        string
	IncludeAttachments   bool
	SourceARN            string
	ConfigurationSetName string
	TenantName           string
}

// FromHeader renders the From header value, with the display name when
// configured.
func (m *Message) FromHeader() string {
	if m.SenderName == "" {
		return m.From
	}
	return fmt.Sprintf("%s <%s>", mime.QEncoding.Encode("utf-8", m.SenderName), m.From)
}

// Subject renders the forwarded subject with the configured prefix.
func (m *Message) Subject() string {
	if m.SubjectPrefix == "" {
		return m.Email.Subject
	}
	return m.SubjectPrefix + m.Email.Subject
}

// BuildMIME renders the forwarded message as raw RFC 822 bytes: the
// original text and HTML bodies as alternatives, attachments re-encoded
// when forwarding includes them. Replies go back to the original sender
// via Reply-To.
func BuildMIME(m *Message) ([]byte, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)

	fmt.Fprintf(&buf, "From: %s\r\n", m.FromHeader())
	for i, to := range m.To {
		if i == 0 {
			fmt.Fprintf(&buf, "To: %s", to)
		} else {
			fmt.Fprintf(&buf, ", %s", to)
		}
	}
	buf.WriteString("\r\n")
	if replyTo := m.Email.FromData.FirstAddress(); replyTo != "" {
		fmt.Fprintf(&buf, "Reply-To: %s\r\n", replyTo)
	}
	fmt.Fprintf(&buf, "Subject: %s\r\n", mime.QEncoding.Encode("utf-8", m.Subject()))
	buf.WriteString("MIME-Version: 1.0\r\n")
	fmt.Fprintf(&buf, "Content-Type: multipart/mixed; boundary=%q\r\n", mw.Boundary())
	buf.WriteString("\r\n")

	if err := writeBodyPart(mw, m.Email); err != nil {
		return nil, err
	}
	if m.IncludeAttachments {
		if err := writeAttachments(mw, m.Email.Attachments); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// writeBodyPart writes the text/html bodies as a multipart/alternative
// part, or a single part when only one body exists.
func writeBodyPart(mw *multipart.Writer, email *domain.StructuredEmail) error {
	if email.TextBody != "" && email.HTMLBody != "" {
		alt := multipart.NewWriter(io.Discard) // boundary source only
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type": {fmt.Sprintf("multipart/alternative; boundary=%q", alt.Boundary())},
		})
		if err != nil {
			return err
		}
		inner := multipart.NewWriter(part)
		if err := inner.SetBoundary(alt.Boundary()); err != nil {
			return err
		}
		if err := writeTextPart(inner, "text/plain", email.TextBody); err != nil {
			return err
		}
		if err := writeTextPart(inner, "text/html", email.HTMLBody); err != nil {
			return err
		}
		return inner.Close()
	}
	if email.HTMLBody != "" {
		return writeTextPart(mw, "text/html", email.HTMLBody)
	}
	return writeTextPart(mw, "text/plain", email.TextBody)
}

func writeTextPart(mw *multipart.Writer, contentType, body string) error {
	part, err := mw.CreatePart(textproto.MIMEHeader{
		"Content-Type": {contentType + "; charset=utf-8"},
	})
	if err != nil {
		return err
	}
	_, err = part.Write([]byte(body))
	return err
}

// writeAttachments re-encodes parser-inlined attachments. Entries whose
// content lives only in object storage are skipped; receivers use the
// download URL instead.
func writeAttachments(mw *multipart.Writer, attachments []domain.Attachment) error {
	for _, a := range attachments {
		if a.ContentBase64 == "" {
			continue
		}
		name := a.Filename
		if name == "" {
			name = "attachment"
		}
		contentType := a.ContentType
		if contentType == "" {
			contentType = "application/octet-stream"
		}
		part, err := mw.CreatePart(textproto.MIMEHeader{
			"Content-Type":              {fmt.Sprintf("%s; name=%q", contentType, name)},
			"Content-Disposition":       {fmt.Sprintf("attachment; filename=%q", name)},
			"Content-Transfer-Encoding": {"base64"},
		})
		if err != nil {
			return err
		}
		// Re-wrap at 76 columns regardless of how the parser stored it.
		decoded, err := base64.StdEncoding.DecodeString(a.ContentBase64)
		if err != nil {
			// Not valid base64 after all; pass through as-is.
			if _, err := part.Write([]byte(a.ContentBase64)); err != nil {
				return err
			}
			continue
		}
		encoded := base64.StdEncoding.EncodeToString(decoded)
		for len(encoded) > 0 {
			n := 76
			if n > len(encoded) {
				n = len(encoded)
			}
			if _, err := part.Write([]byte(encoded[:n] + "\r\n")); err != nil {
				return err
			}
			encoded = encoded[n:]
		}
	}
	return nil
}
