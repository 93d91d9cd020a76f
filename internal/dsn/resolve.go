package dsn

import "strings"

// sesMessageIDDomain is the suffix SES appends to its generated
// message ids.
const sesMessageIDDomain = "us-east-2.amazonses.com"

// SourceMessageID picks the message-id that points back at the original
// sent message, preferring the DSN's own threading headers over the
// embedded original-message part.
func (r *Report) SourceMessageID() string {
	if r.InReplyTo != "" {
		return r.InReplyTo
	}
	if len(r.References) > 0 {
		return r.References[0]
	}
	return r.Original.MessageID
}

// BareMessageID strips angle brackets and any @-domain suffix, leaving
// the bare id SES reports through its API.
func BareMessageID(id string) string {
	id = normalizeMessageIDToken(id)
	if at := strings.Index(id, "@"); at >= 0 {
		id = id[:at]
	}
	return id
}

// ProbeVariants returns the message-id forms to match against
// sent_emails.message_id and sent_emails.ses_message_id: the bare id,
// the angle-bracketed form, and both with the SES domain suffix.
func ProbeVariants(bare string) []string {
	if bare == "" {
		return nil
	}
	return []string{
		bare,
		"<" + bare + ">",
		"<" + bare + "@" + sesMessageIDDomain + ">",
		bare + "@" + sesMessageIDDomain,
	}
}
