package webhook

import (
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbound-router/internal/domain"
)

const rawWithBase64 = "Content-Type: multipart/mixed; boundary=\"b1\"\r\n" +
	"\r\n" +
	"--b1\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see attachment\r\n" +
	"--b1\r\n" +
	"Content-Type: application/pdf; name=\"big.pdf\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"Content-Disposition: attachment; filename=\"big.pdf\"\r\n" +
	"\r\n" +
	"AAAA\r\nBBBB\r\nCCCC\r\n" +
	"--b1--\r\n"

func TestStripBase64Segments(t *testing.T) {
	out := stripBase64Segments(rawWithBase64)

	assert.Contains(t, out, strippedMarker)
	assert.NotContains(t, out, "AAAA")
	assert.NotContains(t, out, "BBBB")
	// Boundaries, part headers, and non-base64 bodies survive.
	assert.Contains(t, out, "--b1--")
	assert.Contains(t, out, `Content-Disposition: attachment; filename="big.pdf"`)
	assert.Contains(t, out, "see attachment")
	assert.Equal(t, 1, strings.Count(out, strippedMarker))
}

func TestGovern_UnderLimitUntouched(t *testing.T) {
	p := Compose(webhookEmail(), EndpointInfo{ID: "ep-1"}, "https://x", time.Now())
	body, stripped, err := Govern(p, 1_000_000)
	require.NoError(t, err)
	assert.Nil(t, stripped)
	assert.LessOrEqual(t, len(body), 1_000_000)
}

func TestGovern_StripsAttachmentBodies(t *testing.T) {
	email := webhookEmail()
	email.RawContent = strings.Replace(rawWithBase64, "AAAA",
		strings.Repeat("QUJDRA==", 300_000), 1) // ~2.4 MB of base64

	p := Compose(email, EndpointInfo{ID: "ep-1"}, "https://x", time.Now())
	body, stripped, err := Govern(p, 1_000_000)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(body), 1_000_000)
	assert.Equal(t, []string{"raw (attachment bodies removed)"}, stripped)

	var sent Payload
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Contains(t, sent.Email.ParsedData.Raw, strippedMarker)
	// Receivers still get download URLs for the stripped content.
	require.Len(t, sent.Email.ParsedData.Attachments, 1)
	assert.NotEmpty(t, sent.Email.ParsedData.Attachments[0].DownloadURL)
}

func TestGovern_StripsHeadersWhenStillTooLarge(t *testing.T) {
	email := webhookEmail()
	email.Headers = map[string]string{"X-Big": strings.Repeat("h", 5000)}
	email.RawContent = "plain, nothing to strip"

	p := Compose(email, EndpointInfo{ID: "ep-1"}, "https://x", time.Now())
	body, stripped, err := Govern(p, 4000)
	require.NoError(t, err)
	assert.Equal(t, []string{"raw (attachment bodies removed)", "headers"}, stripped)

	var sent Payload
	require.NoError(t, json.Unmarshal(body, &sent))
	assert.Empty(t, sent.Email.ParsedData.Headers)
	// Only parsedData loses its header map; the cleaned view keeps it.
	assert.Equal(t, email.Headers, sent.Email.CleanedContent.Headers)
}

func TestCompose_AttachmentNameFallback(t *testing.T) {
	email := webhookEmail()
	email.Attachments = []domain.Attachment{{ContentType: "image/png"}}
	p := Compose(email, EndpointInfo{}, "https://app.example.com", time.Now())
	require.Len(t, p.Email.ParsedData.Attachments, 1)
	assert.Equal(t,
		"https://app.example.com/attachments/em-1/attachment",
		p.Email.ParsedData.Attachments[0].DownloadURL)
}

func TestFormat_Variants(t *testing.T) {
	p := Compose(webhookEmail(), EndpointInfo{ID: "ep-1", Name: "hook", Type: "webhook"}, "", time.Now())

	v, err := Format(p, domain.FormatDiscord)
	require.NoError(t, err)
	msg, ok := v.(*discordMessage)
	require.True(t, ok)
	require.Len(t, msg.Embeds, 1)
	assert.Equal(t, "Hello", msg.Embeds[0].Title)

	v, err = Format(p, domain.FormatSlack)
	require.NoError(t, err)
	slack, ok := v.(*slackMessage)
	require.True(t, ok)
	assert.Contains(t, slack.Text, "Hello")

	v, err = Format(p, domain.FormatInbound)
	require.NoError(t, err)
	assert.Equal(t, p, v)
}
