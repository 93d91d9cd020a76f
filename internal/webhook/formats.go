package webhook

import (
	"encoding/json"
	"fmt"

	"github.com/ignite/inbound-router/internal/domain"
)

// discordMessage is the Discord webhook-message schema.
type discordMessage struct {
	Username string         `json:"username"`
	Embeds   []discordEmbed `json:"embeds"`
}

type discordEmbed struct {
	Title       string         `json:"title"`
	Description string         `json:"description,omitempty"`
	Color       int            `json:"color"`
	Timestamp   string         `json:"timestamp"`
	Fields      []discordField `json:"fields"`
}

type discordField struct {
	Name   string `json:"name"`
	Value  string `json:"value"`
	Inline bool   `json:"inline"`
}

// slackMessage is the Slack incoming-webhook schema with block kit layout.
type slackMessage struct {
	Text   string       `json:"text"`
	Blocks []slackBlock `json:"blocks"`
}

type slackBlock struct {
	Type   string      `json:"type"`
	Text   *slackText  `json:"text,omitempty"`
	Fields []slackText `json:"fields,omitempty"`
}

type slackText struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// Format transforms the canonical envelope into the endpoint's configured
// wire shape. The inbound format is passed through untouched.
func Format(p *Payload, format domain.WebhookFormat) (interface{}, error) {
	switch format {
	case domain.FormatDiscord:
		return toDiscord(p), nil
	case domain.FormatSlack:
		return toSlack(p), nil
	case domain.FormatInbound, "":
		return p, nil
	default:
		return nil, fmt.Errorf("unknown webhook format %q", format)
	}
}

// FormatBytes serializes the formatted envelope. Discord and Slack
// payloads are small enough that the size governor never applies.
func FormatBytes(p *Payload, format domain.WebhookFormat) ([]byte, error) {
	v, err := Format(p, format)
	if err != nil {
		return nil, err
	}
	return json.Marshal(v)
}

func toDiscord(p *Payload) *discordMessage {
	return &discordMessage{
		Username: "Inbound Email",
		Embeds: []discordEmbed{{
			Title:       truncate(p.Email.Subject, 256),
			Description: truncate(p.Email.ParsedData.TextBody, 2000),
			Color:       0x5865F2,
			Timestamp:   p.Timestamp,
			Fields: []discordField{
				{Name: "From", Value: addressText(p.Email.From), Inline: true},
				{Name: "To", Value: p.Email.Recipient, Inline: true},
			},
		}},
	}
}

func toSlack(p *Payload) *slackMessage {
	return &slackMessage{
		Text: fmt.Sprintf("New email: %s", p.Email.Subject),
		Blocks: []slackBlock{
			{
				Type: "header",
				Text: &slackText{Type: "plain_text", Text: truncate(p.Email.Subject, 150)},
			},
			{
				Type: "section",
				Fields: []slackText{
					{Type: "mrkdwn", Text: "*From:*\n" + addressText(p.Email.From)},
					{Type: "mrkdwn", Text: "*To:*\n" + p.Email.Recipient},
				},
			},
			{
				Type: "section",
				Text: &slackText{Type: "mrkdwn", Text: truncate(p.Email.ParsedData.TextBody, 3000)},
			},
		},
	}
}

func addressText(a *domain.AddressData) string {
	if a == nil {
		return "(unknown)"
	}
	if a.Text != "" {
		return a.Text
	}
	if addr := a.FirstAddress(); addr != "" {
		return addr
	}
	return "(unknown)"
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max]
}
