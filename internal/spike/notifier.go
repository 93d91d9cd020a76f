package spike

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/ignite/inbound-router/internal/pkg/httpretry"
)

// SlackNotifier posts spike alerts to a Slack incoming webhook. Alert
// delivery goes through the retrying client; a dropped alert is worth a
// few backoff attempts.
type SlackNotifier struct {
	webhookURL string
	client     httpretry.HTTPDoer
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		webhookURL: webhookURL,
		client:     httpretry.NewRetryClient(nil, 3),
	}
}

type slackPayload struct {
	Text string `json:"text"`
}

// NotifySpike posts the alert. A missing webhook URL is a silent no-op
// so deployments without Slack run clean.
func (n *SlackNotifier) NotifySpike(ctx context.Context, alert *Alert) error {
	if n.webhookURL == "" {
		return nil
	}

	text := fmt.Sprintf(
		":rotating_light: Sending spike detected\nUser: %s (%s)\nLast 24h: %d emails\nDaily average: %.1f\nMultiplier: %.1fx\nDetected: %s",
		alert.Name, alert.Email, alert.CurrentCount, alert.DailyAverage,
		alert.Multiplier, alert.DetectedAt.UTC().Format("2006-01-02 15:04 UTC"),
	)
	body, err := json.Marshal(slackPayload{Text: text})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.webhookURL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(body)), nil
	}

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("slack notify: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("slack notify: status %d", resp.StatusCode)
	}
	return nil
}
