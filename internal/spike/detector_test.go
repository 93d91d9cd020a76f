package spike

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ignite/inbound-router/internal/repository/postgres"
)

type stubCounter struct {
	current    int
	historical int
}

func (s *stubCounter) CountSentBetween(ctx context.Context, userID string, from, to time.Time) (int, error) {
	// The current window spans exactly 24h; the baseline window is wider.
	if to.Sub(from) == 24*time.Hour {
		return s.current, nil
	}
	return s.historical, nil
}

type stubContacts struct{}

func (stubContacts) GetUserContact(ctx context.Context, userID string) (*postgres.UserContact, error) {
	return &postgres.UserContact{ID: userID, Email: "owner@acme.dev", Name: "Owner"}, nil
}

type captureNotifier struct{ alerts []*Alert }

func (c *captureNotifier) NotifySpike(ctx context.Context, alert *Alert) error {
	c.alerts = append(c.alerts, alert)
	return nil
}

func TestCheckSendingSpike_Detected(t *testing.T) {
	notifier := &captureNotifier{}
	// Baseline 70 over 7 days = 10/day; 35 in 24h = 3.5x.
	d := NewDetector(&stubCounter{current: 35, historical: 70}, stubContacts{}, notifier)

	res := d.CheckSendingSpike(context.Background(), "u1")
	assert.True(t, res.IsSpike)
	assert.Equal(t, 35, res.CurrentCount)
	assert.InDelta(t, 10.0, res.DailyAverage, 0.001)
	assert.InDelta(t, 3.5, res.Multiplier, 0.001)

	require.Len(t, notifier.alerts, 1)
	assert.Equal(t, "owner@acme.dev", notifier.alerts[0].Email)
	assert.Equal(t, 35, notifier.alerts[0].CurrentCount)
}

func TestCheckSendingSpike_Cooldown(t *testing.T) {
	notifier := &captureNotifier{}
	d := NewDetector(&stubCounter{current: 35, historical: 70}, stubContacts{}, notifier)

	res := d.CheckSendingSpike(context.Background(), "u1")
	require.True(t, res.IsSpike)

	res = d.CheckSendingSpike(context.Background(), "u1")
	assert.False(t, res.IsSpike)
	assert.Equal(t, "cooldown", res.Reason)
	assert.Len(t, notifier.alerts, 1)
}

func TestCheckSendingSpike_CooldownExpires(t *testing.T) {
	notifier := &captureNotifier{}
	d := NewDetector(&stubCounter{current: 35, historical: 70}, stubContacts{}, notifier)

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	require.True(t, d.CheckSendingSpike(context.Background(), "u1").IsSpike)

	now = now.Add(alertCooldown + time.Minute)
	assert.True(t, d.CheckSendingSpike(context.Background(), "u1").IsSpike)
	assert.Len(t, notifier.alerts, 2)
}

func TestCheckSendingSpike_EvictsStaleEntries(t *testing.T) {
	d := NewDetector(&stubCounter{current: 35, historical: 70}, stubContacts{}, &captureNotifier{})

	now := time.Date(2026, 8, 10, 12, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }
	d.CheckSendingSpike(context.Background(), "u1")
	require.Len(t, d.lastAlertAt, 1)

	now = now.Add(2*alertCooldown + time.Minute)
	d.CheckSendingSpike(context.Background(), "u2")
	d.mu.Lock()
	_, stale := d.lastAlertAt["u1"]
	d.mu.Unlock()
	assert.False(t, stale)
}

func TestCheckSendingSpike_BelowMinimumVolume(t *testing.T) {
	notifier := &captureNotifier{}
	d := NewDetector(&stubCounter{current: 9, historical: 70}, stubContacts{}, notifier)

	res := d.CheckSendingSpike(context.Background(), "u1")
	assert.False(t, res.IsSpike)
	assert.Equal(t, "below minimum volume", res.Reason)
	assert.Empty(t, notifier.alerts)
}

func TestCheckSendingSpike_InsufficientBaseline(t *testing.T) {
	d := NewDetector(&stubCounter{current: 50, historical: 4}, stubContacts{}, &captureNotifier{})

	res := d.CheckSendingSpike(context.Background(), "u1")
	assert.False(t, res.IsSpike)
	assert.Equal(t, "insufficient baseline", res.Reason)
}

func TestCheckSendingSpike_WithinBaseline(t *testing.T) {
	// 70/7 = 10/day; 25 current = 2.5x, below threshold.
	d := NewDetector(&stubCounter{current: 25, historical: 70}, stubContacts{}, &captureNotifier{})

	res := d.CheckSendingSpike(context.Background(), "u1")
	assert.False(t, res.IsSpike)
	assert.Equal(t, "within baseline", res.Reason)
}

func TestSlackNotifier(t *testing.T) {
	var got slackPayloadCapture
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got.hits++
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	n := NewSlackNotifier(srv.URL)
	err := n.NotifySpike(context.Background(), &Alert{
		UserID: "u1", Email: "owner@acme.dev", Name: "Owner",
		CurrentCount: 35, DailyAverage: 10, Multiplier: 3.5,
		DetectedAt: time.Now(),
	})
	require.NoError(t, err)
	assert.Equal(t, 1, got.hits)
}

func TestSlackNotifier_NoURL(t *testing.T) {
	n := NewSlackNotifier("")
	assert.NoError(t, n.NotifySpike(context.Background(), &Alert{}))
}

type slackPayloadCapture struct{ hits int }
