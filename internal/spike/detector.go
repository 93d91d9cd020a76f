// Package spike watches per-user sending volume for sudden surges
// against a rolling weekly baseline and alerts operators, with a
// per-process cooldown so a sustained surge produces one alert per
// window, not a stream.
package spike

import (
	"context"
	"sync"
	"time"

	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/repository/postgres"
)

const (
	historicalDays           = 7
	spikeThresholdMultiplier = 3
	minHistoricalEmails      = 5
	minCurrentEmailsForAlert = 10
	alertCooldown            = 4 * time.Hour
)

// SendCounter counts a user's sent mail in a window.
type SendCounter interface {
	CountSentBetween(ctx context.Context, userID string, from, to time.Time) (int, error)
}

// ContactSource resolves user contact details for alert payloads.
type ContactSource interface {
	GetUserContact(ctx context.Context, userID string) (*postgres.UserContact, error)
}

// Notifier delivers a spike alert to the operator channel.
type Notifier interface {
	NotifySpike(ctx context.Context, alert *Alert) error
}

// Alert is the payload handed to the notifier.
type Alert struct {
	UserID       string    `json:"userId"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	CurrentCount int       `json:"currentCount"`
	DailyAverage float64   `json:"dailyAverage"`
	Multiplier   float64   `json:"multiplier"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// Result is one spike check's outcome.
type Result struct {
	IsSpike      bool
	Reason       string
	CurrentCount int
	DailyAverage float64
	Multiplier   float64
}

// Detector computes the rolling baseline comparison. The cooldown map is
// deliberately per-process; operators running several nodes accept
// per-node cooldown.
type Detector struct {
	sent     SendCounter
	users    ContactSource
	notifier Notifier
	now      func() time.Time

	mu          sync.Mutex
	lastAlertAt map[string]time.Time
}

func NewDetector(sent SendCounter, users ContactSource, notifier Notifier) *Detector {
	return &Detector{
		sent:        sent,
		users:       users,
		notifier:    notifier,
		now:         time.Now,
		lastAlertAt: make(map[string]time.Time),
	}
}

// CheckSendingSpike compares the user's last 24 hours against their
// daily average over the preceding week and alerts when volume at least
// triples. All failures read as "no spike"; detection never blocks mail
// flow.
func (d *Detector) CheckSendingSpike(ctx context.Context, userID string) Result {
	now := d.now()

	if d.inCooldown(userID, now) {
		return Result{Reason: "cooldown"}
	}

	current, err := d.sent.CountSentBetween(ctx, userID, now.Add(-24*time.Hour), now)
	if err != nil {
		logger.Warn("spike check: current count failed", "userId", userID, "error", err.Error())
		return Result{Reason: "count unavailable"}
	}
	if current < minCurrentEmailsForAlert {
		return Result{Reason: "below minimum volume", CurrentCount: current}
	}

	historical, err := d.sent.CountSentBetween(ctx, userID,
		now.Add(-(historicalDays+1)*24*time.Hour), now.Add(-24*time.Hour))
	if err != nil {
		logger.Warn("spike check: historical count failed", "userId", userID, "error", err.Error())
		return Result{Reason: "count unavailable", CurrentCount: current}
	}

	dailyAverage := float64(historical) / historicalDays
	if float64(historical) < minHistoricalEmails {
		return Result{Reason: "insufficient baseline", CurrentCount: current, DailyAverage: dailyAverage}
	}

	multiplier := float64(current) / dailyAverage
	result := Result{
		CurrentCount: current,
		DailyAverage: dailyAverage,
		Multiplier:   multiplier,
	}
	if multiplier < spikeThresholdMultiplier {
		result.Reason = "within baseline"
		return result
	}

	result.IsSpike = true
	d.alert(ctx, userID, &Alert{
		UserID:       userID,
		CurrentCount: current,
		DailyAverage: dailyAverage,
		Multiplier:   multiplier,
		DetectedAt:   now,
	})
	d.recordAlert(userID, now)
	return result
}

func (d *Detector) alert(ctx context.Context, userID string, alert *Alert) {
	if contact, err := d.users.GetUserContact(ctx, userID); err == nil {
		alert.Email = contact.Email
		alert.Name = contact.Name
	}
	if d.notifier == nil {
		return
	}
	if err := d.notifier.NotifySpike(ctx, alert); err != nil {
		logger.Warn("spike alert delivery failed", "userId", userID, "error", err.Error())
	}
}

// inCooldown also opportunistically evicts entries older than twice the
// cooldown so the map stays bounded by recently active users.
func (d *Detector) inCooldown(userID string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	for id, at := range d.lastAlertAt {
		if now.Sub(at) > 2*alertCooldown {
			delete(d.lastAlertAt, id)
		}
	}

	at, ok := d.lastAlertAt[userID]
	return ok && now.Sub(at) < alertCooldown
}

func (d *Detector) recordAlert(userID string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastAlertAt[userID] = now
}
