package worker

import (
	"context"
	"time"

	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/spike"
)

// RecentSenders lists users who sent mail in a window.
type RecentSenders interface {
	UsersWithRecentSends(ctx context.Context, since time.Time) ([]string, error)
}

// SpikeChecker runs the volume comparison for one user.
type SpikeChecker interface {
	CheckSendingSpike(ctx context.Context, userID string) spike.Result
}

// SpikeSweep periodically checks every recently active sender for a
// volume spike. The detector's own cooldown keeps repeat passes quiet.
type SpikeSweep struct {
	senders  RecentSenders
	detector SpikeChecker
	interval time.Duration
	now      func() time.Time
}

func NewSpikeSweep(senders RecentSenders, detector SpikeChecker, interval time.Duration) *SpikeSweep {
	if interval <= 0 {
		interval = time.Hour
	}
	return &SpikeSweep{senders: senders, detector: detector, interval: interval, now: time.Now}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *SpikeSweep) Start(ctx context.Context) {
	logger.Info("spike sweep started", "interval", s.interval.String())

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("spike sweep stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass over the last 24 hours of senders.
func (s *SpikeSweep) Sweep(ctx context.Context) {
	users, err := s.senders.UsersWithRecentSends(ctx, s.now().Add(-24*time.Hour))
	if err != nil {
		logger.Warn("spike sweep sender listing failed", "error", err.Error())
		return
	}

	spikes := 0
	for _, userID := range users {
		if ctx.Err() != nil {
			return
		}
		if s.detector.CheckSendingSpike(ctx, userID).IsSpike {
			spikes++
		}
	}
	if spikes > 0 {
		logger.Info("spike sweep completed", "users", len(users), "spikes", spikes)
	}
}
