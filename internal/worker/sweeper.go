package worker

import (
	"context"
	"time"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/repository/postgres"
	"github.com/ignite/inbound-router/internal/webhook"
)

// retryMinAge keeps the sweeper from re-driving deliveries that just
// failed; receivers get a quiet period before the next attempt.
const retryMinAge = 5 * time.Minute

// FailedDeliveryStore lists retryable failures and claims them.
type FailedDeliveryStore interface {
	ListFailedForRetry(ctx context.Context, minAge time.Duration, limit int) ([]postgres.FailedRetryCandidate, error)
	MarkRetrying(ctx context.Context, id string) (bool, error)
	UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, response interface{}) error
}

// EmailLoader fetches the email under redelivery.
type EmailLoader interface {
	GetByIDOrEmailID(ctx context.Context, id string) (*domain.StructuredEmail, error)
}

// EndpointLoader fetches the target endpoint.
type EndpointLoader interface {
	GetByID(ctx context.Context, id string) (*domain.Endpoint, error)
}

// Redeliverer re-runs a webhook POST against an already claimed
// delivery row.
type Redeliverer interface {
	Redeliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint, deliveryID string) (*webhook.Result, error)
}

// Locker serializes sweeps across nodes. A nil Locker means
// single-node deployment; the sweep runs unguarded.
type Locker interface {
	Acquire(ctx context.Context) (bool, error)
	Release(ctx context.Context) error
}

// RetrySweeper periodically re-drives failed webhook deliveries whose
// endpoints opted into retries. Claims go through the delivery row's
// failed→pending transition, so concurrent sweepers cannot double-send.
type RetrySweeper struct {
	deliveries FailedDeliveryStore
	emails     EmailLoader
	endpoints  EndpointLoader
	webhooks   Redeliverer
	lock       Locker
	interval   time.Duration
	batch      int
}

func NewRetrySweeper(
	deliveries FailedDeliveryStore,
	emails EmailLoader,
	endpoints EndpointLoader,
	webhooks Redeliverer,
	lock Locker,
	interval time.Duration,
	batch int,
) *RetrySweeper {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	if batch <= 0 {
		batch = 100
	}
	return &RetrySweeper{
		deliveries: deliveries,
		emails:     emails,
		endpoints:  endpoints,
		webhooks:   webhooks,
		lock:       lock,
		interval:   interval,
		batch:      batch,
	}
}

// Start runs the sweep loop until ctx is cancelled.
func (s *RetrySweeper) Start(ctx context.Context) {
	logger.Info("retry sweeper started", "interval", s.interval.String(), "batch", s.batch)

	s.Sweep(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.Info("retry sweeper stopping")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep runs one pass. Exported so operators can trigger it directly.
func (s *RetrySweeper) Sweep(ctx context.Context) {
	if s.lock != nil {
		ok, err := s.lock.Acquire(ctx)
		if err != nil {
			logger.Warn("sweep lock acquire failed", "error", err.Error())
			return
		}
		if !ok {
			logger.Debug("sweep lock held elsewhere, skipping pass")
			return
		}
		defer func() {
			if err := s.lock.Release(ctx); err != nil {
				logger.Warn("sweep lock release failed", "error", err.Error())
			}
		}()
	}

	candidates, err := s.deliveries.ListFailedForRetry(ctx, retryMinAge, s.batch)
	if err != nil {
		logger.Error("failed delivery listing failed", "error", err.Error())
		return
	}
	if len(candidates) == 0 {
		return
	}

	retried, succeeded := 0, 0
	for _, c := range candidates {
		if ctx.Err() != nil {
			return
		}
		if s.redrive(ctx, c) {
			succeeded++
		}
		retried++
	}
	logger.Info("retry sweep completed", "retried", retried, "succeeded", succeeded)
}

func (s *RetrySweeper) redrive(ctx context.Context, c postgres.FailedRetryCandidate) bool {
	claimed, err := s.deliveries.MarkRetrying(ctx, c.DeliveryID)
	if err != nil {
		logger.Warn("retry claim failed", "deliveryId", c.DeliveryID, "error", err.Error())
		return false
	}
	if !claimed {
		return false
	}

	email, err := s.emails.GetByIDOrEmailID(ctx, c.EmailID)
	if err != nil {
		logger.Warn("retry email load failed", "deliveryId", c.DeliveryID, "emailId", c.EmailID, "error", err.Error())
		s.unclaim(ctx, c.DeliveryID, err)
		return false
	}
	endpoint, err := s.endpoints.GetByID(ctx, c.EndpointID)
	if err != nil {
		logger.Warn("retry endpoint load failed", "deliveryId", c.DeliveryID, "endpointId", c.EndpointID, "error", err.Error())
		s.unclaim(ctx, c.DeliveryID, err)
		return false
	}

	res, err := s.webhooks.Redeliver(ctx, email, endpoint, c.DeliveryID)
	if err != nil {
		logger.Warn("retry redelivery failed", "deliveryId", c.DeliveryID, "error", err.Error())
		return false
	}
	return res.Success
}

// unclaim flips a claimed row back to failed so the next sweep sees it
// again. The attempt counter keeps its bump; a row that keeps failing to
// load still exhausts its retry budget.
func (s *RetrySweeper) unclaim(ctx context.Context, deliveryID string, cause error) {
	response := map[string]interface{}{"error": "retry aborted before send: " + cause.Error()}
	if err := s.deliveries.UpdateStatus(ctx, deliveryID, domain.DeliveryFailed, response); err != nil {
		logger.Warn("retry unclaim failed", "deliveryId", deliveryID, "error", err.Error())
	}
}
