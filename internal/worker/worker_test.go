package worker

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "github.com/ignite/inbound-router/internal/config"
	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/repository/postgres"
	"github.com/ignite/inbound-router/internal/spike"
	"github.com/ignite/inbound-router/internal/webhook"
)

func TestPool_RunsSubmittedTasks(t *testing.T) {
	pool := NewPool(appconfig.PoolConfig{Workers: 4, QueueSize: 16, DrainDeadline: time.Second})
	pool.Start(context.Background())

	var ran atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		ok := pool.Submit(func(ctx context.Context) {
			defer wg.Done()
			ran.Add(1)
		})
		require.True(t, ok)
	}
	wg.Wait()
	pool.Stop()
	assert.Equal(t, int64(10), ran.Load())
}

func TestPool_ShedsWhenFull(t *testing.T) {
	pool := NewPool(appconfig.PoolConfig{Workers: 1, QueueSize: 1, DrainDeadline: time.Second})
	// Not started: nothing drains the queue, so the second submit sheds.
	require.True(t, pool.Submit(func(ctx context.Context) {}))
	assert.False(t, pool.Submit(func(ctx context.Context) {}))
}

func TestPool_SurvivesPanickingTask(t *testing.T) {
	pool := NewPool(appconfig.PoolConfig{Workers: 1, QueueSize: 4, DrainDeadline: time.Second})
	pool.Start(context.Background())

	var ran atomic.Int64
	require.True(t, pool.Submit(func(ctx context.Context) {
		panic("boom")
	}))
	require.True(t, pool.Submit(func(ctx context.Context) {
		ran.Add(1)
	}))

	pool.Stop()
	assert.Equal(t, int64(1), ran.Load(), "worker should keep running after a task panics")
}

func TestPool_StopDrains(t *testing.T) {
	pool := NewPool(appconfig.PoolConfig{Workers: 2, QueueSize: 8, DrainDeadline: 2 * time.Second})
	pool.Start(context.Background())

	var ran atomic.Int64
	for i := 0; i < 6; i++ {
		pool.Submit(func(ctx context.Context) {
			time.Sleep(10 * time.Millisecond)
			ran.Add(1)
		})
	}
	pool.Stop()
	assert.Equal(t, int64(6), ran.Load())
}

type stubFailedStore struct {
	candidates []postgres.FailedRetryCandidate
	claimed    map[string]bool
	unclaimed  []string
	denyClaim  bool
}

func (s *stubFailedStore) ListFailedForRetry(ctx context.Context, minAge time.Duration, limit int) ([]postgres.FailedRetryCandidate, error) {
	return s.candidates, nil
}

func (s *stubFailedStore) MarkRetrying(ctx context.Context, id string) (bool, error) {
	if s.denyClaim {
		return false, nil
	}
	if s.claimed == nil {
		s.claimed = map[string]bool{}
	}
	s.claimed[id] = true
	return true, nil
}

func (s *stubFailedStore) UpdateStatus(ctx context.Context, id string, status domain.DeliveryStatus, response interface{}) error {
	s.unclaimed = append(s.unclaimed, id)
	return nil
}

type stubEmailLoader struct {
	email *domain.StructuredEmail
	err   error
}

func (s *stubEmailLoader) GetByIDOrEmailID(ctx context.Context, id string) (*domain.StructuredEmail, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.email, nil
}

type stubEndpointLoader struct{ endpoint *domain.Endpoint }

func (s *stubEndpointLoader) GetByID(ctx context.Context, id string) (*domain.Endpoint, error) {
	return s.endpoint, nil
}

type stubRedeliverer struct {
	deliveryIDs []string
	result      *webhook.Result
}

func (s *stubRedeliverer) Redeliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint, deliveryID string) (*webhook.Result, error) {
	s.deliveryIDs = append(s.deliveryIDs, deliveryID)
	return s.result, nil
}

type stubLock struct {
	held     bool
	releases int
}

func (s *stubLock) Acquire(ctx context.Context) (bool, error) { return !s.held, nil }
func (s *stubLock) Release(ctx context.Context) error         { s.releases++; return nil }

func sweeperFixture() (*stubFailedStore, *stubRedeliverer, *RetrySweeper, *stubLock) {
	cfg, _ := json.Marshal(domain.WebhookConfig{URL: "https://hooks.example.com/in", RetryAttempts: 3})
	store := &stubFailedStore{candidates: []postgres.FailedRetryCandidate{
		{DeliveryID: "del-1", EmailID: "em-1", EndpointID: "ep-1", Attempts: 1},
		{DeliveryID: "del-2", EmailID: "em-2", EndpointID: "ep-1", Attempts: 2},
	}}
	redeliverer := &stubRedeliverer{result: &webhook.Result{Success: true, StatusCode: 200}}
	lock := &stubLock{}
	sweeper := NewRetrySweeper(
		store,
		&stubEmailLoader{email: &domain.StructuredEmail{ID: "em-1", ParseSuccess: true}},
		&stubEndpointLoader{endpoint: &domain.Endpoint{
			ID: "ep-1", UserID: "u1", Type: domain.EndpointWebhook, IsActive: true, Config: cfg,
		}},
		redeliverer,
		lock,
		time.Minute,
		50,
	)
	return store, redeliverer, sweeper, lock
}

func TestSweep_RedrivesClaimedDeliveries(t *testing.T) {
	store, redeliverer, sweeper, lock := sweeperFixture()

	sweeper.Sweep(context.Background())

	assert.Equal(t, []string{"del-1", "del-2"}, redeliverer.deliveryIDs)
	assert.True(t, store.claimed["del-1"])
	assert.Equal(t, 1, lock.releases)
}

func TestSweep_SkipsUnclaimedDeliveries(t *testing.T) {
	store, redeliverer, sweeper, _ := sweeperFixture()
	store.denyClaim = true

	sweeper.Sweep(context.Background())
	assert.Empty(t, redeliverer.deliveryIDs)
}

func TestSweep_UnclaimsWhenEmailLoadFails(t *testing.T) {
	store := &stubFailedStore{candidates: []postgres.FailedRetryCandidate{
		{DeliveryID: "del-1", EmailID: "em-gone", EndpointID: "ep-1", Attempts: 1},
	}}
	redeliverer := &stubRedeliverer{result: &webhook.Result{Success: true}}
	sweeper := NewRetrySweeper(
		store,
		&stubEmailLoader{err: postgres.ErrNotFound},
		&stubEndpointLoader{endpoint: &domain.Endpoint{ID: "ep-1"}},
		redeliverer,
		nil,
		time.Minute,
		50,
	)

	sweeper.Sweep(context.Background())

	assert.Empty(t, redeliverer.deliveryIDs)
	assert.Equal(t, []string{"del-1"}, store.unclaimed, "claimed row should be flipped back to failed")
}

func TestSweep_SkipsWhenLockHeld(t *testing.T) {
	_, redeliverer, sweeper, lock := sweeperFixture()
	lock.held = true

	sweeper.Sweep(context.Background())
	assert.Empty(t, redeliverer.deliveryIDs)
	assert.Zero(t, lock.releases)
}

type stubSenders struct{ users []string }

func (s *stubSenders) UsersWithRecentSends(ctx context.Context, since time.Time) ([]string, error) {
	return s.users, nil
}

type stubChecker struct{ checked []string }

func (s *stubChecker) CheckSendingSpike(ctx context.Context, userID string) spike.Result {
	s.checked = append(s.checked, userID)
	return spike.Result{IsSpike: userID == "u2"}
}

func TestSpikeSweep_ChecksRecentSenders(t *testing.T) {
	checker := &stubChecker{}
	sweep := NewSpikeSweep(&stubSenders{users: []string{"u1", "u2", "u3"}}, checker, time.Hour)

	sweep.Sweep(context.Background())
	assert.Equal(t, []string{"u1", "u2", "u3"}, checker.checked)
}
