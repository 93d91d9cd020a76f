package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"

	"github.com/ignite/inbound-router/internal/domain"
)

func setupTestDB(t *testing.T) (*DeliveryRepo, sqlmock.Sqlmock, func()) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	return &DeliveryRepo{db: db}, mock, func() { db.Close() }
}

func TestDeliveryRepo_Insert(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO endpoint_deliveries").
		WithArgs("del-1", "em-1", "ep-1", "webhook", "pending", 0).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := repo.Insert(context.Background(), &domain.EndpointDelivery{
		ID:           "del-1",
		EmailID:      "em-1",
		EndpointID:   "ep-1",
		DeliveryType: domain.DeliveryWebhook,
		Status:       domain.DeliveryPending,
	})
	if err != nil {
		t.Errorf("Insert() error: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestDeliveryRepo_Insert_DuplicatePair(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("INSERT INTO endpoint_deliveries").
		WillReturnError(&pq.Error{Code: "23505", Constraint: "endpoint_deliveries_email_id_endpoint_id_key"})

	err := repo.Insert(context.Background(), &domain.EndpointDelivery{
		ID: "del-2", EmailID: "em-1", EndpointID: "ep-1",
		DeliveryType: domain.DeliveryWebhook, Status: domain.DeliveryPending,
	})
	if !errors.Is(err, ErrDuplicate) {
		t.Errorf("Insert() error = %v, want ErrDuplicate", err)
	}
}

func TestDeliveryRepo_Get_NotFound(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectQuery("SELECT (.+) FROM endpoint_deliveries").
		WithArgs("em-1", "ep-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := repo.Get(context.Background(), "em-1", "ep-1")
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Get() error = %v, want ErrNotFound", err)
	}
}

func TestDeliveryRepo_Get(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	now := time.Now()
	rows := sqlmock.NewRows([]string{
		"id", "email_id", "endpoint_id", "delivery_type", "status",
		"attempts", "last_attempt_at", "response_data", "created_at", "updated_at",
	}).AddRow("del-1", "em-1", "ep-1", "webhook", "success", 1, now, []byte(`{"statusCode":200}`), now, now)
	mock.ExpectQuery("SELECT (.+) FROM endpoint_deliveries").
		WithArgs("em-1", "ep-1").
		WillReturnRows(rows)

	d, err := repo.Get(context.Background(), "em-1", "ep-1")
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if d.Status != domain.DeliverySuccess {
		t.Errorf("Status = %q, want success", d.Status)
	}
	if d.LastAttempt == nil {
		t.Error("LastAttempt should be set")
	}
	if len(d.ResponseData) == 0 {
		t.Error("ResponseData should be populated")
	}
}

func TestDeliveryRepo_UpdateStatus_MissingRow(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE endpoint_deliveries").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := repo.UpdateStatus(context.Background(), "del-404", domain.DeliverySuccess, nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateStatus() error = %v, want ErrNotFound", err)
	}
}

func TestDeliveryRepo_MarkRetrying(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	mock.ExpectExec("UPDATE endpoint_deliveries").
		WithArgs("del-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	claimed, err := repo.MarkRetrying(context.Background(), "del-1")
	if err != nil {
		t.Fatalf("MarkRetrying() error: %v", err)
	}
	if !claimed {
		t.Error("MarkRetrying() should claim a failed row")
	}
}

func TestDeliveryRepo_MarkRetrying_AlreadyClaimed(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	// Another node flipped the row first; zero rows match status='failed'.
	mock.ExpectExec("UPDATE endpoint_deliveries").
		WithArgs("del-1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	claimed, err := repo.MarkRetrying(context.Background(), "del-1")
	if err != nil {
		t.Fatalf("MarkRetrying() error: %v", err)
	}
	if claimed {
		t.Error("MarkRetrying() should not claim a row that is no longer failed")
	}
}

func TestDeliveryRepo_ListFailedForRetry(t *testing.T) {
	repo, mock, cleanup := setupTestDB(t)
	defer cleanup()

	rows := sqlmock.NewRows([]string{"id", "email_id", "endpoint_id", "attempts", "response_data"}).
		AddRow("del-1", "em-1", "ep-1", 1, []byte(`{"statusCode":502}`)).
		AddRow("del-2", "em-2", "ep-1", 2, nil)
	mock.ExpectQuery("SELECT (.+) FROM endpoint_deliveries d").
		WithArgs(300, 100).
		WillReturnRows(rows)

	out, err := repo.ListFailedForRetry(context.Background(), 5*time.Minute, 100)
	if err != nil {
		t.Fatalf("ListFailedForRetry() error: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("got %d candidates, want 2", len(out))
	}
	if out[0].DeliveryID != "del-1" || out[1].Attempts != 2 {
		t.Errorf("unexpected candidates: %+v", out)
	}
}
