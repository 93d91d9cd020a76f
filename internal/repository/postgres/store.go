// Package postgres implements typed persistence for the inbound router
// against PostgreSQL.
//
// Conventions:
//   - nanoid string primary keys (generated by callers or internal/pkg/ids)
//   - dynamic JSON columns (address data, headers, attachments, configs)
//     are stored as jsonb and parsed at this boundary
//   - unique-constraint violations surface as ErrDuplicate so callers can
//     treat the database as the idempotency lock
package postgres

import (
	"database/sql"
	"encoding/json"
	"errors"

	"github.com/lib/pq"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("postgres: row not found")

	// ErrDuplicate is returned when an insert hits a unique constraint.
	// For endpoint_deliveries this is the idempotency signal: another
	// worker already owns the delivery.
	ErrDuplicate = errors.New("postgres: duplicate row")
)

// uniqueViolation is the PostgreSQL SQLSTATE for unique_violation.
const uniqueViolation = "23505"

// IsUniqueViolation reports whether err is a PostgreSQL unique-constraint
// violation.
func IsUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code) == uniqueViolation
	}
	return false
}

// mapInsertErr converts driver-level unique violations to ErrDuplicate.
func mapInsertErr(err error) error {
	if err == nil {
		return nil
	}
	if IsUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// Store aggregates all repositories over one database handle.
type Store struct {
	DB         *sql.DB
	Emails     *EmailRepo
	SentEmails *SentEmailRepo
	Threads    *ThreadRepo
	Endpoints  *EndpointRepo
	Webhooks   *LegacyWebhookRepo
	Deliveries *DeliveryRepo
	Routing    *RoutingRepo
	Guard      *GuardRepo
	Blocklist  *BlocklistRepo
	Events     *EventRepo
	Tenants    *TenantRepo
	Features   *FeatureRepo
}

// NewStore creates a Store with all repositories bound to db.
func NewStore(db *sql.DB) *Store {
	return &Store{
		DB:         db,
		Emails:     &EmailRepo{db: db},
		SentEmails: &SentEmailRepo{db: db},
		Threads:    &ThreadRepo{db: db},
		Endpoints:  &EndpointRepo{db: db},
		Webhooks:   &LegacyWebhookRepo{db: db},
		Deliveries: &DeliveryRepo{db: db},
		Routing:    &RoutingRepo{db: db},
		Guard:      &GuardRepo{db: db},
		Blocklist:  &BlocklistRepo{db: db},
		Events:     &EventRepo{db: db},
		Tenants:    &TenantRepo{db: db},
		Features:   &FeatureRepo{db: db},
	}
}

// nullString converts an empty string to a SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// strPtr converts a nullable column to *string.
func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// marshalJSON serializes v for a jsonb column, mapping nil to SQL NULL.
func marshalJSON(v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// unmarshalJSON deserializes a nullable jsonb column into dst.
func unmarshalJSON(raw []byte, dst interface{}) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dst)
}
