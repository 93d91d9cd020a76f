package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/inbound-router/internal/domain"
)

// RoutingRepo provides the address and domain lookups the pipeline's
// endpoint resolver walks: exact address first, then domain catch-all.
type RoutingRepo struct{ db *sql.DB }

// FindActiveAddress returns the active email_addresses row for the
// recipient, if any. Addresses are stored lowercased.
func (r *RoutingRepo) FindActiveAddress(ctx context.Context, userID, address string) (*domain.EmailAddress, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, address, user_id, domain_id, endpoint_id, webhook_id, is_active
		FROM email_addresses
		WHERE user_id = $1 AND address = $2 AND is_active = true
	`, userID, strings.ToLower(strings.TrimSpace(address)))

	var (
		a                     domain.EmailAddress
		endpointID, webhookID sql.NullString
	)
	err := row.Scan(&a.ID, &a.Address, &a.UserID, &a.DomainID, &endpointID, &webhookID, &a.IsActive)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find address: %w", err)
	}
	a.EndpointID = strPtr(endpointID)
	a.WebhookID = strPtr(webhookID)
	return &a, nil
}

// FindDomain returns the email_domains row for a receiving domain.
func (r *RoutingRepo) FindDomain(ctx context.Context, userID, dom string) (*domain.EmailDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, domain, user_id, status, can_receive_emails, is_catch_all_enabled,
		       catch_all_endpoint_id, catch_all_webhook_id, receive_dmarc_emails,
		       inherits_from_parent, parent_domain, tenant_id
		FROM email_domains
		WHERE user_id = $1 AND domain = $2
	`, userID, strings.ToLower(strings.TrimSpace(dom)))
	return scanDomain(row)
}

// FindDomainByName returns the email_domains row for a domain regardless
// of owner. The forwarder's tenant resolution starts here.
func (r *RoutingRepo) FindDomainByName(ctx context.Context, dom string) (*domain.EmailDomain, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, domain, user_id, status, can_receive_emails, is_catch_all_enabled,
		       catch_all_endpoint_id, catch_all_webhook_id, receive_dmarc_emails,
		       inherits_from_parent, parent_domain, tenant_id
		FROM email_domains
		WHERE domain = $1
		LIMIT 1
	`, strings.ToLower(strings.TrimSpace(dom)))
	return scanDomain(row)
}

func scanDomain(row interface{ Scan(...interface{}) error }) (*domain.EmailDomain, error) {
	var (
		d                                 domain.EmailDomain
		catchAllEndpoint, catchAllWebhook sql.NullString
		parentDomain, tenantID            sql.NullString
	)
	err := row.Scan(
		&d.ID, &d.Domain, &d.UserID, &d.Status, &d.CanReceiveEmails,
		&d.IsCatchAllEnabled, &catchAllEndpoint, &catchAllWebhook,
		&d.ReceiveDmarcEmails, &d.InheritsFromParent, &parentDomain, &tenantID,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan domain: %w", err)
	}
	d.CatchAllEndpointID = strPtr(catchAllEndpoint)
	d.CatchAllWebhookID = strPtr(catchAllWebhook)
	d.ParentDomain = strPtr(parentDomain)
	d.TenantID = strPtr(tenantID)
	return &d, nil
}

// FindEndpointForRecipient maps an arbitrary recipient address to its
// active endpoint, if one exists. Thread continuity uses this to follow
// the original conversation's endpoint.
func (r *RoutingRepo) FindEndpointForRecipient(ctx context.Context, userID, recipient string) (*domain.Endpoint, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT `+endpointPrefixedColumns(`e`)+`
		FROM email_addresses a
		JOIN endpoints e ON e.id = a.endpoint_id
		WHERE a.user_id = $1 AND a.address = $2 AND a.is_active = true AND e.is_active = true
	`, userID, strings.ToLower(strings.TrimSpace(recipient)))
	return scanEndpoint(row)
}

func endpointPrefixedColumns(alias string) string {
	cols := []string{"id", "user_id", "type", "name", "description", "is_active",
		"webhook_format", "config", "created_at", "updated_at"}
	for i, c := range cols {
		cols[i] = alias + "." + c
	}
	return strings.Join(cols, ", ")
}
