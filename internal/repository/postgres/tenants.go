package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/ignite/inbound-router/internal/domain"
)

// TenantRepo resolves per-tenant SES sending identities and user contact
// details.
type TenantRepo struct{ db *sql.DB }

// IdentityForDomain resolves the tenant identity for a sending domain,
// walking up to the parent domain when the domain inherits. Returns
// ErrNotFound when the domain (and its parent) carries no tenant — the
// forwarder proceeds without identity metadata in that case.
func (r *TenantRepo) IdentityForDomain(ctx context.Context, dom string) (*domain.TenantIdentity, error) {
	dom = strings.ToLower(strings.TrimSpace(dom))

	for hop := 0; hop < 2; hop++ {
		row := r.db.QueryRowContext(ctx, `
			SELECT d.inherits_from_parent, d.parent_domain,
			       t.id, t.name, t.ses_identity_arn, t.configuration_set_name
			FROM email_domains d
			LEFT JOIN tenants t ON t.id = d.tenant_id
			WHERE d.domain = $1
			LIMIT 1
		`, dom)

		var (
			inherits               bool
			parent                 sql.NullString
			tenantID, tenantName   sql.NullString
			identityARN, configSet sql.NullString
		)
		err := row.Scan(&inherits, &parent, &tenantID, &tenantName, &identityARN, &configSet)
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, fmt.Errorf("resolve tenant for %s: %w", dom, err)
		}

		if tenantID.Valid {
			return &domain.TenantIdentity{
				TenantID:             tenantID.String,
				TenantName:           tenantName.String,
				SourceARN:            identityARN.String,
				ConfigurationSetName: configSet.String,
			}, nil
		}
		if inherits && parent.Valid && parent.String != "" {
			dom = parent.String
			continue
		}
		return nil, ErrNotFound
	}
	return nil, ErrNotFound
}

// UserContact is the minimal user record the spike notifier includes in
// alerts.
type UserContact struct {
	ID    string
	Email string
	Name  string
}

// GetUserContact fetches a user's contact fields.
func (r *TenantRepo) GetUserContact(ctx context.Context, userID string) (*UserContact, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, email, COALESCE(name, '') FROM users WHERE id = $1
	`, userID)
	var u UserContact
	err := row.Scan(&u.ID, &u.Email, &u.Name)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user contact: %w", err)
	}
	return &u, nil
}
