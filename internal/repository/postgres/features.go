package postgres

import (
	"context"
	"database/sql"
	"fmt"
)

// FeatureRepo reads per-user feature allowances. The feature provider
// caches these; a lookup failure is treated as "not allowed" upstream.
type FeatureRepo struct{ db *sql.DB }

// IsAllowed reports whether the feature is enabled for the user.
func (r *FeatureRepo) IsAllowed(ctx context.Context, userID, featureID string) (bool, error) {
	var allowed bool
	err := r.db.QueryRowContext(ctx, `
		SELECT enabled FROM user_feature_flags WHERE user_id = $1 AND feature_id = $2
	`, userID, featureID).Scan(&allowed)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("feature lookup: %w", err)
	}
	return allowed, nil
}
