package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/ignite/inbound-router/internal/domain"
)

// GuardRepo provides access to the guard_rules table.
type GuardRepo struct{ db *sql.DB }

// ListActiveForUser returns the user's active rules ordered by priority,
// highest first. The evaluator walks these in order and stops on the
// first match.
func (r *GuardRepo) ListActiveForUser(ctx context.Context, userID string) ([]domain.GuardRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, user_id, name, type, is_active, priority, config, actions,
		       trigger_count, last_triggered_at
		FROM guard_rules
		WHERE user_id = $1 AND is_active = true
		ORDER BY priority DESC, created_at ASC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("list guard rules: %w", err)
	}
	defer rows.Close()

	var out []domain.GuardRule
	for rows.Next() {
		var (
			rule            domain.GuardRule
			config, actions []byte
			lastTriggered   sql.NullTime
		)
		if err := rows.Scan(
			&rule.ID, &rule.UserID, &rule.Name, &rule.Type, &rule.IsActive,
			&rule.Priority, &config, &actions, &rule.TriggerCount, &lastTriggered,
		); err != nil {
			return nil, fmt.Errorf("scan guard rule: %w", err)
		}
		rule.Config = config
		rule.Actions = actions
		if lastTriggered.Valid {
			rule.LastTriggeredAt = &lastTriggered.Time
		}
		out = append(out, rule)
	}
	return out, rows.Err()
}

// RecordTrigger increments a rule's trigger counter and stamps the time.
func (r *GuardRepo) RecordTrigger(ctx context.Context, ruleID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE guard_rules
		SET trigger_count = trigger_count + 1, last_triggered_at = NOW()
		WHERE id = $1
	`, ruleID)
	if err != nil {
		return fmt.Errorf("record rule trigger: %w", err)
	}
	return nil
}
