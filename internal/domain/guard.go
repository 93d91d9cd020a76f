package domain

import (
	"encoding/json"
	"time"
)

// GuardRuleType discriminates the rule config union. Only explicit rules
// are evaluated; ai_prompt rules never match.
type GuardRuleType string

const (
	RuleExplicit GuardRuleType = "explicit"
	RuleAIPrompt GuardRuleType = "ai_prompt"
)

// MatchOperator combines multiple values within one rule predicate.
type MatchOperator string

const (
	OperatorOr  MatchOperator = "OR"
	OperatorAnd MatchOperator = "AND"
)

// ValueMatch is a list of values combined with OR or AND semantics.
type ValueMatch struct {
	Values   []string      `json:"values"`
	Operator MatchOperator `json:"operator,omitempty"`
}

// ExplicitRuleConfig is the config variant for type=explicit rules. Every
// present sub-predicate must match (conjunction); a config with no
// sub-predicates matches nothing.
type ExplicitRuleConfig struct {
	Subject       *ValueMatch `json:"subject,omitempty"`
	From          *ValueMatch `json:"from,omitempty"`
	HasAttachment *bool       `json:"hasAttachment,omitempty"`
	HasWords      *ValueMatch `json:"hasWords,omitempty"`
}

// Empty reports whether no sub-predicate is present.
func (c *ExplicitRuleConfig) Empty() bool {
	return c.Subject == nil && c.From == nil && c.HasAttachment == nil && c.HasWords == nil
}

// RuleActionConfig is what a matching rule does with the email.
type RuleActionConfig struct {
	Action     GuardAction `json:"action"`
	EndpointID string      `json:"endpointId,omitempty"` // required when action=route
}

// GuardRule is one user-defined policy rule. Higher priority evaluates
// earlier; the first match wins.
type GuardRule struct {
	ID              string          `json:"id" db:"id"`
	UserID          string          `json:"userId" db:"user_id"`
	Name            string          `json:"name" db:"name"`
	Type            GuardRuleType   `json:"type" db:"type"`
	IsActive        bool            `json:"isActive" db:"is_active"`
	Priority        int             `json:"priority" db:"priority"`
	Config          json.RawMessage `json:"config" db:"config"`
	Actions         json.RawMessage `json:"actions" db:"actions"`
	TriggerCount    int             `json:"triggerCount" db:"trigger_count"`
	LastTriggeredAt *time.Time      `json:"lastTriggeredAt" db:"last_triggered_at"`
}

// ExplicitConfig parses the config blob. Malformed configs return an error
// so the evaluator can skip the rule.
func (r *GuardRule) ExplicitConfig() (*ExplicitRuleConfig, error) {
	var cfg ExplicitRuleConfig
	if err := json.Unmarshal(r.Config, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// ActionConfig parses the actions blob.
func (r *GuardRule) ActionConfig() (*RuleActionConfig, error) {
	var a RuleActionConfig
	if err := json.Unmarshal(r.Actions, &a); err != nil {
		return nil, err
	}
	return &a, nil
}

// GuardVerdict is the engine's decision for one email.
type GuardVerdict struct {
	Action            GuardAction `json:"action"`
	MatchedRule       *GuardRule  `json:"-"`
	MatchedRuleID     string      `json:"matchedRuleId,omitempty"`
	MatchedRuleName   string      `json:"matchedRuleName,omitempty"`
	Reason            string      `json:"reason,omitempty"`
	RouteToEndpointID string      `json:"routeToEndpointId,omitempty"`
}
