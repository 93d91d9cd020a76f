package guard

import (
	"context"
	"fmt"
	"strings"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/pkg/logger"
)

// RuleStore is the subset of the rules repository the engine needs.
type RuleStore interface {
	ListActiveForUser(ctx context.Context, userID string) ([]domain.GuardRule, error)
	RecordTrigger(ctx context.Context, ruleID string) error
}

// Engine evaluates a user's guard rules against an inbound email. The
// engine fails open: any load or parse problem yields an allow verdict,
// never a lost email.
type Engine struct {
	rules RuleStore
}

func NewEngine(rules RuleStore) *Engine {
	return &Engine{rules: rules}
}

// Evaluate walks the user's active rules in priority order and returns
// the verdict of the first matching rule. Rules with malformed configs
// are skipped; ai_prompt rules never match.
func (e *Engine) Evaluate(ctx context.Context, email *domain.StructuredEmail, userID string) domain.GuardVerdict {
	allow := domain.GuardVerdict{Action: domain.GuardAllow}

	rules, err := e.rules.ListActiveForUser(ctx, userID)
	if err != nil {
		logger.Error("guard: rule load failed, allowing email", "userId", userID, "error", err.Error())
		return allow
	}

	for i := range rules {
		rule := &rules[i]
		if rule.Type != domain.RuleExplicit {
			continue
		}
		cfg, err := rule.ExplicitConfig()
		if err != nil {
			logger.Warn("guard: skipping rule with malformed config", "ruleId", rule.ID)
			continue
		}
		if !matches(cfg, email) {
			continue
		}

		action, err := rule.ActionConfig()
		if err != nil {
			logger.Warn("guard: skipping rule with malformed actions", "ruleId", rule.ID)
			continue
		}

		if err := e.rules.RecordTrigger(ctx, rule.ID); err != nil {
			logger.Warn("guard: trigger record failed", "ruleId", rule.ID, "error", err.Error())
		}

		verdict := domain.GuardVerdict{
			Action:          action.Action,
			MatchedRule:     rule,
			MatchedRuleID:   rule.ID,
			MatchedRuleName: rule.Name,
			Reason:          fmt.Sprintf("matched rule %q", rule.Name),
		}
		switch action.Action {
		case domain.GuardRoute:
			if action.EndpointID == "" {
				logger.Warn("guard: route rule has no endpoint, allowing", "ruleId", rule.ID)
				verdict.Action = domain.GuardAllow
			} else {
				verdict.RouteToEndpointID = action.EndpointID
			}
		case domain.GuardAllow, domain.GuardBlock, domain.GuardFlag, domain.GuardLabel:
		default:
			logger.Warn("guard: unknown rule action, allowing", "ruleId", rule.ID, "action", string(action.Action))
			verdict.Action = domain.GuardAllow
		}
		return verdict
	}

	return allow
}

// matches applies a rule config to an email. Present sub-predicates are
// conjoined; a config with none present matches nothing.
func matches(cfg *domain.ExplicitRuleConfig, email *domain.StructuredEmail) bool {
	if cfg.Empty() {
		return false
	}
	if cfg.Subject != nil && !matchValues(cfg.Subject, func(v string) bool {
		return strings.Contains(strings.ToLower(email.Subject), strings.ToLower(v))
	}) {
		return false
	}
	if cfg.From != nil && !matchValues(cfg.From, func(v string) bool {
		return matchFrom(v, email.FromData.AllAddresses())
	}) {
		return false
	}
	if cfg.HasAttachment != nil && *cfg.HasAttachment != (len(email.Attachments) > 0) {
		return false
	}
	if cfg.HasWords != nil {
		body := strings.ToLower(email.TextBody + " " + email.HTMLBody)
		if !matchValues(cfg.HasWords, func(v string) bool {
			return strings.Contains(body, strings.ToLower(v))
		}) {
			return false
		}
	}
	return true
}

// matchValues applies pred across a value list under the configured
// operator. Missing operator means OR. An empty list matches nothing.
func matchValues(vm *domain.ValueMatch, pred func(string) bool) bool {
	if len(vm.Values) == 0 {
		return false
	}
	if vm.Operator == domain.OperatorAnd {
		for _, v := range vm.Values {
			if !pred(v) {
				return false
			}
		}
		return true
	}
	for _, v := range vm.Values {
		if pred(v) {
			return true
		}
	}
	return false
}

// matchFrom matches one from-pattern against the email's parsed sender
// addresses. "*@example.com" matches any local part on exactly that
// domain; subdomains do not match. Anything else is an exact address
// comparison.
func matchFrom(pattern string, addresses []string) bool {
	pattern = strings.ToLower(strings.TrimSpace(pattern))
	if pattern == "" {
		return false
	}
	if strings.HasPrefix(pattern, "*@") {
		suffix := pattern[1:] // "@example.com"
		for _, addr := range addresses {
			if strings.HasSuffix(addr, suffix) && strings.Count(addr, "@") == 1 {
				return true
			}
		}
		return false
	}
	for _, addr := range addresses {
		if addr == pattern {
			return true
		}
	}
	return false
}
