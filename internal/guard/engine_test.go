package guard

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/ignite/inbound-router/internal/domain"
)

type stubRuleStore struct {
	rules     []domain.GuardRule
	listErr   error
	triggered []string
}

func (s *stubRuleStore) ListActiveForUser(ctx context.Context, userID string) ([]domain.GuardRule, error) {
	return s.rules, s.listErr
}

func (s *stubRuleStore) RecordTrigger(ctx context.Context, ruleID string) error {
	s.triggered = append(s.triggered, ruleID)
	return nil
}

func makeRule(id string, priority int, config, actions string) domain.GuardRule {
	return domain.GuardRule{
		ID:       id,
		UserID:   "u1",
		Name:     "rule-" + id,
		Type:     domain.RuleExplicit,
		IsActive: true,
		Priority: priority,
		Config:   json.RawMessage(config),
		Actions:  json.RawMessage(actions),
	}
}

func testEmail() *domain.StructuredEmail {
	return &domain.StructuredEmail{
		Subject: "Invoice #42 overdue",
		FromData: &domain.AddressData{Addresses: []domain.EmailAddressPart{
			{Address: "billing@acme.com"},
		}},
		TextBody: "please pay the outstanding balance",
		HTMLBody: "<p>urgent notice</p>",
	}
}

func TestEvaluate_FirstMatchWins(t *testing.T) {
	store := &stubRuleStore{rules: []domain.GuardRule{
		makeRule("r1", 10, `{"subject":{"values":["invoice"]}}`, `{"action":"block"}`),
		makeRule("r2", 5, `{"subject":{"values":["invoice"]}}`, `{"action":"flag"}`),
	}}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardBlock, v.Action)
	assert.Equal(t, "r1", v.MatchedRuleID)
	assert.Equal(t, []string{"r1"}, store.triggered)
}

func TestEvaluate_NoMatchAllows(t *testing.T) {
	store := &stubRuleStore{rules: []domain.GuardRule{
		makeRule("r1", 10, `{"subject":{"values":["refund"]}}`, `{"action":"block"}`),
	}}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardAllow, v.Action)
	assert.Empty(t, v.MatchedRuleID)
	assert.Empty(t, store.triggered)
}

func TestEvaluate_LoadErrorFailsOpen(t *testing.T) {
	store := &stubRuleStore{listErr: errors.New("db down")}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardAllow, v.Action)
}

func TestEvaluate_MalformedConfigSkipped(t *testing.T) {
	store := &stubRuleStore{rules: []domain.GuardRule{
		makeRule("bad", 10, `{not json`, `{"action":"block"}`),
		makeRule("good", 5, `{"subject":{"values":["invoice"]}}`, `{"action":"flag"}`),
	}}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardFlag, v.Action)
	assert.Equal(t, "good", v.MatchedRuleID)
}

func TestEvaluate_AIPromptNeverMatches(t *testing.T) {
	rule := makeRule("ai", 10, `{"prompt":"block anything suspicious"}`, `{"action":"block"}`)
	rule.Type = domain.RuleAIPrompt
	store := &stubRuleStore{rules: []domain.GuardRule{rule}}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardAllow, v.Action)
}

func TestEvaluate_RouteWithoutEndpointDowngrades(t *testing.T) {
	store := &stubRuleStore{rules: []domain.GuardRule{
		makeRule("r1", 10, `{"subject":{"values":["invoice"]}}`, `{"action":"route"}`),
	}}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardAllow, v.Action)
	assert.Empty(t, v.RouteToEndpointID)
}

func TestEvaluate_RouteCarriesEndpoint(t *testing.T) {
	store := &stubRuleStore{rules: []domain.GuardRule{
		makeRule("r1", 10, `{"subject":{"values":["invoice"]}}`, `{"action":"route","endpointId":"ep-9"}`),
	}}
	v := NewEngine(store).Evaluate(context.Background(), testEmail(), "u1")
	assert.Equal(t, domain.GuardRoute, v.Action)
	assert.Equal(t, "ep-9", v.RouteToEndpointID)
}

func TestMatches_Conjunction(t *testing.T) {
	email := testEmail()
	hasAtt := false
	cfg := &domain.ExplicitRuleConfig{
		Subject:       &domain.ValueMatch{Values: []string{"invoice"}},
		From:          &domain.ValueMatch{Values: []string{"billing@acme.com"}},
		HasAttachment: &hasAtt,
		HasWords:      &domain.ValueMatch{Values: []string{"balance", "urgent"}, Operator: domain.OperatorAnd},
	}
	assert.True(t, matches(cfg, email))

	cfg.HasWords.Values = append(cfg.HasWords.Values, "absent-word")
	assert.False(t, matches(cfg, email))
}

func TestMatches_EmptyConfigMatchesNothing(t *testing.T) {
	assert.False(t, matches(&domain.ExplicitRuleConfig{}, testEmail()))
}

func TestMatchFrom(t *testing.T) {
	tests := []struct {
		pattern string
		addrs   []string
		want    bool
	}{
		{"billing@acme.com", []string{"billing@acme.com"}, true},
		{"Billing@ACME.com", []string{"billing@acme.com"}, true},
		{"*@acme.com", []string{"anyone@acme.com"}, true},
		{"*@acme.com", []string{"anyone@mail.acme.com"}, false},
		{"*@acme.com", []string{"anyone@notacme.com"}, false},
		{"billing@acme.com", []string{"other@acme.com"}, false},
		{"", []string{"x@y.com"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.pattern, func(t *testing.T) {
			assert.Equal(t, tt.want, matchFrom(tt.pattern, tt.addrs))
		})
	}
}
