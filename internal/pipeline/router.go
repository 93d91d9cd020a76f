// Package pipeline orchestrates routing for one inbound email: load,
// thread, guard, endpoint resolution, and dispatch to the webhook or
// forwarding deliverer. The entrypoint is idempotent; the
// endpoint_deliveries unique constraint makes repeat invocations
// side-effect free.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/dsn"
	"github.com/ignite/inbound-router/internal/feature"
	"github.com/ignite/inbound-router/internal/forward"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/repository/postgres"
	"github.com/ignite/inbound-router/internal/webhook"
)

// ErrUnprocessable marks an email that failed parsing; it is stored but
// never routed.
var ErrUnprocessable = errors.New("email failed parsing and cannot be routed")

// Outcome summarizes how routing ended for one invocation.
type Outcome string

const (
	OutcomeDelivered        Outcome = "delivered"
	OutcomeDeliveryFailed   Outcome = "delivery_failed"
	OutcomeAlreadyDelivered Outcome = "already_delivered"
	OutcomeNoRouting        Outcome = "no_routing"
	OutcomeDMARCSkipped     Outcome = "dmarc_skipped"
	OutcomeGuardBlocked     Outcome = "guard_blocked"
)

// RouteResult reports where an email ended up.
type RouteResult struct {
	Outcome        Outcome
	EmailID        string
	EndpointID     string
	Legacy         bool
	ThreadID       string
	ThreadPosition int
	DeliveryError  string
}

// EmailStore is the subset of the email repository the router needs.
type EmailStore interface {
	GetByIDOrEmailID(ctx context.Context, id string) (*domain.StructuredEmail, error)
	UpdateGuardFields(ctx context.Context, id string, blocked bool, action domain.GuardAction, reason string, ruleID *string, metadata []byte) error
	EarliestInThread(ctx context.Context, threadID string) (*domain.StructuredEmail, error)
}

// RouteStore covers the address and domain lookups endpoint resolution
// walks.
type RouteStore interface {
	FindActiveAddress(ctx context.Context, userID, address string) (*domain.EmailAddress, error)
	FindDomain(ctx context.Context, userID, dom string) (*domain.EmailDomain, error)
	FindEndpointForRecipient(ctx context.Context, userID, recipient string) (*domain.Endpoint, error)
}

// EndpointStore fetches endpoints scoped to their owner.
type EndpointStore interface {
	GetActiveForUser(ctx context.Context, id, userID string) (*domain.Endpoint, error)
}

// LegacyWebhookStore fetches pre-endpoint webhook destinations.
type LegacyWebhookStore interface {
	GetActive(ctx context.Context, id string) (*domain.LegacyWebhook, error)
}

// DeliveryLookup is the idempotency fast-path read.
type DeliveryLookup interface {
	Get(ctx context.Context, emailID, endpointID string) (*domain.EndpointDelivery, error)
}

// Threader assigns the email to a conversation.
type Threader interface {
	Assign(ctx context.Context, email *domain.StructuredEmail) (domain.ThreadAssignment, error)
}

// GuardEvaluator runs the user's guard rules.
type GuardEvaluator interface {
	Evaluate(ctx context.Context, email *domain.StructuredEmail, userID string) domain.GuardVerdict
}

// FeatureChecker gates guard evaluation per user.
type FeatureChecker interface {
	CheckFeature(ctx context.Context, userID, featureID string) bool
}

// WebhookDeliverer dispatches to webhook endpoints.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint) (*webhook.Result, error)
	DeliverLegacy(ctx context.Context, email *domain.StructuredEmail, hook *domain.LegacyWebhook) (*webhook.Result, error)
}

// ForwardDeliverer dispatches to email and email_group endpoints.
type ForwardDeliverer interface {
	Deliver(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint) (*forward.Result, error)
}

// BounceProcessor records inbound delivery status notifications.
type BounceProcessor interface {
	ProcessDSN(ctx context.Context, email *domain.StructuredEmail) (*domain.EmailDeliveryEvent, error)
}

// Router is the inbound routing pipeline. Threading, guard, and DSN
// handling all fail open; only load failures and dispatch-claim failures
// surface to the caller.
type Router struct {
	emails    EmailStore
	routes    RouteStore
	endpoints EndpointStore
	legacy    LegacyWebhookStore
	delivs    DeliveryLookup
	threader  Threader
	guard     GuardEvaluator
	features  FeatureChecker
	webhooks  WebhookDeliverer
	forwards  ForwardDeliverer
	bounces   BounceProcessor
}

func NewRouter(
	emails EmailStore,
	routes RouteStore,
	endpoints EndpointStore,
	legacy LegacyWebhookStore,
	delivs DeliveryLookup,
	threader Threader,
	guard GuardEvaluator,
	features FeatureChecker,
	webhooks WebhookDeliverer,
	forwards ForwardDeliverer,
	bounces BounceProcessor,
) *Router {
	return &Router{
		emails:    emails,
		routes:    routes,
		endpoints: endpoints,
		legacy:    legacy,
		delivs:    delivs,
		threader:  threader,
		guard:     guard,
		features:  features,
		webhooks:  webhooks,
		forwards:  forwards,
		bounces:   bounces,
	}
}

// RouteEmail routes one email by its id or raw-blob key. Safe to invoke
// repeatedly for the same email.
func (r *Router) RouteEmail(ctx context.Context, emailID string) (*RouteResult, error) {
	email, err := r.emails.GetByIDOrEmailID(ctx, emailID)
	if err != nil {
		return nil, fmt.Errorf("load email %s: %w", emailID, err)
	}
	if !email.ParseSuccess {
		return nil, fmt.Errorf("email %s: %w", email.ID, ErrUnprocessable)
	}

	// Delivery status notifications are recorded on the side; the email
	// still flows through normal routing afterwards.
	if r.bounces != nil && dsn.IsDSN(email.Header("Content-Type"), email.RawContent) {
		if _, err := r.bounces.ProcessDSN(ctx, email); err != nil {
			logger.Warn("dsn processing failed", "emailId", email.ID, "error", err.Error())
		}
	}

	assignment := r.assignThread(ctx, email)

	result := &RouteResult{
		EmailID:        email.ID,
		ThreadID:       assignment.ThreadID,
		ThreadPosition: assignment.Position,
	}

	if r.dmarcSuppressed(ctx, email) {
		logger.Info("dmarc report stored without routing", "emailId", email.ID, "recipient", logger.RedactEmail(email.Recipient))
		result.Outcome = OutcomeDMARCSkipped
		return result, nil
	}

	endpoint, blocked := r.applyGuard(ctx, email)
	if blocked {
		result.Outcome = OutcomeGuardBlocked
		return result, nil
	}

	if endpoint == nil {
		endpoint = r.threadContinuityEndpoint(ctx, email, assignment)
	}

	if endpoint == nil {
		var res *RouteResult
		endpoint, res, err = r.resolveEndpoint(ctx, email, result)
		if err != nil {
			return nil, err
		}
		if res != nil {
			return res, nil
		}
	}

	result.EndpointID = endpoint.ID

	if existing, err := r.delivs.Get(ctx, email.ID, endpoint.ID); err == nil && existing != nil {
		logger.Debug("delivery already recorded", "emailId", email.ID, "endpointId", endpoint.ID, "status", string(existing.Status))
		result.Outcome = OutcomeAlreadyDelivered
		return result, nil
	} else if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		logger.Warn("delivery fast-path read failed", "emailId", email.ID, "error", err.Error())
	}

	return r.dispatch(ctx, email, endpoint, result)
}

// assignThread runs the threader, tolerating every failure. Already
// threaded emails (redeliveries) keep their assignment.
func (r *Router) assignThread(ctx context.Context, email *domain.StructuredEmail) domain.ThreadAssignment {
	if email.ThreadID != nil && *email.ThreadID != "" {
		pos := 0
		if email.ThreadPosition != nil {
			pos = *email.ThreadPosition
		}
		return domain.ThreadAssignment{ThreadID: *email.ThreadID, Position: pos}
	}
	if r.threader == nil {
		return domain.ThreadAssignment{}
	}
	assignment, err := r.threader.Assign(ctx, email)
	if err != nil {
		logger.Warn("threading failed, routing without thread", "emailId", email.ID, "error", err.Error())
		return domain.ThreadAssignment{}
	}
	email.ThreadID = &assignment.ThreadID
	email.ThreadPosition = &assignment.Position
	return assignment
}

// dmarcSuppressed reports whether this is a DMARC aggregate report the
// domain owner opted out of receiving. Lookup failures read as "route
// normally".
func (r *Router) dmarcSuppressed(ctx context.Context, email *domain.StructuredEmail) bool {
	if email.RecipientLocalPart() != "dmarc" {
		return false
	}
	dom, err := r.routes.FindDomain(ctx, email.UserID, email.RecipientDomain())
	if err != nil {
		if !errors.Is(err, postgres.ErrNotFound) {
			logger.Warn("dmarc domain lookup failed", "emailId", email.ID, "error", err.Error())
		}
		return false
	}
	return !dom.ReceiveDmarcEmails
}

// applyGuard evaluates guard rules when the user's plan allows them,
// stamps the verdict onto the email, and returns any endpoint a route
// rule picked plus whether the email is blocked from routing.
func (r *Router) applyGuard(ctx context.Context, email *domain.StructuredEmail) (*domain.Endpoint, bool) {
	if r.guard == nil || r.features == nil {
		return nil, false
	}
	if !r.features.CheckFeature(ctx, email.UserID, feature.FeatureInboundGuard) {
		return nil, false
	}

	verdict := r.guard.Evaluate(ctx, email, email.UserID)
	r.stampGuard(ctx, email, verdict)

	switch verdict.Action {
	case domain.GuardBlock:
		logger.Info("email blocked by guard rule",
			"emailId", email.ID, "ruleId", verdict.MatchedRuleID, "rule", verdict.MatchedRuleName)
		return nil, true
	case domain.GuardRoute:
		endpoint, err := r.endpoints.GetActiveForUser(ctx, verdict.RouteToEndpointID, email.UserID)
		if err != nil {
			logger.Warn("guard route target unavailable, falling back to normal resolution",
				"emailId", email.ID, "endpointId", verdict.RouteToEndpointID, "error", err.Error())
			return nil, false
		}
		return endpoint, false
	default:
		return nil, false
	}
}

func (r *Router) stampGuard(ctx context.Context, email *domain.StructuredEmail, verdict domain.GuardVerdict) {
	var ruleID *string
	if verdict.MatchedRuleID != "" {
		id := verdict.MatchedRuleID
		ruleID = &id
	}
	metadata, _ := json.Marshal(verdict)

	blocked := verdict.Action == domain.GuardBlock
	if err := r.emails.UpdateGuardFields(ctx, email.ID, blocked, verdict.Action, verdict.Reason, ruleID, metadata); err != nil {
		logger.Warn("guard stamp failed", "emailId", email.ID, "error", err.Error())
	}
	email.GuardBlocked = blocked
	email.GuardAction = verdict.Action
	email.GuardReason = verdict.Reason
	email.GuardRuleID = ruleID
	email.GuardMetadata = metadata
}

// threadContinuityEndpoint keeps replies flowing to the endpoint of the
// conversation's first email when the reply arrived on a different
// address.
func (r *Router) threadContinuityEndpoint(ctx context.Context, email *domain.StructuredEmail, assignment domain.ThreadAssignment) *domain.Endpoint {
	if assignment.ThreadID == "" || assignment.IsNewThread || assignment.Position <= 1 {
		return nil
	}
	first, err := r.emails.EarliestInThread(ctx, assignment.ThreadID)
	if err != nil {
		logger.Warn("thread continuity lookup failed", "threadId", assignment.ThreadID, "error", err.Error())
		return nil
	}
	if strings.EqualFold(strings.TrimSpace(first.Recipient), strings.TrimSpace(email.Recipient)) {
		return nil
	}
	endpoint, err := r.routes.FindEndpointForRecipient(ctx, email.UserID, first.Recipient)
	if err != nil {
		if !errors.Is(err, postgres.ErrNotFound) {
			logger.Warn("thread continuity endpoint lookup failed", "threadId", assignment.ThreadID, "error", err.Error())
		}
		return nil
	}
	logger.Debug("thread continuity endpoint selected",
		"emailId", email.ID, "threadId", assignment.ThreadID, "endpointId", endpoint.ID)
	return endpoint
}

// resolveEndpoint walks the routing chain: exact address endpoint, then
// the address's legacy webhook, then the domain catch-all endpoint, then
// the catch-all legacy webhook. Legacy hits dispatch immediately and
// return a terminal result; no match is success with no routing.
func (r *Router) resolveEndpoint(ctx context.Context, email *domain.StructuredEmail, result *RouteResult) (*domain.Endpoint, *RouteResult, error) {
	addr, err := r.routes.FindActiveAddress(ctx, email.UserID, email.Recipient)
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return nil, nil, fmt.Errorf("resolve address: %w", err)
	}
	if addr != nil {
		if addr.EndpointID != nil {
			endpoint, err := r.endpoints.GetActiveForUser(ctx, *addr.EndpointID, email.UserID)
			if err == nil {
				return endpoint, nil, nil
			}
			if !errors.Is(err, postgres.ErrNotFound) {
				return nil, nil, fmt.Errorf("resolve address endpoint: %w", err)
			}
		}
		if addr.WebhookID != nil {
			res, err := r.dispatchLegacy(ctx, email, *addr.WebhookID, result)
			if res != nil || err != nil {
				return nil, res, err
			}
		}
	}

	dom, err := r.routes.FindDomain(ctx, email.UserID, email.RecipientDomain())
	if err != nil && !errors.Is(err, postgres.ErrNotFound) {
		return nil, nil, fmt.Errorf("resolve domain: %w", err)
	}
	if dom != nil && dom.IsCatchAllEnabled {
		if dom.CatchAllEndpointID != nil {
			endpoint, err := r.endpoints.GetActiveForUser(ctx, *dom.CatchAllEndpointID, email.UserID)
			if err == nil {
				return endpoint, nil, nil
			}
			if !errors.Is(err, postgres.ErrNotFound) {
				return nil, nil, fmt.Errorf("resolve catch-all endpoint: %w", err)
			}
		}
		if dom.CatchAllWebhookID != nil {
			res, err := r.dispatchLegacy(ctx, email, *dom.CatchAllWebhookID, result)
			if res != nil || err != nil {
				return nil, res, err
			}
		}
	}

	logger.Info("no routing configured, email stored", "emailId", email.ID, "recipient", logger.RedactEmail(email.Recipient))
	result.Outcome = OutcomeNoRouting
	return nil, result, nil
}

// dispatchLegacy posts to a pre-endpoint webhook. A missing or inactive
// legacy record falls through to the next resolution step.
func (r *Router) dispatchLegacy(ctx context.Context, email *domain.StructuredEmail, webhookID string, result *RouteResult) (*RouteResult, error) {
	hook, err := r.legacy.GetActive(ctx, webhookID)
	if errors.Is(err, postgres.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("resolve legacy webhook: %w", err)
	}

	res, err := r.webhooks.DeliverLegacy(ctx, email, hook)
	if err != nil {
		return nil, fmt.Errorf("legacy webhook dispatch: %w", err)
	}

	result.EndpointID = hook.ID
	result.Legacy = true
	if res.Success {
		result.Outcome = OutcomeDelivered
	} else {
		result.Outcome = OutcomeDeliveryFailed
		result.DeliveryError = res.Error
	}
	return result, nil
}

func (r *Router) dispatch(ctx context.Context, email *domain.StructuredEmail, endpoint *domain.Endpoint, result *RouteResult) (*RouteResult, error) {
	switch endpoint.Type {
	case domain.EndpointWebhook:
		res, err := r.webhooks.Deliver(ctx, email, endpoint)
		if err != nil {
			return nil, fmt.Errorf("webhook dispatch: %w", err)
		}
		switch {
		case res.Duplicate:
			result.Outcome = OutcomeAlreadyDelivered
		case res.Success:
			result.Outcome = OutcomeDelivered
		default:
			result.Outcome = OutcomeDeliveryFailed
			result.DeliveryError = res.Error
		}
		return result, nil

	case domain.EndpointEmail, domain.EndpointEmailGroup:
		res, err := r.forwards.Deliver(ctx, email, endpoint)
		if err != nil {
			return nil, fmt.Errorf("forward dispatch: %w", err)
		}
		switch {
		case res.Duplicate:
			result.Outcome = OutcomeAlreadyDelivered
		case res.Success:
			result.Outcome = OutcomeDelivered
		default:
			result.Outcome = OutcomeDeliveryFailed
			result.DeliveryError = res.Reason
		}
		return result, nil

	default:
		logger.Error("endpoint has unknown type, email stored without delivery",
			"emailId", email.ID, "endpointId", endpoint.ID, "type", string(endpoint.Type))
		result.Outcome = OutcomeNoRouting
		return result, nil
	}
}
