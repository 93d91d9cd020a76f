package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ignite/inbound-router/internal/domain"
	"github.com/ignite/inbound-router/internal/pipeline"
	"github.com/ignite/inbound-router/internal/pkg/httpretry"
	"github.com/ignite/inbound-router/internal/pkg/logger"
	"github.com/ignite/inbound-router/internal/rawstore"
	"github.com/ignite/inbound-router/internal/repository/postgres"
	"github.com/ignite/inbound-router/internal/worker"
)

// routeTimeout bounds one background routing run.
const routeTimeout = 5 * time.Minute

// EmailRouter is the routing entrypoint the intake handlers invoke.
type EmailRouter interface {
	RouteEmail(ctx context.Context, emailID string) (*pipeline.RouteResult, error)
}

// TaskSubmitter hands routing work to the background pool.
type TaskSubmitter interface {
	Submit(task worker.Task) bool
}

// EmailReader loads emails for the attachment endpoint.
type EmailReader interface {
	GetByIDOrEmailID(ctx context.Context, id string) (*domain.StructuredEmail, error)
}

// RawFetcher fetches raw MIME blobs. Nil is tolerated; the handler
// falls back to the copy stored in the database row.
type RawFetcher interface {
	Get(ctx context.Context, emailID string) ([]byte, error)
}

// Handlers carries the HTTP handler dependencies.
type Handlers struct {
	router  EmailRouter
	pool    TaskSubmitter
	emails  EmailReader
	raw     RawFetcher
	health  *HealthChecker
	httpGet httpretry.HTTPDoer

	mu         sync.Mutex
	seenSNS    map[string]time.Time
	snsHorizon time.Duration
}

func NewHandlers(router EmailRouter, pool TaskSubmitter, emails EmailReader, raw RawFetcher, health *HealthChecker) *Handlers {
	return &Handlers{
		router:     router,
		pool:       pool,
		emails:     emails,
		raw:        raw,
		health:     health,
		httpGet:    httpretry.NewRetryClient(nil, 3),
		seenSNS:    make(map[string]time.Time),
		snsHorizon: time.Hour,
	}
}

type routeRequest struct {
	EmailID string `json:"emailId"`
	// Sync forces the caller to wait for the routing result instead of
	// getting a 202.
	Sync bool `json:"sync,omitempty"`
}

// TriggerRoute is where the mail receiver hands an email off for
// routing.
//
//	POST /inbound/route  {"emailId": "..."}
func (h *Handlers) TriggerRoute(w http.ResponseWriter, r *http.Request) {
	var req routeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.EmailID == "" {
		respondError(w, http.StatusBadRequest, "emailId is required")
		return
	}

	if req.Sync {
		result, err := h.router.RouteEmail(r.Context(), req.EmailID)
		if err != nil {
			respondRouteError(w, req.EmailID, err)
			return
		}
		respondJSON(w, http.StatusOK, result)
		return
	}

	if !h.enqueueRoute(req.EmailID) {
		respondError(w, http.StatusServiceUnavailable, "routing queue is full")
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"emailId": req.EmailID, "status": "queued"})
}

func (h *Handlers) enqueueRoute(emailID string) bool {
	return h.pool.Submit(func(ctx context.Context) {
		ctx, cancel := context.WithTimeout(ctx, routeTimeout)
		defer cancel()
		if _, err := h.router.RouteEmail(ctx, emailID); err != nil {
			logger.Error("background routing failed", "emailId", emailID, "error", err.Error())
		}
	})
}

func respondRouteError(w http.ResponseWriter, emailID string, err error) {
	switch {
	case errors.Is(err, postgres.ErrNotFound):
		respondError(w, http.StatusNotFound, fmt.Sprintf("email %s not found", emailID))
	case errors.Is(err, pipeline.ErrUnprocessable):
		respondError(w, http.StatusUnprocessableEntity, "email failed parsing and cannot be routed")
	default:
		logger.Error("routing failed", "emailId", emailID, "error", err.Error())
		respondError(w, http.StatusInternalServerError, "routing failed")
	}
}

// snsEnvelope is the subset of the SNS message wrapper the receiver
// reads.
type snsEnvelope struct {
	Type         string `json:"Type"`
	MessageID    string `json:"MessageId"`
	TopicArn     string `json:"TopicArn"`
	Message      string `json:"Message"`
	SubscribeURL string `json:"SubscribeURL"`
}

type snsNotification struct {
	EmailID string `json:"emailId"`
}

// ReceiveSNS accepts SNS-wrapped inbound notifications: subscription
// confirmations are confirmed inline, notifications enqueue routing.
// MessageId dedupe absorbs SNS at-least-once redelivery; the pipeline
// is idempotent anyway, so an evicted entry only costs a no-op run.
//
//	POST /inbound/sns
func (h *Handlers) ReceiveSNS(w http.ResponseWriter, r *http.Request) {
	var env snsEnvelope
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		respondError(w, http.StatusBadRequest, "invalid SNS envelope")
		return
	}

	switch env.Type {
	case "SubscriptionConfirmation":
		h.confirmSubscription(r.Context(), env)
		respondJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})

	case "Notification":
		if env.MessageID != "" && h.alreadySeen(env.MessageID) {
			respondJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
			return
		}
		var note snsNotification
		if err := json.Unmarshal([]byte(env.Message), &note); err != nil || note.EmailID == "" {
			respondError(w, http.StatusBadRequest, "notification message has no emailId")
			return
		}
		if !h.enqueueRoute(note.EmailID) {
			respondError(w, http.StatusServiceUnavailable, "routing queue is full")
			return
		}
		respondJSON(w, http.StatusOK, map[string]string{"status": "queued"})

	default:
		respondJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
	}
}

func (h *Handlers) confirmSubscription(ctx context.Context, env snsEnvelope) {
	if env.SubscribeURL == "" {
		return
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.SubscribeURL, nil)
	if err != nil {
		logger.Warn("sns confirmation request build failed", "error", err.Error())
		return
	}
	resp, err := h.httpGet.Do(req)
	if err != nil {
		logger.Warn("sns subscription confirmation failed", "topic", env.TopicArn, "error", err.Error())
		return
	}
	resp.Body.Close()
	logger.Info("sns subscription confirmed", "topic", env.TopicArn)
}

// alreadySeen records the message id and reports whether it was seen
// within the dedupe horizon. The map is pruned in place.
func (h *Handlers) alreadySeen(messageID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := time.Now()
	for id, at := range h.seenSNS {
		if now.Sub(at) > h.snsHorizon {
			delete(h.seenSNS, id)
		}
	}
	if _, ok := h.seenSNS[messageID]; ok {
		return true
	}
	h.seenSNS[messageID] = now
	return false
}

// DownloadAttachment serves one attachment out of the stored raw MIME.
// Webhook payloads link here instead of inlining attachment bytes.
//
//	GET /attachments/{emailId}/{filename}
func (h *Handlers) DownloadAttachment(w http.ResponseWriter, r *http.Request) {
	emailID := chi.URLParam(r, "emailId")
	filename := chi.URLParam(r, "filename")

	email, err := h.emails.GetByIDOrEmailID(r.Context(), emailID)
	if errors.Is(err, postgres.ErrNotFound) {
		respondError(w, http.StatusNotFound, "email not found")
		return
	}
	if err != nil {
		logger.Error("attachment email load failed", "emailId", emailID, "error", err.Error())
		respondError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	raw := []byte(email.RawContent)
	if h.raw != nil {
		if blob, err := h.raw.Get(r.Context(), email.EmailID); err == nil {
			raw = blob
		} else {
			logger.Warn("raw store fetch failed, using database copy", "emailId", email.ID, "error", err.Error())
		}
	}

	if filename == "attachment" {
		// The payload composer substitutes this for unnamed attachments.
		filename = ""
	}
	part, err := rawstore.FindAttachment(raw, filename)
	if errors.Is(err, rawstore.ErrAttachmentNotFound) {
		respondError(w, http.StatusNotFound, "attachment not found")
		return
	}
	if err != nil {
		logger.Error("attachment extraction failed", "emailId", email.ID, "error", err.Error())
		respondError(w, http.StatusInternalServerError, "extraction failed")
		return
	}

	contentType := part.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	name := part.Filename
	if name == "" {
		name = "attachment"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", name))
	w.Header().Set("Content-Length", fmt.Sprintf("%d", len(part.Content)))
	w.WriteHeader(http.StatusOK)
	w.Write(part.Content)
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("response encode failed", "error", err.Error())
	}
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
