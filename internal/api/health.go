package api

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
)

// HealthStatus is the overall health report.
type HealthStatus struct {
	Status string                    `json:"status"` // "healthy", "degraded"
	Uptime string                    `json:"uptime"`
	Checks map[string]ComponentCheck `json:"checks"`
}

// ComponentCheck is one dependency's health.
type ComponentCheck struct {
	Status  string `json:"status"` // "up", "down", "not_configured"
	Latency string `json:"latency,omitempty"`
	Message string `json:"message,omitempty"`
}

// HealthChecker probes the router's dependencies. Redis is optional;
// a nil client reports "not_configured" without degrading overall
// status.
type HealthChecker struct {
	db        *sql.DB
	redis     *redis.Client
	startTime time.Time
}

func NewHealthChecker(db *sql.DB, rdb *redis.Client) *HealthChecker {
	return &HealthChecker{db: db, redis: rdb, startTime: time.Now()}
}

// Health reports dependency status. Always 200; the body carries the
// verdict. Probes needing a failing status code use /health/live plus
// the database check status.
//
//	GET /health
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	hc := h.health
	checks := map[string]ComponentCheck{
		"database": hc.checkDB(r.Context()),
		"redis":    hc.checkRedis(r.Context()),
	}

	overall := "healthy"
	for _, c := range checks {
		if c.Status == "down" {
			overall = "degraded"
		}
	}

	respondJSON(w, http.StatusOK, HealthStatus{
		Status: overall,
		Uptime: time.Since(hc.startTime).Round(time.Second).String(),
		Checks: checks,
	})
}

// Liveness reports only that the process is serving.
//
//	GET /health/live
func (h *Handlers) Liveness(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "alive"})
}

func (hc *HealthChecker) checkDB(ctx context.Context) ComponentCheck {
	if hc.db == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := hc.db.PingContext(ctx); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}

func (hc *HealthChecker) checkRedis(ctx context.Context) ComponentCheck {
	if hc.redis == nil {
		return ComponentCheck{Status: "not_configured"}
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	start := time.Now()
	if err := hc.redis.Ping(ctx).Err(); err != nil {
		return ComponentCheck{Status: "down", Message: err.Error()}
	}
	return ComponentCheck{Status: "up", Latency: fmt.Sprintf("%dms", time.Since(start).Milliseconds())}
}
