// Package feature answers per-user feature allowance questions with a
// short Redis cache in front of the database. Any failure along the way
// reads as "not allowed" so a degraded flag store never opens gated
// functionality by accident.
package feature

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/ignite/inbound-router/internal/pkg/logger"
)

// FeatureInboundGuard gates guard rule evaluation in the pipeline.
const FeatureInboundGuard = "inbound_guard"

// Source is the authoritative allowance lookup.
type Source interface {
	IsAllowed(ctx context.Context, userID, featureID string) (bool, error)
}

// Provider caches feature allowances in Redis. A nil Redis client is
// supported; every check then hits the source directly.
type Provider struct {
	source Source
	redis  *redis.Client
	ttl    time.Duration
}

func NewProvider(source Source, rdb *redis.Client, ttl time.Duration) *Provider {
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &Provider{source: source, redis: rdb, ttl: ttl}
}

// CheckFeature reports whether the feature is allowed for the user.
// Failures return false, never an error.
func (p *Provider) CheckFeature(ctx context.Context, userID, featureID string) bool {
	key := cacheKey(userID, featureID)

	if p.redis != nil {
		if cached, err := p.redis.Get(ctx, key).Result(); err == nil {
			return cached == "1"
		}
	}

	allowed, err := p.source.IsAllowed(ctx, userID, featureID)
	if err != nil {
		logger.Warn("feature lookup failed, denying", "userId", userID, "feature", featureID, "error", err.Error())
		return false
	}

	if p.redis != nil {
		val := "0"
		if allowed {
			val = "1"
		}
		if err := p.redis.Set(ctx, key, val, p.ttl).Err(); err != nil {
			logger.Debug("feature cache write failed", "key", key, "error", err.Error())
		}
	}
	return allowed
}

func cacheKey(userID, featureID string) string {
	return fmt.Sprintf("feature:%s:%s", featureID, userID)
}
