package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mediascribe/coreplane/internal/circuitbreaker"
	"github.com/mediascribe/coreplane/internal/metrics"
)

// Gate is the Rate-Limit and Quota Gate. When both rate limiting and quota
// enforcement are disabled by configuration, every check reports allowed.
type Gate struct {
	redis              *circuitbreaker.RedisWrapper
	logger             *zap.Logger
	rateLimitingEnabled bool
	quotaEnabled       bool
}

// NewGate wraps a Redis client with a circuit breaker for quota/rate state.
func NewGate(client *redis.Client, logger *zap.Logger, rateLimitingEnabled, quotaEnabled bool) *Gate {
	return &Gate{
		redis:               circuitbreaker.NewRedisWrapper(client, logger),
		logger:              logger,
		rateLimitingEnabled: rateLimitingEnabled,
		quotaEnabled:        quotaEnabled,
	}
}

// Check enforces the sliding-window limit for (user, class) at the given
// cost. Allowed=true with zero RetryAfter when rate limiting is disabled.
func (g *Gate) Check(ctx context.Context, userID string, class LimitClass, cost int) (bool, RemainingInfo, error) {
	if !g.rateLimitingEnabled {
		return true, RemainingInfo{}, nil
	}
	if cost <= 0 {
		cost = 1
	}

	limit := LimitFor(class)
	if limit.Window <= 0 {
		// Counter class (concurrent_jobs): checked via Acquire/Release, not here.
		return true, RemainingInfo{}, nil
	}

	key := fmt.Sprintf("ratelimit:%s:%s", class, userID)
	now := time.Now()
	windowStart := now.Add(-limit.Window)

	member := fmt.Sprintf("%d-%d", now.UnixNano(), cost)

	pipe := g.redis.GetClient().Pipeline()
	pipe.ZRemRangeByScore(ctx, key, "0", fmt.Sprintf("%d", windowStart.UnixMilli()))
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(now.UnixMilli()), Member: member})
	card := pipe.ZCard(ctx, key)
	pipe.Expire(ctx, key, limit.Window+time.Second)
	_, err := pipe.Exec(ctx)
	if err != nil {
		g.logger.Warn("rate limit check failed, failing open", zap.Error(err))
		return true, RemainingInfo{Remaining: limit.Max}, nil
	}

	count := int(card.Val())
	remaining := limit.Max - count
	if remaining < 0 {
		remaining = 0
	}
	allowed := count <= limit.Max
	if !allowed {
		g.redis.GetClient().ZRem(ctx, key, member)
		metrics.RateLimitRejections.Inc()
	}

	return allowed, RemainingInfo{Remaining: remaining, RetryAfter: limit.Window}, nil
}

// AcquireResource claims one concurrent_jobs slot for userID. Callers MUST
// call ReleaseResource on every exit path, including panic/error, once
// acquired.
func (g *Gate) AcquireResource(ctx context.Context, userID string, tier string) (bool, error) {
	if !g.rateLimitingEnabled && !g.quotaEnabled {
		return true, nil
	}
	key := fmt.Sprintf("concurrent_jobs:%s", userID)
	quota := QuotaFor(tier)
	limit := quota.ConcurrentJobs
	if limit <= 0 {
		limit = DefaultClassLimits[ClassConcurrentJobs].Max
	}

	count := g.redis.GetClient().Incr(ctx, key)
	if count.Err() != nil {
		g.logger.Warn("acquire resource failed, failing open", zap.Error(count.Err()))
		return true, nil
	}
	if count.Val() > int64(limit) {
		g.redis.GetClient().Decr(ctx, key)
		return false, nil
	}
	return true, nil
}

// ReleaseResource releases one concurrent_jobs slot for userID.
func (g *Gate) ReleaseResource(ctx context.Context, userID string) error {
	key := fmt.Sprintf("concurrent_jobs:%s", userID)
	res := g.redis.GetClient().Decr(ctx, key)
	if res.Err() != nil {
		return res.Err()
	}
	if res.Val() < 0 {
		g.redis.GetClient().Set(ctx, key, 0, 0)
	}
	return nil
}

// ActiveJobs returns the current concurrent_jobs counter for userID.
func (g *Gate) ActiveJobs(ctx context.Context, userID string) int64 {
	key := fmt.Sprintf("concurrent_jobs:%s", userID)
	res := g.redis.GetClient().Get(ctx, key)
	if res.Err() != nil {
		return 0
	}
	n, _ := res.Int64()
	return n
}
