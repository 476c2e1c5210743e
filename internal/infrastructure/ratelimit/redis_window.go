package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"meridian-core-oauth-proxy/internal/ports"
)

// RedisWindow is a fixed-window limiter on shared Redis counters for
// multi-replica deployments. Each (category, IP, bucket) key is incremented
// and expired in one pipeline, so the bound holds across replicas at the cost
// of fixed-window burst behavior at bucket edges.
type RedisWindow struct {
	rdb      *redis.Client
	policies map[ports.RateCategory]Policy
	logger   zerolog.Logger
	now      func() time.Time
}

func NewRedisWindow(rdb *redis.Client, policies map[ports.RateCategory]Policy, logger zerolog.Logger) *RedisWindow {
	return &RedisWindow{
		rdb:      rdb,
		policies: policies,
		logger:   logger,
		now:      time.Now,
	}
}

// Check increments the current bucket and denies once the count exceeds the
// policy max. Backend failures are logged and fail open so a Redis outage
// does not take the delegation flow down with it.
func (l *RedisWindow) Check(ctx context.Context, category ports.RateCategory, sourceIP string) ports.RateDecision {
	policy, ok := l.policies[category]
	if !ok || policy.Max <= 0 {
		return ports.RateDecision{Allowed: true}
	}

	windowSecs := int64(policy.Window / time.Second)
	nowUnix := l.now().Unix()
	bucket := nowUnix / windowSecs
	key := fmt.Sprintf("ratelimit:%s:%s:%d", category, sourceIP, bucket)

	pipe := l.rdb.Pipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, policy.Window)
	if _, err := pipe.Exec(ctx); err != nil {
		l.logger.Warn().Err(err).Str("category", string(category)).Msg("Rate limit check failed, allowing request")
		return ports.RateDecision{Allowed: true}
	}

	if incr.Val() > int64(policy.Max) {
		retryAfter := int((bucket+1)*windowSecs - nowUnix)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return ports.RateDecision{Allowed: false, RetryAfterSeconds: retryAfter}
	}
	return ports.RateDecision{Allowed: true}
}
