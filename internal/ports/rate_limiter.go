package ports

import "context"

// RateCategory identifies an endpoint family with its own rate-limit policy.
type RateCategory string

const (
	RateStart   RateCategory = "start"
	RatePoll    RateCategory = "poll"
	RateRefresh RateCategory = "refresh"
)

// RateDecision is the outcome of a limiter check. RetryAfterSeconds is set
// only when Allowed is false and is always at least 1.
type RateDecision struct {
	Allowed           bool
	RetryAfterSeconds int
}

// RateLimiter bounds request volume per source IP and category.
// Implementations that depend on an external backend handle their own backend
// failures, logging and failing open, so callers only ever see a decision.
type RateLimiter interface {
	Check(ctx context.Context, category RateCategory, sourceIP string) RateDecision
}
