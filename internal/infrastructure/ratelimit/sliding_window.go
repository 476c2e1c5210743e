package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"meridian-core-oauth-proxy/internal/ports"
)

// Policy bounds one category: at most Max requests per Window per source IP.
type Policy struct {
	Max    int
	Window time.Duration
}

// DefaultPolicies returns the documented per-category limits.
func DefaultPolicies() map[ports.RateCategory]Policy {
	return map[ports.RateCategory]Policy{
		ports.RateStart:   {Max: 10, Window: time.Minute},
		ports.RatePoll:    {Max: 60, Window: time.Minute},
		ports.RateRefresh: {Max: 60, Window: time.Hour},
	}
}

type windowKey struct {
	category ports.RateCategory
	sourceIP string
}

// SlidingWindow is an in-process per-IP, per-category sliding-window limiter.
// Each check prunes timestamps older than the window and appends the current
// one under a single lock. Suitable for single-replica deployments; use the
// Redis backend when running more than one replica.
type SlidingWindow struct {
	policies map[ports.RateCategory]Policy
	logger   zerolog.Logger

	mu      sync.Mutex
	windows map[windowKey][]time.Time

	now      func() time.Time
	stopGC   chan struct{}
	stopOnce sync.Once
}

// NewSlidingWindow builds the limiter and starts its garbage-collection loop.
func NewSlidingWindow(policies map[ports.RateCategory]Policy, gcInterval time.Duration, logger zerolog.Logger) *SlidingWindow {
	l := &SlidingWindow{
		policies: policies,
		logger:   logger,
		windows:  make(map[windowKey][]time.Time),
		now:      time.Now,
		stopGC:   make(chan struct{}),
	}
	go l.gcLoop(gcInterval)
	return l
}

// Check records the request unless the category window for this IP is full.
// When denied, RetryAfterSeconds is derived from the oldest surviving
// timestamp: the time until it slides out of the window, rounded up.
func (l *SlidingWindow) Check(ctx context.Context, category ports.RateCategory, sourceIP string) ports.RateDecision {
	policy, ok := l.policies[category]
	if !ok || policy.Max <= 0 {
		return ports.RateDecision{Allowed: true}
	}

	now := l.now()
	cutoff := now.Add(-policy.Window)
	key := windowKey{category: category, sourceIP: sourceIP}

	l.mu.Lock()
	defer l.mu.Unlock()

	window := l.windows[key]
	kept := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}

	if len(kept) >= policy.Max {
		l.windows[key] = kept
		oldest := kept[0]
		retryAfter := int((oldest.Add(policy.Window).Sub(now) + time.Second - 1) / time.Second)
		if retryAfter < 1 {
			retryAfter = 1
		}
		return ports.RateDecision{Allowed: false, RetryAfterSeconds: retryAfter}
	}

	l.windows[key] = append(kept, now)
	return ports.RateDecision{Allowed: true}
}

func (l *SlidingWindow) gcLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			l.gc()
		case <-l.stopGC:
			return
		}
	}
}

// gc drops IP entries whose newest timestamp is already outside the window,
// bounding memory between checks from long-gone clients.
func (l *SlidingWindow) gc() {
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	removed := 0
	for key, window := range l.windows {
		policy := l.policies[key.category]
		if len(window) == 0 || !window[len(window)-1].After(now.Add(-policy.Window)) {
			delete(l.windows, key)
			removed++
		}
	}
	if removed > 0 {
		l.logger.Debug().Int("entries", removed).Msg("Removed stale rate limit windows")
	}
}

// Stop terminates the garbage-collection loop.
func (l *SlidingWindow) Stop() {
	l.stopOnce.Do(func() { close(l.stopGC) })
}
