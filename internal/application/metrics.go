package application

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	outcomeOK    = "ok"
	outcomeError = "error"
)

var (
	startsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_proxy_starts_total",
		Help: "Delegation sessions started, by outcome.",
	}, []string{"outcome"})

	callbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_proxy_callbacks_total",
		Help: "Provider callbacks processed, by outcome.",
	}, []string{"outcome"})

	tokenDeliveriesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oauth_proxy_token_deliveries_total",
		Help: "Token bundles delivered to external instances.",
	})

	refreshesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_proxy_refreshes_total",
		Help: "Refresh token exchanges, by outcome.",
	}, []string{"outcome"})

	rateLimitedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "oauth_proxy_rate_limited_total",
		Help: "Requests denied by the rate limiter, by category.",
	}, []string{"category"})

	sessionsSweptTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "oauth_proxy_sessions_swept_total",
		Help: "Sessions moved to expired by the background sweeper.",
	})
)
