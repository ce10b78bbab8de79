package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AuthAttempts records authentication attempts by method (local|github|google) and result (success|failure|challenge).
	AuthAttempts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zovo_auth_attempts_total",
			Help: "Total number of authentication attempts",
		},
		[]string{"method", "result"},
	)

	// RateLimitRejections counts requests rejected by the fixed-window limiter, by action.
	RateLimitRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zovo_rate_limit_rejections_total",
			Help: "Total number of requests rejected while locked out",
		},
		[]string{"action"},
	)

	// TwoFactorVerifications counts 2FA challenge redemptions by result (success|invalid|expired).
	TwoFactorVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "zovo_two_factor_verifications_total",
			Help: "Total number of two-factor challenge verifications",
		},
		[]string{"result"},
	)

	// ActiveSessions tracks sessions that have not expired or been revoked.
	ActiveSessions = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "zovo_active_sessions",
			Help: "Number of active sessions",
		},
	)

	// APILatency measures HTTP request latencies.
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "zovo_api_latency_seconds",
			Help:    "API endpoint latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
