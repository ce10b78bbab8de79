package middleware

import (
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/metrics"
	"github.com/zovohq/zovo/pkg/response"
)

// ThrottleConfig tunes the per-client request throttle.
type ThrottleConfig struct {
	RequestsPerSecond float64
	Burst             int
	// IdleTimeout controls when per-client limiters are forgotten.
	IdleTimeout time.Duration
}

type clientLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Throttle applies a token-bucket limit per client IP. This is transport
// backpressure for the whole API; the account-level failed-attempt limiter
// lives in the auth services.
func Throttle(cfg ThrottleConfig) gin.HandlerFunc {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 20
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 40
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 10 * time.Minute
	}

	var (
		mu      sync.Mutex
		clients = make(map[string]*clientLimiter)
	)

	lookup := func(ip string) *rate.Limiter {
		mu.Lock()
		defer mu.Unlock()

		now := time.Now()
		entry, ok := clients[ip]
		if !ok {
			entry = &clientLimiter{limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)}
			clients[ip] = entry
		}
		entry.lastSeen = now

		if len(clients) > 1024 {
			for key, candidate := range clients {
				if now.Sub(candidate.lastSeen) > cfg.IdleTimeout {
					delete(clients, key)
				}
			}
		}
		return entry.limiter
	}

	return func(c *gin.Context) {
		if !lookup(c.ClientIP()).Allow() {
			metrics.RateLimitRejections.WithLabelValues("http").Inc()
			response.Error(c, errors.ErrTooManyAttempts.WithMessage("Too many requests"))
			c.Abort()
			return
		}
		c.Next()
	}
}
