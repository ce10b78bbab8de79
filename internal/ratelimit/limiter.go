package ratelimit

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/zovohq/zovo/internal/cache"
	apperrors "github.com/zovohq/zovo/pkg/errors"
	"github.com/zovohq/zovo/pkg/logger"
	"github.com/zovohq/zovo/pkg/metrics"
)

const (
	// DefaultMaxAttempts is the number of failures tolerated per window.
	DefaultMaxAttempts = 5
	// DefaultWindow is the lockout window opened by the first failure.
	DefaultWindow = 15 * time.Minute

	keyPrefix = "ratelimit:"
)

// Config tunes a Limiter. Zero values fall back to the defaults.
type Config struct {
	MaxAttempts int64
	Window      time.Duration
}

// Limiter counts failed attempts per (action, identifier) pair in a fixed
// window backed by the shared cache, so the counters hold across restarts and
// across instances.
type Limiter struct {
	store       cache.Store
	maxAttempts int64
	window      time.Duration
}

// NewLimiter builds a Limiter on top of the shared cache store.
func NewLimiter(store cache.Store, cfg Config) *Limiter {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	return &Limiter{store: store, maxAttempts: cfg.MaxAttempts, window: cfg.Window}
}

// Window returns the configured lockout window.
func (l *Limiter) Window() time.Duration {
	return l.window
}

// Key builds the cache key for an (action, identifier) pair. Identifiers are
// hashed so raw emails and addresses never appear in cache keys or logs.
func (l *Limiter) Key(action, identifier string) string {
	return keyPrefix + action + ":" + hashIdentifier(identifier)
}

// IsLimited reports whether the pair has exhausted its attempts, along with
// the time remaining until the window expires. A store failure counts as
// limited: the limiter must not fail open.
func (l *Limiter) IsLimited(ctx context.Context, action, identifier string) (bool, time.Duration, error) {
	key := l.Key(action, identifier)
	value, ok, err := l.store.Get(ctx, key)
	if err != nil {
		logger.Error("rate limit check failed", zap.String("action", action), zap.Error(err))
		return true, l.window, err
	}
	if !ok {
		return false, 0, nil
	}

	var count int64
	if _, parseErr := fmt.Sscanf(strings.TrimSpace(string(value)), "%d", &count); parseErr != nil {
		return true, l.window, parseErr
	}
	if count < l.maxAttempts {
		return false, 0, nil
	}
	return true, l.remainingLockout(ctx, key), nil
}

// RemainingLockout reports how much of the window is left for a locked-out
// pair. Pairs that are not locked out report zero.
func (l *Limiter) RemainingLockout(ctx context.Context, action, identifier string) (time.Duration, error) {
	limited, remaining, err := l.IsLimited(ctx, action, identifier)
	if err != nil {
		return 0, err
	}
	if !limited {
		return 0, nil
	}
	return remaining, nil
}

// remainingLockout reads the counter key's actual TTL so lockout responses
// shrink as the window elapses. The full window is the fallback when the
// store cannot say.
func (l *Limiter) remainingLockout(ctx context.Context, key string) time.Duration {
	remaining, ok, err := l.store.TTL(ctx, key)
	if err != nil || !ok {
		return l.window
	}
	return remaining
}

// RecordFailure increments the counter for the pair and returns whether the
// attempt budget is now exhausted plus the remaining lockout.
func (l *Limiter) RecordFailure(ctx context.Context, action, identifier string) (bool, time.Duration, error) {
	key := l.Key(action, identifier)
	count, remaining, err := l.store.IncrementWithTTL(ctx, key, l.window)
	if err != nil {
		logger.Error("rate limit increment failed", zap.String("action", action), zap.Error(err))
		return true, l.window, err
	}
	if count >= l.maxAttempts {
		metrics.RateLimitRejections.WithLabelValues(action).Inc()
		return true, remaining, nil
	}
	return false, 0, nil
}

// Reset clears the counter for the pair. Called after a successful attempt.
func (l *Limiter) Reset(ctx context.Context, action, identifier string) error {
	return l.store.Delete(ctx, l.Key(action, identifier))
}

// Do runs fn under the limiter. It refuses up front when the pair is locked
// out, records a failure when fn returns an error and resets the counter when
// it succeeds. Lockouts surface as ErrTooManyAttempts with a retry hint. A
// store outage still refuses the attempt, but as an infrastructure error so
// the client knows to retry rather than wait out a lockout.
func (l *Limiter) Do(ctx context.Context, action, identifier string, fn func() error) error {
	limited, remaining, err := l.IsLimited(ctx, action, identifier)
	if err != nil {
		return apperrors.ErrServiceUnavailable.WithInternal(err)
	}
	if limited {
		return apperrors.NewTooManyAttempts(remaining)
	}

	if err := fn(); err != nil {
		if exhausted, lockout, recErr := l.RecordFailure(ctx, action, identifier); recErr == nil && exhausted {
			logger.Warn("rate limit lockout opened",
				zap.String("action", action),
				zap.Duration("lockout", lockout),
			)
		}
		return err
	}

	if err := l.Reset(ctx, action, identifier); err != nil {
		logger.Warn("rate limit reset failed", zap.String("action", action), zap.Error(err))
	}
	return nil
}

func hashIdentifier(identifier string) string {
	sum := sha256.Sum256([]byte(strings.ToLower(strings.TrimSpace(identifier))))
	return hex.EncodeToString(sum[:])
}
