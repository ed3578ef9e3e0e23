package usecase

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/example/bggone/internal/logging"
)

const rateLimitWindow = time.Minute

// RateLimiter counts requests per client IP in fixed one-minute windows.
// Counters live in Redis so relay instances stay stateless.
type RateLimiter struct {
	cache          Cache
	limit          int
	logger         *zap.Logger
	now            func() time.Time
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewRateLimiter allows limit requests per minute per client. A
// non-positive limit disables limiting.
func NewRateLimiter(cache Cache, limit int, logger *zap.Logger) *RateLimiter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RateLimiter{
		cache:          cache,
		limit:          limit,
		logger:         logger.Named("rate_limiter"),
		now:            time.Now,
		retryAttempts:  3,
		initialBackoff: 20 * time.Millisecond,
		maxBackoff:     200 * time.Millisecond,
	}
}

// Allow records one request from clientIP and reports whether it is within
// the limit. Cache failures allow the request and return the error so the
// caller can log it.
func (l *RateLimiter) Allow(ctx context.Context, clientIP, requestID string) (bool, error) {
	if l == nil || l.cache == nil || l.limit <= 0 {
		return true, nil
	}

	window := l.now().UTC().Unix() / int64(rateLimitWindow/time.Second)
	key := fmt.Sprintf("ratelimit:%s:%d", clientIP, window)

	var count int64
	err := l.withRedisRetry(ctx, requestID, "cache.incr.rate_limit", func() error {
		n, err := l.cache.Incr(ctx, key)
		if err != nil {
			return err
		}
		count = n
		return nil
	})
	if err != nil {
		return true, err
	}

	if count == 1 {
		if err := l.withRedisRetry(ctx, requestID, "cache.expire.rate_limit", func() error {
			return l.cache.Expire(ctx, key, rateLimitWindow)
		}); err != nil {
			return true, err
		}
	}

	return count <= int64(l.limit), nil
}

func (l *RateLimiter) withRedisRetry(ctx context.Context, requestID, operation string, fn func() error) error {
	if l.retryAttempts <= 1 {
		return logging.NewOperationError(operation, requestID, fn())
	}

	backoff := l.initialBackoff
	opLogger := logging.WithOperation(l.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < l.retryAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= l.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("redis operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == l.retryAttempts-1 {
			opLogger.Error("redis operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient redis error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}

func isTransientError(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var temporary interface{ Temporary() bool }
	if errors.As(err, &temporary) && temporary.Temporary() {
		return true
	}

	return false
}
