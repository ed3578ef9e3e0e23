package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/example/bggone/internal/logging"
)

type stubCache struct {
	incrErrs []error
	count    int64
	keys     []string
	expired  []string
}

func (s *stubCache) Incr(ctx context.Context, key string) (int64, error) {
	s.keys = append(s.keys, key)
	if len(s.incrErrs) > 0 {
		err := s.incrErrs[0]
		s.incrErrs = s.incrErrs[1:]
		if err != nil {
			return 0, err
		}
	}
	s.count++
	return s.count, nil
}

func (s *stubCache) Expire(ctx context.Context, key string, expiration time.Duration) error {
	s.expired = append(s.expired, key)
	return nil
}

type transientRedisError struct{}

func (transientRedisError) Error() string   { return "redis transient" }
func (transientRedisError) Timeout() bool   { return true }
func (transientRedisError) Temporary() bool { return true }

func newMiniredisLimiter(t *testing.T, limit int) (*RateLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	limiter := NewRateLimiter(NewRedisCache(client), limit, zap.NewNop())
	fixed := time.Date(2025, 1, 1, 12, 0, 30, 0, time.UTC)
	limiter.now = func() time.Time { return fixed }
	return limiter, mr
}

func TestRateLimiterBlocksAfterLimit(t *testing.T) {
	limiter, mr := newMiniredisLimiter(t, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		allowed, err := limiter.Allow(ctx, "10.0.0.1", "req")
		require.NoError(t, err)
		assert.True(t, allowed, "request %d", i+1)
	}

	allowed, err := limiter.Allow(ctx, "10.0.0.1", "req")
	require.NoError(t, err)
	assert.False(t, allowed)

	allowed, err = limiter.Allow(ctx, "10.0.0.2", "req")
	require.NoError(t, err)
	assert.True(t, allowed, "other clients keep their own budget")

	keys := mr.Keys()
	require.Len(t, keys, 2)
	assert.Equal(t, time.Minute, mr.TTL(keys[0]))
}

func TestRateLimiterNewWindowResets(t *testing.T) {
	limiter, _ := newMiniredisLimiter(t, 1)
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, "10.0.0.1", "req")
	require.NoError(t, err)
	assert.True(t, allowed)

	allowed, _ = limiter.Allow(ctx, "10.0.0.1", "req")
	assert.False(t, allowed)

	next := time.Date(2025, 1, 1, 12, 1, 5, 0, time.UTC)
	limiter.now = func() time.Time { return next }
	allowed, err = limiter.Allow(ctx, "10.0.0.1", "req")
	require.NoError(t, err)
	assert.True(t, allowed)
}

func TestRateLimiterFailsOpen(t *testing.T) {
	limiter, mr := newMiniredisLimiter(t, 1)
	limiter.retryAttempts = 1
	mr.Close()

	allowed, err := limiter.Allow(context.Background(), "10.0.0.1", "req-3")
	assert.True(t, allowed)
	require.Error(t, err)

	var opErr *logging.OperationError
	require.True(t, errors.As(err, &opErr))
	assert.Equal(t, "cache.incr.rate_limit", opErr.Operation)
	assert.Equal(t, "req-3", opErr.RequestID)
}

func TestRateLimiterRetriesTransientErrors(t *testing.T) {
	cache := &stubCache{incrErrs: []error{transientRedisError{}}}
	limiter := NewRateLimiter(cache, 5, zap.NewNop())
	limiter.initialBackoff = time.Millisecond
	limiter.maxBackoff = 2 * time.Millisecond

	allowed, err := limiter.Allow(context.Background(), "10.0.0.1", "req")
	require.NoError(t, err)
	assert.True(t, allowed)
	require.Len(t, cache.keys, 2)
	assert.Equal(t, cache.keys[0], cache.keys[1], "retry targets the same key")
	assert.Len(t, cache.expired, 1)
}

func TestRateLimiterDoesNotRetryPermanentErrors(t *testing.T) {
	cache := &stubCache{incrErrs: []error{errors.New("WRONGTYPE")}}
	limiter := NewRateLimiter(cache, 5, zap.NewNop())

	allowed, err := limiter.Allow(context.Background(), "10.0.0.1", "req")
	assert.True(t, allowed)
	require.Error(t, err)
	assert.Len(t, cache.keys, 1)
}

func TestRateLimiterDisabled(t *testing.T) {
	cache := &stubCache{}
	limiter := NewRateLimiter(cache, 0, zap.NewNop())

	allowed, err := limiter.Allow(context.Background(), "10.0.0.1", "req")
	require.NoError(t, err)
	assert.True(t, allowed)
	assert.Empty(t, cache.keys)

	var nilLimiter *RateLimiter
	allowed, err = nilLimiter.Allow(context.Background(), "10.0.0.1", "req")
	require.NoError(t, err)
	assert.True(t, allowed)
}
