package throttler_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/throttler"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// fakeLimiter denies the first denyFirst requests with RetryIn, then admits
type fakeLimiter struct {
	mu        sync.Mutex
	denyFirst int
	retryIn   time.Duration
	calls     int
	blockedBy time.Duration
	resets    int
}

func (f *fakeLimiter) Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redis.RateLimitResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.calls <= f.denyFirst {
		return &redis.RateLimitResult{Allowed: false, RetryIn: f.retryIn}, nil
	}
	return &redis.RateLimitResult{Allowed: true}, nil
}

func (f *fakeLimiter) BlockFor(ctx context.Context, key string, d time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.blockedBy = d
	return nil
}

func (f *fakeLimiter) IsBlocked(ctx context.Context, key string) (bool, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blockedBy > 0, f.blockedBy, nil
}

func (f *fakeLimiter) Reset(ctx context.Context, key string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

func (f *fakeLimiter) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func TestForIntegration(t *testing.T) {
	t.Run("explicit limits", func(t *testing.T) {
		integration := &models.Integration{
			ID:                  uuid.New(),
			Platform:            "github",
			RateLimitRequests:   100,
			RateLimitIntervalMs: 5000,
		}
		limit := throttler.ForIntegration(integration)
		assert.Equal(t, int64(100), limit.Requests)
		assert.Equal(t, 5*time.Second, limit.Interval)
		assert.Equal(t, "github", limit.Platform)
		assert.Contains(t, limit.Key, integration.ID.String())
	})

	t.Run("defaults apply when unset", func(t *testing.T) {
		limit := throttler.ForIntegration(&models.Integration{ID: uuid.New(), Platform: "discord"})
		assert.Equal(t, int64(throttler.DefaultRequests), limit.Requests)
		assert.Equal(t, throttler.DefaultInterval, limit.Interval)
	})
}

func TestThrottler_WaitAdmits(t *testing.T) {
	limiter := &fakeLimiter{}
	th := throttler.New(limiter, time.Second, getTestLogger())
	limit := throttler.Limit{Key: "integration:test", Requests: 3, Interval: time.Minute}

	for i := 0; i < 3; i++ {
		require.NoError(t, th.Wait(context.Background(), limit))
	}
	assert.Equal(t, 3, limiter.callCount())
}

func TestThrottler_WaitBlocksThenAdmits(t *testing.T) {
	// Denied once with a short retry, admitted on the re-check
	limiter := &fakeLimiter{denyFirst: 1, retryIn: 10 * time.Millisecond}
	th := throttler.New(limiter, time.Second, getTestLogger())
	limit := throttler.Limit{Key: "integration:test", Requests: 1, Interval: time.Minute}

	start := time.Now()
	require.NoError(t, th.Wait(context.Background(), limit))
	assert.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
	assert.Equal(t, 2, limiter.callCount())
}

func TestThrottler_WaitGivesUpPastMaxWait(t *testing.T) {
	limiter := &fakeLimiter{denyFirst: 1000, retryIn: time.Hour}
	th := throttler.New(limiter, 50*time.Millisecond, getTestLogger())
	limit := throttler.Limit{Key: "integration:test", Requests: 1, Interval: time.Minute}

	err := th.Wait(context.Background(), limit)
	require.Error(t, err)
	assert.ErrorIs(t, err, redis.ErrRateLimitExceeded)
	// Must fail fast instead of sleeping out the retry
	assert.Equal(t, 1, limiter.callCount())
}

func TestThrottler_WaitHonorsContextCancel(t *testing.T) {
	limiter := &fakeLimiter{denyFirst: 1000, retryIn: 10 * time.Millisecond}
	th := throttler.New(limiter, time.Minute, getTestLogger())
	limit := throttler.Limit{Key: "integration:test", Requests: 1, Interval: time.Minute}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()

	err := th.Wait(ctx, limit)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestThrottler_Backoff(t *testing.T) {
	limiter := &fakeLimiter{}
	th := throttler.New(limiter, time.Second, getTestLogger())
	limit := throttler.Limit{Key: "integration:test"}

	require.NoError(t, th.Backoff(context.Background(), limit, 30*time.Second))
	assert.Equal(t, 30*time.Second, limiter.blockedBy)

	// Zero duration is a no-op
	limiter.blockedBy = 0
	require.NoError(t, th.Backoff(context.Background(), limit, 0))
	assert.Equal(t, time.Duration(0), limiter.blockedBy)
}

func TestThrottler_Reset(t *testing.T) {
	limiter := &fakeLimiter{}
	th := throttler.New(limiter, time.Second, getTestLogger())

	require.NoError(t, th.Reset(context.Background(), throttler.Limit{Key: "integration:test"}))
	assert.Equal(t, 1, limiter.resets)
}

func TestParseRetryAfter(t *testing.T) {
	d, err := throttler.ParseRetryAfter("120")
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, d)

	future := time.Now().Add(time.Minute).UTC().Format(time.RFC1123)
	d, err = throttler.ParseRetryAfter(future)
	require.NoError(t, err)
	assert.Greater(t, d, 50*time.Second)

	_, err = throttler.ParseRetryAfter("soon")
	assert.Error(t, err)
}
