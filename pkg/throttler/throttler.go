// Package throttler enforces per-integration rate limits on outbound platform
// requests. Limits are shared across workers through Redis, so the guarantee
// holds no matter how many instances are fetching for the same integration.
package throttler

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultRequests applies when an integration has no explicit limit
	DefaultRequests = 60

	// DefaultInterval applies when an integration has no explicit window
	DefaultInterval = time.Minute

	// DefaultMaxWait bounds how long a worker blocks on a saturated limit
	DefaultMaxWait = 2 * time.Minute
)

// Limiter is the sliding-window limiter the throttler runs on. It is the
// Redis limiter in production and a fake in unit tests.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (*redis.RateLimitResult, error)
	BlockFor(ctx context.Context, key string, d time.Duration) error
	IsBlocked(ctx context.Context, key string) (bool, time.Duration, error)
	Reset(ctx context.Context, key string) error
}

// Limit is a resolved per-integration rate limit
type Limit struct {
	Key      string
	Platform string
	Requests int64
	Interval time.Duration
}

// ForIntegration resolves an integration's configured limit, falling back to
// defaults when the integration carries none.
func ForIntegration(integration *models.Integration) Limit {
	limit := Limit{
		Key:      fmt.Sprintf("integration:%s", integration.ID),
		Platform: integration.Platform,
		Requests: int64(integration.RateLimitRequests),
		Interval: time.Duration(integration.RateLimitIntervalMs) * time.Millisecond,
	}
	if limit.Requests <= 0 {
		limit.Requests = DefaultRequests
	}
	if limit.Interval <= 0 {
		limit.Interval = DefaultInterval
	}
	return limit
}

// Throttler guards outbound requests against integration rate limits
type Throttler struct {
	limiter Limiter
	maxWait time.Duration
	logger  ectologger.Logger
}

// New creates a throttler. maxWait bounds how long Wait blocks before giving
// up; zero uses the default.
func New(limiter Limiter, maxWait time.Duration, logger ectologger.Logger) *Throttler {
	if maxWait <= 0 {
		maxWait = DefaultMaxWait
	}
	return &Throttler{
		limiter: limiter,
		maxWait: maxWait,
		logger:  logger,
	}
}

// Wait blocks until the limit admits one request, the context is cancelled,
// or the wait would exceed maxWait. Every admitted request consumes one slot
// in the sliding window, so no more than Requests calls are admitted per
// Interval across all workers sharing the limiter.
func (t *Throttler) Wait(ctx context.Context, limit Limit) error {
	ctx, span := tracing.StartSpan(ctx, "Throttler.Wait")
	defer span.End()

	start := time.Now()
	deadline := start.Add(t.maxWait)

	for {
		result, err := t.limiter.Allow(ctx, limit.Key, limit.Requests, limit.Interval)
		if err != nil {
			return fmt.Errorf("rate limit check failed: %w", err)
		}

		if result.Allowed {
			if waited := time.Since(start); waited > time.Millisecond {
				metrics.RecordThrottleWait(limit.Platform, waited)
			}
			return nil
		}

		retryIn := result.RetryIn
		if retryIn <= 0 {
			retryIn = limit.Interval
		}

		if time.Now().Add(retryIn).After(deadline) {
			return fmt.Errorf("%w: waiting %v for %s would exceed max wait %v",
				redis.ErrRateLimitExceeded, retryIn, limit.Key, t.maxWait)
		}

		t.logger.WithContext(ctx).Infof("Rate limited on %s, waiting %v", limit.Key, retryIn)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(retryIn):
			// Re-check the window
		}
	}
}

// Backoff blocks the limit for the given duration. Used when the platform
// responds 429 with a Retry-After.
func (t *Throttler) Backoff(ctx context.Context, limit Limit, d time.Duration) error {
	ctx, span := tracing.StartSpan(ctx, "Throttler.Backoff")
	defer span.End()

	if d <= 0 {
		return nil
	}
	t.logger.WithContext(ctx).Warnf("Backing off %s for %v", limit.Key, d)
	return t.limiter.BlockFor(ctx, limit.Key, d)
}

// Reset clears the limit's window. Operator tooling only.
func (t *Throttler) Reset(ctx context.Context, limit Limit) error {
	return t.limiter.Reset(ctx, limit.Key)
}

// ParseRetryAfter parses a Retry-After header value
// Returns the duration to wait before retrying
func ParseRetryAfter(value string) (time.Duration, error) {
	// Try parsing as seconds
	if seconds, err := strconv.ParseInt(value, 10, 64); err == nil {
		return time.Duration(seconds) * time.Second, nil
	}

	// Try parsing as HTTP date (RFC 1123)
	if t, err := time.Parse(time.RFC1123, value); err == nil {
		return time.Until(t), nil
	}

	return 0, fmt.Errorf("invalid Retry-After value: %s", value)
}
