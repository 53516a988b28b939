package adapters

import (
	"context"
	"fmt"
	"strconv"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/throttler"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Fetcher performs rate-limited GET requests against a platform API
type Fetcher interface {
	Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error)
}

// ThrottledFetcher wraps the shared HTTP client with an integration's rate
// limit. One instance is built per stream invocation, bound to the limit of
// the integration being processed.
type ThrottledFetcher struct {
	client    *httpclient.Client
	throttler *throttler.Throttler
	limit     throttler.Limit
	logger    ectologger.Logger
}

// NewThrottledFetcher creates a fetcher bound to an integration's rate limit
func NewThrottledFetcher(client *httpclient.Client, t *throttler.Throttler, limit throttler.Limit, logger ectologger.Logger) *ThrottledFetcher {
	return &ThrottledFetcher{
		client:    client,
		throttler: t,
		limit:     limit,
		logger:    logger,
	}
}

// Get waits for a rate limit slot, performs the request, and parses the body.
// A 429 response blocks the integration's limit for the platform's Retry-After
// before the error is returned.
func (f *ThrottledFetcher) Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error) {
	ctx, span := tracing.StartSpan(ctx, "ThrottledFetcher.Get")
	defer span.End()

	if err := f.throttler.Wait(ctx, f.limit); err != nil {
		return nil, err
	}

	resp, err := f.client.Get(ctx, url, headers)
	if err != nil {
		return nil, err
	}

	metrics.RecordHTTPRequest(f.limit.Platform, "GET", strconv.Itoa(resp.StatusCode), resp.Duration.Seconds())

	if httpclient.IsRateLimitStatus(resp.StatusCode) {
		if retryAfter, parseErr := throttler.ParseRetryAfter(resp.Headers["Retry-After"]); parseErr == nil {
			if backoffErr := f.throttler.Backoff(ctx, f.limit, retryAfter); backoffErr != nil {
				f.logger.WithContext(ctx).WithError(backoffErr).Warn("Failed to apply Retry-After backoff")
			}
		}
		return resp, fmt.Errorf("platform rate limited: %d", resp.StatusCode)
	}

	if !httpclient.IsSuccessStatus(resp.StatusCode) {
		return resp, fmt.Errorf("platform request failed: %d %s", resp.StatusCode, url)
	}

	if err := httpclient.ParseResponse(resp); err != nil {
		return resp, err
	}

	return resp, nil
}
