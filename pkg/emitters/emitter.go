// Package emitters publishes pipeline jobs onto the stage queues. An emitter
// owns lane selection for its stage: tenant-facing triggers are classified by
// the priority router, internal maintenance triggers go straight to the
// system lane.
package emitters

import (
	"context"
	"fmt"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/queue"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const (
	// DefaultMaxAttempts bounds publish retries before the trigger fails
	DefaultMaxAttempts = 3

	// DefaultBackoff is the base delay between publish attempts
	DefaultBackoff = 250 * time.Millisecond
)

// RetryConfig bounds the emitter's own publish retries. Backoff grows
// linearly with the attempt number.
type RetryConfig struct {
	MaxAttempts int
	Backoff     time.Duration
}

// Emitter publishes jobs for a single pipeline stage
type Emitter struct {
	streams *redis.Streams
	stage   string
	retry   RetryConfig
	logger  ectologger.Logger
}

// New creates an emitter for a stage
func New(streams *redis.Streams, stage string, retry RetryConfig, logger ectologger.Logger) *Emitter {
	if retry.MaxAttempts <= 0 {
		retry.MaxAttempts = DefaultMaxAttempts
	}
	if retry.Backoff <= 0 {
		retry.Backoff = DefaultBackoff
	}
	return &Emitter{
		streams: streams,
		stage:   stage,
		retry:   retry,
		logger:  logger,
	}
}

// Stage returns the stage this emitter serves
func (e *Emitter) Stage() string {
	return e.stage
}

// Trigger publishes a job, routing it through priority classification
func (e *Emitter) Trigger(ctx context.Context, platform string, entityID uuid.UUID, in priority.Input) error {
	return e.publish(ctx, priority.Classify(in), platform, entityID)
}

// TriggerSystem publishes a job on the system lane. Only internal callers
// (sweeper, operator tooling) use this; classification never yields system.
func (e *Emitter) TriggerSystem(ctx context.Context, platform string, entityID uuid.UUID) error {
	return e.publish(ctx, priority.LaneSystem, platform, entityID)
}

// TriggerLane publishes a job on an explicit lane
func (e *Emitter) TriggerLane(ctx context.Context, lane priority.Lane, platform string, entityID uuid.UUID) error {
	if !lane.IsValid() {
		return fmt.Errorf("invalid lane %q", lane)
	}
	return e.publish(ctx, lane, platform, entityID)
}

func (e *Emitter) publish(ctx context.Context, lane priority.Lane, platform string, entityID uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "Emitter.publish")
	defer span.End()

	tenantID := appctx.GetTenantID(ctx)
	if tenantID == "" {
		return fmt.Errorf("cannot emit %s job: no tenant in context", e.stage)
	}

	stream := queue.LaneStream(e.stage, lane)
	job := &redis.JobMessage{
		TenantID: tenantID,
		Platform: platform,
		EntityID: entityID.String(),
	}

	var lastErr error
	for attempt := 1; attempt <= e.retry.MaxAttempts; attempt++ {
		_, err := e.streams.Publish(ctx, stream, job)
		if err == nil {
			metrics.RecordJobEmitted(e.stage, string(lane))
			return nil
		}
		lastErr = err
		e.logger.WithContext(ctx).WithError(err).Warnf("Failed to publish %s job (attempt %d/%d)",
			e.stage, attempt, e.retry.MaxAttempts)

		if attempt == e.retry.MaxAttempts {
			break
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(e.retry.Backoff * time.Duration(attempt)):
		}
	}

	return fmt.Errorf("failed to publish %s job after %d attempts: %w", e.stage, e.retry.MaxAttempts, lastErr)
}

// StageEmitter is the publish surface of a single stage. Consumers depend on
// this rather than the concrete Emitter so they can be tested without Redis.
type StageEmitter interface {
	Stage() string
	Trigger(ctx context.Context, platform string, entityID uuid.UUID, in priority.Input) error
	TriggerSystem(ctx context.Context, platform string, entityID uuid.UUID) error
	TriggerLane(ctx context.Context, lane priority.Lane, platform string, entityID uuid.UUID) error
}

// Emitters bundles one emitter per pipeline stage
type Emitters struct {
	Runs       StageEmitter
	Streams    StageEmitter
	Data       StageEmitter
	Webhooks   StageEmitter
	SearchSync StageEmitter
}

// NewEmitters creates the full emitter set sharing one retry policy
func NewEmitters(streams *redis.Streams, retry RetryConfig, logger ectologger.Logger) *Emitters {
	return &Emitters{
		Runs:       New(streams, queue.StageRuns, retry, logger),
		Streams:    New(streams, queue.StageStreams, retry, logger),
		Data:       New(streams, queue.StageData, retry, logger),
		Webhooks:   New(streams, queue.StageWebhooks, retry, logger),
		SearchSync: New(streams, queue.StageSearchSync, retry, logger),
	}
}
