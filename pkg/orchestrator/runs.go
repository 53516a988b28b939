package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HandleRun executes the generate stage for one run: claim it, let the
// adapter enumerate streams, and queue each stream for processing. Returning
// nil acks the queue message; recoverable failures are re-driven through the
// database state machine rather than queue redelivery.
func (o *Orchestrator) HandleRun(ctx context.Context, job *redis.JobMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.HandleRun")
	defer span.End()

	runID, err := parseEntityID(job.EntityID)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Dropping run job with invalid entity id")
		return nil
	}

	run, err := o.runs.GetByID(ctx, runID)
	if isNotFound(err) {
		o.logger.WithContext(ctx).Warnf("Run %s no longer exists, dropping job", runID)
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := o.runs.Claim(ctx, runID)
	if err != nil {
		return err
	}
	if !claimed {
		// Duplicate delivery or a competing worker won the claim
		o.logger.WithContext(ctx).Debugf("Run %s not claimable in state %s, skipping", runID, run.State)
		return nil
	}

	integration, err := o.integrations.GetByID(ctx, run.IntegrationID)
	if err != nil {
		o.failRun(ctx, run, err)
		return nil
	}

	adapter, err := o.registry.Get(run.Platform)
	if err != nil {
		o.failRun(ctx, run, err)
		return nil
	}

	// A full resync restarts discovery from scratch
	if run.Full {
		if err := o.integrations.ResetCursor(ctx, integration.ID); err != nil {
			o.failRun(ctx, run, err)
			return nil
		}
		delete(integration.Settings.Data, models.CursorSettingsKey)
	}

	streamCount := 0
	gctx := adapters.NewGenerateContext(integration, run, func(ctx context.Context, identifier string, metadata map[string]any) error {
		created, err := o.createStream(ctx, integration, run, nil, identifier, metadata)
		if err != nil {
			return err
		}
		if created {
			streamCount++
		}
		return nil
	}, o.logger)

	if err := adapter.GenerateStreams(ctx, gctx); err != nil {
		o.failRun(ctx, run, err)
		return nil
	}

	if streamCount == 0 {
		// Nothing new was discovered. That only means completion when no
		// earlier discovery is still in flight: a run re-queued by the
		// sweeper re-enumerates identifiers that all deduplicate, and its
		// original streams may still be pending or processing.
		unfinished, err := o.streams.CountUnfinishedByRun(ctx, run.ID)
		if err != nil {
			return err
		}
		if unfinished > 0 {
			o.logger.WithContext(ctx).Infof("Run %s re-generated with %d streams still in flight", run.ID, unfinished)
			return nil
		}
		if err := o.runs.MarkDone(ctx, run.ID); err != nil {
			return err
		}
		return o.integrations.UpdateStatus(ctx, integration.ID, models.IntegrationStatusActive)
	}

	o.logger.WithContext(ctx).Infof("Run %s generated %d streams", run.ID, streamCount)
	return nil
}

// createStream persists a discovered stream and queues it. Returns false when
// the identifier was already discovered within the run.
func (o *Orchestrator) createStream(ctx context.Context, integration *models.Integration, run *models.Run, parentID *uuid.UUID, identifier string, metadata map[string]any) (bool, error) {
	stream := &models.Stream{
		RunID:         run.ID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Identifier:    identifier,
		Metadata:      database.JSONB[map[string]any]{Data: metadata},
		ParentID:      parentID,
	}

	created, err := o.streams.Create(ctx, stream)
	if err != nil {
		return false, err
	}
	if !created {
		return false, nil
	}

	if err := o.emitters.Streams.Trigger(ctx, integration.Platform, stream.ID, priorityInput(integration, run.Onboarding)); err != nil {
		return true, err
	}
	return true, nil
}

// failRun marks a run errored. Runs are not re-driven automatically: a failed
// generate stage means the integration itself is misconfigured or the
// platform is rejecting us, and retrying without operator input would just
// burn the rate limit. The resync command is the recovery path.
func (o *Orchestrator) failRun(ctx context.Context, run *models.Run, cause error) {
	o.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"run_id":         run.ID,
		"integration_id": run.IntegrationID,
	}).Error("Run failed")

	if _, err := o.runs.MarkError(ctx, run.ID, cause.Error()); err != nil {
		o.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark run %s errored", run.ID)
		return
	}

	if err := o.integrations.UpdateStatus(ctx, run.IntegrationID, models.IntegrationStatusError); err != nil {
		o.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark integration %s errored", run.IntegrationID)
	}
}
