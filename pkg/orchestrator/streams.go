package orchestrator

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/throttler"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HandleStream executes the stream stage for one page: claim the stream,
// fetch and normalize under the integration's rate limit, then mark it
// processed. The continuation page (if the adapter requested one) is only
// created after the current page reaches processed, which is what keeps
// pagination strictly ordered.
func (o *Orchestrator) HandleStream(ctx context.Context, job *redis.JobMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.HandleStream")
	defer span.End()

	streamID, err := parseEntityID(job.EntityID)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Dropping stream job with invalid entity id")
		return nil
	}

	stream, err := o.streams.GetByID(ctx, streamID)
	if isNotFound(err) {
		o.logger.WithContext(ctx).Warnf("Stream %s no longer exists, dropping job", streamID)
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := o.streams.Claim(ctx, streamID)
	if err != nil {
		return err
	}
	if !claimed {
		return o.handleUnclaimableStream(ctx, stream)
	}

	integration, err := o.integrations.GetByID(ctx, stream.IntegrationID)
	if err != nil {
		o.failStream(ctx, nil, stream, err)
		return nil
	}

	run, err := o.runs.GetByID(ctx, stream.RunID)
	if err != nil {
		o.failStream(ctx, integration, stream, err)
		return nil
	}

	adapter, err := o.registry.Get(stream.Platform)
	if err != nil {
		o.failStream(ctx, integration, stream, err)
		return nil
	}

	token, err := o.auth.Token(ctx, integration)
	if err != nil {
		o.failStream(ctx, integration, stream, err)
		return nil
	}

	limit := throttler.ForIntegration(integration)
	fetcher := adapters.NewThrottledFetcher(o.httpClient, o.throttler, limit, o.logger)

	sctx := adapters.NewStreamContext(integration, stream, fetcher, func(ctx context.Context, payload map[string]any) error {
		return o.createData(ctx, integration, stream, payload)
	}, o.logger).WithAuthToken(token)

	if err := adapter.ProcessStream(ctx, sctx); err != nil {
		o.failStream(ctx, integration, stream, err)
		return nil
	}

	if err := o.streams.MarkProcessed(ctx, stream.ID); err != nil {
		return err
	}

	// The page is durable; now the continuation may become claimable
	if np := sctx.NextPage(); np != nil {
		parentID := stream.ID
		if _, err := o.createStream(ctx, integration, run, &parentID, np.Identifier, np.Metadata); err != nil {
			o.logger.WithContext(ctx).WithError(err).Errorf("Failed to create continuation for stream %s", stream.ID)
			return err
		}
	}

	if cursors := sctx.Cursors(); len(cursors) > 0 {
		if err := o.persistCursors(ctx, integration, cursors); err != nil {
			// Cursor loss is not fatal: the next incremental sync refetches a little more
			o.logger.WithContext(ctx).WithError(err).Warnf("Failed to persist cursors for integration %s", integration.ID)
		}
	}

	return o.checkRunComplete(ctx, integration, stream)
}

// handleUnclaimableStream decides what a failed claim means. A stream still
// pending has an unprocessed parent: push it back onto the queue for later.
// Anything else is a duplicate delivery and is dropped.
func (o *Orchestrator) handleUnclaimableStream(ctx context.Context, stream *models.Stream) error {
	current, err := o.streams.GetByID(ctx, stream.ID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}

	if current.State != models.StreamStatePending {
		o.logger.WithContext(ctx).Debugf("Stream %s already %s, skipping duplicate delivery", stream.ID, current.State)
		return nil
	}

	if current.ParentID != nil {
		parent, err := o.streams.GetByID(ctx, *current.ParentID)
		if err != nil {
			if isNotFound(err) {
				return nil
			}
			return err
		}
		if parent.State == models.StreamStateError {
			// The chain is broken until the operator revives the parent;
			// re-queueing the child here would spin forever. The stale-pending
			// sweep picks the child back up once the parent is processed.
			o.logger.WithContext(ctx).Debugf("Stream %s parent %s is errored, dropping delivery", stream.ID, parent.ID)
			return nil
		}
	}

	integration, err := o.integrations.GetByID(ctx, stream.IntegrationID)
	if err != nil {
		return err
	}

	o.logger.WithContext(ctx).Debugf("Stream %s waiting on parent, re-queueing", stream.ID)
	o.redrive(ctx, 1,
		func(context.Context) error { return nil },
		func(c context.Context) error {
			return o.emitters.Streams.Trigger(c, stream.Platform, stream.ID, priorityInput(integration, false))
		})
	return nil
}

// createData persists one normalized record and queues the data stage
func (o *Orchestrator) createData(ctx context.Context, integration *models.Integration, stream *models.Stream, payload map[string]any) error {
	streamID := stream.ID
	runID := stream.RunID
	data := &models.StreamData{
		StreamID:      &streamID,
		RunID:         &runID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Payload:       jsonbPayload(payload),
	}

	if err := o.data.Create(ctx, data); err != nil {
		return err
	}

	return o.emitters.Data.Trigger(ctx, integration.Platform, data.ID, priorityInput(integration, false))
}

// persistCursors merges the invocation's cursors into the integration settings
func (o *Orchestrator) persistCursors(ctx context.Context, integration *models.Integration, cursors map[string]any) error {
	settings := integration.Settings.Data
	if settings == nil {
		settings = make(map[string]any)
	}

	existing, _ := settings[models.CursorSettingsKey].(map[string]any)
	if existing == nil {
		existing = make(map[string]any)
	}
	for key, cursor := range cursors {
		existing[key] = cursor
	}
	settings[models.CursorSettingsKey] = existing

	return o.integrations.UpdateSettings(ctx, integration.ID, settings)
}

// checkRunComplete marks the run done once its last stream finishes
func (o *Orchestrator) checkRunComplete(ctx context.Context, integration *models.Integration, stream *models.Stream) error {
	remaining, err := o.streams.CountUnfinishedByRun(ctx, stream.RunID)
	if err != nil {
		return err
	}
	if remaining > 0 {
		return nil
	}

	if err := o.runs.MarkDone(ctx, stream.RunID); err != nil {
		// Another stream's worker may have won the race to complete the run
		if isNotFound(err) {
			return nil
		}
		return err
	}

	o.logger.WithContext(ctx).Infof("Run %s complete", stream.RunID)
	return o.integrations.UpdateStatus(ctx, integration.ID, models.IntegrationStatusActive)
}

// failStream marks a stream errored and re-drives it while retries remain
func (o *Orchestrator) failStream(ctx context.Context, integration *models.Integration, stream *models.Stream, cause error) {
	o.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"stream_id":  stream.ID,
		"identifier": stream.Identifier,
	}).Error("Stream processing failed")

	retries, err := o.streams.MarkError(ctx, stream.ID, cause.Error())
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark stream %s errored", stream.ID)
		return
	}

	if retries >= o.config.MaxRetries {
		o.logger.WithContext(ctx).Errorf("Stream %s exhausted %d retries, leaving in error", stream.ID, retries)
		return
	}

	in := priority.Input{}
	if integration != nil {
		in = priorityInput(integration, false)
	}
	o.redrive(ctx, retries,
		func(c context.Context) error { return o.streams.ResetToPending(c, stream.ID) },
		func(c context.Context) error {
			return o.emitters.Streams.Trigger(c, stream.Platform, stream.ID, in)
		})
}
