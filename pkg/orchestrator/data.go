package orchestrator

import (
	"context"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HandleData executes the data stage for one record: claim it, hand it off to
// the downstream sink over Kafka, and mark it processed. The sink consumer
// reads the payload from the database, so the Kafka message carries
// identifiers only.
func (o *Orchestrator) HandleData(ctx context.Context, job *redis.JobMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.HandleData")
	defer span.End()

	dataID, err := parseEntityID(job.EntityID)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Dropping data job with invalid entity id")
		return nil
	}

	data, err := o.data.GetByID(ctx, dataID)
	if isNotFound(err) {
		o.logger.WithContext(ctx).Warnf("Data record %s no longer exists, dropping job", dataID)
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := o.data.Claim(ctx, dataID)
	if err != nil {
		return err
	}
	if !claimed {
		o.logger.WithContext(ctx).Debugf("Data record %s not claimable in state %s, skipping", dataID, data.State)
		return nil
	}

	recordType, _ := data.Payload.Data["type"].(string)
	msg := &sink.DataMessage{
		TenantID: data.TenantID.String(),
		Platform: data.Platform,
		DataID:   data.ID.String(),
		Type:     recordType,
	}

	if err := o.producer.Publish(ctx, msg); err != nil {
		o.failData(ctx, data, err)
		return nil
	}

	if err := o.data.MarkProcessed(ctx, dataID); err != nil {
		return err
	}

	// Nudge the downstream search index about this integration
	integration, err := o.integrations.GetByID(ctx, data.IntegrationID)
	if err != nil {
		if isNotFound(err) {
			return nil
		}
		return err
	}
	return o.emitters.SearchSync.Trigger(ctx, data.Platform, data.IntegrationID, priorityInput(integration, false))
}

// failData marks a data record errored and re-drives it while retries remain.
// An exhausted record is announced on the failed topic so downstream can
// account for the gap.
func (o *Orchestrator) failData(ctx context.Context, data *models.StreamData, cause error) {
	o.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"data_id": data.ID,
	}).Error("Data hand-off failed")

	retries, err := o.data.MarkError(ctx, data.ID, cause.Error())
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark data record %s errored", data.ID)
		return
	}

	if retries >= o.config.MaxRetries {
		o.logger.WithContext(ctx).Errorf("Data record %s exhausted %d retries, leaving in error", data.ID, retries)
		if err := o.producer.PublishFailed(ctx, &sink.FailedMessage{
			TenantID:     data.TenantID.String(),
			Platform:     data.Platform,
			DataID:       data.ID.String(),
			ErrorMessage: cause.Error(),
			Retries:      retries,
		}); err != nil {
			o.logger.WithContext(ctx).WithError(err).Warnf("Failed to announce exhausted data record %s", data.ID)
		}
		return
	}

	// Lanes are recomputed at every publish, so the re-drive keeps the
	// tenant's plan, onboarding, and override routing.
	in := priority.Input{}
	if integration, err := o.integrations.GetByID(ctx, data.IntegrationID); err == nil {
		in = priorityInput(integration, false)
	}
	o.redrive(ctx, retries,
		func(c context.Context) error { return o.data.ResetToPending(c, data.ID) },
		func(c context.Context) error {
			return o.emitters.Data.Trigger(c, data.Platform, data.ID, in)
		})
}
