package orchestrator

import (
	"context"
	"fmt"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// HandleWebhook executes the webhook stage: claim the stored webhook, let the
// adapter normalize it into data records, and mark it processed. Webhooks
// arrive pre-identified, so there is no generate or fetch step.
func (o *Orchestrator) HandleWebhook(ctx context.Context, job *redis.JobMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Orchestrator.HandleWebhook")
	defer span.End()

	webhookID, err := parseEntityID(job.EntityID)
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Warn("Dropping webhook job with invalid entity id")
		return nil
	}

	webhook, err := o.webhooks.GetByID(ctx, webhookID)
	if isNotFound(err) {
		o.logger.WithContext(ctx).Warnf("Webhook %s no longer exists, dropping job", webhookID)
		return nil
	}
	if err != nil {
		return err
	}

	claimed, err := o.webhooks.Claim(ctx, webhookID)
	if err != nil {
		return err
	}
	if !claimed {
		o.logger.WithContext(ctx).Debugf("Webhook %s not claimable in state %s, skipping", webhookID, webhook.State)
		return nil
	}

	integration, err := o.integrations.GetByID(ctx, webhook.IntegrationID)
	if err != nil {
		o.failWebhook(ctx, webhook, err, isNotFound(err))
		return nil
	}

	adapter, err := o.registry.Get(webhook.Platform)
	if err != nil {
		o.failWebhook(ctx, webhook, err, true)
		return nil
	}

	if !adapter.SupportsWebhook(webhook.Type) {
		// Permanent: retrying an unknown type can never succeed
		o.failWebhook(ctx, webhook, fmt.Errorf("unsupported webhook type %q for platform %s", webhook.Type, webhook.Platform), true)
		return nil
	}

	wctx := adapters.NewWebhookContext(integration, webhook, func(ctx context.Context, payload map[string]any) error {
		return o.createWebhookData(ctx, integration, webhook, payload)
	}, o.logger)

	if err := adapter.ProcessWebhook(ctx, wctx); err != nil {
		o.failWebhook(ctx, webhook, err, false)
		return nil
	}

	return o.webhooks.MarkProcessed(ctx, webhookID)
}

// createWebhookData persists one normalized record derived from a webhook
func (o *Orchestrator) createWebhookData(ctx context.Context, integration *models.Integration, webhook *models.Webhook, payload map[string]any) error {
	webhookID := webhook.ID
	data := &models.StreamData{
		WebhookID:     &webhookID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Payload:       jsonbPayload(payload),
	}

	if err := o.data.Create(ctx, data); err != nil {
		return err
	}

	return o.emitters.Data.Trigger(ctx, integration.Platform, data.ID, priorityInput(integration, false))
}

// failWebhook marks a webhook errored. Permanent failures (unknown type,
// missing integration) are never re-driven; transient ones are, within the
// retry budget.
func (o *Orchestrator) failWebhook(ctx context.Context, webhook *models.Webhook, cause error, permanent bool) {
	o.logger.WithContext(ctx).WithError(cause).WithFields(map[string]any{
		"webhook_id": webhook.ID,
		"type":       webhook.Type,
	}).Error("Webhook processing failed")

	retries, err := o.webhooks.MarkError(ctx, webhook.ID, cause.Error())
	if err != nil {
		o.logger.WithContext(ctx).WithError(err).Errorf("Failed to mark webhook %s errored", webhook.ID)
		return
	}

	if permanent {
		return
	}

	if retries >= o.config.MaxRetries {
		o.logger.WithContext(ctx).Errorf("Webhook %s exhausted %d retries, leaving in error", webhook.ID, retries)
		return
	}

	// Lanes are recomputed at every publish, so the re-drive keeps the
	// tenant's plan, onboarding, and override routing.
	in := priority.Input{}
	if integration, err := o.integrations.GetByID(ctx, webhook.IntegrationID); err == nil {
		in = priorityInput(integration, false)
	}
	o.redrive(ctx, retries,
		func(c context.Context) error { return o.webhooks.ResetToPending(c, webhook.ID) },
		func(c context.Context) error {
			return o.emitters.Webhooks.Trigger(c, webhook.Platform, webhook.ID, in)
		})
}
