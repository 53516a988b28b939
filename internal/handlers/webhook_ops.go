package handlers

import (
	"strconv"

	"github.com/Gobusters/ectologger"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// WebhookOpsHandler exposes operator actions on stored webhooks
type WebhookOpsHandler struct {
	webhooks repositories.WebhookRepo
	emitters *emitters.Emitters
	registry *adapters.Registry
	logger   ectologger.Logger
}

// NewWebhookOpsHandler creates a new webhook ops handler
func NewWebhookOpsHandler(webhooks repositories.WebhookRepo, em *emitters.Emitters, registry *adapters.Registry, logger ectologger.Logger) *WebhookOpsHandler {
	return &WebhookOpsHandler{
		webhooks: webhooks,
		emitters: em,
		registry: registry,
		logger:   logger,
	}
}

// RegisterRoutes registers the webhook ops routes
func (h *WebhookOpsHandler) RegisterRoutes(g *echo.Group) {
	webhooks := g.Group("/webhooks")
	webhooks.GET("/:id", h.Get)
	webhooks.POST("/:id/trigger", h.Trigger)
	webhooks.POST("/process-pending", h.ProcessPending)
}

// Get handles GET /webhooks/:id
func (h *WebhookOpsHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	webhook, err := h.webhooks.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, webhook)
}

// Trigger handles POST /webhooks/:id/trigger. It resets the webhook to
// pending (clearing its retry budget) and queues it for reprocessing.
func (h *WebhookOpsHandler) Trigger(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	webhook, err := h.webhooks.GetByID(ctx, id)
	if err != nil {
		return err
	}

	adapter, err := h.registry.Get(webhook.Platform)
	if err != nil {
		return BadRequest("no adapter registered for platform " + webhook.Platform)
	}
	if !adapter.SupportsWebhook(webhook.Type) {
		return BadRequest("unsupported webhook type " + webhook.Type)
	}

	if err := h.webhooks.MarkPending(ctx, id); err != nil {
		return err
	}

	if err := h.emitters.Webhooks.TriggerLane(ctx, priority.LaneSystem, webhook.Platform, webhook.ID); err != nil {
		return err
	}

	return SuccessResponse(c, map[string]string{"status": "queued"})
}

// ProcessPending handles POST /webhooks/process-pending. It re-queues every
// pending webhook for the tenant, recovering webhooks whose original queue
// publish was lost.
func (h *WebhookOpsHandler) ProcessPending(c echo.Context) error {
	ctx := c.Request().Context()

	limit := 500
	if limitStr := c.QueryParam("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}

	pending, err := h.webhooks.ListPending(ctx, limit)
	if err != nil {
		return err
	}

	queued := 0
	var failed []models.Webhook
	for _, webhook := range pending {
		if err := h.emitters.Webhooks.TriggerLane(ctx, priority.LaneSystem, webhook.Platform, webhook.ID); err != nil {
			h.logger.WithContext(ctx).WithError(err).Warnf("Failed to queue pending webhook %s", webhook.ID)
			failed = append(failed, webhook)
			continue
		}
		queued++
	}

	return SuccessResponse(c, map[string]any{
		"pending": len(pending),
		"queued":  queued,
		"failed":  len(failed),
	})
}
