package handlers

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// maxWebhookBodySize bounds inbound webhook payloads (1MB)
const maxWebhookBodySize = 1 << 20

// WebhookSecretSettingsKey is the settings key holding the shared HMAC secret
const WebhookSecretSettingsKey = "webhook_secret"

// githubEventHeader carries the event type on GitHub deliveries
const githubEventHeader = "X-GitHub-Event"

// eventTypeHeader carries the event type for platforms without their own convention
const eventTypeHeader = "X-Event-Type"

// WebhookIngestHandler accepts platform callbacks. The route is not behind the
// OIDC middleware: the caller is the external platform, authenticated by the
// HMAC signature against the integration's shared secret.
type WebhookIngestHandler struct {
	integrations repositories.IntegrationRepo
	webhooks     repositories.WebhookRepo
	emitters     *emitters.Emitters
	logger       ectologger.Logger
}

// NewWebhookIngestHandler creates a new webhook ingest handler
func NewWebhookIngestHandler(
	integrations repositories.IntegrationRepo,
	webhooks repositories.WebhookRepo,
	em *emitters.Emitters,
	logger ectologger.Logger,
) *WebhookIngestHandler {
	return &WebhookIngestHandler{
		integrations: integrations,
		webhooks:     webhooks,
		emitters:     em,
		logger:       logger,
	}
}

// RegisterRoutes registers the public ingest route
func (h *WebhookIngestHandler) RegisterRoutes(e *echo.Echo) {
	e.POST("/webhooks/:platform/:integrationId", h.Ingest)
}

// Ingest handles POST /webhooks/:platform/:integrationId. The signature is
// verified against the raw body before anything is parsed or persisted; a bad
// signature leaves no trace beyond the rejection metric.
func (h *WebhookIngestHandler) Ingest(c echo.Context) error {
	ctx := c.Request().Context()
	platform := c.Param("platform")

	integrationID, err := ParseUUID(c, "integrationId")
	if err != nil {
		metrics.RecordWebhookReceived(platform, "rejected")
		return err
	}

	body, err := io.ReadAll(io.LimitReader(c.Request().Body, maxWebhookBodySize+1))
	if err != nil {
		metrics.RecordWebhookReceived(platform, "rejected")
		return BadRequest("failed to read request body")
	}
	if len(body) > maxWebhookBodySize {
		metrics.RecordWebhookReceived(platform, "rejected")
		return BadRequest("payload too large")
	}

	integration, err := h.integrations.GetByIDAny(ctx, integrationID)
	if err != nil {
		// A probe against an unknown integration gets the same answer as a
		// bad signature
		metrics.RecordWebhookReceived(platform, "rejected")
		return Unauthorized("invalid signature")
	}
	if integration.Platform != platform {
		metrics.RecordWebhookReceived(platform, "rejected")
		return Unauthorized("invalid signature")
	}

	secret, _ := integration.Settings.Data[WebhookSecretSettingsKey].(string)
	signature := c.Request().Header.Get(SignatureHeader(platform))
	if !VerifySignature(secret, body, signature) {
		h.logger.WithContext(ctx).WithFields(map[string]any{
			"platform":       platform,
			"integration_id": integrationID,
		}).Warn("Rejected webhook with invalid signature")
		metrics.RecordWebhookReceived(platform, "rejected")
		return Unauthorized("invalid signature")
	}

	eventType := c.Request().Header.Get(githubEventHeader)
	if eventType == "" {
		eventType = c.Request().Header.Get(eventTypeHeader)
	}
	if eventType == "" {
		metrics.RecordWebhookReceived(platform, "rejected")
		return BadRequest("missing event type header")
	}

	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		metrics.RecordWebhookReceived(platform, "rejected")
		return BadRequest("payload is not valid JSON")
	}

	// The signature established who the caller is; run the rest of the
	// request under the integration's tenant
	ctx = appctx.SetTenantID(ctx, integration.TenantID.String())

	webhook := &models.Webhook{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Type:          eventType,
		Payload:       database.JSONB[map[string]any]{Data: payload},
	}

	if err := h.webhooks.Create(ctx, webhook); err != nil {
		metrics.RecordWebhookReceived(platform, "error")
		return err
	}

	in := priority.Input{
		Onboarding: integration.Onboarding,
		Plan:       integration.Plan,
	}
	if integration.PriorityOverride != nil {
		lane := priority.Lane(*integration.PriorityOverride)
		in.DBPriorityOverride = &lane
	}

	if err := h.emitters.Webhooks.Trigger(ctx, integration.Platform, webhook.ID, in); err != nil {
		// The webhook is durable; the sweeper or process-pending tooling
		// will pick it up if the queue publish failed
		h.logger.WithContext(ctx).WithError(err).Warnf("Failed to queue webhook %s", webhook.ID)
	}

	metrics.RecordWebhookReceived(platform, "accepted")
	return c.JSON(http.StatusCreated, map[string]any{"id": webhook.ID})
}
