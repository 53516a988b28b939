package handlers

import (
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

// IntegrationHandler handles integration-related API requests
type IntegrationHandler struct {
	repo     repositories.IntegrationRepo
	runs     repositories.RunRepo
	emitters *emitters.Emitters
}

// NewIntegrationHandler creates a new integration handler
func NewIntegrationHandler(repo repositories.IntegrationRepo, runs repositories.RunRepo, em *emitters.Emitters) *IntegrationHandler {
	return &IntegrationHandler{
		repo:     repo,
		runs:     runs,
		emitters: em,
	}
}

// CreateIntegrationRequest is the request body for creating an integration
type CreateIntegrationRequest struct {
	Platform            string         `json:"platform" validate:"required"`
	Plan                string         `json:"plan,omitempty"`
	Onboarding          bool           `json:"onboarding,omitempty"`
	PriorityOverride    *string        `json:"priority_override,omitempty"`
	RateLimitRequests   int            `json:"rate_limit_requests,omitempty"`
	RateLimitIntervalMs int            `json:"rate_limit_interval_ms,omitempty"`
	Settings            map[string]any `json:"settings,omitempty"`
}

// UpdateSettingsRequest is the request body for replacing integration settings
type UpdateSettingsRequest struct {
	Settings map[string]any `json:"settings" validate:"required"`
}

// ResyncRequest is the request body for triggering a sync run
type ResyncRequest struct {
	// Full restarts discovery from scratch instead of the stored cursors
	Full bool `json:"full,omitempty"`
}

// RegisterRoutes registers the integration routes
func (h *IntegrationHandler) RegisterRoutes(g *echo.Group) {
	integrations := g.Group("/integrations")
	integrations.POST("", h.Create)
	integrations.GET("", h.List)
	integrations.GET("/:id", h.Get)
	integrations.PUT("/:id/settings", h.UpdateSettings)
	integrations.POST("/:id/reset-cursor", h.ResetCursor)
	integrations.POST("/:id/resync", h.Resync)
	integrations.GET("/:id/runs", h.ListRuns)
	integrations.DELETE("/:id", h.Delete)
}

// Create handles POST /integrations
func (h *IntegrationHandler) Create(c echo.Context) error {
	ctx := c.Request().Context()

	tenantID, err := GetTenantID(c)
	if err != nil {
		return err
	}

	var req CreateIntegrationRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	if req.Platform == "" {
		return BadRequest("platform is required")
	}
	if req.PriorityOverride != nil && !priority.Lane(*req.PriorityOverride).IsValid() {
		return BadRequest("priority_override must be one of: system, high, normal")
	}

	integration := &models.Integration{
		ID:                  uuid.New(),
		TenantID:            tenantID,
		Platform:            req.Platform,
		Plan:                req.Plan,
		Onboarding:          req.Onboarding,
		PriorityOverride:    req.PriorityOverride,
		RateLimitRequests:   req.RateLimitRequests,
		RateLimitIntervalMs: req.RateLimitIntervalMs,
	}
	if req.Settings != nil {
		integration.Settings = database.JSONB[map[string]any]{Data: req.Settings}
	}

	if err := h.repo.Create(ctx, integration); err != nil {
		return err
	}

	return CreatedResponse(c, integration)
}

// List handles GET /integrations
func (h *IntegrationHandler) List(c echo.Context) error {
	ctx := c.Request().Context()

	integrations, err := h.repo.List(ctx)
	if err != nil {
		return err
	}

	return SuccessResponse(c, integrations)
}

// Get handles GET /integrations/:id
func (h *IntegrationHandler) Get(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, integration)
}

// UpdateSettings handles PUT /integrations/:id/settings
func (h *IntegrationHandler) UpdateSettings(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req UpdateSettingsRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}
	if req.Settings == nil {
		return BadRequest("settings is required")
	}

	if err := h.repo.UpdateSettings(ctx, id, req.Settings); err != nil {
		return err
	}

	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	return SuccessResponse(c, integration)
}

// ResetCursor handles POST /integrations/:id/reset-cursor
func (h *IntegrationHandler) ResetCursor(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.ResetCursor(ctx, id); err != nil {
		return err
	}

	return SuccessResponse(c, map[string]string{"status": "cursor reset"})
}

// Resync handles POST /integrations/:id/resync. It creates a new sync run and
// queues the generate stage.
func (h *IntegrationHandler) Resync(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	var req ResyncRequest
	if err := c.Bind(&req); err != nil {
		return BadRequest("invalid request body")
	}

	integration, err := h.repo.GetByID(ctx, id)
	if err != nil {
		return err
	}

	run := &models.Run{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Onboarding:    integration.Onboarding,
		Full:          req.Full,
	}

	if err := h.runs.Create(ctx, run); err != nil {
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

	if err := h.emitters.Runs.Trigger(ctx, integration.Platform, run.ID, in); err != nil {
		return err
	}

	return CreatedResponse(c, run)
}

// ListRuns handles GET /integrations/:id/runs
func (h *IntegrationHandler) ListRuns(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	runs, err := h.runs.ListByIntegration(ctx, id, 50)
	if err != nil {
		return err
	}

	return SuccessResponse(c, runs)
}

// Delete handles DELETE /integrations/:id
func (h *IntegrationHandler) Delete(c echo.Context) error {
	ctx := c.Request().Context()

	id, err := ParseUUID(c, "id")
	if err != nil {
		return err
	}

	if err := h.repo.Delete(ctx, id); err != nil {
		return err
	}

	return NoContentResponse(c)
}
