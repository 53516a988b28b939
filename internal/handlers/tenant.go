package handlers

import (
	"net/http"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/Ramsey-B/fern/pkg/repositories"
)

// TenantHandler handles tenant-level operations
type TenantHandler struct {
	integrations *repositories.IntegrationRepository
	logger       ectologger.Logger
}

// NewTenantHandler creates a new tenant handler
func NewTenantHandler(integrations *repositories.IntegrationRepository, logger ectologger.Logger) *TenantHandler {
	return &TenantHandler{
		integrations: integrations,
		logger:       logger,
	}
}

// RegisterRoutes registers tenant routes
func (h *TenantHandler) RegisterRoutes(g *echo.Group) {
	g.DELETE("/tenant/:tenant_id", h.DeleteTenantData)
}

// DeleteTenantData deletes all data for a specific tenant. Runs, streams,
// data records, and webhooks cascade from the integration rows.
// This is intended for testing purposes to clean up test data.
func (h *TenantHandler) DeleteTenantData(c echo.Context) error {
	ctx := c.Request().Context()

	tenantIDStr := c.Param("tenant_id")
	tenantID, err := uuid.Parse(tenantIDStr)
	if err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "invalid tenant_id format",
		})
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{"tenant_id": tenantID}).Info("Deleting all data for tenant")

	integrationCount, err := h.integrations.DeleteByTenantID(ctx, tenantID)
	if err != nil {
		h.logger.WithContext(ctx).WithError(err).Error("Failed to delete integrations")
		return c.JSON(http.StatusInternalServerError, map[string]string{
			"error": "failed to delete integrations",
		})
	}

	h.logger.WithContext(ctx).WithFields(map[string]any{
		"tenant_id":    tenantID,
		"integrations": integrationCount,
	}).Info("Tenant data deleted")

	return c.JSON(http.StatusOK, map[string]interface{}{
		"message":      "tenant data deleted",
		"tenant_id":    tenantID,
		"integrations": integrationCount,
	})
}
