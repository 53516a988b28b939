package repositories

import (
	"context"
	"database/sql"
	"errors"
	"net/http"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/huandu/go-sqlbuilder"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

const integrationsTable = "integrations"

var integrationStruct = database.NewStruct(new(models.Integration))

// IntegrationRepository handles database operations for integrations
type IntegrationRepository struct {
	*Repository
}

// NewIntegrationRepository creates a new integration repository
func NewIntegrationRepository(db database.DB, logger ectologger.Logger) *IntegrationRepository {
	return &IntegrationRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new integration
func (r *IntegrationRepository) Create(ctx context.Context, integration *models.Integration) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integration.ID,
		}).Error("failed to get tenant ID")
		return err
	}
	integration.TenantID = tenantID

	if integration.ID == uuid.Nil {
		integration.ID = uuid.New()
	}
	if integration.Status == "" {
		integration.Status = models.IntegrationStatusPending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(integrationsTable).
		Cols("id", "tenant_id", "platform", "status", "plan", "onboarding",
			"priority_override", "rate_limit_requests", "rate_limit_interval_ms",
			"settings", "created_at", "updated_at").
		Values(integration.ID, integration.TenantID, integration.Platform, integration.Status,
			integration.Plan, integration.Onboarding, integration.PriorityOverride,
			integration.RateLimitRequests, integration.RateLimitIntervalMs,
			integration.Settings, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&integration.CreatedAt, &integration.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integration.ID,
		}).Error("failed to create integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create integration")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": integration.ID,
	}).Debugf("Created %s", integrationsTable)
	return nil
}

// GetByID retrieves an integration by ID (tenant-scoped)
func (r *IntegrationRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var integration models.Integration
	err = r.DB().GetContext(ctx, &integration, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get integration")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get integration")
	}

	return &integration, nil
}

// GetByIDAny retrieves an integration by ID without tenant scoping. Webhook
// ingest authenticates by signature rather than bearer token, so the tenant is
// only known after the integration is loaded.
func (r *IntegrationRepository) GetByIDAny(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.GetByIDAny")
	defer span.End()

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("id", id))

	query, args := sb.Build()
	var integration models.Integration
	err := r.DB().GetContext(ctx, &integration, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get integration")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get integration")
	}

	return &integration, nil
}

// List retrieves all integrations for the tenant
func (r *IntegrationRepository) List(ctx context.Context) ([]models.Integration, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.List")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to get tenant ID")
		return nil, err
	}

	sb := integrationStruct.SelectFrom(integrationsTable)
	sb.Where(sb.Equal("tenant_id", tenantID))
	sb.OrderBy("created_at").Desc()

	query, args := sb.Build()
	var integrations []models.Integration
	err = r.DB().SelectContext(ctx, &integrations, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list integrations")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list integrations")
	}

	return integrations, nil
}

// UpdateStatus updates the status of an integration
func (r *IntegrationRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.UpdateStatus")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("status", status),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to update status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update status")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to update status")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update status")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
	}).Infof("Updated status of %s to %s", integrationsTable, status)
	return nil
}

// UpdateSettings replaces the opaque platform settings (tokens, cursors)
func (r *IntegrationRepository) UpdateSettings(ctx context.Context, id uuid.UUID, settings map[string]any) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.UpdateSettings")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(integrationsTable).
		Set(
			ub.Assign("settings", database.JSONB[map[string]any]{Data: settings}),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to update settings")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update settings")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to update settings")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to update settings")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}

	return nil
}

// ResetCursor clears stored pagination cursors from the integration settings
func (r *IntegrationRepository) ResetCursor(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.ResetCursor")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	// Raw SQL for the jsonb key removal
	query := `
		UPDATE integrations
		SET settings = settings - $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2`

	result, err := r.DB().ExecContext(ctx, query, tenantID, id, models.CursorSettingsKey)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to reset cursor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset cursor")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to reset cursor")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset cursor")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"integration_id": id,
	}).Info("Reset pagination cursors")
	return nil
}

// DeleteByTenantID deletes all integrations for a tenant. Pipeline records
// cascade via foreign keys.
func (r *IntegrationRepository) DeleteByTenantID(ctx context.Context, tenantID uuid.UUID) (int64, error) {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.DeleteByTenantID")
	defer span.End()

	db := database.NewDeleteBuilder()
	db.DeleteFrom(integrationsTable).
		Where(db.Equal("tenant_id", tenantID))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"tenant_id": tenantID,
		}).Error("failed to delete tenant integrations")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete tenant integrations")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete tenant integrations")
	}
	return rows, nil
}

// Delete deletes an integration by ID
func (r *IntegrationRepository) Delete(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "IntegrationRepository.Delete")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	db := database.NewDeleteBuilder()
	db.DeleteFrom(integrationsTable).
		Where(db.Equal("tenant_id", tenantID), db.Equal("id", id))

	query, args := db.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to delete integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete integration")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": id,
		}).Error("failed to delete integration")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to delete integration")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "integration %s does not exist", id)
	}

	return nil
}
