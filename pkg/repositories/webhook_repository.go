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

const webhooksTable = "incoming_webhooks"

var webhookStruct = database.NewStruct(new(models.Webhook))

// WebhookRepository handles database operations for inbound webhooks
type WebhookRepository struct {
	*Repository
}

// NewWebhookRepository creates a new webhook repository
func NewWebhookRepository(db database.DB, logger ectologger.Logger) *WebhookRepository {
	return &WebhookRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create persists a verified inbound webhook in pending state
func (r *WebhookRepository) Create(ctx context.Context, webhook *models.Webhook) error {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": webhook.ID,
		}).Error("failed to get tenant ID")
		return err
	}
	webhook.TenantID = tenantID

	if webhook.ID == uuid.Nil {
		webhook.ID = uuid.New()
	}
	if webhook.State == "" {
		webhook.State = models.WebhookStatePending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(webhooksTable).
		Cols("id", "tenant_id", "integration_id", "platform", "type", "state",
			"payload", "retries", "created_at", "updated_at").
		Values(webhook.ID, webhook.TenantID, webhook.IntegrationID, webhook.Platform,
			webhook.Type, webhook.State, webhook.Payload, webhook.Retries,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&webhook.CreatedAt, &webhook.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": webhook.ID,
		}).Error("failed to create webhook")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create webhook")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"webhook_id": webhook.ID,
		"type":       webhook.Type,
	}).Debugf("Created %s", webhooksTable)
	return nil
}

// GetByID retrieves a webhook by ID (tenant-scoped)
func (r *WebhookRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := webhookStruct.SelectFrom(webhooksTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var webhook models.Webhook
	err = r.DB().GetContext(ctx, &webhook, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "webhook %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get webhook")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get webhook")
	}

	return &webhook, nil
}

// Claim moves a pending webhook to processing via compare-and-set
func (r *WebhookRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.Claim")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get tenant ID")
		return false, err
	}

	query := `
		UPDATE incoming_webhooks
		SET state = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND state = $4`

	result, err := r.DB().ExecContext(ctx, query, tenantID, id,
		models.WebhookStateProcessing, models.WebhookStatePending)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to claim webhook")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim webhook")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim webhook")
	}

	return rows == 1, nil
}

// MarkProcessed moves a processing webhook to processed
func (r *WebhookRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.MarkProcessed")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(webhooksTable).
		Set(
			ub.Assign("state", models.WebhookStateProcessed),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.WebhookStateProcessing))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to mark webhook processed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark webhook processed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark webhook processed")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "webhook %s is not processing", id)
	}

	return nil
}

// MarkError moves a webhook to error and increments its retry counter.
// Returns the new retry count so callers can bound re-drives.
func (r *WebhookRepository) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.MarkError")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get tenant ID")
		return 0, err
	}

	query := `
		UPDATE incoming_webhooks
		SET state = $3, error_message = $4, retries = retries + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING retries`

	var retries int
	err = r.DB().QueryRowContext(ctx, query, tenantID, id, models.WebhookStateError, message).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, httperror.NewHTTPErrorf(http.StatusNotFound, "webhook %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to mark webhook errored")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark webhook errored")
	}

	return retries, nil
}

// ResetToPending resets an errored webhook back to pending without touching
// its retry counter. This backs the bounded automatic re-drive.
func (r *WebhookRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.ResetToPending")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(webhooksTable).
		Set(
			ub.Assign("state", models.WebhookStatePending),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.WebhookStateError))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to reset webhook")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset webhook")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset webhook")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "webhook %s is not in error state", id)
	}

	return nil
}

// MarkPending resets a processed or errored webhook back to pending. This is
// the explicit operator path; webhooks are never re-driven automatically once
// they reach a terminal state.
func (r *WebhookRepository) MarkPending(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.MarkPending")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	query := `
		UPDATE incoming_webhooks
		SET state = $3, error_message = NULL, retries = 0, processed_at = NULL, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND state IN ($4, $5)`

	result, err := r.DB().ExecContext(ctx, query, tenantID, id, models.WebhookStatePending,
		models.WebhookStateError, models.WebhookStateProcessed)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"webhook_id": id,
		}).Error("failed to mark webhook pending")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark webhook pending")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark webhook pending")
	}
	if rows == 0 {
		// Already pending is fine for the operator re-trigger path
		webhook, getErr := r.GetByID(ctx, id)
		if getErr != nil {
			return getErr
		}
		if webhook.State == models.WebhookStatePending {
			return nil
		}
		return httperror.NewHTTPErrorf(http.StatusConflict, "webhook %s is %s", id, webhook.State)
	}

	return nil
}

// ListPending returns pending webhooks across all tenants, oldest first. This
// deliberately skips tenant scoping: it backs the operator drain command.
func (r *WebhookRepository) ListPending(ctx context.Context, limit int) ([]models.Webhook, error) {
	ctx, span := tracing.StartSpan(ctx, "WebhookRepository.ListPending")
	defer span.End()

	sb := webhookStruct.SelectFrom(webhooksTable)
	sb.Where(sb.Equal("state", models.WebhookStatePending))
	sb.OrderBy("created_at")
	sb.Limit(limit)

	query, args := sb.Build()
	var webhooks []models.Webhook
	err := r.DB().SelectContext(ctx, &webhooks, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list pending webhooks")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list pending webhooks")
	}

	return webhooks, nil
}
