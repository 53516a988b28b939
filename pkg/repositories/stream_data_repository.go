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

const streamDataTable = "stream_data"

var streamDataStruct = database.NewStruct(new(models.StreamData))

// StreamDataRepository handles database operations for normalized data records
type StreamDataRepository struct {
	*Repository
}

// NewStreamDataRepository creates a new stream data repository
func NewStreamDataRepository(db database.DB, logger ectologger.Logger) *StreamDataRepository {
	return &StreamDataRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new data record in pending state
func (r *StreamDataRepository) Create(ctx context.Context, data *models.StreamData) error {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": data.ID,
		}).Error("failed to get tenant ID")
		return err
	}
	data.TenantID = tenantID

	if data.ID == uuid.Nil {
		data.ID = uuid.New()
	}
	if data.State == "" {
		data.State = models.DataStatePending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(streamDataTable).
		Cols("id", "tenant_id", "stream_id", "run_id", "webhook_id", "integration_id", "platform",
			"state", "payload", "retries", "created_at", "updated_at").
		Values(data.ID, data.TenantID, data.StreamID, data.RunID, data.WebhookID, data.IntegrationID, data.Platform,
			data.State, data.Payload, data.Retries, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&data.CreatedAt, &data.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": data.ID,
		}).Error("failed to create data record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create data record")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"data_id": data.ID,
	}).Debugf("Created %s", streamDataTable)
	return nil
}

// GetByID retrieves a data record by ID (tenant-scoped)
func (r *StreamDataRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.StreamData, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := streamDataStruct.SelectFrom(streamDataTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var data models.StreamData
	err = r.DB().GetContext(ctx, &data, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "data record %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to get data record")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get data record")
	}

	return &data, nil
}

// ListByStream retrieves data records produced by a stream
func (r *StreamDataRepository) ListByStream(ctx context.Context, streamID uuid.UUID) ([]models.StreamData, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.ListByStream")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": streamID,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := streamDataStruct.SelectFrom(streamDataTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("stream_id", streamID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var records []models.StreamData
	err = r.DB().SelectContext(ctx, &records, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": streamID,
		}).Error("failed to list data records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list data records")
	}

	return records, nil
}

// Claim moves a pending data record to processing via compare-and-set
func (r *StreamDataRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.Claim")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to get tenant ID")
		return false, err
	}

	query := `
		UPDATE stream_data
		SET state = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND state = $4`

	result, err := r.DB().ExecContext(ctx, query, tenantID, id,
		models.DataStateProcessing, models.DataStatePending)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to claim data record")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim data record")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim data record")
	}

	return rows == 1, nil
}

// MarkProcessed moves a processing data record to processed. The payload is
// immutable from this point on.
func (r *StreamDataRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.MarkProcessed")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(streamDataTable).
		Set(
			ub.Assign("state", models.DataStateProcessed),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.DataStateProcessing))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to mark data record processed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark data record processed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark data record processed")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "data record %s is not processing", id)
	}

	return nil
}

// MarkError moves a data record to error and increments its retry counter.
// Returns the new retry count so callers can bound re-drives.
func (r *StreamDataRepository) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.MarkError")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to get tenant ID")
		return 0, err
	}

	query := `
		UPDATE stream_data
		SET state = $3, error_message = $4, retries = retries + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING retries`

	var retries int
	err = r.DB().QueryRowContext(ctx, query, tenantID, id, models.DataStateError, message).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, httperror.NewHTTPErrorf(http.StatusNotFound, "data record %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to mark data record errored")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark data record errored")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"data_id": id,
		"retries": retries,
	}).Warnf("Marked %s as error", streamDataTable)
	return retries, nil
}

// ResetToPending resets an errored data record back to pending
func (r *StreamDataRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "StreamDataRepository.ResetToPending")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(streamDataTable).
		Set(
			ub.Assign("state", models.DataStatePending),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.DataStateError))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"data_id": id,
		}).Error("failed to reset data record")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset data record")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset data record")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "data record %s is not in error state", id)
	}

	return nil
}
