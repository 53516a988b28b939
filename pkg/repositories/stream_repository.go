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

const streamsTable = "streams"

var streamStruct = database.NewStruct(new(models.Stream))

// StreamRepository handles database operations for streams
type StreamRepository struct {
	*Repository
}

// NewStreamRepository creates a new stream repository
func NewStreamRepository(db database.DB, logger ectologger.Logger) *StreamRepository {
	return &StreamRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create inserts a stream, deduplicating on (run_id, identifier). Returns false
// when a stream with the same identifier already exists in the run, which keeps
// repeated generateStreams invocations from producing duplicate discovery.
func (r *StreamRepository) Create(ctx context.Context, stream *models.Stream) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": stream.ID,
		}).Error("failed to get tenant ID")
		return false, err
	}
	stream.TenantID = tenantID

	if stream.ID == uuid.Nil {
		stream.ID = uuid.New()
	}
	if stream.State == "" {
		stream.State = models.StreamStatePending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(streamsTable).
		Cols("id", "tenant_id", "run_id", "integration_id", "platform", "identifier",
			"state", "metadata", "parent_id", "retries", "created_at", "updated_at").
		Values(stream.ID, stream.TenantID, stream.RunID, stream.IntegrationID, stream.Platform,
			stream.Identifier, stream.State, stream.Metadata, stream.ParentID, stream.Retries,
			sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		OnConflictDoNothing()

	query, args := ib.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id":  stream.ID,
			"identifier": stream.Identifier,
		}).Error("failed to create stream")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create stream")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to create stream")
	}
	if rows == 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"run_id":     stream.RunID,
			"identifier": stream.Identifier,
		}).Debug("Stream identifier already discovered, skipping")
		return false, nil
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"stream_id":  stream.ID,
		"identifier": stream.Identifier,
	}).Debugf("Created %s", streamsTable)
	return true, nil
}

// GetByID retrieves a stream by ID (tenant-scoped)
func (r *StreamRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := streamStruct.SelectFrom(streamsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var stream models.Stream
	err = r.DB().GetContext(ctx, &stream, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "stream %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to get stream")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get stream")
	}

	return &stream, nil
}

// ListByRun retrieves all streams for a run
func (r *StreamRepository) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Stream, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.ListByRun")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := streamStruct.SelectFrom(streamsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("run_id", runID))
	sb.OrderBy("created_at")

	query, args := sb.Build()
	var streams []models.Stream
	err = r.DB().SelectContext(ctx, &streams, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to list streams")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list streams")
	}

	return streams, nil
}

// Claim moves a pending stream to processing. The compare-and-set on state
// keeps duplicate deliveries from double-processing, and the parent guard
// refuses the claim until the parent stream (previous page) is processed.
func (r *StreamRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.Claim")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to get tenant ID")
		return false, err
	}

	query := `
		UPDATE streams
		SET state = $3, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND state = $4
		  AND (parent_id IS NULL OR EXISTS (
			SELECT 1 FROM streams p WHERE p.id = streams.parent_id AND p.state = $5
		  ))`

	result, err := r.DB().ExecContext(ctx, query, tenantID, id,
		models.StreamStateProcessing, models.StreamStatePending, models.StreamStateProcessed)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to claim stream")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim stream")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim stream")
	}

	return rows == 1, nil
}

// MarkProcessed moves a processing stream to processed
func (r *StreamRepository) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.MarkProcessed")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(streamsTable).
		Set(
			ub.Assign("state", models.StreamStateProcessed),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.StreamStateProcessing))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to mark stream processed")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark stream processed")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark stream processed")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "stream %s is not processing", id)
	}

	return nil
}

// MarkError moves a stream to error and increments its retry counter.
// Returns the new retry count so callers can bound re-drives.
func (r *StreamRepository) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.MarkError")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to get tenant ID")
		return 0, err
	}

	query := `
		UPDATE streams
		SET state = $3, error_message = $4, retries = retries + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING retries`

	var retries int
	err = r.DB().QueryRowContext(ctx, query, tenantID, id, models.StreamStateError, message).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, httperror.NewHTTPErrorf(http.StatusNotFound, "stream %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to mark stream errored")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark stream errored")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"stream_id": id,
		"retries":   retries,
	}).Warnf("Marked %s as error", streamsTable)
	return retries, nil
}

// ResetToPending resets an errored stream back to pending (operator or bounded re-drive)
func (r *StreamRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.ResetToPending")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(streamsTable).
		Set(
			ub.Assign("state", models.StreamStatePending),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.StreamStateError))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"stream_id": id,
		}).Error("failed to reset stream")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset stream")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset stream")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "stream %s is not in error state", id)
	}

	return nil
}

// CountUnfinishedByRun returns the number of streams in the run that have not
// reached a terminal state. Zero means the run can be marked done.
func (r *StreamRepository) CountUnfinishedByRun(ctx context.Context, runID uuid.UUID) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "StreamRepository.CountUnfinishedByRun")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to get tenant ID")
		return 0, err
	}

	query := `
		SELECT COUNT(*) FROM streams
		WHERE tenant_id = $1 AND run_id = $2 AND state IN ($3, $4)`

	var count int
	err = r.DB().GetContext(ctx, &count, query, tenantID, runID,
		models.StreamStatePending, models.StreamStateProcessing)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": runID,
		}).Error("failed to count unfinished streams")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to count unfinished streams")
	}

	return count, nil
}
