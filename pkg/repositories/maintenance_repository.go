package repositories

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// AbandonedRecord identifies a record whose processing claim timed out
type AbandonedRecord struct {
	ID       uuid.UUID `db:"id"`
	TenantID uuid.UUID `db:"tenant_id"`
	Platform string    `db:"platform"`
}

// MaintenanceRepository recovers records abandoned by crashed workers. It is
// deliberately not tenant-scoped: the sweeper runs across all tenants.
type MaintenanceRepository struct {
	*Repository
}

// NewMaintenanceRepository creates a new maintenance repository
func NewMaintenanceRepository(db database.DB, logger ectologger.Logger) *MaintenanceRepository {
	return &MaintenanceRepository{
		Repository: NewRepository(db, logger),
	}
}

func intervalArg(d time.Duration) string {
	return fmt.Sprintf("%d seconds", int(d.Seconds()))
}

func (r *MaintenanceRepository) sweep(ctx context.Context, table string, processing, pending string, olderThan time.Duration) ([]AbandonedRecord, error) {
	query := fmt.Sprintf(`
		UPDATE %s
		SET state = $1, updated_at = NOW()
		WHERE state = $2 AND updated_at < NOW() - $3::interval
		RETURNING id, tenant_id, platform`, table)

	var records []AbandonedRecord
	err := r.DB().SelectContext(ctx, &records, query, pending, processing, intervalArg(olderThan))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table": table,
		}).Error("failed to sweep abandoned records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to sweep abandoned records")
	}

	if len(records) > 0 {
		r.logger.WithContext(ctx).WithFields(map[string]any{
			"table": table,
			"count": len(records),
		}).Warn("Reset abandoned processing claims to pending")
	}
	return records, nil
}

// SweepRuns resets runs stuck in processing longer than olderThan
func (r *MaintenanceRepository) SweepRuns(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.SweepRuns")
	defer span.End()
	return r.sweep(ctx, runsTable, string(models.RunStateProcessing), string(models.RunStatePending), olderThan)
}

// SweepStreams resets streams stuck in processing longer than olderThan
func (r *MaintenanceRepository) SweepStreams(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.SweepStreams")
	defer span.End()
	return r.sweep(ctx, streamsTable, string(models.StreamStateProcessing), string(models.StreamStatePending), olderThan)
}

// SweepData resets data records stuck in processing longer than olderThan
func (r *MaintenanceRepository) SweepData(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.SweepData")
	defer span.End()
	return r.sweep(ctx, streamDataTable, string(models.DataStateProcessing), string(models.DataStatePending), olderThan)
}

// SweepWebhooks resets webhooks stuck in processing longer than olderThan
func (r *MaintenanceRepository) SweepWebhooks(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.SweepWebhooks")
	defer span.End()
	return r.sweep(ctx, webhooksTable, string(models.WebhookStateProcessing), string(models.WebhookStatePending), olderThan)
}

// stalePending finds records sitting in pending longer than olderThan. A row
// can only go stale in pending when its queue trigger was lost (a crash or
// publish failure between the insert and the emit), so the sweeper re-emits
// these without touching their state.
func (r *MaintenanceRepository) stalePending(ctx context.Context, table, pending string, olderThan time.Duration) ([]AbandonedRecord, error) {
	query := fmt.Sprintf(`
		SELECT id, tenant_id, platform
		FROM %s
		WHERE state = $1 AND updated_at < NOW() - $2::interval`, table)

	var records []AbandonedRecord
	err := r.DB().SelectContext(ctx, &records, query, pending, intervalArg(olderThan))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"table": table,
		}).Error("failed to list stale pending records")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stale pending records")
	}
	return records, nil
}

// StalePendingRuns lists runs whose queue trigger was lost
func (r *MaintenanceRepository) StalePendingRuns(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.StalePendingRuns")
	defer span.End()
	return r.stalePending(ctx, runsTable, string(models.RunStatePending), olderThan)
}

// StalePendingStreams lists streams whose queue trigger was lost. Streams
// still gated on an unfinished parent are excluded: they are not claimable
// yet, so re-emitting them would only bounce off the claim.
func (r *MaintenanceRepository) StalePendingStreams(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.StalePendingStreams")
	defer span.End()

	query := fmt.Sprintf(`
		SELECT s.id, s.tenant_id, s.platform
		FROM %s s
		LEFT JOIN %s p ON p.id = s.parent_id
		WHERE s.state = $1 AND s.updated_at < NOW() - $2::interval
			AND (s.parent_id IS NULL OR p.state = $3)`, streamsTable, streamsTable)

	var records []AbandonedRecord
	err := r.DB().SelectContext(ctx, &records, query,
		string(models.StreamStatePending), intervalArg(olderThan), string(models.StreamStateProcessed))
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).Error("failed to list stale pending streams")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list stale pending streams")
	}
	return records, nil
}

// StalePendingData lists data records whose queue trigger was lost
func (r *MaintenanceRepository) StalePendingData(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.StalePendingData")
	defer span.End()
	return r.stalePending(ctx, streamDataTable, string(models.DataStatePending), olderThan)
}

// StalePendingWebhooks lists webhooks whose queue trigger was lost
func (r *MaintenanceRepository) StalePendingWebhooks(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error) {
	ctx, span := tracing.StartSpan(ctx, "MaintenanceRepository.StalePendingWebhooks")
	defer span.End()
	return r.stalePending(ctx, webhooksTable, string(models.WebhookStatePending), olderThan)
}
