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

const runsTable = "runs"

var runStruct = database.NewStruct(new(models.Run))

// RunRepository handles database operations for sync runs
type RunRepository struct {
	*Repository
}

// NewRunRepository creates a new run repository
func NewRunRepository(db database.DB, logger ectologger.Logger) *RunRepository {
	return &RunRepository{
		Repository: NewRepository(db, logger),
	}
}

// Create creates a new run in pending state
func (r *RunRepository) Create(ctx context.Context, run *models.Run) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.Create")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": run.ID,
		}).Error("failed to get tenant ID")
		return err
	}
	run.TenantID = tenantID

	if run.ID == uuid.Nil {
		run.ID = uuid.New()
	}
	if run.State == "" {
		run.State = models.RunStatePending
	}

	ib := database.NewInsertBuilder()
	ib.InsertInto(runsTable).
		Cols("id", "tenant_id", "integration_id", "platform", "state", "onboarding", "full_resync",
			"retries", "created_at", "updated_at").
		Values(run.ID, run.TenantID, run.IntegrationID, run.Platform, run.State,
			run.Onboarding, run.Full, run.Retries, sqlbuilder.Raw("NOW()"), sqlbuilder.Raw("NOW()")).
		Returning("created_at", "updated_at")

	query, args := ib.Build()
	err = r.DB().QueryRowContext(ctx, query, args...).Scan(&run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": run.ID,
		}).Error("failed to create run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to create run")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": run.ID,
	}).Debugf("Created %s", runsTable)
	return nil
}

// GetByID retrieves a run by ID (tenant-scoped)
func (r *RunRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.GetByID")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := runStruct.SelectFrom(runsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("id", id))

	query, args := sb.Build()
	var run models.Run
	err = r.DB().GetContext(ctx, &run, query, args...)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, httperror.NewHTTPErrorf(http.StatusNotFound, "run %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get run")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to get run")
	}

	return &run, nil
}

// ListByIntegration retrieves runs for an integration, newest first
func (r *RunRepository) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.Run, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.ListByIntegration")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to get tenant ID")
		return nil, err
	}

	sb := runStruct.SelectFrom(runsTable)
	sb.Where(sb.Equal("tenant_id", tenantID), sb.Equal("integration_id", integrationID))
	sb.OrderBy("created_at").Desc()
	sb.Limit(limit)

	query, args := sb.Build()
	var runs []models.Run
	err = r.DB().SelectContext(ctx, &runs, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"integration_id": integrationID,
		}).Error("failed to list runs")
		return nil, httperror.NewHTTPError(http.StatusInternalServerError, "failed to list runs")
	}

	return runs, nil
}

// Claim moves a pending run to processing. The compare-and-set on state makes
// duplicate queue deliveries harmless: exactly one claimer wins, the rest see
// zero rows and no-op.
func (r *RunRepository) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.Claim")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get tenant ID")
		return false, err
	}

	query := `
		UPDATE runs
		SET state = $3, started_at = COALESCE(started_at, NOW()), updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2 AND state = $4`

	result, err := r.DB().ExecContext(ctx, query, tenantID, id, models.RunStateProcessing, models.RunStatePending)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to claim run")
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, httperror.NewHTTPError(http.StatusInternalServerError, "failed to claim run")
	}

	return rows == 1, nil
}

// MarkDone moves a run to its terminal done state
func (r *RunRepository) MarkDone(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.MarkDone")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(runsTable).
		Set(
			ub.Assign("state", models.RunStateDone),
			ub.Assign("processed_at", sqlbuilder.Raw("NOW()")),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.RunStateProcessing))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to mark run done")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run done")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run done")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "run %s is not processing", id)
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id": id,
	}).Infof("Marked %s as done", runsTable)
	return nil
}

// MarkError moves a run to error and increments its retry counter.
// Returns the new retry count so callers can bound re-drives.
func (r *RunRepository) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.MarkError")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get tenant ID")
		return 0, err
	}

	query := `
		UPDATE runs
		SET state = $3, error_message = $4, retries = retries + 1, updated_at = NOW()
		WHERE tenant_id = $1 AND id = $2
		RETURNING retries`

	var retries int
	err = r.DB().QueryRowContext(ctx, query, tenantID, id, models.RunStateError, message).Scan(&retries)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, httperror.NewHTTPErrorf(http.StatusNotFound, "run %s does not exist", id)
	}
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to mark run errored")
		return 0, httperror.NewHTTPError(http.StatusInternalServerError, "failed to mark run errored")
	}

	r.logger.WithContext(ctx).WithFields(map[string]any{
		"run_id":  id,
		"retries": retries,
	}).Warnf("Marked %s as error", runsTable)
	return retries, nil
}

// ResetToPending resets an errored run back to pending (operator action)
func (r *RunRepository) ResetToPending(ctx context.Context, id uuid.UUID) error {
	ctx, span := tracing.StartSpan(ctx, "RunRepository.ResetToPending")
	defer span.End()

	tenantID, err := GetTenantID(ctx)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to get tenant ID")
		return err
	}

	ub := database.NewUpdateBuilder()
	ub.Update(runsTable).
		Set(
			ub.Assign("state", models.RunStatePending),
			ub.Assign("error_message", nil),
			ub.Assign("updated_at", sqlbuilder.Raw("NOW()")),
		).
		Where(ub.Equal("tenant_id", tenantID), ub.Equal("id", id), ub.Equal("state", models.RunStateError))

	query, args := ub.Build()
	result, err := r.DB().ExecContext(ctx, query, args...)
	if err != nil {
		r.logger.WithContext(ctx).WithError(err).WithFields(map[string]any{
			"run_id": id,
		}).Error("failed to reset run")
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset run")
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return httperror.NewHTTPError(http.StatusInternalServerError, "failed to reset run")
	}
	if rows == 0 {
		return httperror.NewHTTPErrorf(http.StatusNotFound, "run %s is not in error state", id)
	}

	return nil
}
