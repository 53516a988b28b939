package repositories_test

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestMaintenanceRepository_SweepRuns(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	maintenance := repositories.NewMaintenanceRepository(db, getTestLogger())
	runRepo := repositories.NewRunRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	claimed, err := runRepo.Claim(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// A freshly claimed run is not abandoned yet
	recovered, err := maintenance.SweepRuns(ctx, time.Hour)
	require.NoError(t, err)
	for _, rec := range recovered {
		assert.NotEqual(t, run.ID, rec.ID)
	}

	// With a zero claim timeout the processing run is recovered
	recovered, err = maintenance.SweepRuns(ctx, 0)
	require.NoError(t, err)

	var found *repositories.AbandonedRecord
	for i := range recovered {
		if recovered[i].ID == run.ID {
			found = &recovered[i]
		}
	}
	require.NotNil(t, found, "abandoned run should be recovered")
	assert.Equal(t, tenantID, found.TenantID)
	assert.Equal(t, integration.Platform, found.Platform)

	// The sweep resets the record so it can be claimed again
	fetched, err := runRepo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePending, fetched.State)

	claimed, err = runRepo.Claim(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestMaintenanceRepository_StalePendingStreams(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	maintenance := repositories.NewMaintenanceRepository(db, getTestLogger())
	streamRepo := repositories.NewStreamRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	parent := &models.Stream{
		RunID:         run.ID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Identifier:    "issues:acme/widgets:page:1",
	}
	created, err := streamRepo.Create(ctx, parent)
	require.NoError(t, err)
	require.True(t, created)

	child := &models.Stream{
		RunID:         run.ID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Identifier:    "issues:acme/widgets:page:2",
		ParentID:      &parent.ID,
	}
	created, err = streamRepo.Create(ctx, child)
	require.NoError(t, err)
	require.True(t, created)

	containsStream := func(records []repositories.AbandonedRecord, id uuid.UUID) bool {
		for _, rec := range records {
			if rec.ID == id {
				return true
			}
		}
		return false
	}

	// Fresh rows are not stale yet
	stale, err := maintenance.StalePendingStreams(ctx, time.Hour)
	require.NoError(t, err)
	assert.False(t, containsStream(stale, parent.ID))
	assert.False(t, containsStream(stale, child.ID))

	// The parent's trigger was lost; the child is gated on the parent and
	// would only bounce off the claim if re-emitted now
	stale, err = maintenance.StalePendingStreams(ctx, 0)
	require.NoError(t, err)
	assert.True(t, containsStream(stale, parent.ID), "ungated pending stream should be listed")
	assert.False(t, containsStream(stale, child.ID), "child of unprocessed parent should be excluded")

	// Once the parent reaches processed the child becomes claimable, so a
	// lost child trigger is now recoverable
	claimed, err := streamRepo.Claim(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, streamRepo.MarkProcessed(ctx, parent.ID))

	stale, err = maintenance.StalePendingStreams(ctx, 0)
	require.NoError(t, err)
	assert.False(t, containsStream(stale, parent.ID))
	assert.True(t, containsStream(stale, child.ID), "child of processed parent should be listed")

	// The listing never mutates state; the child is still pending
	fetched, err := streamRepo.GetByID(ctx, child.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StreamStatePending, fetched.State)
}
