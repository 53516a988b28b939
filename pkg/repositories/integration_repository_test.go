package repositories_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestIntegrationRepository_CRUD(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)

	// Test Create
	integration := &models.Integration{
		Platform:            "github",
		Plan:                "growth",
		Onboarding:          true,
		RateLimitRequests:   100,
		RateLimitIntervalMs: 60000,
		Settings: database.JSONB[map[string]any]{Data: map[string]any{
			"repos": []any{"acme/widgets"},
		}},
	}

	err := repo.Create(ctx, integration)
	require.NoError(t, err)
	assert.NotEqual(t, uuid.Nil, integration.ID)
	assert.Equal(t, tenantID, integration.TenantID)
	assert.Equal(t, models.IntegrationStatusPending, integration.Status)
	assert.False(t, integration.CreatedAt.IsZero())

	// Test GetByID
	fetched, err := repo.GetByID(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, integration.ID, fetched.ID)
	assert.Equal(t, "github", fetched.Platform)
	assert.Equal(t, "growth", fetched.Plan)
	assert.True(t, fetched.Onboarding)
	assert.Equal(t, []any{"acme/widgets"}, fetched.Settings.Data["repos"])

	// Test List
	integrations, err := repo.List(ctx)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(integrations), 1)

	// Test UpdateStatus
	err = repo.UpdateStatus(ctx, integration.ID, models.IntegrationStatusActive)
	require.NoError(t, err)

	updated, err := repo.GetByID(ctx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, models.IntegrationStatusActive, updated.Status)

	// Test tenant isolation - different tenant shouldn't see this integration
	otherTenantCtx := getTestContext(uuid.New())
	_, err = repo.GetByID(otherTenantCtx, integration.ID)
	assertNotFound(t, err)

	// GetByIDAny ignores tenant scoping (webhook ingest path)
	anyFetched, err := repo.GetByIDAny(otherTenantCtx, integration.ID)
	require.NoError(t, err)
	assert.Equal(t, tenantID, anyFetched.TenantID)

	// Test Delete
	err = repo.Delete(ctx, integration.ID)
	require.NoError(t, err)

	_, err = repo.GetByID(ctx, integration.ID)
	assertNotFound(t, err)
}

func TestIntegrationRepository_CursorLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)

	// Persist cursors alongside existing settings
	settings := integration.Settings.Data
	settings[models.CursorSettingsKey] = map[string]any{
		"issues:acme/widgets": "2025-06-01T00:00:00Z",
	}
	require.NoError(t, repo.UpdateSettings(ctx, integration.ID, settings))

	fetched, err := repo.GetByID(ctx, integration.ID)
	require.NoError(t, err)
	assert.Contains(t, fetched.Settings.Data, models.CursorSettingsKey)

	// ResetCursor removes only the cursor key
	require.NoError(t, repo.ResetCursor(ctx, integration.ID))

	fetched, err = repo.GetByID(ctx, integration.ID)
	require.NoError(t, err)
	assert.NotContains(t, fetched.Settings.Data, models.CursorSettingsKey)
	assert.Contains(t, fetched.Settings.Data, "repos")

	// Resetting a missing integration is a 404
	assertNotFound(t, repo.ResetCursor(ctx, uuid.New()))
}

func TestIntegrationRepository_DeleteByTenantID(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	tenantID := uuid.New()
	ctx := getTestContext(tenantID)
	integration := createTestIntegration(t, ctx, db)

	// Runs cascade from integrations
	run := createTestRun(t, ctx, db, integration)

	count, err := repo.DeleteByTenantID(ctx, tenantID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	_, err = repo.GetByID(ctx, integration.ID)
	assertNotFound(t, err)

	runRepo := repositories.NewRunRepository(db, getTestLogger())
	_, err = runRepo.GetByID(ctx, run.ID)
	assertNotFound(t, err)
}

func TestIntegrationRepository_TenantRequired(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewIntegrationRepository(db, getTestLogger())

	// Context without tenant ID
	ctx := context.Background()

	integration := &models.Integration{
		Platform: "github",
	}

	err := repo.Create(ctx, integration)
	assertUnauthorized(t, err)
}
