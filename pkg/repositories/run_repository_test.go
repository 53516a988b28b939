package repositories_test

import (
	"sync"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func TestRunRepository_Lifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewRunRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)

	run := &models.Run{
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Onboarding:    true,
	}
	require.NoError(t, repo.Create(ctx, run))
	assert.Equal(t, models.RunStatePending, run.State)

	// Claim moves pending to processing
	claimed, err := repo.Claim(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	fetched, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateProcessing, fetched.State)
	assert.NotNil(t, fetched.StartedAt)

	// A second claim loses the compare-and-set
	claimed, err = repo.Claim(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Runs terminate in done, not processed
	require.NoError(t, repo.MarkDone(ctx, run.ID))

	fetched, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateDone, fetched.State)
	assert.NotNil(t, fetched.ProcessedAt)

	// Done is terminal: claiming again is a no-op
	claimed, err = repo.Claim(ctx, run.ID)
	require.NoError(t, err)
	assert.False(t, claimed)
}

func TestRunRepository_ConcurrentClaimSingleWinner(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewRunRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	const claimers = 10
	var wg sync.WaitGroup
	wins := make(chan bool, claimers)

	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := repo.Claim(ctx, run.ID)
			if err == nil && claimed {
				wins <- true
			}
		}()
	}
	wg.Wait()
	close(wins)

	assert.Equal(t, 1, len(wins), "exactly one claimer should win")
}

func TestRunRepository_ErrorAndReset(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewRunRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	claimed, err := repo.Claim(ctx, run.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	// MarkError increments retries and returns the new count
	retries, err := repo.MarkError(ctx, run.ID, "platform exploded")
	require.NoError(t, err)
	assert.Equal(t, 1, retries)

	fetched, err := repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStateError, fetched.State)
	require.NotNil(t, fetched.ErrorMessage)
	assert.Equal(t, "platform exploded", *fetched.ErrorMessage)

	// ResetToPending clears the error and allows a fresh claim
	require.NoError(t, repo.ResetToPending(ctx, run.ID))

	fetched, err = repo.GetByID(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, models.RunStatePending, fetched.State)
	assert.Nil(t, fetched.ErrorMessage)
	assert.Equal(t, 1, fetched.Retries)

	claimed, err = repo.Claim(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, claimed)

	// Resetting a run that is not errored is a 404
	assertNotFound(t, repo.ResetToPending(ctx, run.ID))
}

func TestRunRepository_ListByIntegration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewRunRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)

	for i := 0; i < 3; i++ {
		createTestRun(t, ctx, db, integration)
	}

	runs, err := repo.ListByIntegration(ctx, integration.ID, 2)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}
