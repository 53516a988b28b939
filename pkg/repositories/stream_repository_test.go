package repositories_test

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func newTestStream(integration *models.Integration, run *models.Run, identifier string) *models.Stream {
	return &models.Stream{
		RunID:         run.ID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Identifier:    identifier,
		Metadata: database.JSONB[map[string]any]{Data: map[string]any{
			"repo": "acme/widgets", "resource": "issues", "page": 1,
		}},
	}
}

func TestStreamRepository_DuplicateIdentifierSkipped(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewStreamRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	stream := newTestStream(integration, run, "issues:acme/widgets:page:1")
	created, err := repo.Create(ctx, stream)
	require.NoError(t, err)
	assert.True(t, created)

	// Re-enumerating the same identifier in the same run is a silent no-op
	dup := newTestStream(integration, run, "issues:acme/widgets:page:1")
	created, err = repo.Create(ctx, dup)
	require.NoError(t, err)
	assert.False(t, created)

	streams, err := repo.ListByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Len(t, streams, 1)

	// The same identifier in a different run is a different stream
	otherRun := createTestRun(t, ctx, db, integration)
	created, err = repo.Create(ctx, newTestStream(integration, otherRun, "issues:acme/widgets:page:1"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestStreamRepository_ParentGatesClaim(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewStreamRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	parent := newTestStream(integration, run, "issues:acme/widgets:page:1")
	created, err := repo.Create(ctx, parent)
	require.NoError(t, err)
	require.True(t, created)

	child := newTestStream(integration, run, "issues:acme/widgets:page:2")
	child.ParentID = &parent.ID
	created, err = repo.Create(ctx, child)
	require.NoError(t, err)
	require.True(t, created)

	// The continuation page cannot be claimed while its parent is unfinished
	claimed, err := repo.Claim(ctx, child.ID)
	require.NoError(t, err)
	assert.False(t, claimed)

	// Work the parent to processed
	claimed, err = repo.Claim(ctx, parent.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.MarkProcessed(ctx, parent.ID))

	// Now the child claim succeeds
	claimed, err = repo.Claim(ctx, child.ID)
	require.NoError(t, err)
	assert.True(t, claimed)
}

func TestStreamRepository_CountUnfinishedByRun(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewStreamRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	first := newTestStream(integration, run, "issues:acme/widgets:page:1")
	_, err := repo.Create(ctx, first)
	require.NoError(t, err)

	second := newTestStream(integration, run, "stargazers:acme/widgets:page:1")
	_, err = repo.Create(ctx, second)
	require.NoError(t, err)

	count, err := repo.CountUnfinishedByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	claimed, err := repo.Claim(ctx, first.ID)
	require.NoError(t, err)
	require.True(t, claimed)
	require.NoError(t, repo.MarkProcessed(ctx, first.ID))

	// Processing still counts as unfinished; processed does not
	count, err = repo.CountUnfinishedByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	claimed, err = repo.Claim(ctx, second.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	count, err = repo.CountUnfinishedByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	_, err = repo.MarkError(ctx, second.ID, "fetch failed")
	require.NoError(t, err)

	// Errored streams are terminal for run completion purposes
	count, err = repo.CountUnfinishedByRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestStreamRepository_ErrorRetriesAccumulate(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	db := getTestDB(t)
	repo := repositories.NewStreamRepository(db, getTestLogger())

	ctx := getTestContext(uuid.New())
	integration := createTestIntegration(t, ctx, db)
	run := createTestRun(t, ctx, db, integration)

	stream := newTestStream(integration, run, "issues:acme/widgets:page:1")
	_, err := repo.Create(ctx, stream)
	require.NoError(t, err)

	// Claim, error, reset, repeat: the retry count survives resets
	for want := 1; want <= 3; want++ {
		claimed, err := repo.Claim(ctx, stream.ID)
		require.NoError(t, err)
		require.True(t, claimed)

		retries, err := repo.MarkError(ctx, stream.ID, "transient failure")
		require.NoError(t, err)
		assert.Equal(t, want, retries)

		if want < 3 {
			require.NoError(t, repo.ResetToPending(ctx, stream.ID))
		}
	}
}
