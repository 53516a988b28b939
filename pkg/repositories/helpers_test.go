package repositories_test

import (
	"context"
	"net/http"
	"os"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/repositories"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func getTestDB(t *testing.T) database.DB {
	// Use environment variables or defaults for test DB
	dbHost := os.Getenv("DB_HOST")
	if dbHost == "" {
		dbHost = "localhost"
	}
	dbUser := os.Getenv("DB_USER_NAME")
	if dbUser == "" {
		dbUser = "user"
	}
	dbPass := os.Getenv("DB_PASSWORD")
	if dbPass == "" {
		dbPass = "password"
	}
	dbName := os.Getenv("DB_NAME")
	if dbName == "" {
		dbName = "fern"
	}

	dsn := "host=" + dbHost + " user=" + dbUser + " password=" + dbPass + " dbname=" + dbName + " sslmode=disable"
	db, err := sqlx.Connect("postgres", dsn)
	require.NoError(t, err, "Failed to connect to test database")

	return database.NewDatabaseInstance(db, getTestLogger())
}

func getTestContext(tenantID uuid.UUID) context.Context {
	ctx := context.Background()
	return appctx.SetTenantID(ctx, tenantID.String())
}

// assertNotFound asserts that err is an HTTP 404 error
func assertNotFound(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusNotFound, httperror.GetStatusCode(err), "expected 404, got: %d", httperror.GetStatusCode(err))
}

// assertUnauthorized asserts that err is an HTTP 401 error
func assertUnauthorized(t *testing.T, err error) {
	t.Helper()
	require.Error(t, err)
	assert.True(t, httperror.IsHTTPError(err), "expected HTTP error, got: %v", err)
	assert.Equal(t, http.StatusUnauthorized, httperror.GetStatusCode(err), "expected 401, got: %d", httperror.GetStatusCode(err))
}

// createTestIntegration inserts an integration for the tenant in ctx
func createTestIntegration(t *testing.T, ctx context.Context, db database.DB) *models.Integration {
	t.Helper()
	repo := repositories.NewIntegrationRepository(db, getTestLogger())
	integration := &models.Integration{
		Platform: "github",
		Plan:     "free",
		Settings: database.JSONB[map[string]any]{Data: map[string]any{
			"repos": []any{"acme/widgets"},
		}},
	}
	require.NoError(t, repo.Create(ctx, integration))
	return integration
}

// createTestRun inserts a pending run for the integration
func createTestRun(t *testing.T, ctx context.Context, db database.DB, integration *models.Integration) *models.Run {
	t.Helper()
	repo := repositories.NewRunRepository(db, getTestLogger())
	run := &models.Run{
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
	}
	require.NoError(t, repo.Create(ctx, run))
	return run
}

func strPtr(s string) *string {
	return &s
}
