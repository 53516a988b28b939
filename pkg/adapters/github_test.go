package adapters_test

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

// fakeFetcher serves canned JSON bodies keyed by URL substring
type fakeFetcher struct {
	responses map[string]any
	requests  []fetchRequest
}

type fetchRequest struct {
	url     string
	headers map[string]string
}

func (f *fakeFetcher) Get(ctx context.Context, url string, headers map[string]string) (*httpclient.Response, error) {
	f.requests = append(f.requests, fetchRequest{url: url, headers: headers})
	for key, body := range f.responses {
		if strings.Contains(url, key) {
			return &httpclient.Response{StatusCode: 200, BodyJSON: body}, nil
		}
	}
	return nil, fmt.Errorf("no canned response for %s", url)
}

func jsonb(data map[string]any) database.JSONB[map[string]any] {
	return database.JSONB[map[string]any]{Data: data}
}

func testIntegration(settings map[string]any) *models.Integration {
	return &models.Integration{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Platform: "github",
		Settings: jsonb(settings),
	}
}

func testStream(metadata map[string]any) *models.Stream {
	return &models.Stream{
		ID:       uuid.New(),
		Metadata: jsonb(metadata),
	}
}

func issueRecords(n int, startID int) []any {
	records := make([]any, 0, n)
	for i := 0; i < n; i++ {
		records = append(records, map[string]any{
			"id":         float64(startID + i),
			"title":      fmt.Sprintf("Issue %d", startID+i),
			"state":      "open",
			"user":       map[string]any{"login": "octocat"},
			"created_at": "2025-06-01T00:00:00Z",
			"updated_at": fmt.Sprintf("2025-06-01T00:00:%02dZ", i),
			"html_url":   fmt.Sprintf("https://github.com/acme/widgets/issues/%d", startID+i),
			"body":       "body",
		})
	}
	return records
}

func TestGitHubAdapter_GenerateStreams(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	integration := testIntegration(map[string]any{
		"repos": []any{"acme/widgets", "acme/gears"},
	})
	run := &models.Run{ID: uuid.New()}

	var published []string
	gctx := adapters.NewGenerateContext(integration, run, func(ctx context.Context, identifier string, metadata map[string]any) error {
		published = append(published, identifier)
		return nil
	}, getTestLogger())

	require.NoError(t, adapter.GenerateStreams(context.Background(), gctx))

	// One stream per repo per resource, all first pages
	assert.Len(t, published, 4)
	assert.Contains(t, published, "issues:acme/widgets:page:1")
	assert.Contains(t, published, "stargazers:acme/widgets:page:1")
	assert.Contains(t, published, "issues:acme/gears:page:1")
	assert.Contains(t, published, "stargazers:acme/gears:page:1")
}

func TestGitHubAdapter_GenerateStreams_NoRepos(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	gctx := adapters.NewGenerateContext(testIntegration(map[string]any{}), &models.Run{}, func(ctx context.Context, identifier string, metadata map[string]any) error {
		t.Fatal("should not publish")
		return nil
	}, getTestLogger())

	assert.Error(t, adapter.GenerateStreams(context.Background(), gctx))
}

func TestGitHubAdapter_ProcessStream_PartialPage(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	fetcher := &fakeFetcher{responses: map[string]any{
		"/repos/acme/widgets/issues": issueRecords(2, 1),
	}}

	var payloads []map[string]any
	sctx := adapters.NewStreamContext(
		testIntegration(map[string]any{"repos": []any{"acme/widgets"}}),
		testStream(map[string]any{"repo": "acme/widgets", "resource": "issues", "page": float64(1)}),
		fetcher,
		func(ctx context.Context, payload map[string]any) error {
			payloads = append(payloads, payload)
			return nil
		},
		getTestLogger(),
	).WithAuthToken("test-token")

	require.NoError(t, adapter.ProcessStream(context.Background(), sctx))

	assert.Len(t, payloads, 2)
	assert.Equal(t, "issue", payloads[0]["type"])
	assert.Equal(t, "acme/widgets", payloads[0]["repo"])
	assert.Equal(t, "octocat", payloads[0]["author"])

	// Partial page means no continuation
	assert.Nil(t, sctx.NextPage())

	// The cursor advances to the last record's updated_at
	assert.Equal(t, "2025-06-01T00:00:01Z", sctx.Cursors()["issues:acme/widgets"])

	// Token travels as a header, never through settings
	require.Len(t, fetcher.requests, 1)
	assert.Equal(t, "Bearer test-token", fetcher.requests[0].headers["Authorization"])
}

func TestGitHubAdapter_ProcessStream_FullPageRequestsContinuation(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	fetcher := &fakeFetcher{responses: map[string]any{
		"/repos/acme/widgets/issues": issueRecords(100, 1),
	}}

	sctx := adapters.NewStreamContext(
		testIntegration(map[string]any{"repos": []any{"acme/widgets"}}),
		testStream(map[string]any{"repo": "acme/widgets", "resource": "issues", "page": float64(3)}),
		fetcher,
		func(ctx context.Context, payload map[string]any) error { return nil },
		getTestLogger(),
	)

	require.NoError(t, adapter.ProcessStream(context.Background(), sctx))

	next := sctx.NextPage()
	require.NotNil(t, next)
	assert.Equal(t, "issues:acme/widgets:page:4", next.Identifier)
	assert.Equal(t, 4, next.Metadata["page"])
}

func TestGitHubAdapter_ProcessStream_UsesPersistedCursor(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	fetcher := &fakeFetcher{responses: map[string]any{
		"/repos/acme/widgets/issues": []any{},
	}}

	integration := testIntegration(map[string]any{
		"repos": []any{"acme/widgets"},
		models.CursorSettingsKey: map[string]any{
			"issues:acme/widgets": "2025-05-01T00:00:00Z",
		},
	})
	sctx := adapters.NewStreamContext(
		integration,
		testStream(map[string]any{"repo": "acme/widgets", "resource": "issues", "page": float64(1)}),
		fetcher,
		func(ctx context.Context, payload map[string]any) error { return nil },
		getTestLogger(),
	)

	require.NoError(t, adapter.ProcessStream(context.Background(), sctx))
	require.Len(t, fetcher.requests, 1)
	assert.Contains(t, fetcher.requests[0].url, "since=2025-05-01T00%3A00%3A00Z")
}

func TestGitHubAdapter_ProcessStream_InvalidMetadata(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	sctx := adapters.NewStreamContext(
		testIntegration(map[string]any{}),
		testStream(map[string]any{}),
		&fakeFetcher{},
		func(ctx context.Context, payload map[string]any) error { return nil },
		getTestLogger(),
	)

	assert.Error(t, adapter.ProcessStream(context.Background(), sctx))
}

func TestGitHubAdapter_ProcessWebhook_Issues(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()

	var payloads []map[string]any
	wctx := adapters.NewWebhookContext(
		testIntegration(map[string]any{}),
		&models.Webhook{
			ID:   uuid.New(),
			Type: "issues",
			Payload: jsonb(map[string]any{
				"action":     "opened",
				"repository": map[string]any{"full_name": "acme/widgets"},
				"issue": map[string]any{
					"id":         float64(7),
					"title":      "Broken gear",
					"state":      "open",
					"user":       map[string]any{"login": "octocat"},
					"created_at": "2025-06-02T00:00:00Z",
					"html_url":   "https://github.com/acme/widgets/issues/7",
				},
			}),
		},
		func(ctx context.Context, payload map[string]any) error {
			payloads = append(payloads, payload)
			return nil
		},
		getTestLogger(),
	)

	require.NoError(t, adapter.ProcessWebhook(context.Background(), wctx))
	require.Len(t, payloads, 1)
	assert.Equal(t, "issue", payloads[0]["type"])
	assert.Equal(t, "opened", payloads[0]["action"])
	assert.Equal(t, "acme/widgets", payloads[0]["repo"])
}

func TestGitHubAdapter_ProcessWebhook_UnsupportedType(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	wctx := adapters.NewWebhookContext(
		testIntegration(map[string]any{}),
		&models.Webhook{Type: "deployment", Payload: jsonb(map[string]any{})},
		func(ctx context.Context, payload map[string]any) error { return nil },
		getTestLogger(),
	)

	assert.Error(t, adapter.ProcessWebhook(context.Background(), wctx))
}

func TestGitHubAdapter_SupportsWebhook(t *testing.T) {
	adapter := adapters.NewGitHubAdapter()
	assert.True(t, adapter.SupportsWebhook("issues"))
	assert.True(t, adapter.SupportsWebhook("star"))
	assert.False(t, adapter.SupportsWebhook("deployment"))
}
