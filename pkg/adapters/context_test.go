package adapters_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/models"
)

func TestStreamContext_SingleContinuationPerInvocation(t *testing.T) {
	sctx := adapters.NewStreamContext(
		testIntegration(map[string]any{}),
		testStream(map[string]any{}),
		&fakeFetcher{},
		nil,
		getTestLogger(),
	)

	sctx.PublishNextPage("issues:acme/widgets:page:2", map[string]any{"page": 2})
	// A second request in the same invocation is truncated, first one wins
	sctx.PublishNextPage("issues:acme/widgets:page:3", map[string]any{"page": 3})

	next := sctx.NextPage()
	require.NotNil(t, next)
	assert.Equal(t, "issues:acme/widgets:page:2", next.Identifier)
}

func TestStreamContext_Cursors(t *testing.T) {
	sctx := adapters.NewStreamContext(
		testIntegration(map[string]any{}),
		testStream(map[string]any{}),
		&fakeFetcher{},
		nil,
		getTestLogger(),
	)

	assert.Nil(t, sctx.Cursors())

	sctx.SetCursor("issues:acme/widgets", "2025-06-01T00:00:00Z")
	sctx.SetCursor("issues:acme/widgets", "2025-06-02T00:00:00Z")
	sctx.SetCursor("issues:acme/gears", "2025-06-03T00:00:00Z")

	cursors := sctx.Cursors()
	assert.Len(t, cursors, 2)
	assert.Equal(t, "2025-06-02T00:00:00Z", cursors["issues:acme/widgets"])
}

func TestRegistry(t *testing.T) {
	registry := adapters.NewRegistry()
	registry.Register(adapters.NewGitHubAdapter())
	registry.Register(adapters.NewDiscordAdapter())

	adapter, err := registry.Get("github")
	require.NoError(t, err)
	assert.Equal(t, "github", adapter.Platform())

	_, err = registry.Get("slack")
	assert.Error(t, err)

	assert.Equal(t, []string{"discord", "github"}, registry.Platforms())

	assert.Panics(t, func() {
		registry.Register(adapters.NewGitHubAdapter())
	})
}

func TestWebhookContext_Payload(t *testing.T) {
	webhook := &models.Webhook{
		Type:    "star",
		Payload: jsonb(map[string]any{"sender": map[string]any{"login": "octocat"}}),
	}
	wctx := adapters.NewWebhookContext(testIntegration(map[string]any{}), webhook, nil, getTestLogger())

	payload := wctx.Payload()
	sender := payload["sender"].(map[string]any)
	assert.Equal(t, "octocat", sender["login"])
}
