package orchestrator

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/Gobusters/ectologger/zapadapter"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/auth"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/sink"
)

func getTestLogger() ectologger.Logger {
	zapLogger, _ := zap.NewDevelopment()
	return zapadapter.NewZapEctoLogger(zapLogger, nil)
}

func errNotFound() error {
	return httperror.NewHTTPError(http.StatusNotFound, "not found")
}

// fakeIntegrations is an in-memory IntegrationRepo
type fakeIntegrations struct {
	mu           sync.Mutex
	integrations map[uuid.UUID]*models.Integration
	statuses     []models.IntegrationStatus
}

func newFakeIntegrations(list ...*models.Integration) *fakeIntegrations {
	f := &fakeIntegrations{integrations: make(map[uuid.UUID]*models.Integration)}
	for _, integration := range list {
		f.integrations[integration.ID] = integration
	}
	return f
}

func (f *fakeIntegrations) Create(ctx context.Context, integration *models.Integration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.integrations[integration.ID] = integration
	return nil
}

func (f *fakeIntegrations) GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	integration, ok := f.integrations[id]
	if !ok {
		return nil, errNotFound()
	}
	return integration, nil
}

func (f *fakeIntegrations) GetByIDAny(ctx context.Context, id uuid.UUID) (*models.Integration, error) {
	return f.GetByID(ctx, id)
}

func (f *fakeIntegrations) List(ctx context.Context) ([]models.Integration, error) { return nil, nil }

func (f *fakeIntegrations) UpdateStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.statuses = append(f.statuses, status)
	return nil
}

func (f *fakeIntegrations) UpdateSettings(ctx context.Context, id uuid.UUID, settings map[string]any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if integration, ok := f.integrations[id]; ok {
		integration.Settings = database.JSONB[map[string]any]{Data: settings}
	}
	return nil
}

func (f *fakeIntegrations) ResetCursor(ctx context.Context, id uuid.UUID) error { return nil }
func (f *fakeIntegrations) Delete(ctx context.Context, id uuid.UUID) error      { return nil }

func (f *fakeIntegrations) statusUpdates() []models.IntegrationStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.IntegrationStatus(nil), f.statuses...)
}

// fakeRuns is an in-memory RunRepo
type fakeRuns struct {
	mu        sync.Mutex
	runs      map[uuid.UUID]*models.Run
	doneCalls int
}

func newFakeRuns(list ...*models.Run) *fakeRuns {
	f := &fakeRuns{runs: make(map[uuid.UUID]*models.Run)}
	for _, run := range list {
		f.runs[run.ID] = run
	}
	return f
}

func (f *fakeRuns) Create(ctx context.Context, run *models.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.ID] = run
	return nil
}

func (f *fakeRuns) GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return nil, errNotFound()
	}
	return run, nil
}

func (f *fakeRuns) ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.Run, error) {
	return nil, nil
}

func (f *fakeRuns) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok || run.State != models.RunStatePending {
		return false, nil
	}
	run.State = models.RunStateProcessing
	return true, nil
}

func (f *fakeRuns) MarkDone(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.doneCalls++
	run, ok := f.runs[id]
	if !ok || run.State != models.RunStateProcessing {
		return errNotFound()
	}
	run.State = models.RunStateDone
	return nil
}

func (f *fakeRuns) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return 0, errNotFound()
	}
	run.State = models.RunStateError
	run.Retries++
	return run.Retries, nil
}

func (f *fakeRuns) ResetToPending(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if run, ok := f.runs[id]; ok {
		run.State = models.RunStatePending
	}
	return nil
}

func (f *fakeRuns) markDoneCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.doneCalls
}

func (f *fakeRuns) state(id uuid.UUID) models.RunState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs[id].State
}

// fakeStreams is an in-memory StreamRepo with identifier dedupe and the
// parent-processed claim gate
type fakeStreams struct {
	mu      sync.Mutex
	streams map[uuid.UUID]*models.Stream
	dedupe  map[string]bool
	resets  []uuid.UUID
}

func newFakeStreams(list ...*models.Stream) *fakeStreams {
	f := &fakeStreams{streams: make(map[uuid.UUID]*models.Stream), dedupe: make(map[string]bool)}
	for _, stream := range list {
		if stream.ID == uuid.Nil {
			stream.ID = uuid.New()
		}
		f.streams[stream.ID] = stream
		f.dedupe[stream.RunID.String()+"|"+stream.Identifier] = true
	}
	return f
}

func (f *fakeStreams) Create(ctx context.Context, stream *models.Stream) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := stream.RunID.String() + "|" + stream.Identifier
	if f.dedupe[key] {
		return false, nil
	}
	if stream.ID == uuid.Nil {
		stream.ID = uuid.New()
	}
	f.streams[stream.ID] = stream
	f.dedupe[key] = true
	return true, nil
}

func (f *fakeStreams) GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, ok := f.streams[id]
	if !ok {
		return nil, errNotFound()
	}
	return stream, nil
}

func (f *fakeStreams) ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Stream, error) {
	return nil, nil
}

func (f *fakeStreams) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, ok := f.streams[id]
	if !ok || stream.State != models.StreamStatePending {
		return false, nil
	}
	if stream.ParentID != nil {
		parent, ok := f.streams[*stream.ParentID]
		if !ok || parent.State != models.StreamStateProcessed {
			return false, nil
		}
	}
	stream.State = models.StreamStateProcessing
	return true, nil
}

func (f *fakeStreams) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, ok := f.streams[id]
	if !ok {
		return errNotFound()
	}
	stream.State = models.StreamStateProcessed
	return nil
}

func (f *fakeStreams) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	stream, ok := f.streams[id]
	if !ok {
		return 0, errNotFound()
	}
	stream.State = models.StreamStateError
	stream.Retries++
	return stream.Retries, nil
}

func (f *fakeStreams) ResetToPending(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if stream, ok := f.streams[id]; ok {
		stream.State = models.StreamStatePending
	}
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeStreams) CountUnfinishedByRun(ctx context.Context, runID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	count := 0
	for _, stream := range f.streams {
		if stream.RunID != runID {
			continue
		}
		if stream.State == models.StreamStatePending || stream.State == models.StreamStateProcessing {
			count++
		}
	}
	return count, nil
}

func (f *fakeStreams) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

func (f *fakeStreams) state(id uuid.UUID) models.StreamState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.streams[id].State
}

// fakeData is an in-memory StreamDataRepo
type fakeData struct {
	mu      sync.Mutex
	records map[uuid.UUID]*models.StreamData
	resets  []uuid.UUID
}

func newFakeData(list ...*models.StreamData) *fakeData {
	f := &fakeData{records: make(map[uuid.UUID]*models.StreamData)}
	for _, record := range list {
		if record.ID == uuid.Nil {
			record.ID = uuid.New()
		}
		f.records[record.ID] = record
	}
	return f
}

func (f *fakeData) Create(ctx context.Context, data *models.StreamData) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if data.ID == uuid.Nil {
		data.ID = uuid.New()
	}
	f.records[data.ID] = data
	return nil
}

func (f *fakeData) GetByID(ctx context.Context, id uuid.UUID) (*models.StreamData, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return nil, errNotFound()
	}
	return record, nil
}

func (f *fakeData) ListByStream(ctx context.Context, streamID uuid.UUID) ([]models.StreamData, error) {
	return nil, nil
}

func (f *fakeData) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok || record.State != models.DataStatePending {
		return false, nil
	}
	record.State = models.DataStateProcessing
	return true, nil
}

func (f *fakeData) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return errNotFound()
	}
	record.State = models.DataStateProcessed
	return nil
}

func (f *fakeData) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	record, ok := f.records[id]
	if !ok {
		return 0, errNotFound()
	}
	record.State = models.DataStateError
	record.Retries++
	return record.Retries, nil
}

func (f *fakeData) ResetToPending(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if record, ok := f.records[id]; ok {
		record.State = models.DataStatePending
	}
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeData) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

func (f *fakeData) state(id uuid.UUID) models.DataState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.records[id].State
}

// fakeWebhooks is an in-memory WebhookRepo
type fakeWebhooks struct {
	mu       sync.Mutex
	webhooks map[uuid.UUID]*models.Webhook
	resets   []uuid.UUID
}

func newFakeWebhooks(list ...*models.Webhook) *fakeWebhooks {
	f := &fakeWebhooks{webhooks: make(map[uuid.UUID]*models.Webhook)}
	for _, webhook := range list {
		if webhook.ID == uuid.Nil {
			webhook.ID = uuid.New()
		}
		f.webhooks[webhook.ID] = webhook
	}
	return f
}

func (f *fakeWebhooks) Create(ctx context.Context, webhook *models.Webhook) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.webhooks[webhook.ID] = webhook
	return nil
}

func (f *fakeWebhooks) GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	webhook, ok := f.webhooks[id]
	if !ok {
		return nil, errNotFound()
	}
	return webhook, nil
}

func (f *fakeWebhooks) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	webhook, ok := f.webhooks[id]
	if !ok || webhook.State != models.WebhookStatePending {
		return false, nil
	}
	webhook.State = models.WebhookStateProcessing
	return true, nil
}

func (f *fakeWebhooks) MarkProcessed(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	webhook, ok := f.webhooks[id]
	if !ok {
		return errNotFound()
	}
	webhook.State = models.WebhookStateProcessed
	return nil
}

func (f *fakeWebhooks) MarkError(ctx context.Context, id uuid.UUID, message string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	webhook, ok := f.webhooks[id]
	if !ok {
		return 0, errNotFound()
	}
	webhook.State = models.WebhookStateError
	webhook.Retries++
	return webhook.Retries, nil
}

func (f *fakeWebhooks) ResetToPending(ctx context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if webhook, ok := f.webhooks[id]; ok {
		webhook.State = models.WebhookStatePending
	}
	f.resets = append(f.resets, id)
	return nil
}

func (f *fakeWebhooks) MarkPending(ctx context.Context, id uuid.UUID) error {
	return f.ResetToPending(ctx, id)
}

func (f *fakeWebhooks) ListPending(ctx context.Context, limit int) ([]models.Webhook, error) {
	return nil, nil
}

func (f *fakeWebhooks) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.resets)
}

func (f *fakeWebhooks) state(id uuid.UUID) models.WebhookState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.webhooks[id].State
}

// fakeEmitter records publishes instead of touching Redis
type fakeEmitter struct {
	mu      sync.Mutex
	stage   string
	inputs  []priority.Input
	lanes   []priority.Lane
	system  int
	entries []uuid.UUID
}

func (f *fakeEmitter) Stage() string { return f.stage }

func (f *fakeEmitter) Trigger(ctx context.Context, platform string, entityID uuid.UUID, in priority.Input) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inputs = append(f.inputs, in)
	f.entries = append(f.entries, entityID)
	return nil
}

func (f *fakeEmitter) TriggerSystem(ctx context.Context, platform string, entityID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.system++
	f.entries = append(f.entries, entityID)
	return nil
}

func (f *fakeEmitter) TriggerLane(ctx context.Context, lane priority.Lane, platform string, entityID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lanes = append(f.lanes, lane)
	f.entries = append(f.entries, entityID)
	return nil
}

func (f *fakeEmitter) publishCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeEmitter) lastInput() priority.Input {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.inputs[len(f.inputs)-1]
}

// fakeProducer records data hand-offs instead of writing to Kafka
type fakeProducer struct {
	mu         sync.Mutex
	publishErr error
	published  []sink.DataMessage
	failed     []sink.FailedMessage
}

func (f *fakeProducer) Publish(ctx context.Context, msg *sink.DataMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishErr != nil {
		return f.publishErr
	}
	f.published = append(f.published, *msg)
	return nil
}

func (f *fakeProducer) PublishFailed(ctx context.Context, msg *sink.FailedMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failed = append(f.failed, *msg)
	return nil
}

func (f *fakeProducer) publishedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.published)
}

func (f *fakeProducer) failedMessages() []sink.FailedMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sink.FailedMessage(nil), f.failed...)
}

// fakeAdapter drives the stage handlers with canned behavior
type fakeAdapter struct {
	mu            sync.Mutex
	platform      string
	generate      func(ctx context.Context, gctx *adapters.GenerateContext) error
	process       func(ctx context.Context, sctx *adapters.StreamContext) error
	webhook       func(ctx context.Context, wctx *adapters.WebhookContext) error
	supports      bool
	generateCalls int
}

func (a *fakeAdapter) Platform() string { return a.platform }

func (a *fakeAdapter) GenerateStreams(ctx context.Context, gctx *adapters.GenerateContext) error {
	a.mu.Lock()
	a.generateCalls++
	a.mu.Unlock()
	if a.generate == nil {
		return nil
	}
	return a.generate(ctx, gctx)
}

func (a *fakeAdapter) ProcessStream(ctx context.Context, sctx *adapters.StreamContext) error {
	if a.process == nil {
		return nil
	}
	return a.process(ctx, sctx)
}

func (a *fakeAdapter) SupportsWebhook(webhookType string) bool { return a.supports }

func (a *fakeAdapter) ProcessWebhook(ctx context.Context, wctx *adapters.WebhookContext) error {
	if a.webhook == nil {
		return nil
	}
	return a.webhook(ctx, wctx)
}

func (a *fakeAdapter) generateCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.generateCalls
}

// fixture wires an orchestrator onto the in-memory fakes
type fixture struct {
	integrations *fakeIntegrations
	runs         *fakeRuns
	streams      *fakeStreams
	data         *fakeData
	webhooks     *fakeWebhooks

	emRuns     *fakeEmitter
	emStreams  *fakeEmitter
	emData     *fakeEmitter
	emWebhooks *fakeEmitter
	emSearch   *fakeEmitter

	producer *fakeProducer
	orch     *Orchestrator
}

func newFixture(t *testing.T, adapter adapters.Adapter,
	integrations *fakeIntegrations, runs *fakeRuns, streams *fakeStreams,
	data *fakeData, webhooks *fakeWebhooks) *fixture {
	t.Helper()

	logger := getTestLogger()
	registry := adapters.NewRegistry()
	if adapter != nil {
		registry.Register(adapter)
	}

	f := &fixture{
		integrations: integrations,
		runs:         runs,
		streams:      streams,
		data:         data,
		webhooks:     webhooks,
		emRuns:       &fakeEmitter{stage: "runs"},
		emStreams:    &fakeEmitter{stage: "streams"},
		emData:       &fakeEmitter{stage: "data"},
		emWebhooks:   &fakeEmitter{stage: "webhooks"},
		emSearch:     &fakeEmitter{stage: "search-sync"},
		producer:     &fakeProducer{},
	}

	em := &emitters.Emitters{
		Runs:       f.emRuns,
		Streams:    f.emStreams,
		Data:       f.emData,
		Webhooks:   f.emWebhooks,
		SearchSync: f.emSearch,
	}

	f.orch = New(integrations, runs, streams, data, webhooks, em, registry,
		nil, auth.NewManager(nil, nil, logger), nil, f.producer,
		Config{MaxRetries: 3, RedriveBackoff: time.Millisecond}, logger)
	return f
}

func newTestIntegration(plan string) *models.Integration {
	return &models.Integration{
		ID:       uuid.New(),
		TenantID: uuid.New(),
		Platform: "github",
		Status:   models.IntegrationStatusActive,
		Plan:     plan,
		Settings: database.JSONB[map[string]any]{Data: map[string]any{
			"api_token": "test-token",
		}},
	}
}

func newTestRun(integration *models.Integration) *models.Run {
	return &models.Run{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		State:         models.RunStatePending,
	}
}

func newTestStream(integration *models.Integration, run *models.Run, identifier string, state models.StreamState) *models.Stream {
	return &models.Stream{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		RunID:         run.ID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Identifier:    identifier,
		State:         state,
	}
}

func job(tenantID uuid.UUID, entityID uuid.UUID) *redis.JobMessage {
	return &redis.JobMessage{
		TenantID: tenantID.String(),
		Platform: "github",
		EntityID: entityID.String(),
	}
}

func TestHandleRun_RequeuedRunWaitsForInFlightStreams(t *testing.T) {
	integration := newTestIntegration("free")
	run := newTestRun(integration)

	// First generation already discovered these; one is mid-fetch
	streams := newFakeStreams(
		newTestStream(integration, run, "issues:acme/widgets:page:1", models.StreamStatePending),
		newTestStream(integration, run, "issues:acme/widgets:page:2", models.StreamStateProcessing),
		newTestStream(integration, run, "stargazers:acme/widgets:page:1", models.StreamStatePending),
	)

	// Re-enumeration yields an identifier that deduplicates
	adapter := &fakeAdapter{platform: "github", generate: func(ctx context.Context, gctx *adapters.GenerateContext) error {
		return gctx.PublishStream(ctx, "issues:acme/widgets:page:1", map[string]any{"page": 1})
	}}

	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		streams, newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleRun(context.Background(), job(integration.TenantID, run.ID)))

	assert.Equal(t, 0, f.runs.markDoneCalls(), "run must not be marked done while streams are unfinished")
	assert.Equal(t, models.RunStateProcessing, f.runs.state(run.ID))
	assert.Empty(t, f.integrations.statusUpdates())
}

func TestHandleRun_EmptyGenerationCompletesRun(t *testing.T) {
	integration := newTestIntegration("free")
	run := newTestRun(integration)

	adapter := &fakeAdapter{platform: "github"}
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		newFakeStreams(), newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleRun(context.Background(), job(integration.TenantID, run.ID)))

	assert.Equal(t, models.RunStateDone, f.runs.state(run.ID))
	assert.Equal(t, []models.IntegrationStatus{models.IntegrationStatusActive}, f.integrations.statusUpdates())
}

func TestHandleRun_ClaimLoserSkipsGeneration(t *testing.T) {
	integration := newTestIntegration("free")
	run := newTestRun(integration)
	run.State = models.RunStateProcessing

	adapter := &fakeAdapter{platform: "github"}
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		newFakeStreams(), newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleRun(context.Background(), job(integration.TenantID, run.ID)))
	assert.Equal(t, 0, adapter.generateCount())
}

func TestHandleStream_RetryExhaustionFreezesError(t *testing.T) {
	integration := newTestIntegration("free")
	run := newTestRun(integration)
	run.State = models.RunStateProcessing
	stream := newTestStream(integration, run, "issues:acme/widgets:page:1", models.StreamStatePending)
	stream.Retries = 2

	adapter := &fakeAdapter{platform: "github", process: func(ctx context.Context, sctx *adapters.StreamContext) error {
		return errors.New("upstream 500")
	}}

	streams := newFakeStreams(stream)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		streams, newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleStream(context.Background(), job(integration.TenantID, stream.ID)))

	assert.Equal(t, models.StreamStateError, streams.state(stream.ID))

	// The third failure exhausts the budget: no reset, no re-publish
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, streams.resetCount())
	assert.Equal(t, 0, f.emStreams.publishCount())
}

func TestHandleStream_TransientFailureRedrives(t *testing.T) {
	integration := newTestIntegration("scale")
	run := newTestRun(integration)
	run.State = models.RunStateProcessing
	stream := newTestStream(integration, run, "issues:acme/widgets:page:1", models.StreamStatePending)

	adapter := &fakeAdapter{platform: "github", process: func(ctx context.Context, sctx *adapters.StreamContext) error {
		return errors.New("connection reset")
	}}

	streams := newFakeStreams(stream)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		streams, newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleStream(context.Background(), job(integration.TenantID, stream.ID)))

	require.Eventually(t, func() bool {
		return streams.resetCount() == 1 && f.emStreams.publishCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	in := f.emStreams.lastInput()
	assert.Equal(t, "scale", in.Plan)
	assert.Equal(t, priority.LaneHigh, priority.Classify(in))
}

func TestHandleStream_DropsChildOfErroredParent(t *testing.T) {
	integration := newTestIntegration("free")
	run := newTestRun(integration)
	run.State = models.RunStateProcessing

	parent := newTestStream(integration, run, "issues:acme/widgets:page:1", models.StreamStateError)
	child := newTestStream(integration, run, "issues:acme/widgets:page:2", models.StreamStatePending)
	child.ParentID = &parent.ID

	adapter := &fakeAdapter{platform: "github"}
	streams := newFakeStreams(parent, child)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		streams, newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleStream(context.Background(), job(integration.TenantID, child.ID)))

	// No re-queue: the chain is parked until the operator revives the parent
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, f.emStreams.publishCount())
	assert.Equal(t, models.StreamStatePending, streams.state(child.ID))
}

func TestHandleStream_RequeuesChildOfUnfinishedParent(t *testing.T) {
	integration := newTestIntegration("free")
	run := newTestRun(integration)
	run.State = models.RunStateProcessing

	parent := newTestStream(integration, run, "issues:acme/widgets:page:1", models.StreamStateProcessing)
	child := newTestStream(integration, run, "issues:acme/widgets:page:2", models.StreamStatePending)
	child.ParentID = &parent.ID

	adapter := &fakeAdapter{platform: "github"}
	streams := newFakeStreams(parent, child)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(run),
		streams, newFakeData(), newFakeWebhooks())

	require.NoError(t, f.orch.HandleStream(context.Background(), job(integration.TenantID, child.ID)))

	require.Eventually(t, func() bool {
		return f.emStreams.publishCount() == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestHandleData_RedriveKeepsTenantLane(t *testing.T) {
	integration := newTestIntegration("enterprise")
	record := &models.StreamData{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		State:         models.DataStatePending,
		Payload:       database.JSONB[map[string]any]{Data: map[string]any{"type": "issue"}},
	}

	data := newFakeData(record)
	f := newFixture(t, nil, newFakeIntegrations(integration), newFakeRuns(),
		newFakeStreams(), data, newFakeWebhooks())
	f.producer.publishErr = errors.New("kafka unavailable")

	require.NoError(t, f.orch.HandleData(context.Background(), job(integration.TenantID, record.ID)))

	require.Eventually(t, func() bool {
		return data.resetCount() == 1 && f.emData.publishCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	// The re-drive goes back through classification, not a fixed lane
	in := f.emData.lastInput()
	assert.Equal(t, "enterprise", in.Plan)
	assert.Equal(t, priority.LaneHigh, priority.Classify(in))
}

func TestHandleData_ExhaustionAnnouncesFailure(t *testing.T) {
	integration := newTestIntegration("free")
	record := &models.StreamData{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		State:         models.DataStatePending,
		Retries:       2,
	}

	data := newFakeData(record)
	f := newFixture(t, nil, newFakeIntegrations(integration), newFakeRuns(),
		newFakeStreams(), data, newFakeWebhooks())
	f.producer.publishErr = errors.New("kafka unavailable")

	require.NoError(t, f.orch.HandleData(context.Background(), job(integration.TenantID, record.ID)))

	assert.Equal(t, models.DataStateError, data.state(record.ID))

	failed := f.producer.failedMessages()
	require.Len(t, failed, 1)
	assert.Equal(t, record.ID.String(), failed[0].DataID)
	assert.Equal(t, 3, failed[0].Retries)

	// Exhausted: the fourth delivery is never scheduled
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, data.resetCount())
	assert.Equal(t, 0, f.emData.publishCount())
}

func TestHandleData_ClaimLoserSkipsHandOff(t *testing.T) {
	integration := newTestIntegration("free")
	record := &models.StreamData{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		State:         models.DataStateProcessing,
	}

	data := newFakeData(record)
	f := newFixture(t, nil, newFakeIntegrations(integration), newFakeRuns(),
		newFakeStreams(), data, newFakeWebhooks())

	require.NoError(t, f.orch.HandleData(context.Background(), job(integration.TenantID, record.ID)))
	assert.Equal(t, 0, f.producer.publishedCount())
}

func TestHandleWebhook_RedriveKeepsTenantLane(t *testing.T) {
	integration := newTestIntegration("free")
	integration.Onboarding = true
	webhook := &models.Webhook{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Type:          "issues",
		State:         models.WebhookStatePending,
	}

	adapter := &fakeAdapter{platform: "github", supports: true, webhook: func(ctx context.Context, wctx *adapters.WebhookContext) error {
		return errors.New("transient normalize failure")
	}}

	webhooks := newFakeWebhooks(webhook)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(),
		newFakeStreams(), newFakeData(), webhooks)

	require.NoError(t, f.orch.HandleWebhook(context.Background(), job(integration.TenantID, webhook.ID)))

	require.Eventually(t, func() bool {
		return webhooks.resetCount() == 1 && f.emWebhooks.publishCount() == 1
	}, 2*time.Second, 5*time.Millisecond)

	in := f.emWebhooks.lastInput()
	assert.True(t, in.Onboarding)
	assert.Equal(t, priority.LaneHigh, priority.Classify(in))
}

func TestHandleWebhook_UnsupportedTypeIsPermanent(t *testing.T) {
	integration := newTestIntegration("free")
	webhook := &models.Webhook{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Type:          "unknown_event",
		State:         models.WebhookStatePending,
	}

	adapter := &fakeAdapter{platform: "github", supports: false}
	webhooks := newFakeWebhooks(webhook)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(),
		newFakeStreams(), newFakeData(), webhooks)

	require.NoError(t, f.orch.HandleWebhook(context.Background(), job(integration.TenantID, webhook.ID)))

	assert.Equal(t, models.WebhookStateError, webhooks.state(webhook.ID))

	// Permanent failures are never re-driven
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, webhooks.resetCount())
	assert.Equal(t, 0, f.emWebhooks.publishCount())
}

func TestHandleWebhook_RetryExhaustionFreezesError(t *testing.T) {
	integration := newTestIntegration("free")
	webhook := &models.Webhook{
		ID:            uuid.New(),
		TenantID:      integration.TenantID,
		IntegrationID: integration.ID,
		Platform:      integration.Platform,
		Type:          "issues",
		State:         models.WebhookStatePending,
		Retries:       2,
	}

	adapter := &fakeAdapter{platform: "github", supports: true, webhook: func(ctx context.Context, wctx *adapters.WebhookContext) error {
		return errors.New("transient normalize failure")
	}}

	webhooks := newFakeWebhooks(webhook)
	f := newFixture(t, adapter, newFakeIntegrations(integration), newFakeRuns(),
		newFakeStreams(), newFakeData(), webhooks)

	require.NoError(t, f.orch.HandleWebhook(context.Background(), job(integration.TenantID, webhook.ID)))

	assert.Equal(t, models.WebhookStateError, webhooks.state(webhook.ID))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, webhooks.resetCount())
	assert.Equal(t, 0, f.emWebhooks.publishCount())
}
