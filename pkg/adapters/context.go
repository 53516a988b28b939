package adapters

import (
	"context"

	"github.com/Gobusters/ectologger"

	"github.com/Ramsey-B/fern/pkg/models"
)

// PublishStreamFunc persists a discovered stream and queues it for processing
type PublishStreamFunc func(ctx context.Context, identifier string, metadata map[string]any) error

// PublishDataFunc persists a normalized record and queues it for hand-off
type PublishDataFunc func(ctx context.Context, payload map[string]any) error

// GenerateContext is what an adapter sees while enumerating streams for a run
type GenerateContext struct {
	Integration *models.Integration
	Run         *models.Run

	publishStream PublishStreamFunc
	logger        ectologger.Logger
}

// NewGenerateContext creates a generate context
func NewGenerateContext(integration *models.Integration, run *models.Run, publishStream PublishStreamFunc, logger ectologger.Logger) *GenerateContext {
	return &GenerateContext{
		Integration:   integration,
		Run:           run,
		publishStream: publishStream,
		logger:        logger,
	}
}

// Settings returns the integration's settings payload
func (g *GenerateContext) Settings() map[string]any {
	return g.Integration.Settings.Data
}

// PublishStream publishes a discovered stream. Duplicate identifiers within
// the run are silently skipped, so adapters can re-enumerate safely.
func (g *GenerateContext) PublishStream(ctx context.Context, identifier string, metadata map[string]any) error {
	return g.publishStream(ctx, identifier, metadata)
}

// Logger returns the run-scoped logger
func (g *GenerateContext) Logger() ectologger.Logger {
	return g.logger
}

// NextPage is a buffered continuation request
type NextPage struct {
	Identifier string
	Metadata   map[string]any
}

// StreamContext is what an adapter sees while processing one page of a stream.
// The continuation request is buffered rather than published directly: the
// orchestrator only creates the next-page stream after the current page is
// marked processed, which keeps pagination strictly ordered even across
// worker crashes.
type StreamContext struct {
	Integration *models.Integration
	Stream      *models.Stream

	fetcher     Fetcher
	publishData PublishDataFunc
	logger      ectologger.Logger

	authToken        string
	nextPage         *NextPage
	nextPageRequests int
	cursors          map[string]any
}

// NewStreamContext creates a stream context
func NewStreamContext(integration *models.Integration, stream *models.Stream, fetcher Fetcher, publishData PublishDataFunc, logger ectologger.Logger) *StreamContext {
	return &StreamContext{
		Integration: integration,
		Stream:      stream,
		fetcher:     fetcher,
		publishData: publishData,
		logger:      logger,
	}
}

// WithAuthToken sets the resolved API token for this invocation. The token is
// never written back to the integration's settings.
func (s *StreamContext) WithAuthToken(token string) *StreamContext {
	s.authToken = token
	return s
}

// AuthToken returns the resolved API token for this integration
func (s *StreamContext) AuthToken() string {
	return s.authToken
}

// Metadata returns the stream's pagination metadata
func (s *StreamContext) Metadata() map[string]any {
	return s.Stream.Metadata.Data
}

// Fetch returns the rate-limited fetcher for this integration
func (s *StreamContext) Fetch() Fetcher {
	return s.fetcher
}

// PublishData publishes one normalized record. The record is durable before
// this returns.
func (s *StreamContext) PublishData(ctx context.Context, payload map[string]any) error {
	return s.publishData(ctx, payload)
}

// PublishNextPage requests the continuation page for this stream. At most one
// continuation is honored per invocation; additional requests are truncated
// and logged as adapter contract violations.
func (s *StreamContext) PublishNextPage(identifier string, metadata map[string]any) {
	s.nextPageRequests++
	if s.nextPageRequests > 1 {
		s.logger.WithFields(map[string]any{
			"stream_id":  s.Stream.ID,
			"identifier": identifier,
			"requests":   s.nextPageRequests,
		}).Error("Adapter contract violation: multiple continuation pages requested in one invocation, truncating")
		return
	}
	s.nextPage = &NextPage{Identifier: identifier, Metadata: metadata}
}

// NextPage returns the buffered continuation request, if any
func (s *StreamContext) NextPage() *NextPage {
	return s.nextPage
}

// SetCursor records the latest cursor for a resource. Cursors are persisted
// onto the integration only after the page is marked processed.
func (s *StreamContext) SetCursor(resource string, cursor any) {
	if s.cursors == nil {
		s.cursors = make(map[string]any)
	}
	s.cursors[resource] = cursor
}

// Cursors returns the cursors recorded during this invocation
func (s *StreamContext) Cursors() map[string]any {
	return s.cursors
}

// Logger returns the stream-scoped logger
func (s *StreamContext) Logger() ectologger.Logger {
	return s.logger
}

// WebhookContext is what an adapter sees while processing a verified webhook.
// Webhooks arrive pre-identified, so they skip stream generation entirely and
// go straight to producing data records.
type WebhookContext struct {
	Integration *models.Integration
	Webhook     *models.Webhook

	publishData PublishDataFunc
	logger      ectologger.Logger
}

// NewWebhookContext creates a webhook context
func NewWebhookContext(integration *models.Integration, webhook *models.Webhook, publishData PublishDataFunc, logger ectologger.Logger) *WebhookContext {
	return &WebhookContext{
		Integration: integration,
		Webhook:     webhook,
		publishData: publishData,
		logger:      logger,
	}
}

// Payload returns the webhook's raw payload
func (w *WebhookContext) Payload() map[string]any {
	return w.Webhook.Payload.Data
}

// PublishData publishes one normalized record derived from the webhook
func (w *WebhookContext) PublishData(ctx context.Context, payload map[string]any) error {
	return w.publishData(ctx, payload)
}

// Logger returns the webhook-scoped logger
func (w *WebhookContext) Logger() ectologger.Logger {
	return w.logger
}
