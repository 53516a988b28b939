// Package orchestrator drives the generate, stream, and data stages of the
// ingestion pipeline. Each stage handler claims its record with a
// compare-and-set, so duplicate queue deliveries and competing workers
// resolve to exactly one processor per record.
package orchestrator

import (
	"context"
	"net/http"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/adapters"
	"github.com/Ramsey-B/fern/pkg/auth"
	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/database"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/httpclient"
	"github.com/Ramsey-B/fern/pkg/models"
	"github.com/Ramsey-B/fern/pkg/priority"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/sink"
	"github.com/Ramsey-B/fern/pkg/throttler"
)

const (
	// DefaultMaxRetries bounds automatic re-drives per record
	DefaultMaxRetries = 3

	// DefaultRedriveBackoff is the base delay before an errored record is
	// reset and re-queued. The actual delay grows linearly with the retry
	// count.
	DefaultRedriveBackoff = 10 * time.Second
)

// Config holds orchestrator tuning
type Config struct {
	MaxRetries     int
	RedriveBackoff time.Duration
}

// Orchestrator wires the stage handlers to their repositories, adapters, and
// downstream producers
type Orchestrator struct {
	integrations repositories.IntegrationRepo
	runs         repositories.RunRepo
	streams      repositories.StreamRepo
	data         repositories.StreamDataRepo
	webhooks     repositories.WebhookRepo

	emitters   *emitters.Emitters
	registry   *adapters.Registry
	throttler  *throttler.Throttler
	auth       *auth.Manager
	httpClient *httpclient.Client
	producer   sink.Publisher

	config Config
	logger ectologger.Logger
}

// New creates the orchestrator
func New(
	integrations repositories.IntegrationRepo,
	runs repositories.RunRepo,
	streams repositories.StreamRepo,
	data repositories.StreamDataRepo,
	webhooks repositories.WebhookRepo,
	em *emitters.Emitters,
	registry *adapters.Registry,
	t *throttler.Throttler,
	authManager *auth.Manager,
	httpClient *httpclient.Client,
	producer sink.Publisher,
	config Config,
	logger ectologger.Logger,
) *Orchestrator {
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}
	if config.RedriveBackoff <= 0 {
		config.RedriveBackoff = DefaultRedriveBackoff
	}

	return &Orchestrator{
		integrations: integrations,
		runs:         runs,
		streams:      streams,
		data:         data,
		webhooks:     webhooks,
		emitters:     em,
		registry:     registry,
		throttler:    t,
		auth:         authManager,
		httpClient:   httpClient,
		producer:     producer,
		config:       config,
		logger:       logger,
	}
}

// priorityInput builds the classification input for an integration. The run's
// onboarding flag is OR'd in: a resync of an onboarding integration is still
// onboarding traffic.
func priorityInput(integration *models.Integration, onboarding bool) priority.Input {
	in := priority.Input{
		Onboarding: integration.Onboarding || onboarding,
		Plan:       integration.Plan,
	}
	if integration.PriorityOverride != nil {
		lane := priority.Lane(*integration.PriorityOverride)
		in.DBPriorityOverride = &lane
	}
	return in
}

// isNotFound reports whether err is a 404 from a repository
func isNotFound(err error) bool {
	return httperror.IsHTTPError(err) && httperror.GetStatusCode(err) == http.StatusNotFound
}

// redrive schedules an errored record to be reset to pending and re-queued
// after a backoff proportional to how many times it has failed. The timer is
// in-process; a crash before it fires just leaves the record in error, where
// the operator resync path or the sweeper-adjacent tooling can pick it up.
func (o *Orchestrator) redrive(ctx context.Context, retries int, reset func(context.Context) error, emit func(context.Context) error) {
	delay := o.config.RedriveBackoff * time.Duration(retries)

	o.logger.WithContext(ctx).Infof("Scheduling re-drive in %v (attempt %d/%d)", delay, retries, o.config.MaxRetries)

	// Detach from the job's context: the redrive must survive the
	// original delivery being acked.
	fields := logFields(ctx)
	go func() {
		time.Sleep(delay)

		bg := detachedContext(ctx)
		if err := reset(bg); err != nil {
			o.logger.WithFields(fields).WithError(err).Warn("Failed to reset record for re-drive")
			return
		}
		if err := emit(bg); err != nil {
			o.logger.WithFields(fields).WithError(err).Error("Failed to re-queue record after reset")
		}
	}()
}

// detachedContext carries the tenant and request identifiers into a fresh
// background context so deferred work survives the original delivery
func detachedContext(ctx context.Context) context.Context {
	bg := context.Background()
	if tenantID := appctx.GetTenantID(ctx); tenantID != "" {
		bg = appctx.SetTenantID(bg, tenantID)
	}
	if requestID := appctx.GetRequestID(ctx); requestID != "" {
		bg = appctx.SetRequestID(bg, requestID)
	}
	return bg
}

func logFields(ctx context.Context) map[string]any {
	return map[string]any{
		"tenant_id":  appctx.GetTenantID(ctx),
		"request_id": appctx.GetRequestID(ctx),
	}
}

func jsonbPayload(payload map[string]any) database.JSONB[map[string]any] {
	return database.JSONB[map[string]any]{Data: payload}
}

func parseEntityID(entityID string) (uuid.UUID, error) {
	id, err := uuid.Parse(entityID)
	if err != nil {
		return uuid.Nil, httperror.NewHTTPErrorf(http.StatusBadRequest, "invalid entity id %q", entityID)
	}
	return id, nil
}
