package repositories

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/models"
)

// IntegrationRepo defines the interface for integration operations
type IntegrationRepo interface {
	Create(ctx context.Context, integration *models.Integration) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	GetByIDAny(ctx context.Context, id uuid.UUID) (*models.Integration, error)
	List(ctx context.Context) ([]models.Integration, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status models.IntegrationStatus) error
	UpdateSettings(ctx context.Context, id uuid.UUID, settings map[string]any) error
	ResetCursor(ctx context.Context, id uuid.UUID) error
	Delete(ctx context.Context, id uuid.UUID) error
}

// RunRepo defines the interface for run operations
type RunRepo interface {
	Create(ctx context.Context, run *models.Run) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Run, error)
	ListByIntegration(ctx context.Context, integrationID uuid.UUID, limit int) ([]models.Run, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkDone(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) (int, error)
	ResetToPending(ctx context.Context, id uuid.UUID) error
}

// StreamRepo defines the interface for stream operations
type StreamRepo interface {
	Create(ctx context.Context, stream *models.Stream) (bool, error)
	GetByID(ctx context.Context, id uuid.UUID) (*models.Stream, error)
	ListByRun(ctx context.Context, runID uuid.UUID) ([]models.Stream, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) (int, error)
	ResetToPending(ctx context.Context, id uuid.UUID) error
	CountUnfinishedByRun(ctx context.Context, runID uuid.UUID) (int, error)
}

// StreamDataRepo defines the interface for data record operations
type StreamDataRepo interface {
	Create(ctx context.Context, data *models.StreamData) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.StreamData, error)
	ListByStream(ctx context.Context, streamID uuid.UUID) ([]models.StreamData, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) (int, error)
	ResetToPending(ctx context.Context, id uuid.UUID) error
}

// WebhookRepo defines the interface for webhook operations
type WebhookRepo interface {
	Create(ctx context.Context, webhook *models.Webhook) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.Webhook, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	MarkProcessed(ctx context.Context, id uuid.UUID) error
	MarkError(ctx context.Context, id uuid.UUID, message string) (int, error)
	ResetToPending(ctx context.Context, id uuid.UUID) error
	MarkPending(ctx context.Context, id uuid.UUID) error
	ListPending(ctx context.Context, limit int) ([]models.Webhook, error)
}

// MaintenanceRepo defines the interface for abandoned-claim recovery
type MaintenanceRepo interface {
	SweepRuns(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	SweepStreams(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	SweepData(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	SweepWebhooks(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	StalePendingRuns(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	StalePendingStreams(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	StalePendingData(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
	StalePendingWebhooks(ctx context.Context, olderThan time.Duration) ([]AbandonedRecord, error)
}
