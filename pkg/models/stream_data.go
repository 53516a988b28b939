package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// DataState represents the state of a normalized data record
type DataState string

const (
	DataStatePending    DataState = "pending"
	DataStateProcessing DataState = "processing"
	DataStateProcessed  DataState = "processed"
	DataStateError      DataState = "error"
)

// StreamData represents one normalized payload destined for the external
// data sink. Records produced by stream processing reference their stream and
// run; records short-circuited from webhooks reference the webhook instead.
// The payload is immutable once processed.
type StreamData struct {
	ID            uuid.UUID  `db:"id" json:"id"`
	TenantID      uuid.UUID  `db:"tenant_id" json:"tenant_id"`
	StreamID      *uuid.UUID `db:"stream_id" json:"stream_id,omitempty"`
	RunID         *uuid.UUID `db:"run_id" json:"run_id,omitempty"`
	WebhookID     *uuid.UUID `db:"webhook_id" json:"webhook_id,omitempty"`
	IntegrationID uuid.UUID  `db:"integration_id" json:"integration_id"`
	Platform      string     `db:"platform" json:"platform"`
	State         DataState  `db:"state" json:"state"`

	Payload database.JSONB[map[string]any] `db:"payload" json:"payload,omitempty"`

	Retries      int        `db:"retries" json:"retries"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (StreamData) TableName() string {
	return "stream_data"
}
