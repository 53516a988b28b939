package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// StreamState represents the state of a stream
type StreamState string

const (
	StreamStatePending    StreamState = "pending"
	StreamStateProcessing StreamState = "processing"
	StreamStateProcessed  StreamState = "processed"
	StreamStateError      StreamState = "error"
)

// Stream represents one unit of discoverable, fetchable work inside a run.
// Identifier is unique within a run; a stream with a parent is not claimable
// until the parent reaches processed (pagination ordering).
type Stream struct {
	ID            uuid.UUID   `db:"id" json:"id"`
	TenantID      uuid.UUID   `db:"tenant_id" json:"tenant_id"`
	RunID         uuid.UUID   `db:"run_id" json:"run_id"`
	IntegrationID uuid.UUID   `db:"integration_id" json:"integration_id"`
	Platform      string      `db:"platform" json:"platform"`
	Identifier    string      `db:"identifier" json:"identifier"`
	State         StreamState `db:"state" json:"state"`

	// Metadata holds adapter-defined seed parameters (resource, page cursor)
	Metadata database.JSONB[map[string]any] `db:"metadata" json:"metadata,omitempty"`
	ParentID *uuid.UUID                     `db:"parent_id" json:"parent_id,omitempty"`

	Retries      int        `db:"retries" json:"retries"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Stream) TableName() string {
	return "streams"
}
