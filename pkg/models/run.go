package models

import (
	"time"

	"github.com/google/uuid"
)

// RunState represents the state of a sync run
type RunState string

const (
	RunStatePending    RunState = "pending"
	RunStateProcessing RunState = "processing"
	RunStateDone       RunState = "done"
	RunStateError      RunState = "error"
)

// Run represents one end-to-end sync attempt for an integration
type Run struct {
	ID            uuid.UUID `db:"id" json:"id"`
	TenantID      uuid.UUID `db:"tenant_id" json:"tenant_id"`
	IntegrationID uuid.UUID `db:"integration_id" json:"integration_id"`
	Platform      string    `db:"platform" json:"platform"`
	State         RunState  `db:"state" json:"state"`

	// Onboarding marks the tenant's first sync; it feeds priority classification
	Onboarding bool `db:"onboarding" json:"onboarding"`
	// Full marks a resync that restarts discovery from scratch instead of the last cursor
	Full bool `db:"full_resync" json:"full"`

	StartedAt    *time.Time `db:"started_at" json:"started_at,omitempty"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	Retries      int        `db:"retries" json:"retries"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Run) TableName() string {
	return "runs"
}
