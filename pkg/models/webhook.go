package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// WebhookState represents the state of an inbound webhook
type WebhookState string

const (
	WebhookStatePending    WebhookState = "pending"
	WebhookStateProcessing WebhookState = "processing"
	WebhookStateProcessed  WebhookState = "processed"
	WebhookStateError      WebhookState = "error"
)

// Webhook represents one inbound callback event. Processed webhooks are never
// reprocessed automatically; only explicit operator action resets them to pending.
type Webhook struct {
	ID            uuid.UUID    `db:"id" json:"id"`
	TenantID      uuid.UUID    `db:"tenant_id" json:"tenant_id"`
	IntegrationID uuid.UUID    `db:"integration_id" json:"integration_id"`
	Platform      string       `db:"platform" json:"platform"`
	Type          string       `db:"type" json:"type"`
	State         WebhookState `db:"state" json:"state"`

	Payload database.JSONB[map[string]any] `db:"payload" json:"payload,omitempty"`

	Retries      int        `db:"retries" json:"retries"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	ProcessedAt  *time.Time `db:"processed_at" json:"processed_at,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Webhook) TableName() string {
	return "incoming_webhooks"
}
