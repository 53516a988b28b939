package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/Ramsey-B/fern/pkg/database"
)

// IntegrationStatus represents the connection status of an integration
type IntegrationStatus string

const (
	IntegrationStatusPending IntegrationStatus = "pending"
	IntegrationStatusActive  IntegrationStatus = "active"
	IntegrationStatusError   IntegrationStatus = "error"
)

// Integration represents a configured connection between a tenant and an external platform
type Integration struct {
	ID       uuid.UUID         `db:"id" json:"id"`
	TenantID uuid.UUID         `db:"tenant_id" json:"tenant_id"`
	Platform string            `db:"platform" json:"platform"`
	Status   IntegrationStatus `db:"status" json:"status"`

	// Plan is the tenant's billing plan, used for priority classification
	Plan       string  `db:"plan" json:"plan"`
	Onboarding bool    `db:"onboarding" json:"onboarding"`
	// PriorityOverride is an operator escape hatch; when set it wins over plan/onboarding
	PriorityOverride *string `db:"priority_override" json:"priority_override,omitempty"`

	// Outbound rate limit budget for this connection
	RateLimitRequests   int `db:"rate_limit_requests" json:"rate_limit_requests"`
	RateLimitIntervalMs int `db:"rate_limit_interval_ms" json:"rate_limit_interval_ms"`

	// Settings holds opaque platform settings (tokens, cursors)
	Settings database.JSONB[map[string]any] `db:"settings" json:"settings,omitempty"`

	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// TableName returns the database table name
func (Integration) TableName() string {
	return "integrations"
}

// CursorSettingsKey is the settings key under which adapters persist pagination cursors.
const CursorSettingsKey = "cursors"
