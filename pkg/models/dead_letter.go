package models

// DeadLetterReason represents why a message was sent to the DLQ
type DeadLetterReason string

const (
	DLQReasonMaxRetries         DeadLetterReason = "max_retries_exceeded"
	DLQReasonInvalidMessage     DeadLetterReason = "invalid_message"
	DLQReasonEntityNotFound     DeadLetterReason = "entity_not_found"
	DLQReasonUnsupportedWebhook DeadLetterReason = "unsupported_webhook_type"
	DLQReasonTimeout            DeadLetterReason = "timeout"
	DLQReasonPanic              DeadLetterReason = "panic"
	DLQReasonUnknown            DeadLetterReason = "unknown"
)
