// Package metrics provides Prometheus metrics for the Fern service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsProcessedTotal tracks jobs processed per pipeline stage and lane
	JobsProcessedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_processed_total",
			Help:      "Total number of jobs processed per stage and lane",
		},
		[]string{"stage", "lane", "status"},
	)

	// JobDuration tracks job processing duration per stage
	JobDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "job_duration_seconds",
			Help:      "Duration of job processing in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "lane"},
	)

	// JobsEmittedTotal tracks jobs published to the queue per stage and lane
	JobsEmittedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "queue",
			Name:      "jobs_emitted_total",
			Help:      "Total number of jobs published per stage and lane",
		},
		[]string{"stage", "lane"},
	)

	// DLQJobsTotal tracks jobs sent to the dead letter queue
	DLQJobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "dlq",
			Name:      "jobs_total",
			Help:      "Total number of jobs sent to dead letter queue",
		},
		[]string{"tenant_id", "reason"},
	)

	// HTTPRequestsTotal tracks outbound HTTP requests to integration platforms
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "requests_total",
			Help:      "Total number of outbound HTTP requests",
		},
		[]string{"platform", "method", "status_code"},
	)

	// HTTPRequestDuration tracks outbound HTTP request duration
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "http_client",
			Name:      "request_duration_seconds",
			Help:      "Duration of outbound HTTP requests in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"platform", "method"},
	)

	// ThrottleWaitTime tracks time spent waiting on integration rate limits
	ThrottleWaitTime = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "throttler",
			Name:      "wait_seconds",
			Help:      "Time spent waiting for integration rate limits in seconds",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 2, 5, 10, 30},
		},
		[]string{"platform"},
	)

	// ThrottleHits tracks rate limit hits per integration platform
	ThrottleHits = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "throttler",
			Name:      "hits_total",
			Help:      "Total number of rate limit hits",
		},
		[]string{"platform"},
	)

	// WebhooksReceivedTotal tracks inbound webhook deliveries
	WebhooksReceivedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "webhooks",
			Name:      "received_total",
			Help:      "Total number of inbound webhook deliveries",
		},
		[]string{"platform", "status"},
	)

	// SweeperRecoveredTotal tracks abandoned claims reset by the sweeper
	SweeperRecoveredTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "sweeper",
			Name:      "recovered_total",
			Help:      "Total number of abandoned processing claims reset to pending",
		},
		[]string{"table"},
	)

	// KafkaMessagesPublished tracks Kafka messages published
	KafkaMessagesPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "messages_published_total",
			Help:      "Total number of messages published to Kafka",
		},
		[]string{"topic", "status"},
	)

	// KafkaPublishDuration tracks Kafka publish duration
	KafkaPublishDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "kafka",
			Name:      "publish_duration_seconds",
			Help:      "Duration of Kafka publish operations in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
	)

	// DatabaseQueryDuration tracks database query duration
	DatabaseQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "fern",
			Subsystem: "database",
			Name:      "query_duration_seconds",
			Help:      "Duration of database queries in seconds",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		},
		[]string{"operation"},
	)
)

// RecordJobProcessed records a processed queue job
func RecordJobProcessed(stage, lane string, success bool, duration time.Duration) {
	status := "success"
	if !success {
		status = "failure"
	}
	JobsProcessedTotal.WithLabelValues(stage, lane, status).Inc()
	JobDuration.WithLabelValues(stage, lane).Observe(duration.Seconds())
}

// RecordJobEmitted records a job published to the queue
func RecordJobEmitted(stage, lane string) {
	JobsEmittedTotal.WithLabelValues(stage, lane).Inc()
}

// RecordDLQJob records a dead letter queue job
func RecordDLQJob(tenantID, reason string) {
	DLQJobsTotal.WithLabelValues(tenantID, reason).Inc()
}

// RecordHTTPRequest records an outbound HTTP request metric
func RecordHTTPRequest(platform, method, statusCode string, durationSeconds float64) {
	HTTPRequestsTotal.WithLabelValues(platform, method, statusCode).Inc()
	HTTPRequestDuration.WithLabelValues(platform, method).Observe(durationSeconds)
}

// RecordThrottleWait records time spent waiting on an integration rate limit
func RecordThrottleWait(platform string, duration time.Duration) {
	ThrottleHits.WithLabelValues(platform).Inc()
	ThrottleWaitTime.WithLabelValues(platform).Observe(duration.Seconds())
}

// RecordWebhookReceived records an inbound webhook delivery
func RecordWebhookReceived(platform, status string) {
	WebhooksReceivedTotal.WithLabelValues(platform, status).Inc()
}

// RecordSweeperRecovery records abandoned claims reset by the sweeper
func RecordSweeperRecovery(table string, count int) {
	SweeperRecoveredTotal.WithLabelValues(table).Add(float64(count))
}

// RecordKafkaPublish records a Kafka publish operation
func RecordKafkaPublish(topic, status string, durationSeconds float64) {
	KafkaMessagesPublished.WithLabelValues(topic, status).Inc()
	KafkaPublishDuration.Observe(durationSeconds)
}
