// Package sink hands finished data records off to the downstream processing
// pipeline over Kafka. The message carries identifiers only; consumers read
// the payload from the database.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

// Config holds Kafka configuration
type Config struct {
	Brokers     []string
	DataTopic   string
	FailedTopic string
}

// ParseConfig parses a comma-separated broker string
func ParseConfig(brokers string, dataTopic string, failedTopic string) Config {
	brokerList := strings.Split(brokers, ",")
	for i := range brokerList {
		brokerList[i] = strings.TrimSpace(brokerList[i])
	}

	return Config{
		Brokers:     brokerList,
		DataTopic:   dataTopic,
		FailedTopic: failedTopic,
	}
}

// DataMessage announces one processed data record to downstream consumers
type DataMessage struct {
	TenantID  string    `json:"tenantId"`
	Platform  string    `json:"platform"`
	DataID    string    `json:"dataId"`
	Type      string    `json:"type,omitempty"`
	Timestamp time.Time `json:"timestamp"`

	// Tracing
	TraceID string `json:"trace_id,omitempty"`
	SpanID  string `json:"span_id,omitempty"`
}

// FailedMessage announces a data record that permanently failed processing
type FailedMessage struct {
	TenantID     string    `json:"tenantId"`
	Platform     string    `json:"platform"`
	DataID       string    `json:"dataId"`
	ErrorMessage string    `json:"errorMessage"`
	Retries      int       `json:"retries"`
	Timestamp    time.Time `json:"timestamp"`

	TraceID string `json:"trace_id,omitempty"`
}

// Publisher is the hand-off surface the pipeline depends on. Producer is the
// Kafka implementation.
type Publisher interface {
	Publish(ctx context.Context, msg *DataMessage) error
	PublishFailed(ctx context.Context, msg *FailedMessage) error
}

// Producer publishes data hand-off messages to Kafka
type Producer struct {
	writer       *kafka.Writer
	failedWriter *kafka.Writer
	logger       ectologger.Logger
	topic        string
	failedTopic  string
}

// NewProducer creates a new sink producer
func NewProducer(cfg Config, logger ectologger.Logger) *Producer {
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DataTopic,
		Balancer:     &kafka.LeastBytes{},
		BatchSize:    100,
		BatchTimeout: 10 * time.Millisecond,
		RequiredAcks: kafka.RequireOne,
		Async:        false,
		// Allow Kafka to auto-create the topic in dev environments when it doesn't exist yet.
		// Without this, a first publish may fail with "Unknown Topic Or Partition".
		AllowAutoTopicCreation: true,
	}

	failedWriter := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.FailedTopic,
		Balancer:               &kafka.LeastBytes{},
		BatchSize:              100,
		BatchTimeout:           10 * time.Millisecond,
		RequiredAcks:           kafka.RequireOne,
		Async:                  false,
		AllowAutoTopicCreation: true,
	}

	return &Producer{
		writer:       writer,
		failedWriter: failedWriter,
		logger:       logger,
		topic:        cfg.DataTopic,
		failedTopic:  cfg.FailedTopic,
	}
}

// Close closes the producer
func (p *Producer) Close() error {
	var firstErr error
	if err := p.writer.Close(); err != nil {
		firstErr = err
	}
	if p.failedWriter != nil {
		if err := p.failedWriter.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Publish hands one processed data record off to the sink topic
func (p *Producer) Publish(ctx context.Context, msg *DataMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Sink.Publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.topic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("platform", msg.Platform),
		attribute.String("data_id", msg.DataID),
	)

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}

	// Inject trace context into the message
	msg.TraceID = tracing.GetTraceID(ctx)
	msg.SpanID = tracing.GetSpanID(ctx)

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	start := time.Now()
	err = p.writer.WriteMessages(ctx, kafka.Message{
		// Tenant + data ID keying keeps a tenant's records ordered per partition
		Key:     []byte(fmt.Sprintf("%s:%s", msg.TenantID, msg.DataID)),
		Value:   data,
		Headers: p.headers(ctx, msg.TenantID, msg.Platform, msg.DataID),
	})

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.topic, "error", time.Since(start).Seconds())
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.topic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.topic, "success", time.Since(start).Seconds())
	p.logger.WithContext(ctx).Debugf("Published data hand-off to Kafka: data=%s platform=%s trace=%s",
		msg.DataID, msg.Platform, msg.TraceID)

	return nil
}

// PublishFailed announces a data record that exhausted its retries
func (p *Producer) PublishFailed(ctx context.Context, msg *FailedMessage) error {
	ctx, span := tracing.StartSpan(ctx, "Sink.PublishFailed")
	defer span.End()

	span.SetAttributes(
		attribute.String("messaging.system", "kafka"),
		attribute.String("messaging.destination", p.failedTopic),
		attribute.String("messaging.operation", "publish"),
		attribute.String("tenant_id", msg.TenantID),
		attribute.String("data_id", msg.DataID),
	)

	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	msg.TraceID = tracing.GetTraceID(ctx)

	data, err := json.Marshal(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to marshal message")
		return fmt.Errorf("failed to marshal message: %w", err)
	}

	if p.failedWriter == nil {
		return fmt.Errorf("failedWriter is nil (failed topic not configured)")
	}

	start := time.Now()
	if err := p.failedWriter.WriteMessages(ctx, kafka.Message{
		Key:     []byte(fmt.Sprintf("%s:%s", msg.TenantID, msg.DataID)),
		Value:   data,
		Headers: p.headers(ctx, msg.TenantID, msg.Platform, msg.DataID),
	}); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to publish message")
		metrics.RecordKafkaPublish(p.failedTopic, "error", time.Since(start).Seconds())
		p.logger.WithContext(ctx).WithError(err).Errorf("Failed to publish to Kafka topic %s", p.failedTopic)
		return err
	}

	span.SetStatus(codes.Ok, "message published")
	metrics.RecordKafkaPublish(p.failedTopic, "success", time.Since(start).Seconds())
	return nil
}

// headers builds the Kafka headers with W3C trace context for distributed tracing
func (p *Producer) headers(ctx context.Context, tenantID, platform, dataID string) []kafka.Header {
	headers := []kafka.Header{
		{Key: "tenant_id", Value: []byte(tenantID)},
		{Key: "platform", Value: []byte(platform)},
		{Key: "data_id", Value: []byte(dataID)},
	}
	if traceparent := tracing.GetTraceParent(ctx); traceparent != "" {
		headers = append(headers, kafka.Header{Key: "traceparent", Value: []byte(traceparent)})
	}
	if tracestate := tracing.GetTraceState(ctx); tracestate != "" {
		headers = append(headers, kafka.Header{Key: "tracestate", Value: []byte(tracestate)})
	}
	return headers
}

// Stats returns producer statistics
func (p *Producer) Stats() kafka.WriterStats {
	return p.writer.Stats()
}
