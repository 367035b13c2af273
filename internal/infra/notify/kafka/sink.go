// Package kafka delivers notification jobs to the notification collaborator
// over a Kafka topic. Delivery beyond the broker is the collaborator's
// concern; the sink only guarantees the job reached the topic.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Config describes the broker connection and topic.
type Config struct {
	BrokerAddress string
	Topic         string
	BatchTimeout  time.Duration
	BatchSize     int
}

// Sink publishes notification jobs as JSON messages keyed by recipient so
// per-recipient ordering is preserved across partitions.
type Sink struct {
	writer *kafkago.Writer
	logger *zap.Logger
}

// jobEnvelope is the wire format of one notification job.
type jobEnvelope struct {
	JobID       string         `json:"job_id"`
	JobType     string         `json:"job_type"`
	RecipientID string         `json:"recipient_id"`
	Payload     map[string]any `json:"payload,omitempty"`
	SubmittedAt time.Time      `json:"submitted_at"`
}

// NewSink constructs a sink writing to the configured topic.
func NewSink(cfg Config, logger *zap.Logger) *Sink {
	if cfg.BatchTimeout <= 0 {
		cfg.BatchTimeout = 10 * time.Millisecond
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	writer := &kafkago.Writer{
		Addr:         kafkago.TCP(cfg.BrokerAddress),
		Topic:        cfg.Topic,
		Balancer:     &kafkago.LeastBytes{},
		BatchTimeout: cfg.BatchTimeout,
		BatchSize:    cfg.BatchSize,
	}
	return &Sink{writer: writer, logger: logger}
}

// Submit publishes one job and returns its id.
func (s *Sink) Submit(ctx context.Context, jobType, recipientID string, payload map[string]any) (string, error) {
	envelope := jobEnvelope{
		JobID:       uuid.NewString(),
		JobType:     jobType,
		RecipientID: recipientID,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}
	value, err := json.Marshal(envelope)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	msg := kafkago.Message{
		Key:   []byte(recipientID),
		Value: value,
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return "", fmt.Errorf("publish job: %w", err)
	}
	s.logger.Debug("notification job published",
		zap.String("job_id", envelope.JobID),
		zap.String("job_type", jobType),
		zap.String("recipient_id", recipientID))
	return envelope.JobID, nil
}

// Close flushes and closes the underlying writer.
func (s *Sink) Close() error { return s.writer.Close() }
