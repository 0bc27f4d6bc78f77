// Package events publishes best-effort pipeline run lifecycle notifications
// to Kafka. Publish failures are logged and never propagate: the pipeline
// runner's correctness does not depend on a subscriber receiving these.
package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/search-transparency/runner/internal/sanitize"
	"github.com/search-transparency/runner/internal/storage"
)

// RunEvent is the wire shape of one pipeline run lifecycle notification.
type RunEvent struct {
	RunID     string                 `json:"runId"`
	Status    storage.PipelineStatus `json:"status"`
	Metadata  any                    `json:"metadata,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
}

// Publisher writes RunEvents to a Kafka topic. A nil Publisher (or one
// constructed with an empty broker list) is a safe no-op, so the pipeline
// runner can run without Kafka configured.
type Publisher struct {
	writer *kafka.Writer
	logger *slog.Logger
}

// NewPublisher constructs a Publisher writing to topic on brokers. Returns
// nil when brokers is empty, signalling "no Kafka configured" to callers.
func NewPublisher(brokers []string, topic string, logger *slog.Logger) *Publisher {
	if len(brokers) == 0 {
		return nil
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.LeastBytes{},
			AllowAutoTopicCreation: true,
		},
		logger: logger,
	}
}

// PublishRunEvent best-effort publishes a run status transition. metadata
// (a stage/run metadata map, or the triggering error on failure) is passed
// through sanitize.Metadata before marshaling, so raw snippets, HTML, and
// query strings never reach the topic; metadata may be nil. Errors are
// logged at warn and swallowed.
func (p *Publisher) PublishRunEvent(ctx context.Context, runID string, status storage.PipelineStatus, metadata any) {
	if p == nil {
		return
	}

	var sanitized any
	if metadata != nil {
		sanitized = sanitize.Metadata(metadata)
	}

	payload, err := json.Marshal(RunEvent{RunID: runID, Status: status, Metadata: sanitized, Timestamp: time.Now().UTC()})
	if err != nil {
		p.logger.Warn("failed to marshal run event, skipping publish", "runId", runID, "error", err)

		return
	}

	if err := p.writer.WriteMessages(ctx, kafka.Message{Key: []byte(runID), Value: payload}); err != nil {
		p.logger.Warn("failed to publish run event, continuing", "runId", runID, "status", status, "error", err)
	}
}

// Close releases the underlying Kafka writer. Safe to call on a nil Publisher.
func (p *Publisher) Close() error {
	if p == nil {
		return nil
	}

	return p.writer.Close()
}
