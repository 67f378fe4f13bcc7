package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	kgo "github.com/segmentio/kafka-go"

	"meeting-transcript-pipeline/internal/config"
	"meeting-transcript-pipeline/internal/logging"
	"meeting-transcript-pipeline/internal/webhook"
)

// Envelope is the Kafka record of a forwarded notification. Body is the raw
// webhook body, already verified by whoever published it.
type Envelope struct {
	TenantID string          `json:"tenantId"`
	Body     json.RawMessage `json:"body"`
}

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kgo.Message, error)
	CommitMessages(ctx context.Context, msgs ...kgo.Message) error
	Close() error
}

// Consumer reads envelopes and enqueues transcript jobs. Offsets are committed
// only after the enqueue succeeded or the record was found unusable.
type Consumer struct {
	reader MessageReader
	enq    Enqueuer
	log    logging.Logger
	retry  time.Duration
}

// NewConsumer connects a group reader for cfg.KafkaTopic.
func NewConsumer(cfg config.Config, enq Enqueuer, log logging.Logger) *Consumer {
	r := kgo.NewReader(kgo.ReaderConfig{
		Brokers:        cfg.KafkaBrokers,
		Topic:          cfg.KafkaTopic,
		GroupID:        cfg.KafkaGroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commits
	})
	return NewConsumerFromReader(r, enq, log)
}

// NewConsumerFromReader wraps an existing reader.
func NewConsumerFromReader(r MessageReader, enq Enqueuer, log logging.Logger) *Consumer {
	if log == nil {
		log = logging.NewNopLogger()
	}
	return &Consumer{reader: r, enq: enq, log: log.With(logging.F("component", "kafka_intake")), retry: 2 * time.Second}
}

// Close closes the reader.
func (c *Consumer) Close() error { return c.reader.Close() }

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		m, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("fetch message: %w", err)
		}
		if err := c.handleWithRetry(ctx, m); err != nil {
			return err
		}
		cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 3*time.Second)
		err = c.reader.CommitMessages(cctx, m)
		cancel()
		if err != nil {
			return fmt.Errorf("commit offset %d: %w", m.Offset, err)
		}
	}
}

// handleWithRetry keeps retrying enqueue failures so the offset is not
// committed past an unqueued record. It only returns ctx errors.
func (c *Consumer) handleWithRetry(ctx context.Context, m kgo.Message) error {
	for {
		_, err := c.HandleMessage(ctx, m)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrInvalidEvent) {
			c.log.Warn("dropping unusable record", logging.Err(err), logging.F("offset", m.Offset), logging.F("partition", m.Partition))
			return nil
		}
		c.log.Error("enqueue from kafka failed, retrying", logging.Err(err), logging.F("offset", m.Offset))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.retry):
		}
	}
}

// HandleMessage decodes one record and enqueues its job.
func (c *Consumer) HandleMessage(ctx context.Context, m kgo.Message) (Outcome, error) {
	var env Envelope
	if err := json.Unmarshal(m.Value, &env); err != nil {
		return Outcome{}, fmt.Errorf("%w: decode envelope: %v", ErrInvalidEvent, err)
	}
	if env.TenantID == "" && len(m.Key) > 0 {
		env.TenantID = string(m.Key)
	}
	if env.TenantID == "" {
		return Outcome{}, fmt.Errorf("%w: envelope without tenant", ErrInvalidEvent)
	}
	ev, err := webhook.ParseEvent(env.Body)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	out, err := Accept(ctx, c.enq, env.TenantID, ev)
	if err != nil {
		return out, err
	}
	c.log.Info("notification accepted", logging.F("tenant_id", env.TenantID), logging.F("event", out.Event),
		logging.F("job_id", out.JobID), logging.F("created", out.Created))
	return out, nil
}
