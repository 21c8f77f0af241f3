// Package ingest consumes calendar-change notifications from Kafka and feeds
// them to the conflict detector's reactive entry point.
//
// Each record value is a JSON object with subject_id, provider and window.
// Offsets are committed after every polled batch has been handed off, so a
// crash replays at most one batch; the detector's dedupe keeps replays harmless.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/slotwarden/slotwarden/internal/model"
	"github.com/slotwarden/slotwarden/internal/telemetry"
)

// ErrMalformed marks a record that can never be processed.
var ErrMalformed = errors.New("ingest: malformed change")

// Handler receives one decoded calendar change. conflicts.Detector's
// OnExternalChange, minus the returned events, is the production handler.
type Handler func(ctx context.Context, subjectID, provider string, w model.Window) error

// Config selects the brokers, topic and consumer group.
type Config struct {
	Brokers      []string
	Topic        string
	Group        string
	FetchMaxWait time.Duration
}

// Consumer reads calendar changes from a Kafka topic.
type Consumer struct {
	client *kgo.Client
	cfg    Config
	handle Handler
	logger *slog.Logger

	consumed metric.Int64Counter
	failed   metric.Int64Counter
}

// New connects a consumer-group client. Nothing is fetched until Run.
func New(cfg Config, handle Handler, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, errors.New("ingest: no brokers configured")
	}
	if cfg.FetchMaxWait <= 0 {
		cfg.FetchMaxWait = time.Second
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topic),
		kgo.FetchMaxWait(cfg.FetchMaxWait),
		kgo.DisableAutoCommit(),
		kgo.ClientID("slotwarden"),
	)
	if err != nil {
		return nil, fmt.Errorf("ingest: create client: %w", err)
	}
	c := newConsumer(cfg, handle, logger)
	c.client = client
	return c, nil
}

func newConsumer(cfg Config, handle Handler, logger *slog.Logger) *Consumer {
	meter := telemetry.Meter("slotwarden/ingest")
	consumed, _ := meter.Int64Counter("slotwarden.ingest.consumed",
		metric.WithDescription("Calendar-change records handed to the detector"),
	)
	failed, _ := meter.Int64Counter("slotwarden.ingest.failed",
		metric.WithDescription("Calendar-change records that could not be processed, by reason"),
	)
	return &Consumer{
		cfg:      cfg,
		handle:   handle,
		logger:   logger.With("component", "ingest"),
		consumed: consumed,
		failed:   failed,
	}
}

// Run polls until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("ingest: consuming calendar changes",
		"brokers", c.cfg.Brokers, "topic", c.cfg.Topic, "group", c.cfg.Group)
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("ingest: fetch error", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachRecord(func(r *kgo.Record) {
			_ = c.process(ctx, r)
		})
		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("ingest: commit offsets", "error", err)
		}
	}
}

// Close leaves the group and closes the client.
func (c *Consumer) Close() {
	if c.client != nil {
		c.client.Close()
	}
}

// process decodes and dispatches one record. Failures are logged and counted;
// the record is not retried.
func (c *Consumer) process(ctx context.Context, r *kgo.Record) error {
	change, err := Decode(r.Value)
	if err != nil {
		c.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "decode")))
		c.logger.Warn("ingest: drop record", "partition", r.Partition, "offset", r.Offset, "error", err)
		return err
	}
	if err := c.handle(ctx, change.SubjectID, change.Provider, change.Window); err != nil {
		c.failed.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", "handler")))
		c.logger.Error("ingest: handle change",
			"subject_id", change.SubjectID, "provider", change.Provider,
			"partition", r.Partition, "offset", r.Offset, "error", err)
		return err
	}
	c.consumed.Add(ctx, 1)
	return nil
}

// Decode parses and validates a calendar-change record value.
func Decode(value []byte) (model.ExternalChangeRequest, error) {
	var change model.ExternalChangeRequest
	if err := json.Unmarshal(value, &change); err != nil {
		return model.ExternalChangeRequest{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if err := model.ValidateSubjectID(change.SubjectID); err != nil {
		return model.ExternalChangeRequest{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	if change.Provider == "" {
		return model.ExternalChangeRequest{}, fmt.Errorf("%w: provider is required", ErrMalformed)
	}
	if err := change.Window.Validate(); err != nil {
		return model.ExternalChangeRequest{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return change, nil
}
