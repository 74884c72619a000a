package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

const commitTimeout = 5 * time.Second

// Message is a received record.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes consumed messages.
type Handler interface {
	// Handle processes a message. A returned error leaves the offset
	// uncommitted so the record is redelivered after the next rebalance.
	Handle(ctx context.Context, msg *Message) error
}

// Consumer reads a set of topics as a member of a consumer group and
// commits each record only after its handler succeeded.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
	maxPoll int
}

type Config struct {
	Brokers []string
	GroupID string
	Topics  []string
	// MaxPollRecords bounds one poll; zero means 100.
	MaxPollRecords int
}

func New(cfg Config, handler Handler, logger *slog.Logger, opts ...kgo.Opt) (*Consumer, error) {
	switch {
	case len(cfg.Brokers) == 0:
		return nil, fmt.Errorf("kafka brokers not configured")
	case cfg.GroupID == "":
		return nil, fmt.Errorf("kafka consumer group ID not configured")
	case len(cfg.Topics) == 0:
		return nil, fmt.Errorf("kafka topics not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}
	maxPoll := cfg.MaxPollRecords
	if maxPoll <= 0 {
		maxPoll = 100
	}

	kopts := []kgo.Opt{
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(kgo.NewOffset().AtStart()),
		kgo.DisableAutoCommit(),
		kgo.BlockRebalanceOnPoll(),
	}
	kopts = append(kopts, opts...)

	client, err := kgo.NewClient(kopts...)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger, maxPoll: maxPoll}, nil
}

// Start polls until ctx is cancelled, then commits what was handled, leaves
// the group and closes the client. It returns nil on cancellation.
func (c *Consumer) Start(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollRecords(ctx, c.maxPoll)
		if ctx.Err() != nil || fetches.IsClientClosed() {
			c.commitOnExit()
			c.client.AllowRebalance()
			return nil
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.logger.Error("kafka fetch failed", "topic", topic, "partition", partition, "error", err)
		})
		fetches.EachPartition(func(p kgo.FetchTopicPartition) {
			c.handlePartition(ctx, p.Records)
		})
		if err := c.client.CommitMarkedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("failed to commit offsets", "error", err)
		}
		c.client.AllowRebalance()
	}
}

func (c *Consumer) commitOnExit() {
	ctx, cancel := context.WithTimeout(context.Background(), commitTimeout)
	defer cancel()
	if err := c.client.CommitMarkedOffsets(ctx); err != nil {
		c.logger.Warn("failed to commit offsets on shutdown", "error", err)
	}
}

// handlePartition processes records in offset order and stops at the first
// failure so later offsets are not committed past it.
func (c *Consumer) handlePartition(ctx context.Context, records []*kgo.Record) {
	for _, rec := range records {
		msg := toMessage(rec)
		if err := c.handler.Handle(ctx, msg); err != nil {
			c.logger.Error("failed to handle message",
				"topic", msg.Topic,
				"partition", msg.Partition,
				"offset", msg.Offset,
				"error", err,
			)
			return
		}
		c.client.MarkCommitRecords(rec)
	}
}

func toMessage(rec *kgo.Record) *Message {
	headers := make(map[string]string, len(rec.Headers))
	for _, h := range rec.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Headers:   headers,
		Timestamp: rec.Timestamp,
	}
}
