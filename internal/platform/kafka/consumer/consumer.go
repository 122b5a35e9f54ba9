// Package consumer wraps the franz-go consumer group client behind a small
// Message/Handler surface so processing logic never sees Kafka types and can
// be driven with synthetic batches in tests.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is one consumed record, decoupled from kgo.Record.
type Message struct {
	Topic     string
	Key       []byte
	Value     []byte
	Partition int32
	Offset    int64
}

// Handler processes one message. Returning nil commits the offset; errors
// leave the record uncommitted for redelivery, so handlers must return nil
// for anything that retrying cannot fix.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// Config collects what the consumer needs from platform config.
type Config struct {
	Seeds  []string
	Group  string
	Topics []string
}

// Consumer drives a franz-go consumer group and hands records to a Handler.
// Commits are explicit and happen only after the handler returns nil, which
// gives at-least-once delivery; the domain idempotency guards turn that into
// at-most-once effect.
type Consumer struct {
	client  *kgo.Client
	handler Handler
	logger  *slog.Logger
}

// New connects a consumer group subscribed to cfg.Topics.
func New(cfg Config, handler Handler, logger *slog.Logger) (*Consumer, error) {
	if len(cfg.Seeds) == 0 {
		return nil, fmt.Errorf("kafka seeds are required")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Seeds...),
		kgo.ConsumerGroup(cfg.Group),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.DisableAutoCommit(),
	)
	if err != nil {
		return nil, fmt.Errorf("create kafka client: %w", err)
	}
	return &Consumer{client: client, handler: handler, logger: logger}, nil
}

// EnsureTopics creates the given topics if they do not exist yet. Safe to run
// on every boot.
func EnsureTopics(ctx context.Context, client *kgo.Client, topics ...string) error {
	adm := kadm.NewClient(client)
	responses, err := adm.CreateTopics(ctx, 1, 1, nil, topics...)
	if err != nil {
		return fmt.Errorf("create topics: %w", err)
	}
	for _, res := range responses {
		if res.Err != nil && !errors.Is(res.Err, kerr.TopicAlreadyExists) {
			return fmt.Errorf("create topic %s: %w", res.Topic, res.Err)
		}
	}
	return nil
}

// Client exposes the underlying kgo client for admin bootstrap.
func (c *Consumer) Client() *kgo.Client { return c.client }

// Run polls until ctx is cancelled. A handler error halts its topic-partition
// for the rest of the poll: committing a later offset on the same partition
// would mark the failed record consumed and it would never be redelivered.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.client.Close()
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			c.logger.Error("fetch error", "topic", topic, "partition", partition, "error", err)
		})
		var records []*kgo.Record
		fetches.EachRecord(func(rec *kgo.Record) {
			records = append(records, rec)
		})
		commit := c.dispatch(ctx, records)
		if len(commit) == 0 {
			continue
		}
		if err := c.client.CommitRecords(ctx, commit...); err != nil {
			c.logger.Error("commit failed", "error", err)
		}
	}
}

type topicPartition struct {
	topic     string
	partition int32
}

// dispatch hands each record to the handler in fetch order and returns the
// records safe to commit. The first failure on a topic-partition halts it:
// later records on that partition are neither handled nor committed, so the
// failed offset stays the partition's redelivery point.
func (c *Consumer) dispatch(ctx context.Context, records []*kgo.Record) []*kgo.Record {
	halted := make(map[topicPartition]bool)
	var commit []*kgo.Record
	for _, rec := range records {
		tp := topicPartition{topic: rec.Topic, partition: rec.Partition}
		if halted[tp] {
			continue
		}
		msg := &Message{
			Topic:     rec.Topic,
			Key:       rec.Key,
			Value:     rec.Value,
			Partition: rec.Partition,
			Offset:    rec.Offset,
		}
		if err := c.handler.Handle(ctx, msg); err != nil {
			c.logger.Error("handler failed, halting partition until redelivery",
				"topic", rec.Topic, "partition", rec.Partition, "offset", rec.Offset, "error", err)
			halted[tp] = true
			continue
		}
		commit = append(commit, rec)
	}
	return commit
}
