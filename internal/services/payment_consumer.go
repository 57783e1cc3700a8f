package services

import (
	"context"
	"fmt"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"

	"concert-tickets/internal/status"
	"concert-tickets/models"
)

// PaymentConsumer reads payment facts from a Kafka topic. Records of a
// partition are finalized in order and offsets are committed only once every
// record of the poll was finalized or rejected as permanently invalid.
type PaymentConsumer struct {
	client     *kgo.Client
	topic      string
	finalizer  Finalizer
	logger     *zap.Logger
	backoff    time.Duration
	maxBackoff time.Duration
}

func NewPaymentConsumer(ctx context.Context, brokers []string, group, topic string, finalizer Finalizer, logger *zap.Logger) (*PaymentConsumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.ConsumerGroup(group),
		kgo.ConsumeTopics(topic),
		kgo.ClientID("ticket-issuance"),
		kgo.DisableAutoCommit(),
		kgo.SessionTimeout(30*time.Second),
		kgo.RebalanceTimeout(60*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create Kafka client: %w", err)
	}
	if err := client.Ping(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Kafka: %w", err)
	}
	return &PaymentConsumer{
		client:     client,
		topic:      topic,
		finalizer:  finalizer,
		logger:     logger,
		backoff:    200 * time.Millisecond,
		maxBackoff: 10 * time.Second,
	}, nil
}

func (c *PaymentConsumer) Run(ctx context.Context) error {
	c.logger.Info("consuming payment facts", zap.String("topic", c.topic))
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() || ctx.Err() != nil {
			return nil
		}
		for _, ferr := range fetches.Errors() {
			c.logger.Error("fetch error",
				zap.String("topic", ferr.Topic),
				zap.Int32("partition", ferr.Partition),
				zap.Error(ferr.Err),
			)
		}

		var stopped error
		fetches.EachRecord(func(r *kgo.Record) {
			if stopped != nil {
				return
			}
			stopped = c.process(ctx, r)
		})
		if stopped != nil {
			// uncommitted records are redelivered to the next group member
			return nil
		}

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil {
			c.logger.Error("failed to commit offsets", zap.Error(err))
		}
	}
}

func (c *PaymentConsumer) Close() {
	c.client.Close()
}

// process returns an error only when ctx ended before the record settled.
func (c *PaymentConsumer) process(ctx context.Context, r *kgo.Record) error {
	fact, err := DecodePaymentFact(r.Value)
	if err != nil {
		c.logger.Error("dropping undecodable payment fact",
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err),
		)
		return nil
	}

	caller := models.Caller{Subject: "kafka:" + c.topic, Role: models.RoleSystem}
	wait := c.backoff
	for {
		res, err := c.finalizer.Finalize(ctx, caller, fact)
		switch {
		case err == nil:
			c.logger.Info("payment fact processed",
				zap.String("payment_reference", fact.PaymentReference),
				zap.String("order_id", res.OrderID),
				zap.String("outcome", string(res.Outcome)),
				zap.Bool("duplicate", res.WasAlreadyProcessed),
			)
			return nil
		case status.IsPermanent(err):
			c.logger.Error("dropping payment fact",
				zap.String("payment_reference", fact.PaymentReference),
				zap.Error(err),
			)
			return nil
		case ctx.Err() != nil:
			return ctx.Err()
		}

		c.logger.Warn("finalize failed, retrying",
			zap.String("payment_reference", fact.PaymentReference),
			zap.Duration("backoff", wait),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
		if wait > c.maxBackoff {
			wait = c.maxBackoff
		}
	}
}
