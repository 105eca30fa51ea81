package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/joao-fontenele/orderflow-lifecycle/internal/domain"
	"github.com/joao-fontenele/orderflow-lifecycle/internal/retry"
)

var consumerTracer = otel.Tracer("messaging/consumer")

// EventHandler processes one decoded order event.
type EventHandler func(ctx context.Context, event domain.OrderEvent) error

type Consumer struct {
	reader  *kafka.Reader
	topic   string
	groupID string
	policy  retry.Policy
	logger  *zap.Logger
}

type ConsumerOption func(*Consumer, *kafka.ReaderConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(_ *Consumer, cfg *kafka.ReaderConfig) {
		cfg.StartOffset = offset
	}
}

// WithRetryPolicy sets how often a failing message is retried before it is
// logged and skipped.
func WithRetryPolicy(p retry.Policy) ConsumerOption {
	return func(c *Consumer, _ *kafka.ReaderConfig) {
		c.policy = p
	}
}

func NewConsumer(brokers []string, topic, groupID string, logger *zap.Logger, opts ...ConsumerOption) *Consumer {
	cfg := kafka.ReaderConfig{
		Brokers: brokers,
		Topic:   topic,
		GroupID: groupID,
	}

	c := &Consumer{
		topic:   topic,
		groupID: groupID,
		policy:  retry.DefaultPolicy(),
		logger:  logger,
	}
	for _, opt := range opts {
		opt(c, &cfg)
	}
	c.reader = kafka.NewReader(cfg)

	return c
}

// Consume fetches, handles and commits messages until ctx is done or the
// reader fails. A message whose handler keeps failing is committed anyway so
// one bad event cannot stall the partition.
func (c *Consumer) Consume(ctx context.Context, handler EventHandler) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}

		if err := c.processMessage(ctx, msg, handler); err != nil {
			c.logger.Error("skipping event after failed processing",
				zap.String("topic", msg.Topic),
				zap.Int("partition", msg.Partition),
				zap.Int64("offset", msg.Offset),
				zap.String("key", string(msg.Key)),
				zap.Error(err),
			)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler EventHandler) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, headerCarrier{msg: &msg})

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
			attribute.String("order.event", headerValue(&msg, headerEventKind)),
		),
	)
	defer span.End()

	var event domain.OrderEvent
	if err := json.Unmarshal(msg.Value, &event); err != nil {
		err = fmt.Errorf("decode order event: %w", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	err := retry.Do(spanCtx, c.policy, func() error {
		return handler(spanCtx, event)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
