package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// disposition is how a delivery is settled with the broker.
type disposition int

const (
	dispositionAck disposition = iota
	dispositionRequeue
	dispositionDeadLetter
)

func (d disposition) String() string {
	switch d {
	case dispositionAck:
		return "ack"
	case dispositionRequeue:
		return "requeue"
	default:
		return "dead_letter"
	}
}

type RabbitMQConsumer struct {
	client   *RabbitMQ
	prefetch int
	logger   *zap.Logger
}

func NewRabbitMQConsumer(client *RabbitMQ, prefetch int, logger *zap.Logger) *RabbitMQConsumer {
	if prefetch < 1 {
		prefetch = 1
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &RabbitMQConsumer{
		client:   client,
		prefetch: prefetch,
		logger:   logger,
	}
}

// Consume delivers closure messages from queue to handler until ctx is cancelled,
// re-subscribing with backoff whenever the channel is lost.
func (c *RabbitMQConsumer) Consume(ctx context.Context, queue string, handler MessageHandler) error {
	if c == nil || c.client == nil {
		return fmt.Errorf("consumer is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}
	if handler == nil {
		return fmt.Errorf("message handler is required")
	}

	backoff := reconnectBackoff
	for {
		err := c.consumeOnce(ctx, queue, handler)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			backoff = reconnectBackoff
			continue
		}

		c.logger.Warn("manifest consumer lost its channel", zap.String("queue", queue), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = nextBackoff(backoff)
	}
}

func (c *RabbitMQConsumer) consumeOnce(ctx context.Context, queue string, handler MessageHandler) error {
	ch, err := c.client.channel(ctx, false)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		return fmt.Errorf("failed to set qos: %w", err)
	}

	deliveries, err := ch.ConsumeWithContext(ctx, queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("failed to consume queue %q: %w", queue, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-deliveries:
			if !ok {
				return fmt.Errorf("delivery channel closed")
			}
			if err := c.handleDelivery(ctx, d, handler); err != nil {
				return err
			}
		}
	}
}

func (c *RabbitMQConsumer) handleDelivery(ctx context.Context, d amqp.Delivery, handler MessageHandler) error {
	msg, err := decodeDelivery(d)
	if err != nil {
		c.logger.Warn("dead-lettering undecodable closure message",
			zap.String("messageId", d.MessageId),
			zap.Error(err),
		)
		return settle(d, dispositionDeadLetter)
	}

	handlerErr := handler(ctx, msg)
	outcome := dispositionFor(d, handlerErr)
	if outcome == dispositionDeadLetter {
		c.logger.Error("dead-lettering closure message after redelivery failure",
			zap.String("batchId", msg.BatchID),
			zap.String("correlationId", msg.CorrelationID),
			zap.Error(handlerErr),
		)
	}
	return settle(d, outcome)
}

// decodeDelivery parses and validates a closure message. The AMQP correlation id fills in
// when the body carries none.
func decodeDelivery(d amqp.Delivery) (ClosureMessage, error) {
	var msg ClosureMessage
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return ClosureMessage{}, fmt.Errorf("invalid closure message json: %w", err)
	}
	if msg.CorrelationID == "" {
		msg.CorrelationID = d.CorrelationId
	}
	if err := msg.Validate(); err != nil {
		return ClosureMessage{}, err
	}
	return msg, nil
}

// dispositionFor requeues a failed delivery once and dead-letters it on the second failure.
func dispositionFor(d amqp.Delivery, handlerErr error) disposition {
	switch {
	case handlerErr == nil:
		return dispositionAck
	case d.Redelivered:
		return dispositionDeadLetter
	default:
		return dispositionRequeue
	}
}

func settle(d amqp.Delivery, outcome disposition) error {
	var err error
	switch outcome {
	case dispositionAck:
		err = d.Ack(false)
	case dispositionRequeue:
		err = d.Nack(false, true)
	default:
		err = d.Reject(false)
	}
	if err != nil {
		return fmt.Errorf("failed to %s delivery: %w", outcome, err)
	}
	return nil
}

func (c *RabbitMQConsumer) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}
