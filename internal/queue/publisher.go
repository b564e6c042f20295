package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const confirmTimeout = 5 * time.Second

// RabbitMQPublisher publishes closure messages and waits for the broker to confirm each one,
// so a nil error means the message is persisted.
type RabbitMQPublisher struct {
	client *RabbitMQ
	now    func() time.Time
}

func NewRabbitMQPublisher(client *RabbitMQ) *RabbitMQPublisher {
	return &RabbitMQPublisher{client: client, now: time.Now}
}

func (p *RabbitMQPublisher) Publish(ctx context.Context, queue string, msg ClosureMessage) error {
	if p == nil || p.client == nil {
		return fmt.Errorf("publisher is not initialized")
	}
	if queue == "" {
		return fmt.Errorf("queue name is required")
	}

	publishing, err := newPublishing(msg, p.now())
	if err != nil {
		return err
	}

	ch, err := p.client.channel(ctx, true)
	if err != nil {
		return err
	}
	defer ch.Close() //nolint:errcheck // best-effort channel close

	confirmation, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", queue, true, false, publishing)
	if err != nil {
		return fmt.Errorf("failed to publish message to queue %q: %w", queue, err)
	}

	waitCtx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	acked, err := confirmation.WaitContext(waitCtx)
	if err != nil {
		return fmt.Errorf("no publish confirmation from queue %q: %w", queue, err)
	}
	if !acked {
		return fmt.Errorf("broker nacked message for batch %s", msg.BatchID)
	}
	return nil
}

func (p *RabbitMQPublisher) Close() error {
	if p == nil || p.client == nil {
		return nil
	}
	return p.client.Close()
}

func newPublishing(msg ClosureMessage, now time.Time) (amqp.Publishing, error) {
	if err := msg.Validate(); err != nil {
		return amqp.Publishing{}, fmt.Errorf("invalid closure message: %w", err)
	}

	payload, err := json.Marshal(msg)
	if err != nil {
		return amqp.Publishing{}, fmt.Errorf("failed to marshal closure message: %w", err)
	}

	return amqp.Publishing{
		ContentType:   "application/json",
		DeliveryMode:  amqp.Persistent,
		Timestamp:     now.UTC(),
		MessageId:     msg.BatchID,
		CorrelationId: msg.CorrelationID,
		Type:          "batch.closed",
		Body:          payload,
	}, nil
}
