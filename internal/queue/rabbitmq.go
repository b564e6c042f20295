package queue

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	dlxExchangeName  = "despacho.dlx"
	reconnectBackoff = time.Second
	maxBackoff       = 30 * time.Second
	dialTimeout      = 15 * time.Second
)

// RabbitMQ owns one broker connection, redialing with backoff when it drops.
type RabbitMQ struct {
	url string

	mu     sync.RWMutex
	dialMu sync.Mutex
	conn   *amqp.Connection
}

func NewRabbitMQ(url string) (*RabbitMQ, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("rabbitmq url is required")
	}

	r := &RabbitMQ{url: url}

	ctx, cancel := context.WithTimeout(context.Background(), dialTimeout)
	defer cancel()
	if err := r.ensureConnected(ctx); err != nil {
		return nil, err
	}

	return r, nil
}

func (r *RabbitMQ) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.conn = nil
	r.mu.Unlock()

	if conn == nil || conn.IsClosed() {
		return nil
	}
	return conn.Close()
}

// Ping reports whether the broker connection is usable, redialing if it dropped.
func (r *RabbitMQ) Ping(ctx context.Context) error {
	return r.ensureConnected(ctx)
}

// channel opens a channel with the topology declared. confirm puts it in publisher
// confirm mode.
func (r *RabbitMQ) channel(ctx context.Context, confirm bool) (*amqp.Channel, error) {
	ch, err := r.openChannel(ctx)
	if err != nil {
		return nil, err
	}

	if err := declareTopology(ch); err != nil {
		_ = ch.Close()
		return nil, err
	}
	if confirm {
		if err := ch.Confirm(false); err != nil {
			_ = ch.Close()
			return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
		}
	}
	return ch, nil
}

func (r *RabbitMQ) openChannel(ctx context.Context) (*amqp.Channel, error) {
	for attempt := 0; attempt < 2; attempt++ {
		if err := r.ensureConnected(ctx); err != nil {
			return nil, err
		}

		r.mu.RLock()
		conn := r.conn
		r.mu.RUnlock()
		if conn == nil {
			continue
		}

		ch, err := conn.Channel()
		if err == nil {
			return ch, nil
		}
		// The connection died between the check and the call; drop it and redial once.
		r.mu.Lock()
		if r.conn == conn {
			r.conn = nil
		}
		r.mu.Unlock()
		_ = conn.Close()
	}
	return nil, fmt.Errorf("failed to open rabbitmq channel")
}

func (r *RabbitMQ) ensureConnected(ctx context.Context) error {
	r.mu.RLock()
	conn := r.conn
	r.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return nil
	}

	r.dialMu.Lock()
	defer r.dialMu.Unlock()

	r.mu.RLock()
	conn = r.conn
	r.mu.RUnlock()
	if conn != nil && !conn.IsClosed() {
		return nil
	}

	wait := reconnectBackoff
	for {
		newConn, err := amqp.Dial(r.url)
		if err == nil {
			r.mu.Lock()
			r.conn = newConn
			r.mu.Unlock()
			return nil
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("rabbitmq dial canceled: %w", ctx.Err())
		case <-time.After(wait):
		}
		wait = nextBackoff(wait)
	}
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}

// queueSpec describes one work queue and the dead-letter queue behind it.
type queueSpec struct {
	Name string
	DLQ  string
	Args amqp.Table
}

func topology() []queueSpec {
	specs := make([]queueSpec, 0, len(WorkQueueNames()))
	for _, name := range WorkQueueNames() {
		specs = append(specs, queueSpec{
			Name: name,
			DLQ:  DLQName(name),
			Args: amqp.Table{
				"x-dead-letter-exchange":    dlxExchangeName,
				"x-dead-letter-routing-key": name,
			},
		})
	}
	return specs
}

func declareTopology(ch *amqp.Channel) error {
	if err := ch.ExchangeDeclare(dlxExchangeName, amqp.ExchangeDirect, true, false, false, false, nil); err != nil {
		return fmt.Errorf("failed to declare dlx exchange: %w", err)
	}

	for _, spec := range topology() {
		if _, err := ch.QueueDeclare(spec.DLQ, true, false, false, false, nil); err != nil {
			return fmt.Errorf("failed to declare dlq %q: %w", spec.DLQ, err)
		}
		if err := ch.QueueBind(spec.DLQ, spec.Name, dlxExchangeName, false, nil); err != nil {
			return fmt.Errorf("failed to bind dlq %q: %w", spec.DLQ, err)
		}
		if _, err := ch.QueueDeclare(spec.Name, true, false, false, false, spec.Args); err != nil {
			return fmt.Errorf("failed to declare queue %q: %w", spec.Name, err)
		}
	}
	return nil
}
