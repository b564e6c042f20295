package queue

import (
	"context"
	"fmt"
)

// Publisher publishes batch closure messages to a queue.
type Publisher interface {
	Publish(ctx context.Context, queue string, msg ClosureMessage) error
	Close() error
}

// MessageHandler handles a consumed queue message.
type MessageHandler func(ctx context.Context, msg ClosureMessage) error

// Consumer consumes batch closure messages from a queue.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler MessageHandler) error
	Close() error
}

// ManifestQueue is the work queue feeding manifest delivery.
const ManifestQueue = "manifest"

// DLQName returns the dead-letter queue name for a work queue, e.g. dlq.manifest.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}

// WorkQueueNames returns every work queue the topology declares.
func WorkQueueNames() []string {
	return []string{ManifestQueue}
}
