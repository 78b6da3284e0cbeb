package interfaces

import (
	"context"
	"time"
)

// Delivery is one received message plus the callbacks that manage its lease
type Delivery struct {
	ID           string
	Body         []byte
	ReceiveCount int
	// Ack removes the message from the queue after successful processing
	Ack func() error
	// Extend renews the visibility timeout for long-running work
	Extend func(d time.Duration) error
}

// QueueDepth summarizes a queue for status reporting
type QueueDepth struct {
	Ready      int `json:"ready"`
	InFlight   int `json:"in_flight"`
	DeadLetter int `json:"dead_letter"`
}

// Queue is a durable at-least-once queue with per-message visibility
// timeout and a dead-letter sink.
type Queue interface {
	Name() string
	Publish(ctx context.Context, body []byte) error
	// PublishDelayed enqueues a message that becomes visible after delay
	PublishDelayed(ctx context.Context, body []byte, delay time.Duration) error
	// PublishBatch enqueues a chunk of messages in one transaction
	PublishBatch(ctx context.Context, bodies [][]byte) error
	// Receive returns the next visible message or models.ErrNoMessage
	Receive(ctx context.Context) (*Delivery, error)
	Depth(ctx context.Context) (*QueueDepth, error)
	DeadLetters(ctx context.Context, limit int) ([][]byte, error)
}

// Bus groups the jobs queue and the task queues declared by JobSpec routes
type Bus interface {
	JobsQueue() Queue
	// TaskQueue resolves a routing key to its queue; the empty route is
	// the default tasks queue.
	TaskQueue(route string) Queue
	// TaskQueues lists every task queue, default first
	TaskQueues() []Queue
}
