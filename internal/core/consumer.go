package core

import (
	"context"
	"sync"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
)

// DeliveryHandler processes one received message. The handler owns the ACK:
// messages it does not ACK reappear after the visibility lease expires.
type DeliveryHandler func(ctx context.Context, delivery *interfaces.Delivery) error

// ConsumerPool runs a fixed set of poll workers against one queue. Workers
// stagger their start across the poll interval to spread lock contention.
type ConsumerPool struct {
	queue        interfaces.Queue
	handler      DeliveryHandler
	concurrency  int
	pollInterval time.Duration
	logger       arbor.ILogger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConsumerPool creates a consumer pool for the queue
func NewConsumerPool(queue interfaces.Queue, handler DeliveryHandler, concurrency int, pollInterval time.Duration, logger arbor.ILogger) *ConsumerPool {
	if concurrency < 1 {
		concurrency = 1
	}
	if pollInterval <= 0 {
		pollInterval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &ConsumerPool{
		queue:        queue,
		handler:      handler,
		concurrency:  concurrency,
		pollInterval: pollInterval,
		logger:       logger,
		ctx:          ctx,
		cancel:       cancel,
	}
}

// Start launches the worker goroutines
func (p *ConsumerPool) Start() {
	p.logger.Info().
		Str("queue", p.queue.Name()).
		Int("concurrency", p.concurrency).
		Msg("Starting consumer pool")

	for i := 0; i < p.concurrency; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop cancels the workers and waits for in-flight handlers to return
func (p *ConsumerPool) Stop() {
	p.logger.Info().
		Str("queue", p.queue.Name()).
		Msg("Stopping consumer pool")
	p.cancel()
	p.wg.Wait()
}

func (p *ConsumerPool) worker(workerID int) {
	defer p.wg.Done()

	// Spread workers evenly across the poll interval
	stagger := (p.pollInterval / time.Duration(p.concurrency)) * time.Duration(workerID)
	if stagger > 0 {
		select {
		case <-time.After(stagger):
		case <-p.ctx.Done():
			return
		}
	}

	ticker := time.NewTicker(p.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			// Drain until the queue runs dry, then fall back to polling
			for {
				if err := p.processOne(workerID); err != nil {
					break
				}
				if p.ctx.Err() != nil {
					return
				}
			}
		}
	}
}

func (p *ConsumerPool) processOne(workerID int) error {
	delivery, err := p.queue.Receive(p.ctx)
	if err != nil {
		if err != models.ErrNoMessage {
			p.logger.Warn().
				Err(err).
				Str("queue", p.queue.Name()).
				Int("worker_id", workerID).
				Msg("Error receiving message")
		}
		return err
	}

	if err := p.handler(p.ctx, delivery); err != nil {
		// No ACK: the lease expires and the message is redelivered
		p.logger.Warn().
			Err(err).
			Str("queue", p.queue.Name()).
			Str("message_id", delivery.ID).
			Int("receive_count", delivery.ReceiveCount).
			Msg("Handler failed, message will be redelivered")
	}
	return nil
}
