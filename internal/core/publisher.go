package core

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"golang.org/x/time/rate"
)

// DefaultBatchThreshold caps single fan-out publishes; wider stages publish
// in chunks of this size.
const DefaultBatchThreshold = 50

// TaskPublisher fans task messages out to task queues. Chunked publishing
// keeps transactions small on wide stages, and the rate limiter keeps a huge
// fan-out from starving concurrent consumers of the shared store.
type TaskPublisher struct {
	bus     interfaces.Bus
	limiter *rate.Limiter
	logger  arbor.ILogger
}

// NewTaskPublisher creates a task publisher. batchesPerSecond bounds chunk
// publish rate; zero disables limiting.
func NewTaskPublisher(bus interfaces.Bus, batchesPerSecond float64, logger arbor.ILogger) *TaskPublisher {
	var limiter *rate.Limiter
	if batchesPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(batchesPerSecond), 1)
	}
	return &TaskPublisher{bus: bus, limiter: limiter, logger: logger}
}

// PublishTasks publishes one message per task to the stage's route,
// chunked by threshold. Duplicate publishes are tolerated downstream, so a
// crash between chunks needs no compensation.
func (p *TaskPublisher) PublishTasks(ctx context.Context, tasks []*models.Task, route string, correlationID string, threshold int) error {
	if threshold <= 0 {
		threshold = DefaultBatchThreshold
	}
	queue := p.bus.TaskQueue(route)

	for start := 0; start < len(tasks); start += threshold {
		end := start + threshold
		if end > len(tasks) {
			end = len(tasks)
		}

		if p.limiter != nil {
			if err := p.limiter.Wait(ctx); err != nil {
				return err
			}
		}

		bodies := make([][]byte, 0, end-start)
		for _, task := range tasks[start:end] {
			msg := &models.TaskMessage{
				JobID:         task.JobID,
				TaskID:        task.ID,
				Stage:         task.Stage,
				TaskType:      task.Type,
				CorrelationID: correlationID,
			}
			body, err := msg.Marshal()
			if err != nil {
				return fmt.Errorf("failed to marshal task message: %w", err)
			}
			bodies = append(bodies, body)
		}

		if err := queue.PublishBatch(ctx, bodies); err != nil {
			return fmt.Errorf("failed to publish task batch: %w", err)
		}
	}

	p.logger.Debug().
		Str("queue", queue.Name()).
		Int("task_count", len(tasks)).
		Msg("Task messages published")
	return nil
}

// PublishStageActivation enqueues the jobs-queue message that activates a
// stage.
func (p *TaskPublisher) PublishStageActivation(ctx context.Context, job *models.Job, stage int, correlationID string) error {
	msg := &models.JobsMessage{
		JobID:         job.ID,
		JobType:       job.Type,
		Stage:         stage,
		CorrelationID: correlationID,
	}
	body, err := msg.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal jobs message: %w", err)
	}
	return p.bus.JobsQueue().Publish(ctx, body)
}
