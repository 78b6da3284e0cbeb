package core

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/registry"
)

// MachineConfig carries the tunables the machine needs at message time
type MachineConfig struct {
	HandlerTimeout    time.Duration
	HeartbeatInterval time.Duration
	VisibilityTimeout time.Duration
	// MaxTaskRetries is the default retry budget for tasks whose JobSpec
	// declares none.
	MaxTaskRetries int
}

// Machine is the orchestration core. It consumes jobs-queue messages to
// activate stages and task-queue messages to execute tasks, driving each job
// through its stages until a terminal state.
//
// Every message path is idempotent against persisted state, so at-least-once
// delivery from the bus is safe.
type Machine struct {
	storage   interfaces.StorageManager
	bus       interfaces.Bus
	publisher *TaskPublisher
	jobs      *registry.JobRegistry
	handlers  *registry.HandlerRegistry
	events    interfaces.EventService
	config    MachineConfig
	logger    arbor.ILogger
}

// NewMachine wires the orchestration core
func NewMachine(
	storage interfaces.StorageManager,
	bus interfaces.Bus,
	publisher *TaskPublisher,
	jobs *registry.JobRegistry,
	handlers *registry.HandlerRegistry,
	events interfaces.EventService,
	config MachineConfig,
	logger arbor.ILogger,
) *Machine {
	if config.HandlerTimeout <= 0 {
		config.HandlerTimeout = 10 * time.Minute
	}
	if config.HeartbeatInterval <= 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.VisibilityTimeout <= 0 {
		config.VisibilityTimeout = 5 * time.Minute
	}
	if config.MaxTaskRetries <= 0 {
		config.MaxTaskRetries = 3
	}
	return &Machine{
		storage:   storage,
		bus:       bus,
		publisher: publisher,
		jobs:      jobs,
		handlers:  handlers,
		events:    events,
		config:    config,
		logger:    logger,
	}
}

// HandleJobsMessage activates one stage: materialize the stage's tasks and
// fan them out. Redeliveries reconcile against persisted state; every early
// return below ACKs because a retry could not change the outcome.
func (m *Machine) HandleJobsMessage(ctx context.Context, delivery *interfaces.Delivery) error {
	msg, err := models.UnmarshalJobsMessage(delivery.Body)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Dropping malformed jobs message")
		return delivery.Ack()
	}

	log := m.logger.WithCorrelationId(msg.CorrelationID)

	job, err := m.storage.JobStorage().GetJob(ctx, msg.JobID)
	if err != nil {
		log.Warn().Err(err).Str("job_id", msg.JobID).Msg("Jobs message for unknown job")
		return delivery.Ack()
	}

	if job.Status.IsTerminal() {
		return delivery.Ack()
	}
	if msg.Stage > job.TotalStages {
		log.Warn().Str("job_id", job.ID).Int("stage", msg.Stage).Msg("Stage beyond job's declared stages")
		return delivery.Ack()
	}

	spec, ok := m.jobs.Get(job.Type)
	if !ok {
		if err := m.storage.JobStorage().MarkJobFailed(ctx, job.ID,
			fmt.Sprintf("no job spec registered for type %s", job.Type)); err != nil {
			return err
		}
		m.emitJobStatus(ctx, job.ID, models.JobStatusFailed)
		return delivery.Ack()
	}

	// The stage-state write re-checks the row under the job lock: a janitor
	// sweep or a task failure may have moved the job since the read above,
	// and a stale upsert must not resurrect a terminal job.
	stale := false
	transitioned := false
	err = m.storage.JobStorage().WithJobLock(job.ID, func() error {
		fresh, err := m.storage.JobStorage().GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		// Activations arrive for the current stage or the next one only
		if fresh.Status.IsTerminal() || msg.Stage < fresh.CurrentStage || msg.Stage > fresh.CurrentStage+1 {
			stale = true
			*job = *fresh
			return nil
		}
		if fresh.Status == models.JobStatusQueued || fresh.CurrentStage < msg.Stage {
			fresh.Status = models.JobStatusProcessing
			fresh.CurrentStage = msg.Stage
			if err := m.storage.JobStorage().UpdateJob(ctx, fresh); err != nil {
				return err
			}
			transitioned = true
		}
		*job = *fresh
		return nil
	})
	if err != nil {
		return err
	}
	if stale {
		return delivery.Ack()
	}
	if transitioned {
		m.emitJobStatus(ctx, job.ID, models.JobStatusProcessing)
	}

	taskSpecs, err := spec.CreateTasks(msg.Stage, job.Parameters, job.ID, job.PriorResults(msg.Stage))
	if err != nil {
		if err := m.storage.JobStorage().MarkJobFailed(ctx, job.ID,
			fmt.Sprintf("stage %d task creation failed: %v", msg.Stage, err)); err != nil {
			return err
		}
		m.emitJobStatus(ctx, job.ID, models.JobStatusFailed)
		return delivery.Ack()
	}

	if len(taskSpecs) == 0 {
		// A stage that produces no work completes immediately
		return m.advanceEmptyStage(ctx, delivery, job, spec, msg.Stage, msg.CorrelationID)
	}

	maxRetries := spec.MaxTaskRetries
	if maxRetries <= 0 {
		maxRetries = m.config.MaxTaskRetries
	}
	rows := make([]*models.Task, 0, len(taskSpecs))
	for _, ts := range taskSpecs {
		rows = append(rows, &models.Task{
			ID:            common.NewTaskID(job.ID, msg.Stage, ts.SemanticIndex),
			JobID:         job.ID,
			Stage:         msg.Stage,
			SemanticIndex: ts.SemanticIndex,
			Type:          ts.Type,
			Parameters:    ts.Parameters,
			Status:        models.TaskStatusQueued,
			MaxRetries:    maxRetries,
		})
	}

	inserted, err := m.storage.TaskStorage().BulkCreateTasks(ctx, rows)
	if err != nil {
		return err
	}

	// Publish for every still-queued row of the stage, not just this call's
	// inserts. A redelivery after a crash between insert and publish then
	// re-covers the lost messages; duplicates die at the claim step.
	stageTasks, err := m.storage.TaskStorage().ListTasksByStage(ctx, job.ID, msg.Stage)
	if err != nil {
		return err
	}
	pending := make([]*models.Task, 0, len(stageTasks))
	for _, t := range stageTasks {
		if t.Status == models.TaskStatusQueued {
			pending = append(pending, t)
		}
	}

	route := ""
	if stageDef := spec.Stage(msg.Stage); stageDef != nil {
		route = stageDef.Routing
	}
	if err := m.publisher.PublishTasks(ctx, pending, route, msg.CorrelationID, spec.BatchThreshold); err != nil {
		return err
	}

	log.Info().
		Str("job_id", job.ID).
		Int("stage", msg.Stage).
		Int("tasks_created", len(inserted)).
		Int("tasks_published", len(pending)).
		Msg("Stage activated")

	return delivery.Ack()
}

// advanceEmptyStage records an empty result set for a zero-task stage and
// moves on, finalizing when it was the last stage.
func (m *Machine) advanceEmptyStage(ctx context.Context, delivery *interfaces.Delivery, job *models.Job, spec *models.JobSpec, stage int, correlationID string) error {
	err := m.storage.JobStorage().WithJobLock(job.ID, func() error {
		fresh, err := m.storage.JobStorage().GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		if fresh.SetStageResults(stage, []map[string]interface{}{}) {
			if err := m.storage.JobStorage().UpdateJob(ctx, fresh); err != nil {
				return err
			}
		}
		*job = *fresh
		return nil
	})
	if err != nil {
		return err
	}

	m.emitEvent(ctx, interfaces.EventStageCompleted, map[string]interface{}{
		"job_id": job.ID,
		"stage":  stage,
		"tasks":  0,
	})

	if job.IsFinalStage(stage) {
		if err := m.finalizeJob(ctx, job.ID, spec); err != nil {
			return err
		}
		return delivery.Ack()
	}
	if err := m.publisher.PublishStageActivation(ctx, job, stage+1, correlationID); err != nil {
		return err
	}
	return delivery.Ack()
}

// HandleTaskMessage executes one task: claim, run the handler under a
// deadline with heartbeats, then record the outcome atomically with the
// stage barrier check.
func (m *Machine) HandleTaskMessage(ctx context.Context, delivery *interfaces.Delivery) error {
	msg, err := models.UnmarshalTaskMessage(delivery.Body)
	if err != nil {
		m.logger.Warn().Err(err).Msg("Dropping malformed task message")
		return delivery.Ack()
	}

	log := m.logger.WithCorrelationId(msg.CorrelationID)

	task, err := m.storage.TaskStorage().ClaimTaskForProcessing(ctx, msg.TaskID)
	if err != nil {
		log.Warn().Err(err).Str("task_id", msg.TaskID).Msg("Task message for unknown task")
		return delivery.Ack()
	}
	if task == nil {
		// Redelivery lost the claim race or the task is already terminal
		return delivery.Ack()
	}

	m.emitEvent(ctx, interfaces.EventTaskStarted, map[string]interface{}{
		"job_id":  task.JobID,
		"task_id": task.ID,
		"stage":   task.Stage,
		"attempt": task.AttemptCount,
	})

	result, taskErr := m.runHandler(ctx, task, delivery, log)

	// MaxRetries counts retries after the first attempt, so the task may
	// run MaxRetries+1 times in total.
	if taskErr != nil && taskErr.Retryable && task.AttemptCount <= task.MaxRetries {
		return m.retryTask(ctx, delivery, task, msg, taskErr, log)
	}

	check, err := m.storage.TaskStorage().CompleteTaskAndCheckStage(ctx, task.ID, result, taskErr)
	if err != nil {
		return err
	}

	m.emitEvent(ctx, interfaces.EventTaskCompleted, map[string]interface{}{
		"job_id":  task.JobID,
		"task_id": task.ID,
		"stage":   task.Stage,
		"failed":  taskErr != nil,
	})

	if err := m.ApplyStageCheck(ctx, check, msg.CorrelationID); err != nil {
		return err
	}
	return delivery.Ack()
}

// runHandler invokes the registered handler under the wall-clock deadline,
// renewing the task heartbeat and the message lease until it returns.
func (m *Machine) runHandler(ctx context.Context, task *models.Task, delivery *interfaces.Delivery, log arbor.ILogger) (map[string]interface{}, *models.TaskError) {
	handler, ok := m.handlers.Get(task.Type)
	if !ok {
		return nil, &models.TaskError{
			Kind:    models.ErrorKindHandlerNotFound,
			Message: fmt.Sprintf("no handler registered for task type %s", task.Type),
		}
	}

	handlerCtx, cancel := context.WithTimeout(ctx, m.config.HandlerTimeout)
	defer cancel()

	beat := func() error {
		if err := m.storage.TaskStorage().Heartbeat(ctx, task.ID, time.Now()); err != nil {
			return err
		}
		return delivery.Extend(m.config.VisibilityTimeout)
	}

	// Background heartbeat keeps slow handlers alive even when they never
	// call the heartbeat function themselves. Cancellation is cooperative:
	// the handler context is canceled when the lease cannot be renewed or
	// the task was cascade-failed while running.
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(m.config.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := beat(); err != nil {
					log.Warn().Err(err).Str("task_id", task.ID).Msg("Lease renewal failed, canceling handler")
					cancel()
					return
				}
				cur, err := m.storage.TaskStorage().GetTask(ctx, task.ID)
				if err == nil && cur.Status != models.TaskStatusProcessing {
					log.Info().Str("task_id", task.ID).Msg("Task no longer processing, canceling handler")
					cancel()
					return
				}
			}
		}
	}()

	// A panicking handler must not take the consumer goroutine down; it
	// fails the task permanently instead.
	result, err := func() (res map[string]interface{}, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = models.NewPermanentError("handler panic: %v", r)
			}
		}()
		return handler(handlerCtx, task, beat)
	}()
	close(done)

	if err == nil {
		if handlerCtx.Err() == context.DeadlineExceeded {
			// Handler returned success after its deadline; the result is
			// still good, the task just ran long.
			log.Warn().Str("task_id", task.ID).Msg("Handler finished past its deadline")
		}
		return result, nil
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return nil, models.NewTimeoutError("handler exceeded %s deadline", m.config.HandlerTimeout)
	}
	if errors.Is(err, context.Canceled) {
		return nil, models.NewCanceledError("handler context canceled")
	}
	return nil, models.ClassifyError(err)
}

// retryTask re-queues a retryable failure with exponential backoff. The
// original message is ACKed; the delayed message is the retry.
func (m *Machine) retryTask(ctx context.Context, delivery *interfaces.Delivery, task *models.Task, msg *models.TaskMessage, taskErr *models.TaskError, log arbor.ILogger) error {
	if err := m.storage.TaskStorage().ResetTaskForRetry(ctx, task.ID); err != nil {
		return err
	}

	delay := RetryDelay(task.AttemptCount)
	body, err := msg.Marshal()
	if err != nil {
		return err
	}

	route := m.routeForTask(task)
	if err := m.bus.TaskQueue(route).PublishDelayed(ctx, body, delay); err != nil {
		return err
	}

	log.Info().
		Str("task_id", task.ID).
		Int("attempt", task.AttemptCount).
		Int("max_retries", task.MaxRetries).
		Dur("delay", delay).
		Str("error_kind", string(taskErr.Kind)).
		Msg("Task retry scheduled")

	return delivery.Ack()
}

func (m *Machine) routeForTask(task *models.Task) string {
	job, err := m.storage.JobStorage().GetJob(context.Background(), task.JobID)
	if err != nil {
		return ""
	}
	spec, ok := m.jobs.Get(job.Type)
	if !ok {
		return ""
	}
	if stageDef := spec.Stage(task.Stage); stageDef != nil {
		return stageDef.Routing
	}
	return ""
}

// ApplyStageCheck acts on a stage classification: cascade a failure, advance
// to the next stage, or finalize the job. The janitor shares this path with
// the task consumers.
func (m *Machine) ApplyStageCheck(ctx context.Context, check *models.StageCheck, correlationID string) error {
	if check == nil || check.Duplicate || check.JobTerminal {
		return nil
	}

	switch check.Outcome {
	case models.StageContinues:
		return nil

	case models.StageFailed:
		// The storage layer already failed the job inside the same locked
		// section; cancel whatever has not run yet.
		canceled, err := m.storage.TaskStorage().CancelPendingTasks(ctx, check.JobID, check.Stage, "stage failed")
		if err != nil {
			return err
		}
		m.logger.Info().
			Str("job_id", check.JobID).
			Int("stage", check.Stage).
			Int("canceled", canceled).
			Msg("Stage failed, pending tasks canceled")
		m.emitJobStatus(ctx, check.JobID, models.JobStatusFailed)
		return nil

	case models.StageCompleteSuccess, models.StageCompletePartial:
		job, err := m.storage.JobStorage().GetJob(ctx, check.JobID)
		if err != nil {
			return err
		}
		spec, ok := m.jobs.Get(job.Type)
		if !ok {
			return m.storage.JobStorage().MarkJobFailed(ctx, job.ID,
				fmt.Sprintf("no job spec registered for type %s", job.Type))
		}

		m.emitEvent(ctx, interfaces.EventStageCompleted, map[string]interface{}{
			"job_id":    check.JobID,
			"stage":     check.Stage,
			"completed": check.Completed,
			"failed":    check.Failed,
		})

		if job.IsFinalStage(check.Stage) {
			return m.finalizeJob(ctx, job.ID, spec)
		}

		if check.Outcome == models.StageCompletePartial && !job.ContinueOnPartial {
			// Downstream stages would build on incomplete inputs; stop here
			// and keep what succeeded.
			return m.finalizePartial(ctx, job, spec, check)
		}

		return m.publisher.PublishStageActivation(ctx, job, check.Stage+1, correlationID)
	}

	return nil
}

// finalizeJob aggregates all stage results and completes the job. Jobs with
// any failed task finish as completed_with_errors.
func (m *Machine) finalizeJob(ctx context.Context, jobID string, spec *models.JobSpec) error {
	job, err := m.storage.JobStorage().GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if job.Status.IsTerminal() {
		return nil
	}

	aggregate := spec.AggregateResults
	if aggregate == nil {
		aggregate = models.DefaultAggregate
	}
	result, err := aggregate(job.PriorResults(job.TotalStages+1), job.Parameters)
	if err != nil {
		if err := m.storage.JobStorage().MarkJobFailed(ctx, jobID,
			fmt.Sprintf("result aggregation failed: %v", err)); err != nil {
			return err
		}
		m.emitJobStatus(ctx, jobID, models.JobStatusFailed)
		return nil
	}

	failedCount, err := m.countFailedTasks(ctx, jobID)
	if err != nil {
		return err
	}

	if failedCount > 0 {
		details := fmt.Sprintf("%d task(s) failed", failedCount)
		if err := m.storage.JobStorage().MarkJobPartial(ctx, jobID, result, details); err != nil {
			return err
		}
		m.emitJobStatus(ctx, jobID, models.JobStatusCompletedWithErrors)
		return nil
	}

	if err := m.storage.JobStorage().MarkJobCompleted(ctx, jobID, result); err != nil {
		return err
	}
	m.emitJobStatus(ctx, jobID, models.JobStatusCompleted)
	return nil
}

// finalizePartial ends a job early after a partial non-final stage,
// aggregating the stages that did complete.
func (m *Machine) finalizePartial(ctx context.Context, job *models.Job, spec *models.JobSpec, check *models.StageCheck) error {
	aggregate := spec.AggregateResults
	if aggregate == nil {
		aggregate = models.DefaultAggregate
	}
	result, aggErr := aggregate(job.PriorResults(check.Stage+1), job.Parameters)
	if aggErr != nil {
		result = nil
	}

	details := fmt.Sprintf("stage %d completed with %d of %d tasks failed; remaining stages skipped",
		check.Stage, check.Failed, check.Total)
	if err := m.storage.JobStorage().MarkJobPartial(ctx, job.ID, result, details); err != nil {
		return err
	}
	m.emitJobStatus(ctx, job.ID, models.JobStatusCompletedWithErrors)
	return nil
}

func (m *Machine) countFailedTasks(ctx context.Context, jobID string) (int, error) {
	tasks, err := m.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	failed := 0
	for _, t := range tasks {
		if t.Status == models.TaskStatusFailed {
			failed++
		}
	}
	return failed, nil
}

func (m *Machine) emitJobStatus(ctx context.Context, jobID string, status models.JobStatus) {
	m.emitEvent(ctx, interfaces.EventJobStatusChange, map[string]interface{}{
		"job_id": jobID,
		"status": string(status),
	})
}

func (m *Machine) emitEvent(ctx context.Context, eventType interfaces.EventType, payload map[string]interface{}) {
	if m.events == nil {
		return
	}
	if err := m.events.Publish(ctx, interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		m.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish event")
	}
}
