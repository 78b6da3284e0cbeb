package janitor

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/core"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/registry"
)

// Janitor runs periodic recovery sweeps:
//
//   - tasks stuck PROCESSING with a stale heartbeat are reset and re-queued
//     while retry budget remains, otherwise failed with HEARTBEAT_TIMEOUT
//   - jobs stuck PROCESSING with no recent progress get their current stage
//     re-evaluated and, where the barrier already holds, re-advanced
//
// Sweeps only repair persisted state and republish messages; all outcome
// decisions go through the same stage-check path the consumers use.
type Janitor struct {
	storage  interfaces.StorageManager
	bus      interfaces.Bus
	machine  *core.Machine
	registry *registry.JobRegistry
	logger   arbor.ILogger

	schedule         string
	heartbeatTimeout time.Duration
	jobStallTimeout  time.Duration

	cron *cron.Cron
}

// New creates a janitor with the given sweep schedule and staleness cutoffs
func New(
	storage interfaces.StorageManager,
	bus interfaces.Bus,
	machine *core.Machine,
	reg *registry.JobRegistry,
	schedule string,
	heartbeatTimeout time.Duration,
	jobStallTimeout time.Duration,
	logger arbor.ILogger,
) *Janitor {
	if schedule == "" {
		schedule = "*/1 * * * *"
	}
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 2 * time.Minute
	}
	if jobStallTimeout <= 0 {
		jobStallTimeout = 10 * time.Minute
	}
	return &Janitor{
		storage:          storage,
		bus:              bus,
		machine:          machine,
		registry:         reg,
		logger:           logger,
		schedule:         schedule,
		heartbeatTimeout: heartbeatTimeout,
		jobStallTimeout:  jobStallTimeout,
		cron:             cron.New(),
	}
}

// Start schedules the recovery sweeps
func (j *Janitor) Start() error {
	_, err := j.cron.AddFunc(j.schedule, func() {
		ctx := context.Background()
		if err := j.Sweep(ctx); err != nil {
			j.logger.Error().Err(err).Msg("Janitor sweep failed")
		}
	})
	if err != nil {
		return fmt.Errorf("failed to schedule janitor: %w", err)
	}
	j.cron.Start()
	j.logger.Info().
		Str("schedule", j.schedule).
		Msg("Janitor started")
	return nil
}

// Stop stops the sweep schedule and waits for a running sweep to finish
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
	j.logger.Info().Msg("Janitor stopped")
}

// Sweep runs one full recovery pass. Exported so tests and operators can
// trigger recovery without waiting for the schedule.
func (j *Janitor) Sweep(ctx context.Context) error {
	if err := j.sweepStalledTasks(ctx); err != nil {
		return err
	}
	return j.sweepStalledJobs(ctx)
}

// sweepStalledTasks reclaims PROCESSING tasks whose worker stopped
// heartbeating (crash, kill, partition).
func (j *Janitor) sweepStalledTasks(ctx context.Context) error {
	cutoff := time.Now().Add(-j.heartbeatTimeout)
	stalled, err := j.storage.TaskStorage().GetStalledTasks(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query stalled tasks: %w", err)
	}

	for _, task := range stalled {
		if task.AttemptCount < task.MaxRetries+1 {
			// Budget remains: requeue the task for another attempt
			if err := j.requeueTask(ctx, task); err != nil {
				j.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to requeue stalled task")
			}
			continue
		}

		// Budget exhausted: fail the task and let the barrier classify
		taskErr := &models.TaskError{
			Kind:    models.ErrorKindHeartbeatTimeout,
			Message: fmt.Sprintf("no heartbeat for over %s after %d attempts", j.heartbeatTimeout, task.AttemptCount),
		}
		check, err := j.storage.TaskStorage().CompleteTaskAndCheckStage(ctx, task.ID, nil, taskErr)
		if err != nil {
			j.logger.Warn().Err(err).Str("task_id", task.ID).Msg("Failed to fail stalled task")
			continue
		}
		j.logger.Info().
			Str("task_id", task.ID).
			Str("job_id", task.JobID).
			Int("attempts", task.AttemptCount).
			Msg("Stalled task failed after exhausting retries")

		if err := j.machine.ApplyStageCheck(ctx, check, common.NewCorrelationID()); err != nil {
			j.logger.Warn().Err(err).Str("job_id", task.JobID).Msg("Failed to apply stage check")
		}
	}

	if len(stalled) > 0 {
		j.logger.Info().Int("count", len(stalled)).Msg("Stalled task sweep done")
	}
	return nil
}

func (j *Janitor) requeueTask(ctx context.Context, task *models.Task) error {
	if err := j.storage.TaskStorage().ResetTaskForRetry(ctx, task.ID); err != nil {
		return err
	}

	msg := &models.TaskMessage{
		JobID:         task.JobID,
		TaskID:        task.ID,
		Stage:         task.Stage,
		TaskType:      task.Type,
		CorrelationID: common.NewCorrelationID(),
	}
	body, err := msg.Marshal()
	if err != nil {
		return err
	}
	if err := j.bus.TaskQueue(j.routeForTask(ctx, task)).Publish(ctx, body); err != nil {
		return err
	}

	j.logger.Info().
		Str("task_id", task.ID).
		Str("job_id", task.JobID).
		Int("attempts", task.AttemptCount).
		Msg("Stalled task requeued")
	return nil
}

func (j *Janitor) routeForTask(ctx context.Context, task *models.Task) string {
	job, err := j.storage.JobStorage().GetJob(ctx, task.JobID)
	if err != nil {
		return ""
	}
	spec, ok := j.registry.Get(job.Type)
	if !ok {
		return ""
	}
	if stageDef := spec.Stage(task.Stage); stageDef != nil {
		return stageDef.Routing
	}
	return ""
}

// sweepStalledJobs repairs jobs whose advancement message was lost: the
// stage barrier may already hold with nobody left to act on it, or queued
// tasks may have lost their dispatch messages.
func (j *Janitor) sweepStalledJobs(ctx context.Context) error {
	cutoff := time.Now().Add(-j.jobStallTimeout)
	stalled, err := j.storage.JobStorage().GetStalledJobs(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("failed to query stalled jobs: %w", err)
	}

	for _, job := range stalled {
		check, err := j.storage.TaskStorage().CheckStage(ctx, job.ID, job.CurrentStage)
		if err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to check stalled job stage")
			continue
		}

		if check.Outcome != models.StageContinues {
			j.logger.Info().
				Str("job_id", job.ID).
				Int("stage", job.CurrentStage).
				Str("outcome", string(check.Outcome)).
				Msg("Repairing stalled job advancement")
			if err := j.machine.ApplyStageCheck(ctx, check, common.NewCorrelationID()); err != nil {
				j.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to apply repaired stage check")
			}
			continue
		}

		// Stage genuinely incomplete: re-cover lost dispatches. Queued tasks
		// whose messages were lost get republished; if the stage has no task
		// rows at all the activation itself was lost, so replay it.
		if err := j.republishStage(ctx, job, check.Total); err != nil {
			j.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to republish stalled stage")
		}
	}

	if len(stalled) > 0 {
		j.logger.Info().Int("count", len(stalled)).Msg("Stalled job sweep done")
	}
	return nil
}

func (j *Janitor) republishStage(ctx context.Context, job *models.Job, taskTotal int) error {
	if taskTotal == 0 {
		msg := &models.JobsMessage{
			JobID:         job.ID,
			JobType:       job.Type,
			Stage:         job.CurrentStage,
			CorrelationID: common.NewCorrelationID(),
		}
		body, err := msg.Marshal()
		if err != nil {
			return err
		}
		j.logger.Info().
			Str("job_id", job.ID).
			Int("stage", job.CurrentStage).
			Msg("Replaying lost stage activation")
		return j.bus.JobsQueue().Publish(ctx, body)
	}

	tasks, err := j.storage.TaskStorage().ListTasksByStage(ctx, job.ID, job.CurrentStage)
	if err != nil {
		return err
	}
	republished := 0
	for _, task := range tasks {
		if task.Status != models.TaskStatusQueued {
			continue
		}
		msg := &models.TaskMessage{
			JobID:         task.JobID,
			TaskID:        task.ID,
			Stage:         task.Stage,
			TaskType:      task.Type,
			CorrelationID: common.NewCorrelationID(),
		}
		body, err := msg.Marshal()
		if err != nil {
			return err
		}
		if err := j.bus.TaskQueue(j.routeForTask(ctx, task)).Publish(ctx, body); err != nil {
			return err
		}
		republished++
	}
	if republished > 0 {
		j.logger.Info().
			Str("job_id", job.ID).
			Int("stage", job.CurrentStage).
			Int("republished", republished).
			Msg("Republished dispatches for stalled stage")
	}
	return nil
}
