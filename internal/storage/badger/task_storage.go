package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// TaskStorage implements the TaskStorage interface for Badger. Every status
// transition here runs under the owning job's row lock, which is what gives
// complete-and-check-stage its serializable semantics.
type TaskStorage struct {
	db     *BadgerDB
	locks  *jobLocks
	jobs   *JobStorage
	logger arbor.ILogger
}

// NewTaskStorage creates a new TaskStorage instance
func NewTaskStorage(db *BadgerDB, locks *jobLocks, jobs *JobStorage, logger arbor.ILogger) *TaskStorage {
	return &TaskStorage{
		db:     db,
		locks:  locks,
		jobs:   jobs,
		logger: logger,
	}
}

// BulkCreateTasks inserts tasks idempotently by ID. Rows that already exist
// are skipped, and only the rows materialized by this call are returned, so
// a redelivered fan-out publishes no duplicate task messages.
func (s *TaskStorage) BulkCreateTasks(ctx context.Context, tasks []*models.Task) ([]*models.Task, error) {
	inserted := make([]*models.Task, 0, len(tasks))
	now := time.Now()

	for _, task := range tasks {
		if task.ID == "" {
			return nil, fmt.Errorf("task ID is required")
		}
		task.CreatedAt = now
		task.UpdatedAt = now
		if task.Status == "" {
			task.Status = models.TaskStatusQueued
		}
		err := s.db.Store().Insert(task.ID, task)
		if err == badgerhold.ErrKeyExists {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to insert task %s: %w", task.ID, err)
		}
		inserted = append(inserted, task)
	}

	return inserted, nil
}

// GetTask retrieves a task by ID
func (s *TaskStorage) GetTask(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("task not found: %s", taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}
	return &task, nil
}

// ListTasksByJob returns all tasks for a job ordered by ascending ID
func (s *TaskStorage) ListTasksByJob(ctx context.Context, jobID string) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
		return nil, fmt.Errorf("failed to list tasks: %w", err)
	}
	result := make([]*models.Task, len(tasks))
	for i := range tasks {
		result[i] = &tasks[i]
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

// ListTasksByStage returns the tasks for one stage ordered by ascending ID
func (s *TaskStorage) ListTasksByStage(ctx context.Context, jobID string, stage int) ([]*models.Task, error) {
	all, err := s.ListTasksByJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	result := make([]*models.Task, 0, len(all))
	for _, t := range all {
		if t.Stage == stage {
			result = append(result, t)
		}
	}
	return result, nil
}

// ClaimTaskForProcessing atomically transitions QUEUED -> PROCESSING. A nil
// task with nil error means the task is not claimable (already taken,
// terminal, or canceled); the caller ACKs the message and moves on.
func (s *TaskStorage) ClaimTaskForProcessing(ctx context.Context, taskID string) (*models.Task, error) {
	var task models.Task
	if err := s.db.Store().Get(taskID, &task); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("task not found: %s", taskID)
		}
		return nil, fmt.Errorf("failed to get task: %w", err)
	}

	var claimed *models.Task
	err := s.locks.with(task.JobID, func() error {
		var current models.Task
		if err := s.db.Store().Get(taskID, &current); err != nil {
			return fmt.Errorf("failed to re-read task: %w", err)
		}
		if current.Status != models.TaskStatusQueued {
			return nil
		}

		now := time.Now()
		current.Status = models.TaskStatusProcessing
		current.Heartbeat = &now
		current.AttemptCount++
		current.UpdatedAt = now

		if err := s.db.Store().Upsert(taskID, &current); err != nil {
			return fmt.Errorf("failed to claim task: %w", err)
		}
		claimed = &current
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Heartbeat refreshes the task heartbeat; no-op unless PROCESSING
func (s *TaskStorage) Heartbeat(ctx context.Context, taskID string, now time.Time) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.locks.with(task.JobID, func() error {
		var current models.Task
		if err := s.db.Store().Get(taskID, &current); err != nil {
			return fmt.Errorf("failed to re-read task: %w", err)
		}
		if current.Status != models.TaskStatusProcessing {
			return nil
		}
		current.Heartbeat = &now
		current.UpdatedAt = now
		return s.db.Store().Upsert(taskID, &current)
	})
}

// ResetTaskForRetry transitions PROCESSING -> QUEUED ahead of a delayed
// re-enqueue. The attempt count stays; the next claim increments it.
func (s *TaskStorage) ResetTaskForRetry(ctx context.Context, taskID string) error {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.locks.with(task.JobID, func() error {
		var current models.Task
		if err := s.db.Store().Get(taskID, &current); err != nil {
			return fmt.Errorf("failed to re-read task: %w", err)
		}
		if current.Status != models.TaskStatusProcessing {
			return nil
		}
		current.Status = models.TaskStatusQueued
		current.Heartbeat = nil
		current.UpdatedAt = time.Now()
		return s.db.Store().Upsert(taskID, &current)
	})
}

// CompleteTaskAndCheckStage writes the task's terminal state, counts
// siblings, and classifies the stage outcome, all under the job row lock.
// Exactly one completing task observes each stage-complete outcome, because
// each task transitions to terminal exactly once and the last transition is
// unique under the lock. A STAGE_FAILED classification also fails the job
// row here, so later completions observe a terminal job instead of
// re-triggering the cascade.
func (s *TaskStorage) CompleteTaskAndCheckStage(ctx context.Context, taskID string, result map[string]interface{}, taskErr *models.TaskError) (*models.StageCheck, error) {
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	var check *models.StageCheck
	err = s.locks.with(task.JobID, func() error {
		var current models.Task
		if err := s.db.Store().Get(taskID, &current); err != nil {
			return fmt.Errorf("failed to re-read task: %w", err)
		}

		check = &models.StageCheck{
			Outcome: models.StageContinues,
			JobID:   current.JobID,
			Stage:   current.Stage,
		}

		// Idempotent no-op: a redelivered completion finds the task
		// already terminal and must not touch aggregation.
		if current.Status.IsTerminal() {
			check.Duplicate = true
			return nil
		}

		job, err := s.jobs.GetJob(ctx, current.JobID)
		if err != nil {
			return err
		}

		now := time.Now()

		// A cascade failure landed first. Once the job is terminal no task
		// may transition to COMPLETED, so a late successful completion is
		// recorded as canceled and its result discarded.
		if job.Status.IsTerminal() {
			if taskErr == nil {
				taskErr = models.NewCanceledError("job reached a terminal state before this task completed")
			}
			taskErr.Attempt = current.AttemptCount
			current.Status = models.TaskStatusFailed
			current.Error = taskErr
			current.Heartbeat = nil
			current.UpdatedAt = now
			if err := s.db.Store().Upsert(taskID, &current); err != nil {
				return fmt.Errorf("failed to write terminal task state: %w", err)
			}
			check.JobTerminal = true
			return nil
		}

		if taskErr != nil {
			taskErr.Attempt = current.AttemptCount
			current.Status = models.TaskStatusFailed
			current.Error = taskErr
		} else {
			current.Status = models.TaskStatusCompleted
			current.Result = result
		}
		current.Heartbeat = nil
		current.UpdatedAt = now
		if err := s.db.Store().Upsert(taskID, &current); err != nil {
			return fmt.Errorf("failed to write terminal task state: %w", err)
		}

		siblings, err := s.ListTasksByStage(ctx, current.JobID, current.Stage)
		if err != nil {
			return err
		}
		s.classifyStage(job, current.Stage, siblings, check)

		switch check.Outcome {
		case models.StageFailed:
			job.Status = models.JobStatusFailed
			job.ErrorDetails = fmt.Sprintf("stage %d failed: task %s: %s",
				current.Stage, check.FirstErrorTaskID, check.FirstError.Message)
			return s.jobs.UpdateJob(ctx, job)
		case models.StageCompleteSuccess, models.StageCompletePartial:
			// Written at most once; the barrier fires exactly once because
			// only the final terminal transition reaches this branch.
			job.SetStageResults(current.Stage, check.Results)
			return s.jobs.UpdateJob(ctx, job)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// CheckStage re-evaluates a stage barrier without a task transition. The
// janitor uses it to repair advancement after lost messages. Idempotent:
// stage results are recorded at most once.
func (s *TaskStorage) CheckStage(ctx context.Context, jobID string, stage int) (*models.StageCheck, error) {
	var check *models.StageCheck
	err := s.locks.with(jobID, func() error {
		job, err := s.jobs.GetJob(ctx, jobID)
		if err != nil {
			return err
		}

		check = &models.StageCheck{
			Outcome: models.StageContinues,
			JobID:   jobID,
			Stage:   stage,
		}
		if job.Status.IsTerminal() {
			check.JobTerminal = true
			return nil
		}

		siblings, err := s.ListTasksByStage(ctx, jobID, stage)
		if err != nil {
			return err
		}
		if len(siblings) == 0 {
			return nil
		}
		s.classifyStage(job, stage, siblings, check)

		switch check.Outcome {
		case models.StageFailed:
			job.Status = models.JobStatusFailed
			job.ErrorDetails = fmt.Sprintf("stage %d failed: task %s: %s",
				stage, check.FirstErrorTaskID, check.FirstError.Message)
			return s.jobs.UpdateJob(ctx, job)
		case models.StageCompleteSuccess, models.StageCompletePartial:
			if job.SetStageResults(stage, check.Results) {
				return s.jobs.UpdateJob(ctx, job)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return check, nil
}

// classifyStage applies the completion policy to the sibling counts and
// fills the check with counts, ordered results and first-error details.
// Tasks arrive pre-sorted by ascending ID.
func (s *TaskStorage) classifyStage(job *models.Job, stage int, siblings []*models.Task, check *models.StageCheck) {
	check.Total = len(siblings)
	for _, t := range siblings {
		switch t.Status {
		case models.TaskStatusCompleted:
			check.Completed++
		case models.TaskStatusFailed:
			check.Failed++
			if check.FirstError == nil && t.Error != nil && t.Error.Kind != models.ErrorKindCanceled {
				check.FirstError = t.Error
				check.FirstErrorTaskID = t.ID
			}
		}
	}
	if check.FirstError == nil && check.Failed > 0 {
		for _, t := range siblings {
			if t.Status == models.TaskStatusFailed {
				check.FirstError = t.Error
				check.FirstErrorTaskID = t.ID
				break
			}
		}
	}

	switch {
	case check.Failed > 0 && job.StageOnAnyFail != models.FailPolicyContinue:
		// Default policy: the first failure fails the stage immediately
		check.Outcome = models.StageFailed
	case check.Completed == check.Total:
		check.Outcome = models.StageCompleteSuccess
		check.Results = collectResults(siblings)
	case check.Completed+check.Failed == check.Total:
		check.Outcome = models.StageCompletePartial
		check.Results = collectResults(siblings)
	default:
		check.Outcome = models.StageContinues
	}
}

// collectResults gathers completed-task results in ascending task ID order
func collectResults(siblings []*models.Task) []map[string]interface{} {
	results := make([]map[string]interface{}, 0, len(siblings))
	for _, t := range siblings {
		if t.Status != models.TaskStatusCompleted {
			continue
		}
		r := t.Result
		if r == nil {
			r = map[string]interface{}{}
		}
		results = append(results, r)
	}
	return results
}

// CancelPendingTasks marks QUEUED and PROCESSING tasks of the stage as
// FAILED with a canceled error. Returns the number of tasks canceled.
func (s *TaskStorage) CancelPendingTasks(ctx context.Context, jobID string, stage int, reason string) (int, error) {
	count := 0
	err := s.locks.with(jobID, func() error {
		siblings, err := s.ListTasksByStage(ctx, jobID, stage)
		if err != nil {
			return err
		}
		now := time.Now()
		for _, t := range siblings {
			if t.Status.IsTerminal() {
				continue
			}
			t.Status = models.TaskStatusFailed
			t.Error = models.NewCanceledError(reason)
			t.Heartbeat = nil
			t.UpdatedAt = now
			if err := s.db.Store().Upsert(t.ID, t); err != nil {
				return fmt.Errorf("failed to cancel task %s: %w", t.ID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// GetStalledTasks returns PROCESSING tasks whose heartbeat is older than
// the cutoff. Heartbeat filtering happens in code.
func (s *TaskStorage) GetStalledTasks(ctx context.Context, heartbeatBefore time.Time) ([]*models.Task, error) {
	var tasks []models.Task
	if err := s.db.Store().Find(&tasks, badgerhold.Where("Status").Eq(models.TaskStatusProcessing).Index("Status")); err != nil {
		return nil, fmt.Errorf("failed to query processing tasks: %w", err)
	}

	stalled := make([]*models.Task, 0)
	for i := range tasks {
		if tasks[i].Heartbeat == nil || tasks[i].Heartbeat.Before(heartbeatBefore) {
			stalled = append(stalled, &tasks[i])
		}
	}
	return stalled, nil
}
