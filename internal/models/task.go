package models

import (
	"time"
)

// TaskStatus represents the lifecycle state of a task
type TaskStatus string

const (
	TaskStatusQueued     TaskStatus = "queued"
	TaskStatusProcessing TaskStatus = "processing"
	TaskStatusCompleted  TaskStatus = "completed"
	TaskStatusFailed     TaskStatus = "failed"
)

// IsTerminal returns true for completed and failed tasks
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed
}

// Task is a single unit of work executed by a registered handler. The ID is
// a deterministic hash of (JobID, Stage, SemanticIndex), so redelivered
// fan-out messages never materialize duplicate rows.
type Task struct {
	ID            string                 `json:"id" badgerhold:"key"`
	JobID         string                 `json:"job_id" badgerholdIndex:"JobID"`
	Stage         int                    `json:"stage"`
	SemanticIndex string                 `json:"semantic_index"`
	Type          string                 `json:"task_type"`
	Parameters    map[string]interface{} `json:"parameters"`
	Status        TaskStatus             `json:"status" badgerholdIndex:"Status"`
	Result        map[string]interface{} `json:"result,omitempty"`
	Error         *TaskError             `json:"error,omitempty"`
	AttemptCount  int                    `json:"attempt_count"`
	MaxRetries    int                    `json:"max_retries"`
	// Heartbeat is set while the task is PROCESSING and renewed by the
	// worker; the janitor reclaims tasks whose heartbeat goes stale.
	Heartbeat *time.Time `json:"heartbeat,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// StageOutcome classifies the state of a stage after a task transition
type StageOutcome string

const (
	StageContinues       StageOutcome = "stage_continues"
	StageCompleteSuccess StageOutcome = "stage_complete_success"
	StageCompletePartial StageOutcome = "stage_complete_partial"
	StageFailed          StageOutcome = "stage_failed"
)

// StageCheck is the result of the atomic complete-and-check-stage operation.
// It is computed under the job row lock, so callers act on it without
// re-reading state.
type StageCheck struct {
	Outcome StageOutcome
	JobID   string
	Stage   int
	// Duplicate is set when the task was already terminal; the operation
	// was an idempotent no-op and the caller should just ACK.
	Duplicate bool
	// JobTerminal is set when the job had already reached a terminal state
	// (e.g. a cascade failure landed first).
	JobTerminal bool
	// Results holds the stage's aggregated per-task results, ordered by
	// ascending task ID. Populated only when the stage completed.
	Results   []map[string]interface{}
	Total     int
	Completed int
	Failed    int
	// FirstError describes the failure that triggered a STAGE_FAILED
	// outcome, for job error details.
	FirstError       *TaskError
	FirstErrorTaskID string
}
