package interfaces

import (
	"context"
	"time"

	"github.com/ternarybob/tessera/internal/models"
)

// JobListOptions filters job listings
type JobListOptions struct {
	Status  string
	Type    string
	Limit   int
	Offset  int
	OrderBy string // defaults to CreatedAt descending
}

// JobStorage is the repository over job rows. Stage advancement and result
// aggregation are serialized per job via WithJobLock.
type JobStorage interface {
	// CreateJob inserts the job, or returns the existing row unchanged when
	// one with the same ID already exists. The bool reports whether a new
	// row was created.
	CreateJob(ctx context.Context, job *models.Job) (*models.Job, bool, error)
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	// UpdateJob persists the job row. Callers mutating stage state must
	// hold the job lock.
	UpdateJob(ctx context.Context, job *models.Job) error
	// WithJobLock runs fn while holding the row-level lock for jobID
	WithJobLock(jobID string, fn func() error) error

	MarkJobCompleted(ctx context.Context, jobID string, result interface{}) error
	MarkJobPartial(ctx context.Context, jobID string, result interface{}, errorDetails string) error
	MarkJobFailed(ctx context.Context, jobID string, errorDetails string) error

	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)
	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	// GetStalledJobs returns PROCESSING jobs not updated since the cutoff
	GetStalledJobs(ctx context.Context, updatedBefore time.Time) ([]*models.Job, error)
	// DeleteJob removes a job and cascades to its tasks
	DeleteJob(ctx context.Context, jobID string) error
}

// TaskStorage is the repository over task rows. All status transitions go
// through the atomic operations here; nothing mutates tasks ad hoc.
type TaskStorage interface {
	// BulkCreateTasks inserts tasks idempotently by ID and returns only the
	// rows materialized by this call. Dispatch is driven off the persisted
	// QUEUED rows, not this return value, so a redelivered activation can
	// re-cover messages lost after a partial insert.
	BulkCreateTasks(ctx context.Context, tasks []*models.Task) ([]*models.Task, error)
	GetTask(ctx context.Context, taskID string) (*models.Task, error)
	ListTasksByJob(ctx context.Context, jobID string) ([]*models.Task, error)
	ListTasksByStage(ctx context.Context, jobID string, stage int) ([]*models.Task, error)

	// ClaimTaskForProcessing atomically transitions QUEUED -> PROCESSING,
	// sets the heartbeat and increments the attempt count. Returns nil
	// (no error) when the task is not claimable, which is how duplicate
	// deliveries are dropped.
	ClaimTaskForProcessing(ctx context.Context, taskID string) (*models.Task, error)
	// Heartbeat refreshes the task heartbeat; no-op unless PROCESSING
	Heartbeat(ctx context.Context, taskID string, now time.Time) error
	// ResetTaskForRetry transitions PROCESSING -> QUEUED for a transient
	// failure that will be re-enqueued with backoff.
	ResetTaskForRetry(ctx context.Context, taskID string) error

	// CompleteTaskAndCheckStage writes the task's terminal state and
	// classifies the stage outcome in a single serialized operation under
	// the job lock. Exactly one caller per stage observes a
	// stage-complete outcome.
	CompleteTaskAndCheckStage(ctx context.Context, taskID string, result map[string]interface{}, taskErr *models.TaskError) (*models.StageCheck, error)
	// CheckStage re-evaluates a stage barrier without a task transition.
	// The janitor uses it to repair missed advancement.
	CheckStage(ctx context.Context, jobID string, stage int) (*models.StageCheck, error)
	// CancelPendingTasks marks QUEUED and PROCESSING tasks of the stage as
	// FAILED/CANCELED; in-flight claims against them will subsequently fail.
	CancelPendingTasks(ctx context.Context, jobID string, stage int, reason string) (int, error)

	// GetStalledTasks returns PROCESSING tasks whose heartbeat is older
	// than the cutoff.
	GetStalledTasks(ctx context.Context, heartbeatBefore time.Time) ([]*models.Task, error)
}

// StorageManager bundles the repositories over one database
type StorageManager interface {
	JobStorage() JobStorage
	TaskStorage() TaskStorage
	// DB exposes the underlying store for components that need raw access
	// (the queue layer shares the Badger instance).
	DB() interface{}
	Close() error
}
