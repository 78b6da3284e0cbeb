package badger

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/timshannon/badgerhold/v4"
)

// JobStorage implements the JobStorage interface for Badger
type JobStorage struct {
	db     *BadgerDB
	locks  *jobLocks
	logger arbor.ILogger
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, locks *jobLocks, logger arbor.ILogger) *JobStorage {
	return &JobStorage{
		db:     db,
		locks:  locks,
		logger: logger,
	}
}

// CreateJob inserts the job row, or returns the existing row unchanged when
// the deterministic ID already exists. Re-submission is a read, not a write.
func (s *JobStorage) CreateJob(ctx context.Context, job *models.Job) (*models.Job, bool, error) {
	if job.ID == "" {
		return nil, false, fmt.Errorf("job ID is required")
	}

	var out *models.Job
	created := false
	err := s.locks.with(job.ID, func() error {
		var existing models.Job
		err := s.db.Store().Get(job.ID, &existing)
		if err == nil {
			out = &existing
			return nil
		}
		if err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to check existing job: %w", err)
		}

		now := time.Now()
		job.CreatedAt = now
		job.UpdatedAt = now
		if job.Status == "" {
			job.Status = models.JobStatusQueued
		}
		if err := s.db.Store().Insert(job.ID, job); err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		out = job
		created = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return out, created, nil
}

// GetJob retrieves a job by ID
func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, fmt.Errorf("job not found: %s", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

// UpdateJob persists the job row
func (s *JobStorage) UpdateJob(ctx context.Context, job *models.Job) error {
	if job.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	job.UpdatedAt = time.Now()
	if err := s.db.Store().Upsert(job.ID, job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

// WithJobLock runs fn while holding the row-level lock for jobID
func (s *JobStorage) WithJobLock(jobID string, fn func() error) error {
	return s.locks.with(jobID, fn)
}

// markTerminal applies a terminal transition under the job lock. Jobs that
// are already terminal are left untouched.
func (s *JobStorage) markTerminal(ctx context.Context, jobID string, status models.JobStatus, result interface{}, errorDetails string) error {
	return s.locks.with(jobID, func() error {
		job, err := s.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if job.Status.IsTerminal() {
			s.logger.Debug().
				Str("job_id", jobID).
				Str("status", string(job.Status)).
				Msg("Job already terminal, skipping transition")
			return nil
		}
		job.Status = status
		if result != nil {
			job.Result = result
		}
		if errorDetails != "" {
			job.ErrorDetails = errorDetails
		}
		return s.UpdateJob(ctx, job)
	})
}

// MarkJobCompleted records the final result and completes the job
func (s *JobStorage) MarkJobCompleted(ctx context.Context, jobID string, result interface{}) error {
	return s.markTerminal(ctx, jobID, models.JobStatusCompleted, result, "")
}

// MarkJobPartial completes the job with errors, keeping partial results
func (s *JobStorage) MarkJobPartial(ctx context.Context, jobID string, result interface{}, errorDetails string) error {
	return s.markTerminal(ctx, jobID, models.JobStatusCompletedWithErrors, result, errorDetails)
}

// MarkJobFailed fails the job with error details
func (s *JobStorage) MarkJobFailed(ctx context.Context, jobID string, errorDetails string) error {
	return s.markTerminal(ctx, jobID, models.JobStatusFailed, nil, errorDetails)
}

// ListJobs returns jobs matching the options, newest first by default
func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := &badgerhold.Query{}
	if opts != nil && opts.Status != "" {
		query = badgerhold.Where("Status").Eq(models.JobStatus(opts.Status)).Index("Status")
	} else {
		query = badgerhold.Where("ID").Ne("")
	}

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, 0, len(jobs))
	for i := range jobs {
		if opts != nil && opts.Type != "" && jobs[i].Type != opts.Type {
			continue
		}
		result = append(result, &jobs[i])
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].CreatedAt.After(result[j].CreatedAt)
	})

	if opts != nil {
		if opts.Offset > 0 {
			if opts.Offset >= len(result) {
				return []*models.Job{}, nil
			}
			result = result[opts.Offset:]
		}
		if opts.Limit > 0 && opts.Limit < len(result) {
			result = result[:opts.Limit]
		}
	}

	return result, nil
}

// CountJobsByStatus counts jobs in the given status
func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status).Index("Status"))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

// GetStalledJobs returns PROCESSING jobs whose last update is older than
// the cutoff. Timestamp filtering happens in code; badgerhold comparisons
// on time fields are not index-assisted anyway.
func (s *JobStorage) GetStalledJobs(ctx context.Context, updatedBefore time.Time) ([]*models.Job, error) {
	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, badgerhold.Where("Status").Eq(models.JobStatusProcessing).Index("Status")); err != nil {
		return nil, fmt.Errorf("failed to query processing jobs: %w", err)
	}

	stalled := make([]*models.Job, 0)
	for i := range jobs {
		if jobs[i].UpdatedAt.Before(updatedBefore) {
			stalled = append(stalled, &jobs[i])
		}
	}
	return stalled, nil
}

// DeleteJob removes a job row and cascades to its tasks
func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	return s.locks.with(jobID, func() error {
		if err := s.db.Store().DeleteMatching(&models.Task{}, badgerhold.Where("JobID").Eq(jobID).Index("JobID")); err != nil {
			return fmt.Errorf("failed to delete tasks for job %s: %w", jobID, err)
		}
		if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil && err != badgerhold.ErrNotFound {
			return fmt.Errorf("failed to delete job %s: %w", jobID, err)
		}
		return nil
	})
}
