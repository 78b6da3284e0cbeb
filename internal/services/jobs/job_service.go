package jobs

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/core"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/registry"
)

// Service is the job entry point: it validates submissions, creates the job
// row idempotently and activates stage 1. All entry surfaces (HTTP, CLI)
// funnel through here.
type Service struct {
	storage   interfaces.StorageManager
	publisher *core.TaskPublisher
	registry  *registry.JobRegistry
	events    interfaces.EventService
	logger    arbor.ILogger
}

// NewService creates the job service
func NewService(storage interfaces.StorageManager, publisher *core.TaskPublisher, reg *registry.JobRegistry, events interfaces.EventService, logger arbor.ILogger) *Service {
	return &Service{
		storage:   storage,
		publisher: publisher,
		registry:  reg,
		events:    events,
		logger:    logger,
	}
}

// SubmitJob submits a job. The returned bool reports whether a new job was
// created; re-submitting identical (type, parameters) returns the existing
// job without re-activating it.
func (s *Service) SubmitJob(ctx context.Context, jobType string, params map[string]interface{}) (*models.Job, bool, error) {
	spec, ok := s.registry.Get(jobType)
	if !ok {
		return nil, false, fmt.Errorf("unknown job type: %s", jobType)
	}

	if params == nil {
		params = map[string]interface{}{}
	}
	if spec.ValidateParams != nil {
		if err := spec.ValidateParams(params); err != nil {
			return nil, false, fmt.Errorf("invalid parameters for %s: %w", jobType, err)
		}
	}

	job := &models.Job{
		ID:                common.NewJobID(jobType, params),
		Type:              jobType,
		Parameters:        params,
		TotalStages:       spec.TotalStages(),
		CurrentStage:      1,
		StageOnAnyFail:    spec.StageOnAnyFail,
		ContinueOnPartial: spec.ContinueOnPartial,
	}

	stored, created, err := s.storage.JobStorage().CreateJob(ctx, job)
	if err != nil {
		return nil, false, fmt.Errorf("failed to create job: %w", err)
	}
	if !created {
		s.logger.Debug().
			Str("job_id", stored.ID).
			Str("job_type", jobType).
			Msg("Duplicate submission resolved to existing job")
		return stored, false, nil
	}

	correlationID := common.NewCorrelationID()
	if err := s.publisher.PublishStageActivation(ctx, stored, 1, correlationID); err != nil {
		// The job row exists; the janitor will re-activate a stalled job, so
		// surface the error but leave the row in place.
		return stored, true, fmt.Errorf("job created but activation publish failed: %w", err)
	}

	s.logger.Info().
		Str("job_id", stored.ID).
		Str("job_type", jobType).
		Int("total_stages", stored.TotalStages).
		Msg("Job submitted")

	if s.events != nil {
		s.events.Publish(ctx, interfaces.Event{
			Type: interfaces.EventJobCreated,
			Payload: map[string]interface{}{
				"job_id":   stored.ID,
				"job_type": jobType,
			},
		})
	}
	return stored, true, nil
}

// GetJob returns a job by ID
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	return s.storage.JobStorage().GetJob(ctx, jobID)
}

// ListJobs returns jobs matching the options
func (s *Service) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	return s.storage.JobStorage().ListJobs(ctx, opts)
}

// GetJobTasks returns every task of a job in ascending ID order
func (s *Service) GetJobTasks(ctx context.Context, jobID string) ([]*models.Task, error) {
	if _, err := s.storage.JobStorage().GetJob(ctx, jobID); err != nil {
		return nil, err
	}
	return s.storage.TaskStorage().ListTasksByJob(ctx, jobID)
}

// JobTypes lists the registered job types
func (s *Service) JobTypes() []string {
	return s.registry.Types()
}
