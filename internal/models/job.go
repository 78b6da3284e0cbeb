package models

import (
	"time"
)

// JobStatus represents the lifecycle state of a job
type JobStatus string

const (
	JobStatusQueued              JobStatus = "queued"
	JobStatusProcessing          JobStatus = "processing"
	JobStatusCompleted           JobStatus = "completed"
	JobStatusFailed              JobStatus = "failed"
	JobStatusCompletedWithErrors JobStatus = "completed_with_errors"
)

// IsTerminal returns true for states that permit no further mutation
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusCompleted, JobStatusFailed, JobStatusCompletedWithErrors:
		return true
	}
	return false
}

// FailPolicy controls how a stage reacts to the first failed task
type FailPolicy string

const (
	FailPolicyStop     FailPolicy = "stop"
	FailPolicyContinue FailPolicy = "continue"
)

// Job is the aggregate root for a unit of submitted work. The ID is a
// deterministic hash of (Type, canonicalized Parameters), so re-submitting
// the same request resolves to the same row.
type Job struct {
	ID          string                 `json:"id" badgerhold:"key"`
	Type        string                 `json:"job_type"`
	Status      JobStatus              `json:"status" badgerholdIndex:"Status"`
	Parameters  map[string]interface{} `json:"parameters"`
	TotalStages int                    `json:"total_stages"`
	// CurrentStage is monotonic non-decreasing while the job is non-terminal
	CurrentStage int `json:"current_stage"`
	// StageResults maps stage number to the per-task results of that stage,
	// ordered by ascending task ID. An entry is written exactly once, when
	// the stage completes.
	StageResults map[int][]map[string]interface{} `json:"stage_results,omitempty"`
	Result       interface{}                      `json:"result,omitempty"`
	ErrorDetails string                           `json:"error_details,omitempty"`

	// Policy snapshot taken from the JobSpec at submission so the janitor
	// can classify stage outcomes without registry access.
	StageOnAnyFail    FailPolicy `json:"stage_on_any_fail"`
	ContinueOnPartial bool       `json:"continue_on_partial"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SetStageResults records the aggregated results for a stage. It is a no-op
// when the stage already has results recorded.
func (j *Job) SetStageResults(stage int, results []map[string]interface{}) bool {
	if j.StageResults == nil {
		j.StageResults = make(map[int][]map[string]interface{})
	}
	if _, exists := j.StageResults[stage]; exists {
		return false
	}
	j.StageResults[stage] = results
	return true
}

// PriorResults returns the recorded results of stages 1..stage-1 in order.
// Stages without results (e.g. zero-task stages) contribute a nil slice.
func (j *Job) PriorResults(stage int) [][]map[string]interface{} {
	prior := make([][]map[string]interface{}, 0, stage-1)
	for k := 1; k < stage; k++ {
		prior = append(prior, j.StageResults[k])
	}
	return prior
}

// IsFinalStage returns true when stage is the job's last stage
func (j *Job) IsFinalStage(stage int) bool {
	return stage >= j.TotalStages
}
