package models

// TaskSpec describes one task to materialize for a stage. SemanticIndex is
// the stable identity of the task within its stage; together with the job
// ID and stage number it yields the deterministic task ID.
type TaskSpec struct {
	SemanticIndex string
	Type          string
	Parameters    map[string]interface{}
}

// StageDef declares one stage of a job type
type StageDef struct {
	Number   int
	Name     string
	TaskType string
	// Routing names the task queue for this stage's tasks. Empty routes to
	// the default tasks queue.
	Routing string
}

// CreateTasksFunc builds the task set for a stage. It must be pure and
// deterministic: retries and redeliveries re-invoke it and expect identical
// task identities.
type CreateTasksFunc func(stage int, params map[string]interface{}, jobID string, priorResults [][]map[string]interface{}) ([]TaskSpec, error)

// AggregateResultsFunc folds the per-stage results into the job's final
// result. It must be pure; stage results arrive in stage order 1..N.
type AggregateResultsFunc func(stageResults [][]map[string]interface{}, params map[string]interface{}) (interface{}, error)

// ValidateParamsFunc checks submitted parameters before a job is created
type ValidateParamsFunc func(params map[string]interface{}) error

// JobSpec is the declarative description of a job type: its stages and the
// pure functions that build tasks and aggregate results. Specs are
// registered once at startup and read-only afterwards.
type JobSpec struct {
	Type             string
	Description      string
	Stages           []StageDef
	CreateTasks      CreateTasksFunc
	AggregateResults AggregateResultsFunc
	ValidateParams   ValidateParamsFunc

	// BatchThreshold caps single-message fan-out; wider stages publish in
	// chunks. Zero means the default (50).
	BatchThreshold int
	// StageOnAnyFail selects whether the first failed task fails the whole
	// stage (stop, the default) or the stage drains remaining tasks
	// (continue).
	StageOnAnyFail FailPolicy
	// ContinueOnPartial lets a non-final stage that completed with failures
	// still activate the next stage.
	ContinueOnPartial bool
	// MaxTaskRetries overrides the global default for this job type
	MaxTaskRetries int
}

// TotalStages returns the number of declared stages
func (s *JobSpec) TotalStages() int {
	return len(s.Stages)
}

// Stage returns the definition for a 1-based stage number, or nil
func (s *JobSpec) Stage(number int) *StageDef {
	for i := range s.Stages {
		if s.Stages[i].Number == number {
			return &s.Stages[i]
		}
	}
	return nil
}

// DefaultAggregate concatenates the per-stage result lists in stage order.
// It is used when a JobSpec declares no aggregator.
func DefaultAggregate(stageResults [][]map[string]interface{}, _ map[string]interface{}) (interface{}, error) {
	out := make([]map[string]interface{}, 0)
	for _, stage := range stageResults {
		out = append(out, stage...)
	}
	return out, nil
}
