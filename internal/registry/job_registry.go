package registry

import (
	"fmt"
	"sort"
	"sync"

	"github.com/ternarybob/tessera/internal/models"
)

// JobRegistry maps job types to their JobSpec declarations. Like the
// handler registry it is mutable only during boot.
type JobRegistry struct {
	mu     sync.RWMutex
	specs  map[string]*models.JobSpec
	frozen bool
}

// NewJobRegistry creates an empty job registry
func NewJobRegistry() *JobRegistry {
	return &JobRegistry{specs: make(map[string]*models.JobSpec)}
}

// Register validates and stores a JobSpec
func (r *JobRegistry) Register(spec *models.JobSpec) error {
	if err := validateSpec(spec); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.frozen {
		return fmt.Errorf("job registry is frozen, cannot register %s", spec.Type)
	}
	if _, exists := r.specs[spec.Type]; exists {
		return fmt.Errorf("job spec already registered for type %s", spec.Type)
	}
	r.specs[spec.Type] = spec
	return nil
}

func validateSpec(spec *models.JobSpec) error {
	if spec == nil {
		return fmt.Errorf("job spec is nil")
	}
	if spec.Type == "" {
		return fmt.Errorf("job spec type is required")
	}
	if len(spec.Stages) == 0 {
		return fmt.Errorf("job spec %s declares no stages", spec.Type)
	}
	if spec.CreateTasks == nil {
		return fmt.Errorf("job spec %s has no CreateTasks function", spec.Type)
	}
	// Stages must be contiguous starting at 1 so advancement can step
	// through them by number.
	for i, stage := range spec.Stages {
		if stage.Number != i+1 {
			return fmt.Errorf("job spec %s stage %d out of order (want %d)", spec.Type, stage.Number, i+1)
		}
		if stage.TaskType == "" {
			return fmt.Errorf("job spec %s stage %d has no task type", spec.Type, stage.Number)
		}
	}
	return nil
}

// Freeze locks the registry against further registration
func (r *JobRegistry) Freeze() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frozen = true
}

// Get returns the spec for a job type
func (r *JobRegistry) Get(jobType string) (*models.JobSpec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	spec, ok := r.specs[jobType]
	return spec, ok
}

// Types lists the registered job types sorted by name
func (r *JobRegistry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	types := make([]string, 0, len(r.specs))
	for t := range r.specs {
		types = append(types, t)
	}
	sort.Strings(types)
	return types
}

// Routes collects the distinct routing keys declared by any stage of any
// registered spec. The bus uses this to create its task queues.
func (r *JobRegistry) Routes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]bool)
	for _, spec := range r.specs {
		for _, stage := range spec.Stages {
			if stage.Routing != "" {
				seen[stage.Routing] = true
			}
		}
	}
	routes := make([]string, 0, len(seen))
	for route := range seen {
		routes = append(routes, route)
	}
	sort.Strings(routes)
	return routes
}
