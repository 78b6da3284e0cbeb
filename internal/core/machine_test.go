package core

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/queue"
	"github.com/ternarybob/tessera/internal/registry"
	"github.com/ternarybob/tessera/internal/services/events"
	badgerstore "github.com/ternarybob/tessera/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

type testRig struct {
	machine  *Machine
	storage  interfaces.StorageManager
	bus      interfaces.Bus
	jobs     *registry.JobRegistry
	handlers *registry.HandlerRegistry
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()
	logger := common.GetLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	db := storage.DB().(*badgerhold.Store).Badger()
	bus, err := queue.NewBadgerBus(db, time.Minute, 5, []string{"heavy"}, logger)
	require.NoError(t, err)

	jobs := registry.NewJobRegistry()
	handlers := registry.NewHandlerRegistry()
	eventSvc := events.NewService(logger)
	publisher := NewTaskPublisher(bus, 0, logger)

	machine := NewMachine(storage, bus, publisher, jobs, handlers, eventSvc, MachineConfig{
		HandlerTimeout:    5 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		VisibilityTimeout: time.Minute,
		MaxTaskRetries:    3,
	}, logger)

	return &testRig{machine: machine, storage: storage, bus: bus, jobs: jobs, handlers: handlers}
}

// submit creates the job row and publishes its stage-1 activation, the same
// steps the submission service performs.
func (r *testRig) submit(t *testing.T, spec *models.JobSpec, params map[string]interface{}) string {
	t.Helper()
	ctx := context.Background()

	jobID := common.NewJobID(spec.Type, params)
	job := &models.Job{
		ID:                jobID,
		Type:              spec.Type,
		Parameters:        params,
		TotalStages:       spec.TotalStages(),
		CurrentStage:      1,
		StageOnAnyFail:    spec.StageOnAnyFail,
		ContinueOnPartial: spec.ContinueOnPartial,
	}
	_, _, err := r.storage.JobStorage().CreateJob(ctx, job)
	require.NoError(t, err)

	msg := &models.JobsMessage{JobID: jobID, JobType: spec.Type, Stage: 1, CorrelationID: common.NewCorrelationID()}
	body, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, r.bus.JobsQueue().Publish(ctx, body))
	return jobID
}

// pump drains the queues through the machine until the condition holds or
// the deadline passes. Delayed retries become visible over time, so the loop
// keeps polling instead of stopping at the first empty pass.
func (r *testRig) pump(t *testing.T, timeout time.Duration, done func() bool) {
	t.Helper()
	ctx := context.Background()
	deadline := time.Now().Add(timeout)

	for time.Now().Before(deadline) {
		if done() {
			return
		}
		moved := false

		if d, err := r.bus.JobsQueue().Receive(ctx); err == nil {
			require.NoError(t, r.machine.HandleJobsMessage(ctx, d))
			moved = true
		}
		for _, q := range r.bus.TaskQueues() {
			if d, err := q.Receive(ctx); err == nil {
				require.NoError(t, r.machine.HandleTaskMessage(ctx, d))
				moved = true
			}
		}

		if !moved {
			time.Sleep(20 * time.Millisecond)
		}
	}
	require.True(t, done(), "condition not reached within %s", timeout)
}

func (r *testRig) jobTerminal(t *testing.T, jobID string) func() bool {
	return func() bool {
		job, err := r.storage.JobStorage().GetJob(context.Background(), jobID)
		require.NoError(t, err)
		return job.Status.IsTerminal()
	}
}

func fanOutSpec(jobType string, tasksPerStage map[int]int, stages ...models.StageDef) *models.JobSpec {
	return &models.JobSpec{
		Type:   jobType,
		Stages: stages,
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			out := make([]models.TaskSpec, 0, tasksPerStage[stage])
			for i := 0; i < tasksPerStage[stage]; i++ {
				out = append(out, models.TaskSpec{
					SemanticIndex: fmt.Sprintf("item-%02d", i),
					Type:          stageType(stages, stage),
					Parameters:    map[string]interface{}{"index": i},
				})
			}
			return out, nil
		},
	}
}

func stageType(stages []models.StageDef, stage int) string {
	for _, s := range stages {
		if s.Number == stage {
			return s.TaskType
		}
	}
	return ""
}

func TestSingleStageJobCompletes(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("echo", map[int]int{1: 3},
		models.StageDef{Number: 1, Name: "echo", TaskType: "echo"})
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("echo", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return map[string]interface{}{"echoed": task.SemanticIndex}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{"message": "hi"})
	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	results, ok := job.Result.([]map[string]interface{})
	require.True(t, ok, "default aggregation returns the concatenated results")
	assert.Len(t, results, 3)
}

func TestMultiStageJobSeesPriorResults(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	var priorMu sync.Mutex
	var observedPrior [][]map[string]interface{}

	spec := &models.JobSpec{
		Type: "raster_cog",
		Stages: []models.StageDef{
			{Number: 1, Name: "scan", TaskType: "raster_scan"},
			{Number: 2, Name: "convert", TaskType: "raster_convert", Routing: "heavy"},
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			if stage == 1 {
				return []models.TaskSpec{
					{SemanticIndex: "scan-a", Type: "raster_scan"},
					{SemanticIndex: "scan-b", Type: "raster_scan"},
				}, nil
			}
			priorMu.Lock()
			observedPrior = prior
			priorMu.Unlock()
			// One convert task per discovered scene from stage 1
			out := make([]models.TaskSpec, 0, len(prior[0]))
			for i := range prior[0] {
				out = append(out, models.TaskSpec{
					SemanticIndex: fmt.Sprintf("convert-%d", i),
					Type:          "raster_convert",
				})
			}
			return out, nil
		},
	}
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("raster_scan", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return map[string]interface{}{"scene": task.SemanticIndex}, nil
	}))
	require.NoError(t, rig.handlers.Register("raster_convert", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return map[string]interface{}{"cog": task.SemanticIndex}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{"source": "s3://scenes"})
	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	priorMu.Lock()
	defer priorMu.Unlock()
	require.Len(t, observedPrior, 1, "stage 2 sees exactly stage 1's results")
	assert.Len(t, observedPrior[0], 2)

	// Both stages recorded results
	assert.Len(t, job.StageResults[1], 2)
	assert.Len(t, job.StageResults[2], 2)
}

func TestPermanentFailureStopsJob(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("vector_ingest", map[int]int{1: 4},
		models.StageDef{Number: 1, Name: "load", TaskType: "vector_load"})
	require.NoError(t, rig.jobs.Register(spec))

	require.NoError(t, rig.handlers.Register("vector_load", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		if task.SemanticIndex == "item-01" {
			return nil, models.NewInvalidInputError("geometry has unknown SRID")
		}
		return map[string]interface{}{"loaded": task.SemanticIndex}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{"file": "roads.gpkg"})
	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
	assert.Contains(t, job.ErrorDetails, "unknown SRID")

	// Every task reached a terminal state: completed, failed or canceled
	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.True(t, task.Status.IsTerminal(), "task %s left in %s", task.ID, task.Status)
	}
}

func TestTransientFailureRetriesThenSucceeds(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("stac_catalog", map[int]int{1: 1},
		models.StageDef{Number: 1, Name: "list", TaskType: "stac_list"})
	require.NoError(t, rig.jobs.Register(spec))

	var mu sync.Mutex
	attempts := 0
	require.NoError(t, rig.handlers.Register("stac_list", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			return nil, models.NewTransientError("upstream 503")
		}
		return map[string]interface{}{"items": 42}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{"endpoint": "https://stac.example"})
	// Backoff for attempt 1 is ~2s, give the pump room
	rig.pump(t, 10*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)

	mu.Lock()
	assert.Equal(t, 2, attempts)
	mu.Unlock()

	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].AttemptCount)
}

func TestRetriesExhaustedFailsJob(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("flaky", map[int]int{1: 1},
		models.StageDef{Number: 1, Name: "only", TaskType: "flaky_task"})
	spec.MaxTaskRetries = 1
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("flaky_task", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return nil, models.NewTransientError("always down")
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{})
	rig.pump(t, 10*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusFailed, tasks[0].Status)
	require.NotNil(t, tasks[0].Error)
	assert.Equal(t, models.ErrorKindTransient, tasks[0].Error.Kind)
}

func TestContinuePolicyCompletesWithErrors(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("h3_aggregate", map[int]int{1: 4},
		models.StageDef{Number: 1, Name: "tile", TaskType: "h3_tile"})
	spec.StageOnAnyFail = models.FailPolicyContinue
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("h3_tile", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		if task.SemanticIndex == "item-02" {
			return nil, models.NewPermanentError("corrupt tile")
		}
		return map[string]interface{}{"cell": task.SemanticIndex}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{"resolution": 7})
	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompletedWithErrors, job.Status)

	results, ok := job.Result.([]map[string]interface{})
	require.True(t, ok)
	assert.Len(t, results, 3, "failed task contributes no result")
}

func TestZeroTaskStageAdvances(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := &models.JobSpec{
		Type: "sparse",
		Stages: []models.StageDef{
			{Number: 1, Name: "empty", TaskType: "noop"},
			{Number: 2, Name: "real", TaskType: "echo"},
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			if stage == 1 {
				return nil, nil
			}
			return []models.TaskSpec{{SemanticIndex: "solo", Type: "echo"}}, nil
		},
	}
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("echo", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{})
	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
	assert.Empty(t, job.StageResults[1])
	assert.Len(t, job.StageResults[2], 1)
}

func TestDuplicateStageActivationIsHarmless(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("echo", map[int]int{1: 2},
		models.StageDef{Number: 1, Name: "echo", TaskType: "echo"})
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("echo", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))

	jobID := rig.submit(t, spec, map[string]interface{}{"n": 1})

	// Redeliver the activation before processing anything
	msg := &models.JobsMessage{JobID: jobID, JobType: "echo", Stage: 1, CorrelationID: "corr_dup"}
	body, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, rig.bus.JobsQueue().Publish(ctx, body))

	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	// Deterministic task IDs keep the fan-out at exactly 2 rows
	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Len(t, tasks, 2)

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, job.Status)
}

// terminalRaceManager wraps the storage so the job fails right after the
// machine's first unlocked read, the window a janitor sweep or a sibling
// failure can land in.
type terminalRaceManager struct {
	interfaces.StorageManager
	jobs *terminalRaceJobStorage
}

func (m *terminalRaceManager) JobStorage() interfaces.JobStorage { return m.jobs }

type terminalRaceJobStorage struct {
	interfaces.JobStorage
	once sync.Once
}

func (s *terminalRaceJobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	job, err := s.JobStorage.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	s.once.Do(func() {
		_ = s.JobStorage.MarkJobFailed(ctx, jobID, "heartbeat timeout")
	})
	return job, nil
}

func TestActivationDoesNotResurrectTerminalJob(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("echo", map[int]int{1: 1},
		models.StageDef{Number: 1, Name: "echo", TaskType: "echo"})
	require.NoError(t, rig.jobs.Register(spec))
	require.NoError(t, rig.handlers.Register("echo", func(ctx context.Context, task *models.Task, hb registry.HeartbeatFn) (map[string]interface{}, error) {
		return map[string]interface{}{}, nil
	}))

	logger := common.GetLogger()
	wrapped := &terminalRaceManager{
		StorageManager: rig.storage,
		jobs:           &terminalRaceJobStorage{JobStorage: rig.storage.JobStorage()},
	}
	machine := NewMachine(wrapped, rig.bus, NewTaskPublisher(rig.bus, 0, logger),
		rig.jobs, rig.handlers, nil, MachineConfig{}, logger)

	jobID := rig.submit(t, spec, map[string]interface{}{"m": "x"})

	d, err := rig.bus.JobsQueue().Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, machine.HandleJobsMessage(ctx, d))

	// The locked re-check sees the terminal row and drops the activation
	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestSkipAheadActivationIgnored(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("tri", map[int]int{1: 1, 2: 1, 3: 1},
		models.StageDef{Number: 1, Name: "one", TaskType: "echo"},
		models.StageDef{Number: 2, Name: "two", TaskType: "echo"},
		models.StageDef{Number: 3, Name: "three", TaskType: "echo"})
	require.NoError(t, rig.jobs.Register(spec))

	params := map[string]interface{}{}
	jobID := common.NewJobID("tri", params)
	_, _, err := rig.storage.JobStorage().CreateJob(ctx, &models.Job{
		ID: jobID, Type: "tri", Parameters: params, TotalStages: 3, CurrentStage: 1,
	})
	require.NoError(t, err)

	// An activation more than one stage ahead of the job is malformed
	msg := &models.JobsMessage{JobID: jobID, JobType: "tri", Stage: 3, CorrelationID: "corr_skip"}
	body, err := msg.Marshal()
	require.NoError(t, err)
	require.NoError(t, rig.bus.JobsQueue().Publish(ctx, body))

	d, err := rig.bus.JobsQueue().Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, rig.machine.HandleJobsMessage(ctx, d))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.CurrentStage)

	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestHandlerNotFoundFailsTask(t *testing.T) {
	rig := newTestRig(t)
	ctx := context.Background()

	spec := fanOutSpec("orphan", map[int]int{1: 1},
		models.StageDef{Number: 1, Name: "only", TaskType: "unregistered"})
	require.NoError(t, rig.jobs.Register(spec))
	// No handler registered for "unregistered"

	jobID := rig.submit(t, spec, map[string]interface{}{})
	rig.pump(t, 5*time.Second, rig.jobTerminal(t, jobID))

	job, err := rig.storage.JobStorage().GetJob(ctx, jobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)

	tasks, err := rig.storage.TaskStorage().ListTasksByJob(ctx, jobID)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.NotNil(t, tasks[0].Error)
	assert.Equal(t, models.ErrorKindHandlerNotFound, tasks[0].Error.Kind)
}
