package janitor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/tessera/internal/common"
	"github.com/ternarybob/tessera/internal/core"
	"github.com/ternarybob/tessera/internal/interfaces"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/queue"
	"github.com/ternarybob/tessera/internal/registry"
	badgerstore "github.com/ternarybob/tessera/internal/storage/badger"
	"github.com/timshannon/badgerhold/v4"
)

type rig struct {
	janitor *Janitor
	storage interfaces.StorageManager
	bus     interfaces.Bus
	reg     *registry.JobRegistry
}

func newRig(t *testing.T) *rig {
	t.Helper()
	logger := common.GetLogger()

	storage, err := badgerstore.NewManager(logger, &common.BadgerConfig{
		Path: filepath.Join(t.TempDir(), "db"),
	})
	require.NoError(t, err)
	t.Cleanup(func() { storage.Close() })

	db := storage.DB().(*badgerhold.Store).Badger()
	bus, err := queue.NewBadgerBus(db, time.Minute, 5, nil, logger)
	require.NoError(t, err)

	reg := registry.NewJobRegistry()
	require.NoError(t, reg.Register(&models.JobSpec{
		Type: "raster_cog",
		Stages: []models.StageDef{
			{Number: 1, Name: "scan", TaskType: "raster_scan"},
			{Number: 2, Name: "convert", TaskType: "raster_convert"},
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			return []models.TaskSpec{{SemanticIndex: "0", Type: "raster_scan"}}, nil
		},
	}))

	handlers := registry.NewHandlerRegistry()
	publisher := core.NewTaskPublisher(bus, 0, logger)
	machine := core.NewMachine(storage, bus, publisher, reg, handlers, nil, core.MachineConfig{}, logger)

	// Zero-age cutoffs so everything non-fresh counts as stalled
	j := New(storage, bus, machine, reg, "*/1 * * * *", time.Nanosecond, time.Nanosecond, logger)
	return &rig{janitor: j, storage: storage, bus: bus, reg: reg}
}

func (r *rig) seedJob(t *testing.T, jobID string, stage int) *models.Job {
	t.Helper()
	job := &models.Job{
		ID:           jobID,
		Type:         "raster_cog",
		Status:       models.JobStatusProcessing,
		TotalStages:  2,
		CurrentStage: stage,
	}
	_, _, err := r.storage.JobStorage().CreateJob(context.Background(), job)
	require.NoError(t, err)
	return job
}

func (r *rig) seedTask(t *testing.T, jobID, taskID string, maxRetries int) *models.Task {
	t.Helper()
	inserted, err := r.storage.TaskStorage().BulkCreateTasks(context.Background(), []*models.Task{{
		ID:            taskID,
		JobID:         jobID,
		Stage:         1,
		SemanticIndex: "0",
		Type:          "raster_scan",
		MaxRetries:    maxRetries,
	}})
	require.NoError(t, err)
	require.Len(t, inserted, 1)
	return inserted[0]
}

func TestSweepRequeuesStalledTaskWithBudget(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.seedJob(t, "job_1", 1)
	task := r.seedTask(t, "job_1", "task_1", 3)

	claimed, err := r.storage.TaskStorage().ClaimTaskForProcessing(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	// Worker dies: heartbeat goes stale
	require.NoError(t, r.storage.TaskStorage().Heartbeat(ctx, task.ID, time.Now().Add(-time.Hour)))

	require.NoError(t, r.janitor.Sweep(ctx))

	got, err := r.storage.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusQueued, got.Status)

	// A fresh dispatch message is on the task queue
	delivery, err := r.bus.TaskQueue("").Receive(ctx)
	require.NoError(t, err)
	msg, err := models.UnmarshalTaskMessage(delivery.Body)
	require.NoError(t, err)
	assert.Equal(t, task.ID, msg.TaskID)
}

func TestSweepFailsStalledTaskWithoutBudget(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.seedJob(t, "job_2", 1)
	task := r.seedTask(t, "job_2", "task_2", 0)

	claimed, err := r.storage.TaskStorage().ClaimTaskForProcessing(ctx, task.ID)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	require.NoError(t, r.storage.TaskStorage().Heartbeat(ctx, task.ID, time.Now().Add(-time.Hour)))

	require.NoError(t, r.janitor.Sweep(ctx))

	got, err := r.storage.TaskStorage().GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, models.ErrorKindHeartbeatTimeout, got.Error.Kind)

	// Stop policy: the stage failure cascades to the job
	job, err := r.storage.JobStorage().GetJob(ctx, "job_2")
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, job.Status)
}

func TestSweepRepairsLostAdvancement(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.seedJob(t, "job_3", 1)
	task := r.seedTask(t, "job_3", "task_3", 3)

	// The task completed but the process died before acting on the barrier
	check, err := r.storage.TaskStorage().CompleteTaskAndCheckStage(ctx, task.ID,
		map[string]interface{}{"scene": "a"}, nil)
	require.NoError(t, err)
	require.Equal(t, models.StageCompleteSuccess, check.Outcome)

	require.NoError(t, r.janitor.Sweep(ctx))

	// The sweep re-derived the barrier and activated stage 2
	delivery, err := r.bus.JobsQueue().Receive(ctx)
	require.NoError(t, err)
	msg, err := models.UnmarshalJobsMessage(delivery.Body)
	require.NoError(t, err)
	assert.Equal(t, "job_3", msg.JobID)
	assert.Equal(t, 2, msg.Stage)
}

func TestSweepRepublishesLostDispatches(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	r.seedJob(t, "job_4", 1)
	task := r.seedTask(t, "job_4", "task_4", 3)
	// Task row exists, QUEUED, but its dispatch message was lost

	require.NoError(t, r.janitor.Sweep(ctx))

	delivery, err := r.bus.TaskQueue("").Receive(ctx)
	require.NoError(t, err)
	msg, err := models.UnmarshalTaskMessage(delivery.Body)
	require.NoError(t, err)
	assert.Equal(t, task.ID, msg.TaskID)
}

func TestSweepReplaysLostActivation(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// Job stuck at stage 1 with no task rows at all: the activation message
	// itself was lost
	r.seedJob(t, "job_5", 1)

	require.NoError(t, r.janitor.Sweep(ctx))

	delivery, err := r.bus.JobsQueue().Receive(ctx)
	require.NoError(t, err)
	msg, err := models.UnmarshalJobsMessage(delivery.Body)
	require.NoError(t, err)
	assert.Equal(t, "job_5", msg.JobID)
	assert.Equal(t, 1, msg.Stage)
}

func TestSweepIgnoresHealthyState(t *testing.T) {
	r := newRig(t)
	ctx := context.Background()

	// Completed jobs and tasks are left alone
	job := r.seedJob(t, "job_6", 1)
	task := r.seedTask(t, "job_6", "task_6", 3)
	_, err := r.storage.TaskStorage().CompleteTaskAndCheckStage(ctx, task.ID, map[string]interface{}{}, nil)
	require.NoError(t, err)
	require.NoError(t, r.storage.JobStorage().MarkJobCompleted(ctx, job.ID, nil))

	require.NoError(t, r.janitor.Sweep(ctx))

	_, err = r.bus.JobsQueue().Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
	_, err = r.bus.TaskQueue("").Receive(ctx)
	assert.ErrorIs(t, err, models.ErrNoMessage)
}
