package registry

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/tessera/internal/models"
)

func noopHandler(ctx context.Context, task *models.Task, heartbeat HeartbeatFn) (map[string]interface{}, error) {
	return map[string]interface{}{}, nil
}

func minimalSpec(jobType string) *models.JobSpec {
	return &models.JobSpec{
		Type: jobType,
		Stages: []models.StageDef{
			{Number: 1, Name: "only", TaskType: "noop"},
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			return []models.TaskSpec{{SemanticIndex: "0", Type: "noop"}}, nil
		},
	}
}

func TestHandlerRegistryRegisterAndFreeze(t *testing.T) {
	r := NewHandlerRegistry()

	require.NoError(t, r.Register("echo", noopHandler))
	assert.Error(t, r.Register("echo", noopHandler), "duplicate registration must fail")
	assert.Error(t, r.Register("", noopHandler))
	assert.Error(t, r.Register("nil_handler", nil))

	h, ok := r.Get("echo")
	assert.True(t, ok)
	assert.NotNil(t, h)

	_, ok = r.Get("missing")
	assert.False(t, ok)

	r.Freeze()
	assert.Error(t, r.Register("late", noopHandler))
	assert.Equal(t, []string{"echo"}, r.Types())
}

func TestJobRegistryValidation(t *testing.T) {
	r := NewJobRegistry()

	require.NoError(t, r.Register(minimalSpec("echo")))
	assert.Error(t, r.Register(minimalSpec("echo")), "duplicate type must fail")

	noStages := minimalSpec("empty")
	noStages.Stages = nil
	assert.Error(t, r.Register(noStages))

	noCreate := minimalSpec("no_create")
	noCreate.CreateTasks = nil
	assert.Error(t, r.Register(noCreate))

	gap := minimalSpec("gap")
	gap.Stages = []models.StageDef{
		{Number: 1, TaskType: "a"},
		{Number: 3, TaskType: "b"},
	}
	assert.Error(t, r.Register(gap), "stage numbers must be contiguous from 1")

	r.Freeze()
	assert.Error(t, r.Register(minimalSpec("late")))
}

func TestJobRegistryRoutes(t *testing.T) {
	r := NewJobRegistry()

	spec := minimalSpec("raster_cog")
	spec.Stages = []models.StageDef{
		{Number: 1, Name: "scan", TaskType: "raster_scan"},
		{Number: 2, Name: "convert", TaskType: "raster_convert", Routing: "heavy"},
	}
	require.NoError(t, r.Register(spec))

	other := minimalSpec("vector_ingest")
	other.Stages = []models.StageDef{
		{Number: 1, Name: "inspect", TaskType: "vector_inspect", Routing: "io"},
		{Number: 2, Name: "load", TaskType: "vector_load", Routing: "heavy"},
	}
	require.NoError(t, r.Register(other))

	assert.Equal(t, []string{"heavy", "io"}, r.Routes())
	assert.Equal(t, []string{"raster_cog", "vector_ingest"}, r.Types())
}
