package jobspecs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/registry"
)

func TestRegisterAll(t *testing.T) {
	reg := registry.NewJobRegistry()
	require.NoError(t, RegisterAll(reg))
	assert.Equal(t, []string{"echo", "h3_aggregate", "raster_cog", "stac_catalog", "vector_ingest"}, reg.Types())
	assert.Equal(t, []string{"heavy", "io"}, reg.Routes())
}

func TestEchoValidation(t *testing.T) {
	spec := EchoSpec()
	assert.Error(t, spec.ValidateParams(map[string]interface{}{}))
	assert.NoError(t, spec.ValidateParams(map[string]interface{}{"message": "hi"}))

	tasks, err := spec.CreateTasks(1, map[string]interface{}{"message": "hi"}, "job_x", nil)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, "echo", tasks[0].Type)
	assert.Equal(t, "hi", tasks[0].Parameters["message"])
}

func TestRasterCOGStages(t *testing.T) {
	spec := RasterCOGSpec()

	assert.Error(t, spec.ValidateParams(map[string]interface{}{}))
	assert.Error(t, spec.ValidateParams(map[string]interface{}{
		"source": "s3://scenes", "compression": "gzip",
	}), "compression must be one of deflate/lzw/zstd")
	require.NoError(t, spec.ValidateParams(map[string]interface{}{
		"source": "s3://scenes", "scene_count": float64(3), "compression": "zstd",
	}))

	params := map[string]interface{}{"source": "s3://scenes", "scene_count": float64(3)}
	scans, err := spec.CreateTasks(1, params, "job_r", nil)
	require.NoError(t, err)
	require.Len(t, scans, 3)
	assert.Equal(t, "scan-0000", scans[0].SemanticIndex)

	// CreateTasks is deterministic: the same inputs produce the same specs
	again, err := spec.CreateTasks(1, params, "job_r", nil)
	require.NoError(t, err)
	assert.Equal(t, scans, again)

	prior := [][]map[string]interface{}{{
		{"scene_id": "a"}, {"scene_id": "b"},
	}}
	converts, err := spec.CreateTasks(2, params, "job_r", prior)
	require.NoError(t, err)
	require.Len(t, converts, 2)
	assert.Equal(t, "convert-a", converts[0].SemanticIndex)
	assert.Equal(t, "raster_convert", converts[0].Type)

	_, err = spec.CreateTasks(2, params, "job_r", [][]map[string]interface{}{{{"nope": 1}}})
	assert.Error(t, err, "scan results without scene_id are rejected")
}

func TestVectorIngestStages(t *testing.T) {
	spec := VectorIngestSpec()

	assert.Error(t, spec.ValidateParams(map[string]interface{}{"target_srs": "EPSG:4326"}))
	assert.Error(t, spec.ValidateParams(map[string]interface{}{
		"file": "roads.gpkg", "target_srs": "4326",
	}), "target_srs must be an EPSG code")
	require.NoError(t, spec.ValidateParams(map[string]interface{}{
		"file": "roads.gpkg", "chunk_size": float64(500), "target_srs": "EPSG:3857",
	}))

	params := map[string]interface{}{"file": "roads.gpkg"}
	inspect, err := spec.CreateTasks(1, params, "job_v", nil)
	require.NoError(t, err)
	require.Len(t, inspect, 1)

	prior := [][]map[string]interface{}{{{"chunk_count": float64(4), "features": float64(3500)}}}
	loads, err := spec.CreateTasks(2, params, "job_v", prior)
	require.NoError(t, err)
	assert.Len(t, loads, 4)

	_, err = spec.CreateTasks(2, params, "job_v", [][]map[string]interface{}{{}})
	assert.Error(t, err, "missing inspect result is rejected")

	index, err := spec.CreateTasks(3, params, "job_v", nil)
	require.NoError(t, err)
	require.Len(t, index, 1)
	assert.Equal(t, "vector_index", index[0].Type)
}

func TestSTACCatalogStages(t *testing.T) {
	spec := STACCatalogSpec()

	assert.Error(t, spec.ValidateParams(map[string]interface{}{
		"endpoint": "not-a-url", "collections": []interface{}{"l8"},
	}))
	assert.Error(t, spec.ValidateParams(map[string]interface{}{
		"endpoint": "https://stac.example", "collections": []interface{}{},
	}))
	require.NoError(t, spec.ValidateParams(map[string]interface{}{
		"endpoint": "https://stac.example", "collections": []interface{}{"l8", "s2"},
	}))

	params := map[string]interface{}{
		"endpoint":    "https://stac.example",
		"collections": []interface{}{"l8", "s2"},
	}
	lists, err := spec.CreateTasks(1, params, "job_s", nil)
	require.NoError(t, err)
	require.Len(t, lists, 2)
	assert.Equal(t, "list-l8", lists[0].SemanticIndex)
	assert.Equal(t, "l8", lists[0].Parameters["collection"])
}

func TestH3AggregatePolicy(t *testing.T) {
	spec := H3AggregateSpec()

	assert.Equal(t, models.FailPolicyContinue, spec.StageOnAnyFail)
	assert.True(t, spec.ContinueOnPartial)

	assert.Error(t, spec.ValidateParams(map[string]interface{}{
		"dataset": "buildings", "resolution": float64(16),
	}))
	require.NoError(t, spec.ValidateParams(map[string]interface{}{
		"dataset": "buildings", "resolution": float64(9),
	}))

	tiles, err := spec.CreateTasks(1, map[string]interface{}{
		"dataset": "buildings", "resolution": float64(9), "tile_count": float64(5),
	}, "job_h", nil)
	require.NoError(t, err)
	assert.Len(t, tiles, 5)
}

func TestAggregateResults(t *testing.T) {
	spec := RasterCOGSpec()
	result, err := spec.AggregateResults([][]map[string]interface{}{
		{{"scene_id": "a"}, {"scene_id": "b"}},
		{{"cog": "a.tif"}, {"cog": "b.tif"}},
	}, map[string]interface{}{"source": "s3://scenes"})
	require.NoError(t, err)

	m := result.(map[string]interface{})
	assert.Equal(t, 2, m["scenes_scanned"])
	assert.Equal(t, 2, m["scenes_converted"])
}
