package jobspecs

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/models"
)

type vectorIngestParams struct {
	File      string `json:"file" validate:"required"`
	Layer     string `json:"layer"`
	ChunkSize int    `json:"chunk_size" validate:"omitempty,min=1"`
	TargetSRS string `json:"target_srs" validate:"omitempty,startswith=EPSG:"`
}

// VectorIngestSpec loads a vector file into the store. Stage 1 inspects the
// file and decides the chunking, stage 2 loads the chunks in parallel, and
// stage 3 builds the spatial index once everything landed.
func VectorIngestSpec() *models.JobSpec {
	return &models.JobSpec{
		Type:        "vector_ingest",
		Description: "Inspect, chunk-load and spatially index a vector dataset",
		Stages: []models.StageDef{
			{Number: 1, Name: "inspect", TaskType: "vector_inspect"},
			{Number: 2, Name: "load", TaskType: "vector_load", Routing: "heavy"},
			{Number: 3, Name: "index", TaskType: "vector_index"},
		},
		ValidateParams: func(params map[string]interface{}) error {
			var p vectorIngestParams
			return decodeParams(params, &p)
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			switch stage {
			case 1:
				return []models.TaskSpec{{
					SemanticIndex: "inspect-0",
					Type:          "vector_inspect",
					Parameters: map[string]interface{}{
						"file":       params["file"],
						"layer":      params["layer"],
						"chunk_size": intParam(params, "chunk_size", 1000),
					},
				}}, nil
			case 2:
				if len(prior[0]) != 1 {
					return nil, fmt.Errorf("expected exactly one inspect result, got %d", len(prior[0]))
				}
				chunks := intParam(prior[0][0], "chunk_count", 0)
				if chunks < 1 {
					return nil, fmt.Errorf("inspect result reports no chunks")
				}
				out := make([]models.TaskSpec, 0, chunks)
				for i := 0; i < chunks; i++ {
					out = append(out, models.TaskSpec{
						SemanticIndex: fmt.Sprintf("load-%05d", i),
						Type:          "vector_load",
						Parameters: map[string]interface{}{
							"file":       params["file"],
							"chunk":      i,
							"target_srs": params["target_srs"],
						},
					})
				}
				return out, nil
			case 3:
				return []models.TaskSpec{{
					SemanticIndex: "index-0",
					Type:          "vector_index",
					Parameters: map[string]interface{}{
						"file": params["file"],
					},
				}}, nil
			}
			return nil, fmt.Errorf("vector_ingest has no stage %d", stage)
		},
		AggregateResults: func(stageResults [][]map[string]interface{}, params map[string]interface{}) (interface{}, error) {
			loaded := 0
			for _, chunk := range stageResults[1] {
				loaded += intParam(chunk, "features", 0)
			}
			return map[string]interface{}{
				"file":            params["file"],
				"chunks_loaded":   len(stageResults[1]),
				"features_loaded": loaded,
				"index":           firstOrNil(stageResults[2]),
			}, nil
		},
	}
}

func firstOrNil(results []map[string]interface{}) map[string]interface{} {
	if len(results) == 0 {
		return nil
	}
	return results[0]
}
