package jobspecs

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/models"
)

type h3AggregateParams struct {
	Dataset    string `json:"dataset" validate:"required"`
	Resolution int    `json:"resolution" validate:"min=0,max=15"`
	TileCount  int    `json:"tile_count" validate:"omitempty,min=1,max=100000"`
}

// H3AggregateSpec bins a dataset into H3 cells. Individual tiles may fail
// on bad data without sinking the whole job: the stage drains and the job
// completes with errors, reporting the cells it could aggregate.
func H3AggregateSpec() *models.JobSpec {
	return &models.JobSpec{
		Type:        "h3_aggregate",
		Description: "Aggregate a dataset into H3 cells at a given resolution",
		Stages: []models.StageDef{
			{Number: 1, Name: "tile", TaskType: "h3_tile", Routing: "heavy"},
			{Number: 2, Name: "aggregate", TaskType: "h3_merge"},
		},
		StageOnAnyFail:    models.FailPolicyContinue,
		ContinueOnPartial: true,
		ValidateParams: func(params map[string]interface{}) error {
			var p h3AggregateParams
			return decodeParams(params, &p)
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			switch stage {
			case 1:
				tiles := intParam(params, "tile_count", 8)
				out := make([]models.TaskSpec, 0, tiles)
				for i := 0; i < tiles; i++ {
					out = append(out, models.TaskSpec{
						SemanticIndex: fmt.Sprintf("tile-%05d", i),
						Type:          "h3_tile",
						Parameters: map[string]interface{}{
							"dataset":    params["dataset"],
							"tile":       i,
							"resolution": intParam(params, "resolution", 7),
						},
					})
				}
				return out, nil
			case 2:
				return []models.TaskSpec{{
					SemanticIndex: "merge-0",
					Type:          "h3_merge",
					Parameters: map[string]interface{}{
						"dataset":    params["dataset"],
						"resolution": intParam(params, "resolution", 7),
					},
				}}, nil
			}
			return nil, fmt.Errorf("h3_aggregate has no stage %d", stage)
		},
		AggregateResults: func(stageResults [][]map[string]interface{}, params map[string]interface{}) (interface{}, error) {
			cells := 0
			for _, tile := range stageResults[0] {
				cells += intParam(tile, "cells", 0)
			}
			return map[string]interface{}{
				"dataset":     params["dataset"],
				"tiles_done":  len(stageResults[0]),
				"total_cells": cells,
				"merged":      firstOrNil(stageResults[1]),
			}, nil
		},
	}
}
