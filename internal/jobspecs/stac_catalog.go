package jobspecs

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/models"
)

type stacCatalogParams struct {
	Endpoint    string   `json:"endpoint" validate:"required,url"`
	Collections []string `json:"collections" validate:"required,min=1,dive,required"`
}

// STACCatalogSpec harvests STAC collections. Stage 1 lists the items of
// each collection in parallel, stage 2 assembles the combined catalog.
func STACCatalogSpec() *models.JobSpec {
	return &models.JobSpec{
		Type:        "stac_catalog",
		Description: "List STAC collections and assemble a combined catalog",
		Stages: []models.StageDef{
			{Number: 1, Name: "list", TaskType: "stac_list", Routing: "io"},
			{Number: 2, Name: "catalog", TaskType: "stac_assemble"},
		},
		ValidateParams: func(params map[string]interface{}) error {
			var p stacCatalogParams
			return decodeParams(params, &p)
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			switch stage {
			case 1:
				collections, _ := params["collections"].([]interface{})
				if len(collections) == 0 {
					return nil, fmt.Errorf("no collections to list")
				}
				out := make([]models.TaskSpec, 0, len(collections))
				for _, c := range collections {
					name, _ := c.(string)
					if name == "" {
						return nil, fmt.Errorf("collection name must be a string")
					}
					out = append(out, models.TaskSpec{
						SemanticIndex: "list-" + name,
						Type:          "stac_list",
						Parameters: map[string]interface{}{
							"endpoint":   params["endpoint"],
							"collection": name,
						},
					})
				}
				return out, nil
			case 2:
				return []models.TaskSpec{{
					SemanticIndex: "assemble-0",
					Type:          "stac_assemble",
					Parameters: map[string]interface{}{
						"endpoint": params["endpoint"],
					},
				}}, nil
			}
			return nil, fmt.Errorf("stac_catalog has no stage %d", stage)
		},
		AggregateResults: func(stageResults [][]map[string]interface{}, params map[string]interface{}) (interface{}, error) {
			items := 0
			for _, listing := range stageResults[0] {
				items += intParam(listing, "item_count", 0)
			}
			return map[string]interface{}{
				"endpoint":    params["endpoint"],
				"collections": len(stageResults[0]),
				"items":       items,
				"catalog":     firstOrNil(stageResults[1]),
			}, nil
		},
	}
}
