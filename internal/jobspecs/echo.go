package jobspecs

import (
	"github.com/ternarybob/tessera/internal/models"
)

type echoParams struct {
	Message string `json:"message" validate:"required"`
}

// EchoSpec is the single-stage smoke-test job: one task that echoes its
// message back.
func EchoSpec() *models.JobSpec {
	return &models.JobSpec{
		Type:        "echo",
		Description: "Echo the submitted message back (pipeline smoke test)",
		Stages: []models.StageDef{
			{Number: 1, Name: "echo", TaskType: "echo"},
		},
		ValidateParams: func(params map[string]interface{}) error {
			var p echoParams
			return decodeParams(params, &p)
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			return []models.TaskSpec{{
				SemanticIndex: "echo-0",
				Type:          "echo",
				Parameters:    map[string]interface{}{"message": params["message"]},
			}}, nil
		},
	}
}
