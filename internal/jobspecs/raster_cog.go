package jobspecs

import (
	"fmt"

	"github.com/ternarybob/tessera/internal/models"
)

type rasterCOGParams struct {
	Source     string `json:"source" validate:"required"`
	SceneCount int    `json:"scene_count" validate:"omitempty,min=1,max=10000"`
	// Compression for the generated COGs
	Compression string `json:"compression" validate:"omitempty,oneof=deflate lzw zstd"`
}

// RasterCOGSpec converts a raster collection to cloud-optimized GeoTIFFs.
// Stage 1 scans the source and emits per-scene metadata; stage 2 fans out
// one conversion per scene discovered by the scan.
func RasterCOGSpec() *models.JobSpec {
	return &models.JobSpec{
		Type:        "raster_cog",
		Description: "Scan a raster source and convert every scene to a COG",
		Stages: []models.StageDef{
			{Number: 1, Name: "scan", TaskType: "raster_scan"},
			{Number: 2, Name: "convert", TaskType: "raster_convert", Routing: "heavy"},
		},
		ValidateParams: func(params map[string]interface{}) error {
			var p rasterCOGParams
			return decodeParams(params, &p)
		},
		CreateTasks: func(stage int, params map[string]interface{}, jobID string, prior [][]map[string]interface{}) ([]models.TaskSpec, error) {
			switch stage {
			case 1:
				count := intParam(params, "scene_count", 4)
				out := make([]models.TaskSpec, 0, count)
				for i := 0; i < count; i++ {
					out = append(out, models.TaskSpec{
						SemanticIndex: fmt.Sprintf("scan-%04d", i),
						Type:          "raster_scan",
						Parameters: map[string]interface{}{
							"source": params["source"],
							"scene":  i,
						},
					})
				}
				return out, nil
			case 2:
				// One conversion per scene the scan stage reported
				scans := prior[0]
				out := make([]models.TaskSpec, 0, len(scans))
				for _, scan := range scans {
					sceneID, _ := scan["scene_id"].(string)
					if sceneID == "" {
						return nil, fmt.Errorf("scan result missing scene_id")
					}
					out = append(out, models.TaskSpec{
						SemanticIndex: "convert-" + sceneID,
						Type:          "raster_convert",
						Parameters: map[string]interface{}{
							"scene_id":    sceneID,
							"compression": params["compression"],
						},
					})
				}
				return out, nil
			}
			return nil, fmt.Errorf("raster_cog has no stage %d", stage)
		},
		AggregateResults: func(stageResults [][]map[string]interface{}, params map[string]interface{}) (interface{}, error) {
			converted := stageResults[1]
			return map[string]interface{}{
				"scenes_scanned":   len(stageResults[0]),
				"scenes_converted": len(converted),
				"cogs":             converted,
			}, nil
		},
	}
}
