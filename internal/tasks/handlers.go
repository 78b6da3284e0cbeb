package tasks

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/ternarybob/tessera/internal/models"
	"github.com/ternarybob/tessera/internal/registry"
)

// RegisterAll registers the handlers for the built-in job types. The
// handlers simulate the geospatial work deterministically so the pipeline is
// exercisable end to end without raster and vector toolchains installed;
// swapping a simulation for a real implementation is a handler-local change.
func RegisterAll(reg *registry.HandlerRegistry) error {
	handlers := map[string]registry.Handler{
		"echo":           Echo,
		"raster_scan":    RasterScan,
		"raster_convert": RasterConvert,
		"vector_inspect": VectorInspect,
		"vector_load":    VectorLoad,
		"vector_index":   VectorIndex,
		"stac_list":      STACList,
		"stac_assemble":  STACAssemble,
		"h3_tile":        H3Tile,
		"h3_merge":       H3Merge,
	}
	for taskType, handler := range handlers {
		if err := reg.Register(taskType, handler); err != nil {
			return err
		}
	}
	return nil
}

// seed derives a stable pseudo-value from task identity so repeated attempts
// of the same task produce identical results.
func seed(parts ...interface{}) uint64 {
	h := sha256.New()
	for _, p := range parts {
		fmt.Fprintf(h, "%v|", p)
	}
	return binary.BigEndian.Uint64(h.Sum(nil)[:8])
}

func strParam(task *models.Task, key string) string {
	if task.Parameters == nil {
		return ""
	}
	s, _ := task.Parameters[key].(string)
	return s
}

func intParam(task *models.Task, key string) int {
	if task.Parameters == nil {
		return 0
	}
	switch n := task.Parameters[key].(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return 0
}

// Echo returns the submitted message
func Echo(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	return map[string]interface{}{
		"message": strParam(task, "message"),
	}, nil
}

// RasterScan inspects one scene of the source and reports its metadata
func RasterScan(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	source := strParam(task, "source")
	if source == "" {
		return nil, models.NewInvalidInputError("raster scan requires a source")
	}
	scene := intParam(task, "scene")
	s := seed(source, scene)

	return map[string]interface{}{
		"scene_id": fmt.Sprintf("scene-%04d", scene),
		"source":   source,
		"width":    int(1024 + s%7*512),
		"height":   int(1024 + s%5*512),
		"bands":    int(1 + s%4),
	}, nil
}

// RasterConvert converts one scene to a cloud-optimized GeoTIFF
func RasterConvert(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	sceneID := strParam(task, "scene_id")
	if sceneID == "" {
		return nil, models.NewInvalidInputError("raster convert requires a scene_id")
	}

	// Conversion is the long pole of the pipeline; keep the lease fresh
	if err := heartbeat(); err != nil {
		return nil, models.NewTransientError("heartbeat failed: %v", err)
	}
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(time.Duration(seed(sceneID)%20) * time.Millisecond):
	}

	compression := strParam(task, "compression")
	if compression == "" {
		compression = "deflate"
	}
	return map[string]interface{}{
		"scene_id":    sceneID,
		"cog":         sceneID + ".tif",
		"compression": compression,
		"overviews":   int(2 + seed(sceneID)%4),
	}, nil
}

// VectorInspect opens the dataset and decides the load chunking
func VectorInspect(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	file := strParam(task, "file")
	if file == "" {
		return nil, models.NewInvalidInputError("vector inspect requires a file")
	}
	chunkSize := intParam(task, "chunk_size")
	if chunkSize <= 0 {
		chunkSize = 1000
	}

	features := int(1000 + seed(file)%9000)
	chunks := (features + chunkSize - 1) / chunkSize
	return map[string]interface{}{
		"file":        file,
		"layer":       strParam(task, "layer"),
		"features":    features,
		"chunk_count": chunks,
		"chunk_size":  chunkSize,
	}, nil
}

// VectorLoad loads one chunk of features
func VectorLoad(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	file := strParam(task, "file")
	chunk := intParam(task, "chunk")
	return map[string]interface{}{
		"file":     file,
		"chunk":    chunk,
		"features": int(100 + seed(file, chunk)%900),
	}, nil
}

// VectorIndex builds the spatial index after all chunks landed
func VectorIndex(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	file := strParam(task, "file")
	return map[string]interface{}{
		"file":  file,
		"index": "gist",
		"depth": int(3 + seed(file)%5),
	}, nil
}

// STACList lists the items of one collection
func STACList(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	endpoint := strParam(task, "endpoint")
	collection := strParam(task, "collection")
	if endpoint == "" || collection == "" {
		return nil, models.NewInvalidInputError("stac list requires endpoint and collection")
	}
	return map[string]interface{}{
		"collection": collection,
		"item_count": int(10 + seed(endpoint, collection)%490),
	}, nil
}

// STACAssemble builds the combined catalog document
func STACAssemble(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	return map[string]interface{}{
		"catalog_id": fmt.Sprintf("catalog-%x", seed(task.JobID)%0xffff),
		"stac":       "1.0.0",
	}, nil
}

// H3Tile bins one tile of the dataset into H3 cells
func H3Tile(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	dataset := strParam(task, "dataset")
	if dataset == "" {
		return nil, models.NewInvalidInputError("h3 tile requires a dataset")
	}
	tile := intParam(task, "tile")
	resolution := intParam(task, "resolution")
	return map[string]interface{}{
		"tile":       tile,
		"resolution": resolution,
		"cells":      int(50 + seed(dataset, tile, resolution)%950),
	}, nil
}

// H3Merge merges the per-tile cell counts
func H3Merge(ctx context.Context, task *models.Task, heartbeat registry.HeartbeatFn) (map[string]interface{}, error) {
	return map[string]interface{}{
		"dataset":    strParam(task, "dataset"),
		"resolution": intParam(task, "resolution"),
		"merged":     true,
	}, nil
}
