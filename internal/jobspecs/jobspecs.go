package jobspecs

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/tessera/internal/registry"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// decodeParams maps loose submission parameters onto a typed schema and
// validates it. Unknown keys are ignored; missing required keys fail.
func decodeParams(params map[string]interface{}, out interface{}) error {
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("parameters do not match schema: %w", err)
	}
	if err := validate.Struct(out); err != nil {
		return fmt.Errorf("parameter validation failed: %w", err)
	}
	return nil
}

// intParam reads an integer job parameter that JSON decoding delivered as
// float64, falling back when absent or non-numeric.
func intParam(params map[string]interface{}, key string, fallback int) int {
	v, ok := params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case float64:
		return int(n)
	case int:
		return n
	}
	return fallback
}

// RegisterAll registers the built-in geospatial job types
func RegisterAll(reg *registry.JobRegistry) error {
	for _, spec := range []func() error{
		func() error { return reg.Register(EchoSpec()) },
		func() error { return reg.Register(RasterCOGSpec()) },
		func() error { return reg.Register(VectorIngestSpec()) },
		func() error { return reg.Register(STACCatalogSpec()) },
		func() error { return reg.Register(H3AggregateSpec()) },
	} {
		if err := spec(); err != nil {
			return err
		}
	}
	return nil
}
