package common

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// NewJobID derives the deterministic job ID for (jobType, parameters).
// Identical submissions hash to the same ID, which is what makes job
// creation idempotent.
func NewJobID(jobType string, parameters map[string]interface{}) string {
	sum := sha256.Sum256([]byte(jobType + "\n" + CanonicalJSON(parameters)))
	return "job_" + hex.EncodeToString(sum[:])[:32]
}

// NewTaskID derives the deterministic task ID for a task's semantic
// position within a job stage.
func NewTaskID(jobID string, stage int, semanticIndex string) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%d|%s", jobID, stage, semanticIndex)))
	return "task_" + hex.EncodeToString(sum[:])[:32]
}

// NewCorrelationID generates a correlation ID for message tracing
func NewCorrelationID() string {
	return "corr_" + uuid.New().String()
}

// CanonicalJSON renders a parameter map with recursively sorted keys so
// that equal maps always produce the same byte string.
func CanonicalJSON(value interface{}) string {
	var b strings.Builder
	writeCanonical(&b, value)
	return b.String()
}

func writeCanonical(b *strings.Builder, value interface{}) {
	switch v := value.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, _ := json.Marshal(k)
			b.Write(kj)
			b.WriteByte(':')
			writeCanonical(b, v[k])
		}
		b.WriteByte('}')
	case []interface{}:
		b.WriteByte('[')
		for i, item := range v {
			if i > 0 {
				b.WriteByte(',')
			}
			writeCanonical(b, item)
		}
		b.WriteByte(']')
	default:
		// Scalars round-trip through encoding/json for consistent number
		// and string formatting.
		j, _ := json.Marshal(v)
		b.Write(j)
	}
}
