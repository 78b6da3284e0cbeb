package common

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, 8190, cfg.Server.Port)
	assert.Equal(t, 3, cfg.Workers.MaxTaskRetries)
	assert.Equal(t, 20, cfg.Workers.PublishRate)
	require.NoError(t, cfg.Validate())
}

func TestLoadConfigPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tessera.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
[workers]
publish_rate = 5
tasks_concurrency = 4

[queue]
visibility_timeout = "2m"
`), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.Workers.PublishRate)
	assert.Equal(t, 4, cfg.Workers.TasksConcurrency)

	vt, err := cfg.VisibilityTimeout()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Minute, vt)

	// Sections absent from the file keep their defaults
	assert.Equal(t, 8190, cfg.Server.Port)
	assert.Equal(t, 2, cfg.Workers.JobsConcurrency)
}

func TestValidateRejectsHeartbeatOverHalfLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Workers.HeartbeatInterval = "4m"
	cfg.Queue.VisibilityTimeout = "5m"
	assert.Error(t, cfg.Validate())
}
