package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/genflow/pkg/config"
	"github.com/dukex/genflow/pkg/queue"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "genflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Recovery.MaxRecoveries)
	assert.Equal(t, "https://api.replicate.com/v1", cfg.Provider.BaseURL)
	assert.Equal(t, time.Second, cfg.Poll.InitialInterval)

	registry, err := cfg.QueueRegistry()
	require.NoError(t, err)
	assert.Len(t, registry.All(), 5)
}

func TestLoad_Overrides(t *testing.T) {
	path := writeConfig(t, `
queues:
  - name: video
    concurrency: 1
    max_attempts: 5
recovery:
  stall_threshold: 10m
  max_recoveries: 2
  schedule: "@every 30s"
provider:
  base_url: http://localhost:9000
poll:
  initial_interval: 2s
  max_attempts: 10
worker:
  queues: [video, image]
artifacts:
  dir: /var/lib/genflow
  base_url: https://cdn.example.com/media
models:
  imageGen: black-forest-labs/flux-dev
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, 10*time.Minute, cfg.Recovery.StallThreshold)
	assert.Equal(t, 2, cfg.Recovery.MaxRecoveries)
	assert.Equal(t, "http://localhost:9000", cfg.Provider.BaseURL)
	assert.Equal(t, 2*time.Second, cfg.Poll.InitialInterval)
	assert.Equal(t, uint64(10), cfg.Poll.MaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.Poll.MaxInterval)
	assert.Equal(t, []string{"video", "image"}, cfg.Worker.Queues)
	assert.Equal(t, "/var/lib/genflow", cfg.Artifacts.Dir)
	assert.Equal(t, 5*time.Minute, cfg.Artifacts.Timeout)
	assert.Equal(t, "black-forest-labs/flux-dev", cfg.Models["imageGen"])

	registry, err := cfg.QueueRegistry()
	require.NoError(t, err)

	video, err := registry.Get(queue.Video)
	require.NoError(t, err)
	assert.Equal(t, 1, video.Concurrency)
	assert.Equal(t, 5, video.MaxAttempts)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "malformed yaml", content: "queues: [\n"},
		{name: "queue without concurrency", content: "queues:\n  - name: video\n"},
		{name: "unknown worker queue", content: "worker:\n  queues: [audio]\n"},
		{name: "missing recovery schedule", content: "recovery:\n  schedule: \"\"\n"},
		{name: "bad provider url", content: "provider:\n  base_url: not a url\n"},
		{name: "empty model", content: "models:\n  imageGen: \"\"\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
