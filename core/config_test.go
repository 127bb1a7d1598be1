package core

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
pipeline:
  max_degree_of_parallelism: 4

log:
  level: debug
  format: json

metrics:
  enabled: true

sources:
  - type: tail
    config:
      path: /var/log/app.log

targets:
  - type: console
    name: stdout
    mode: single
    max_degree_of_parallelism: 1
    config:
      format: json
  - type: elasticsearch
    batch_size: 500
    flush_interval: 5s
    fault_on_error: true
    retry:
      max_retries: 3
      retry_interval: 100ms
      dlq_path: /tmp/dlq
    filters:
      - type: category
        config:
          categories: [error, warning]
    config:
      addresses: ["http://localhost:9200"]
      index: logs-{yyyy.mm.dd}
`

func TestParseConfig(t *testing.T) {
	config, err := ParseConfig([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, 4, config.Pipeline.MaxDegreeOfParallelism)
	assert.Equal(t, "debug", config.Log.Level)
	assert.True(t, config.Metrics.Enabled)
	assert.Equal(t, ":9090", config.Metrics.Address, "enabled metrics get a default address")

	require.Len(t, config.Sources, 1)
	assert.Equal(t, "tail", config.Sources[0].Type)
	assert.Equal(t, "tail-1", config.Sources[0].Name)
	assert.Equal(t, "/var/log/app.log", config.Sources[0].Config["path"])

	require.Len(t, config.Targets, 2)
	console := config.Targets[0]
	assert.Equal(t, "stdout", console.Name)
	assert.Equal(t, ModeSingle, console.Mode)
	assert.Equal(t, 1, console.MaxDegreeOfParallelism)

	es := config.Targets[1]
	assert.Equal(t, "elasticsearch-2", es.Name)
	assert.Equal(t, "", es.Mode)
	assert.Equal(t, 500, es.BatchSize)
	assert.Equal(t, 5*time.Second, es.FlushInterval)
	assert.True(t, es.FaultOnError)
	assert.Equal(t, 3, es.Retry.MaxRetries)
	assert.Equal(t, 100*time.Millisecond, es.Retry.RetryInterval)
	assert.Equal(t, "/tmp/dlq", es.Retry.DLQPath)
	require.Len(t, es.Filters, 1)
	assert.Equal(t, "category", es.Filters[0].Type)
	assert.Equal(t, "logs-{yyyy.mm.dd}", es.Config["index"])
}

func TestParseConfigValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "malformed yaml",
			yaml:    "targets: [",
			wantErr: "error parsing config file",
		},
		{
			name:    "negative pipeline parallelism",
			yaml:    "pipeline:\n  max_degree_of_parallelism: -1\n",
			wantErr: "max_degree_of_parallelism",
		},
		{
			name:    "missing target type",
			yaml:    "targets:\n  - name: x\n",
			wantErr: "type",
		},
		{
			name:    "invalid mode",
			yaml:    "targets:\n  - type: console\n    mode: streaming\n",
			wantErr: "must be 'single' or 'batch'",
		},
		{
			name:    "negative target parallelism",
			yaml:    "targets:\n  - type: console\n    max_degree_of_parallelism: -3\n",
			wantErr: "max_degree_of_parallelism",
		},
		{
			name:    "duplicate target names",
			yaml:    "targets:\n  - type: console\n    name: a\n  - type: file\n    name: a\n",
			wantErr: `duplicate target name "a"`,
		},
		{
			name:    "filter without type",
			yaml:    "targets:\n  - type: console\n    filters:\n      - config: {}\n",
			wantErr: "type",
		},
		{
			name:    "retry out of range",
			yaml:    "targets:\n  - type: console\n    retry:\n      max_retries: 1000\n",
			wantErr: "max_retries",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0600))

	config, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Len(t, config.Targets, 2)

	_, err = LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.ErrorContains(t, err, "error reading config file")
}

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()
	require.NoError(t, config.Validate())

	require.Len(t, config.Targets, 1)
	assert.Equal(t, "console", config.Targets[0].Type)
	assert.Equal(t, "console-1", config.Targets[0].Name)
	assert.Equal(t, ModeSingle, config.Targets[0].Mode)
}

func TestGetPluginConfig(t *testing.T) {
	var cfg struct {
		Addresses []string      `yaml:"addresses"`
		Timeout   time.Duration `yaml:"timeout"`
		Enabled   bool          `yaml:"enabled"`
	}
	err := GetPluginConfig(map[string]any{
		"addresses": []any{"a:1", "b:2"},
		"timeout":   "3s",
		"enabled":   true,
	}, &cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Addresses)
	assert.Equal(t, 3*time.Second, cfg.Timeout)
	assert.True(t, cfg.Enabled)
}

func TestConfigWatcherReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("targets:\n  - type: console\n"), 0600))

	reloaded := make(chan *Config, 1)
	watcher, err := NewConfigWatcher(path, func(c *Config) {
		select {
		case reloaded <- c:
		default:
		}
	})
	require.NoError(t, err)
	defer watcher.Stop()

	// Make sure the modification time moves even on coarse filesystems
	time.Sleep(50 * time.Millisecond)
	updated := "targets:\n  - type: console\n  - type: file\n"
	require.NoError(t, os.WriteFile(path, []byte(updated), 0600))
	future := time.Now().Add(time.Second)
	require.NoError(t, os.Chtimes(path, future, future))

	select {
	case config := <-reloaded:
		assert.Len(t, config.Targets, 2)
	case <-time.After(5 * time.Second):
		t.Fatal("config was not reloaded")
	}
}

func TestConfigWatcherMissingFile(t *testing.T) {
	_, err := NewConfigWatcher(filepath.Join(t.TempDir(), "missing.yaml"), func(*Config) {})
	assert.Error(t, err)
}
