package core

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Target modes
const (
	ModeSingle = "single"
	ModeBatch  = "batch"
)

func init() {
	// Report validation errors with the YAML key names
	validation.ErrorTag = "yaml"
}

// Config represents the application configuration
type Config struct {
	Pipeline ManagerConfig      `yaml:"pipeline"`
	Log      LogConfig          `yaml:"log"`
	Metrics  MetricsConfig      `yaml:"metrics"`
	Sources  []PluginDefinition `yaml:"sources,omitempty"`
	Targets  []TargetDefinition `yaml:"targets"`
}

// MetricsConfig configures the Prometheus and health endpoint
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address,omitempty"` // Listen address for /metrics and /healthz
}

// PluginDefinition represents a generic plugin definition
type PluginDefinition struct {
	Type   string         `yaml:"type"`           // Plugin type: "tail", "category", "regex", etc.
	Name   string         `yaml:"name,omitempty"` // Optional name to identify this plugin instance
	Config map[string]any `yaml:"config"`         // Dynamic configuration for the plugin
}

// TargetDefinition declares one target: its sink, mode, batching and predicate
type TargetDefinition struct {
	Type         string `yaml:"type"`           // Sink plugin type: "console", "elasticsearch", ...
	Mode         string `yaml:"mode,omitempty"` // "single" or "batch"; empty picks from the sink
	TargetConfig `yaml:",inline"`
	Filters      []PluginDefinition `yaml:"filters,omitempty"` // All must accept an entry
	Config       map[string]any     `yaml:"config"`            // Sink configuration
}

// Validate validates the Config
func (c Config) Validate() error {
	err := validation.ValidateStruct(&c,
		validation.Field(&c.Pipeline),
		validation.Field(&c.Metrics),
		validation.Field(&c.Sources),
		validation.Field(&c.Targets),
	)

	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if _, dup := seen[t.Name]; dup {
			err = multierr.Append(err, fmt.Errorf("duplicate target name %q", t.Name))
		}
		seen[t.Name] = struct{}{}
	}
	return err
}

// Validate validates the MetricsConfig
func (m MetricsConfig) Validate() error {
	return validation.ValidateStruct(&m,
		validation.Field(&m.Address, validation.When(m.Enabled, validation.Required)),
	)
}

// Validate validates the PluginDefinition
func (p PluginDefinition) Validate() error {
	return validation.ValidateStruct(&p,
		validation.Field(&p.Type, validation.Required),
	)
}

// Validate validates the TargetDefinition
func (t TargetDefinition) Validate() error {
	err := validation.ValidateStruct(&t,
		validation.Field(&t.Type, validation.Required),
		validation.Field(&t.Mode, validation.In("", ModeSingle, ModeBatch).Error("must be 'single' or 'batch'")),
		validation.Field(&t.Filters),
	)
	if cfgErr := t.TargetConfig.Validate(); cfgErr != nil {
		err = multierr.Append(err, fmt.Errorf("target %s: %w", t.Name, cfgErr))
	}
	return err
}

// normalize assigns generated names to unnamed plugins
func (c *Config) normalize() {
	for i := range c.Sources {
		if c.Sources[i].Name == "" {
			c.Sources[i].Name = fmt.Sprintf("%s-%d", c.Sources[i].Type, i+1)
		}
	}
	for i := range c.Targets {
		if c.Targets[i].Name == "" {
			c.Targets[i].Name = fmt.Sprintf("%s-%d", c.Targets[i].Type, i+1)
		}
	}
	if c.Metrics.Enabled && c.Metrics.Address == "" {
		c.Metrics.Address = ":9090"
	}
}

// LoadConfig loads configuration from a YAML file
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename) // #nosec G304 - path supplied by the operator
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses and validates YAML configuration
func ParseConfig(data []byte) (*Config, error) {
	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	config.normalize()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &config, nil
}

// GetPluginConfig extracts and unmarshals plugin-specific configuration
func GetPluginConfig(pluginConfig map[string]any, target any) error {
	// Convert map to YAML then unmarshal to target struct
	data, err := yaml.Marshal(pluginConfig)
	if err != nil {
		return fmt.Errorf("failed to marshal plugin config: %w", err)
	}

	if err := yaml.Unmarshal(data, target); err != nil {
		return fmt.Errorf("failed to unmarshal plugin config: %w", err)
	}

	return nil
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	config := &Config{
		Log: LogConfig{Level: "info", Format: "console"},
		Targets: []TargetDefinition{
			{
				Type: "console",
				Mode: ModeSingle,
				TargetConfig: TargetConfig{
					MaxDegreeOfParallelism: 1,
				},
				Config: map[string]any{
					"target": "stdout",
					"format": "text",
				},
			},
		},
	}
	config.normalize()
	return config
}

// ConfigWatcher monitors a config file for changes and triggers reloads
type ConfigWatcher struct {
	filename    string
	watcher     *fsnotify.Watcher
	onReload    func(*Config)
	logger      *zap.Logger
	stopCh      chan struct{}
	wg          sync.WaitGroup
	lastModTime time.Time
	mu          sync.Mutex
}

// NewConfigWatcher creates a new config file watcher
func NewConfigWatcher(filename string, onReload func(*Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	// Get initial file modification time
	info, err := os.Stat(filename)
	if err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to stat config file: %w", err)
	}

	cw := &ConfigWatcher{
		filename:    filepath.Clean(filename),
		watcher:     watcher,
		onReload:    onReload,
		logger:      Logger().Named("config"),
		stopCh:      make(chan struct{}),
		lastModTime: info.ModTime(),
	}

	// Watch the directory so atomic replacements of the file are seen
	if err := watcher.Add(filepath.Dir(cw.filename)); err != nil {
		watcher.Close()
		return nil, fmt.Errorf("failed to watch directory: %w", err)
	}

	cw.wg.Add(1)
	go cw.watchLoop()

	return cw, nil
}

// Stop stops the config watcher
func (cw *ConfigWatcher) Stop() {
	close(cw.stopCh)
	cw.watcher.Close()
	cw.wg.Wait()
}

// watchLoop runs the file watching loop
func (cw *ConfigWatcher) watchLoop() {
	defer cw.wg.Done()

	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}

			if filepath.Clean(event.Name) != cw.filename {
				continue
			}

			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) {
				cw.handleFileChange()
			}

		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			cw.logger.Warn("config watcher error", zap.Error(err))

		case <-cw.stopCh:
			return
		}
	}
}

// handleFileChange handles a config file change event
func (cw *ConfigWatcher) handleFileChange() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	info, err := os.Stat(cw.filename)
	if err != nil {
		cw.logger.Warn("error checking config file", zap.Error(err))
		return
	}

	// Editors often emit several events per save
	if info.ModTime().Equal(cw.lastModTime) {
		return
	}
	cw.lastModTime = info.ModTime()

	// Small delay to ensure file write is complete
	time.Sleep(100 * time.Millisecond)

	config, err := LoadConfig(cw.filename)
	if err != nil {
		cw.logger.Error("error reloading config", zap.Error(err))
		return
	}

	cw.logger.Info("config file changed, reloading", zap.String("file", cw.filename))
	cw.onReload(config)
}
