package console

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/plugins/target/format"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("console", NewConsoleOutputFromConfig)
}

// Config represents console output configuration
type Config struct {
	Target string `yaml:"target,omitempty"` // "stdout" or "stderr"
	Format string `yaml:"format,omitempty"` // "text" or "json"
}

// NewConsoleOutputFromConfig creates a console output from configuration map
func NewConsoleOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewConsoleOutput(cfg)
}

// ConsoleOutput writes log entries to stdout/stderr one line at a time
type ConsoleOutput struct {
	config     Config
	writer     io.Writer
	closeMutex sync.Mutex
	closed     bool
}

// NewConsoleOutput creates a new console output plugin
func NewConsoleOutput(config Config) (*ConsoleOutput, error) {
	// Set defaults
	if config.Target == "" {
		config.Target = "stdout"
	}

	// Validate target
	var writer io.Writer
	switch config.Target {
	case "stdout":
		writer = os.Stdout
	case "stderr":
		writer = os.Stderr
	default:
		return nil, fmt.Errorf("invalid target '%s', must be 'stdout' or 'stderr'", config.Target)
	}

	name, err := format.Validate(config.Format)
	if err != nil {
		return nil, err
	}
	config.Format = name

	return &ConsoleOutput{
		config: config,
		writer: writer,
	}, nil
}

// NewConsoleOutputWithDefaults creates a console output with default settings
func NewConsoleOutputWithDefaults() (*ConsoleOutput, error) {
	return NewConsoleOutput(Config{})
}

// Write writes a log entry to the console
func (c *ConsoleOutput) Write(entry *core.LogEntry) error {
	line, err := format.Line(c.config.Format, entry)
	if err != nil {
		return err
	}

	// Lines from concurrent workers must not interleave
	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()

	if c.closed {
		return fmt.Errorf("console output is closed")
	}

	_, err = c.writer.Write(line)
	return err
}

// Close closes the console output (no-op for stdout/stderr)
func (c *ConsoleOutput) Close() error {
	c.closeMutex.Lock()
	defer c.closeMutex.Unlock()

	c.closed = true
	return nil
}
