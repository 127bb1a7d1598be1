package file

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mbiondo/logfanout/core"
	"github.com/mbiondo/logfanout/plugins/target/format"
)

func init() {
	// Auto-register this plugin
	core.RegisterOutputPlugin("file", NewFileOutputFromConfig)
}

// Config represents file output configuration
type Config struct {
	FilePath string `yaml:"file_path"`
	Format   string `yaml:"format,omitempty"` // "text" or "json" (one JSON object per line)
	Sync     bool   `yaml:"sync,omitempty"`   // fsync after every write or batch
}

// NewFileOutputFromConfig creates a file output from configuration map
func NewFileOutputFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewFileOutput(cfg)
}

// FileOutput appends entries to a file. It supports single writes and
// batches; a batch is flushed to disk once.
type FileOutput struct {
	filePath string
	format   string
	sync     bool
	file     *os.File
	writer   *bufio.Writer
	mu       sync.Mutex
}

// NewFileOutput creates a new file output
func NewFileOutput(config Config) (*FileOutput, error) {
	if config.FilePath == "" {
		return nil, fmt.Errorf("file path cannot be empty")
	}
	name, err := format.Validate(config.Format)
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(filepath.Dir(config.FilePath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create directory for %s: %w", config.FilePath, err)
	}

	file, err := os.OpenFile(config.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - path from operator config
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", config.FilePath, err)
	}

	return &FileOutput{
		filePath: config.FilePath,
		format:   name,
		sync:     config.Sync,
		file:     file,
		writer:   bufio.NewWriter(file),
	}, nil
}

// Write writes a log entry to the file
func (f *FileOutput) Write(entry *core.LogEntry) error {
	return f.WriteBatch([]*core.LogEntry{entry})
}

// WriteBatch writes all entries and flushes once
func (f *FileOutput) WriteBatch(entries []*core.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return fmt.Errorf("file output is closed")
	}

	for _, entry := range entries {
		line, err := format.Line(f.format, entry)
		if err != nil {
			return err
		}
		if _, err := f.writer.Write(line); err != nil {
			return fmt.Errorf("failed to write to file: %w", err)
		}
	}

	// Flush to ensure data is written
	if err := f.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush file: %w", err)
	}
	if f.sync {
		if err := f.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync file: %w", err)
		}
	}

	return nil
}

// Close closes the file output
func (f *FileOutput) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.file == nil {
		return nil
	}

	file := f.file
	f.file = nil
	if err := f.writer.Flush(); err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to flush writer: %w", err)
	}
	return file.Close()
}
