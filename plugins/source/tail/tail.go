package tailsource

import (
	"fmt"
	"io"
	"regexp"
	"strings"
	"sync"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/hpcloud/tail"
	"go.uber.org/zap"

	"github.com/mbiondo/logfanout/core"
)

func init() {
	// Auto-register this plugin
	core.RegisterSourcePlugin("tail", NewTailSourceFromConfig)
}

// Config represents tail source configuration
type Config struct {
	Path          string   `yaml:"path"`
	FromBeginning bool     `yaml:"from_beginning,omitempty"` // read existing content instead of seeking to the end
	Poll          *bool    `yaml:"poll,omitempty"`           // poll for changes instead of inotify, default true
	Categories    []string `yaml:"categories,omitempty"`     // categories added to every entry
	ParseLevel    bool     `yaml:"parse_level,omitempty"`    // a leading "[LEVEL]" becomes a category
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
	)
}

// NewTailSourceFromConfig creates a tail source from configuration map
func NewTailSourceFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewTailSource(cfg)
}

// TailSource follows a file and logs one entry per line
type TailSource struct {
	config  Config
	sink    core.EntrySink
	tail    *tail.Tail
	logger  *zap.Logger
	stopCh  chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
}

// NewTailSource creates a new tail source
func NewTailSource(config Config) (*TailSource, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.Poll == nil {
		poll := true
		config.Poll = &poll
	}

	return &TailSource{
		config: config,
		stopCh: make(chan struct{}),
		logger: core.Logger().Named("tail").With(zap.String("path", config.Path)),
	}, nil
}

// SetSink sets the sink receiving the entries
func (s *TailSource) SetSink(sink core.EntrySink) {
	s.sink = sink
}

// Start begins following the file
func (s *TailSource) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.sink == nil {
		return fmt.Errorf("tail source has no sink")
	}
	if s.tail != nil {
		return fmt.Errorf("tail source already started")
	}

	location := &tail.SeekInfo{Offset: 0, Whence: io.SeekEnd}
	if s.config.FromBeginning {
		location = &tail.SeekInfo{Offset: 0, Whence: io.SeekStart}
	}

	t, err := tail.TailFile(s.config.Path, tail.Config{
		Follow:   true,
		ReOpen:   true,
		Poll:     *s.config.Poll,
		Location: location,
		Logger:   tail.DiscardingLogger,
	})
	if err != nil {
		return fmt.Errorf("failed to tail %s: %w", s.config.Path, err)
	}
	s.tail = t

	s.wg.Add(1)
	go s.readLines()
	s.logger.Info("tail source started")
	return nil
}

// Stop stops following the file and waits for the reader to exit
func (s *TailSource) Stop() error {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return nil
	}
	s.stopped = true
	t := s.tail
	s.mu.Unlock()

	if t == nil {
		close(s.stopCh)
		return nil
	}

	// The reader keeps draining Lines until the tailer has exited
	err := t.Stop()
	close(s.stopCh)
	s.wg.Wait()
	t.Cleanup()
	s.logger.Info("tail source stopped")
	return err
}

func (s *TailSource) readLines() {
	defer s.wg.Done()

	for {
		select {
		case line, ok := <-s.tail.Lines:
			if !ok {
				return
			}
			if line == nil {
				continue
			}
			if line.Err != nil {
				s.logger.Warn("error reading line", zap.Error(line.Err))
				continue
			}
			if entry := s.parseLine(line.Text); entry != nil {
				s.sink.Log(entry)
			}
		case <-s.stopCh:
			return
		}
	}
}

var levelPrefix = regexp.MustCompile(`^\[([A-Za-z]+)\]\s*`)

// parseLine builds the entry for a line; blank lines yield nil
func (s *TailSource) parseLine(line string) *core.LogEntry {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil
	}

	categories := make([]string, 0, len(s.config.Categories)+1)
	if s.config.ParseLevel {
		if m := levelPrefix.FindStringSubmatch(line); m != nil {
			categories = append(categories, normalizeLevel(m[1]))
			line = line[len(m[0]):]
		}
	}
	categories = append(categories, s.config.Categories...)

	return core.NewLogEntry(line, categories...).
		WithProperty("source", "tail").
		WithProperty("file", s.config.Path)
}

func normalizeLevel(level string) string {
	level = strings.ToLower(level)
	switch level {
	case "err":
		return "error"
	case "warning":
		return "warn"
	}
	return level
}
