package regex

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/mbiondo/logfanout/core"
)

func init() {
	// Auto-register this plugin
	core.RegisterFilterPlugin("regex", NewRegexFilterFromConfig)
}

// Config represents regex filter configuration
type Config struct {
	Patterns []string `yaml:"patterns"`
	Mode     string   `yaml:"mode,omitempty"`     // "include" or "exclude"
	Field    string   `yaml:"field,omitempty"`    // "message", "categories", "property" or "all"
	Property string   `yaml:"property,omitempty"` // Property key when field is "property"
}

// NewRegexFilterFromConfig creates a regex filter from configuration map
func NewRegexFilterFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewRegexFilter(cfg)
}

// RegexFilter filters entries based on regular expressions
type RegexFilter struct {
	patterns []*regexp.Regexp
	mode     string // "include" or "exclude"
	field    string
	property string
}

// NewRegexFilter creates a new regex filter
func NewRegexFilter(cfg Config) (*RegexFilter, error) {
	if cfg.Mode == "" {
		cfg.Mode = "include"
	}
	if cfg.Field == "" {
		cfg.Field = "message"
	}

	if cfg.Mode != "include" && cfg.Mode != "exclude" {
		return nil, fmt.Errorf("invalid mode '%s', must be 'include' or 'exclude'", cfg.Mode)
	}
	switch cfg.Field {
	case "message", "categories", "all":
	case "property":
		if cfg.Property == "" {
			return nil, fmt.Errorf("property key is required when field is 'property'")
		}
	default:
		return nil, fmt.Errorf("invalid field '%s'", cfg.Field)
	}

	compiledPatterns := make([]*regexp.Regexp, 0, len(cfg.Patterns))
	for _, pattern := range cfg.Patterns {
		compiled, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		compiledPatterns = append(compiledPatterns, compiled)
	}

	return &RegexFilter{
		patterns: compiledPatterns,
		mode:     cfg.Mode,
		field:    cfg.Field,
		property: cfg.Property,
	}, nil
}

// Process determines if an entry should be kept based on regex matching
func (f *RegexFilter) Process(entry *core.LogEntry) bool {
	// Get the text to match against
	var text string
	switch f.field {
	case "categories":
		text = strings.Join(entry.Categories(), " ")
	case "property":
		value, ok := entry.Properties().GetString(f.property)
		if !ok {
			return f.mode == "exclude"
		}
		text = value
	case "all":
		text = strings.Join(entry.Categories(), " ") + " " + entry.Text()
	default: // "message"
		text = entry.Text()
	}

	// Check if any pattern matches
	matches := false
	for _, pattern := range f.patterns {
		if pattern.MatchString(text) {
			matches = true
			break
		}
	}

	// Return based on mode
	if f.mode == "exclude" {
		return !matches
	}
	return matches
}
