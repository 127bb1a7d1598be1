package category

import (
	"fmt"
	"strings"

	"github.com/mbiondo/logfanout/core"
)

func init() {
	// Auto-register this plugin
	core.RegisterFilterPlugin("category", NewCategoryFilterFromConfig)
}

// Config represents category filter configuration
type Config struct {
	Categories []string `yaml:"categories"`
	Mode       string   `yaml:"mode,omitempty"` // "include" or "exclude"
}

// NewCategoryFilterFromConfig creates a category filter from configuration map
func NewCategoryFilterFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewCategoryFilter(cfg.Categories, cfg.Mode)
}

// CategoryFilter filters entries by their categories
type CategoryFilter struct {
	categories map[string]bool
	exclude    bool
}

// NewCategoryFilter creates a new category filter. Matching is case-insensitive.
func NewCategoryFilter(categories []string, mode string) (*CategoryFilter, error) {
	var exclude bool
	switch mode {
	case "", "include":
	case "exclude":
		exclude = true
	default:
		return nil, fmt.Errorf("invalid mode '%s', must be 'include' or 'exclude'", mode)
	}

	set := make(map[string]bool, len(categories))
	for _, c := range categories {
		set[strings.ToLower(c)] = true
	}
	return &CategoryFilter{
		categories: set,
		exclude:    exclude,
	}, nil
}

// Process reports whether the entry should be logged. In include mode an
// entry needs at least one listed category; in exclude mode it must have none.
func (f *CategoryFilter) Process(entry *core.LogEntry) bool {
	matches := false
	for _, c := range entry.Categories() {
		if f.categories[strings.ToLower(c)] {
			matches = true
			break
		}
	}

	if f.exclude {
		return !matches
	}
	return matches
}
