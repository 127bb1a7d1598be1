package attribute

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/tidwall/gjson"

	"github.com/mbiondo/logfanout/core"
)

func init() {
	// Auto-register this plugin
	core.RegisterFilterPlugin("attribute", NewAttributeFilterFromConfig)
}

// Operators
const (
	OpEquals   = "equals"
	OpContains = "contains"
	OpRegex    = "regex"
	OpExists   = "exists"
)

// Documents the path is evaluated against
const (
	SourceMessage    = "message"
	SourceProperties = "properties"
)

// Config represents attribute filter configuration
type Config struct {
	Path     string `yaml:"path"`               // slash separated, e.g. "http/status_code"
	Operator string `yaml:"operator,omitempty"` // equals (default), contains, regex, exists
	Value    string `yaml:"value,omitempty"`
	Source   string `yaml:"source,omitempty"` // message (default) or properties
	Mode     string `yaml:"mode,omitempty"`   // include (default) or exclude
}

// Validate validates the Config
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.Operator, validation.In("", OpEquals, OpContains, OpRegex, OpExists)),
		validation.Field(&c.Value, validation.When(c.Operator == OpRegex, validation.Required, validation.By(compiles))),
		validation.Field(&c.Source, validation.In("", SourceMessage, SourceProperties)),
		validation.Field(&c.Mode, validation.In("", "include", "exclude").Error("must be 'include' or 'exclude'")),
	)
}

func compiles(value any) error {
	_, err := regexp.Compile(value.(string))
	return err
}

// NewAttributeFilterFromConfig creates an attribute filter from configuration map
func NewAttributeFilterFromConfig(config map[string]any) (any, error) {
	var cfg Config
	if err := core.GetPluginConfig(config, &cfg); err != nil {
		return nil, err
	}

	return NewAttributeFilter(cfg)
}

// AttributeFilter matches a JSON attribute of the message or of the
// properties. Entries whose document is not JSON or lacks the attribute
// do not match.
type AttributeFilter struct {
	path       string
	operator   string
	value      string
	regex      *regexp.Regexp
	properties bool
	exclude    bool
}

// NewAttributeFilter creates a new attribute filter
func NewAttributeFilter(cfg Config) (*AttributeFilter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	f := &AttributeFilter{
		path:       toGjsonPath(cfg.Path),
		operator:   cfg.Operator,
		value:      cfg.Value,
		properties: cfg.Source == SourceProperties,
		exclude:    cfg.Mode == "exclude",
	}
	if f.operator == "" {
		f.operator = OpEquals
	}
	if f.operator == OpRegex {
		f.regex = regexp.MustCompile(cfg.Value)
	}
	return f, nil
}

// Process reports whether the entry should be logged
func (f *AttributeFilter) Process(entry *core.LogEntry) bool {
	matched := f.matches(entry)
	if f.exclude {
		return !matched
	}
	return matched
}

func (f *AttributeFilter) matches(entry *core.LogEntry) bool {
	doc, ok := f.document(entry)
	if !ok || !gjson.ValidBytes(doc) {
		return false
	}

	value := gjson.GetBytes(doc, f.path)
	if !value.Exists() {
		return false
	}

	switch f.operator {
	case OpExists:
		return true
	case OpContains:
		return strings.Contains(value.String(), f.value)
	case OpRegex:
		return f.regex.MatchString(value.String())
	default:
		return value.String() == f.value
	}
}

// document returns the JSON the path is evaluated against
func (f *AttributeFilter) document(entry *core.LogEntry) ([]byte, bool) {
	if f.properties {
		data, err := json.Marshal(entry.Properties())
		return data, err == nil
	}

	switch msg := entry.Message().(type) {
	case string:
		return []byte(msg), true
	case []byte:
		return msg, true
	case json.RawMessage:
		return msg, true
	case error, fmt.Stringer, nil:
		return nil, false
	default:
		data, err := json.Marshal(msg)
		return data, err == nil
	}
}

// toGjsonPath converts "a/b.c/d" to the gjson path "a.b\.c.d"
func toGjsonPath(userPath string) string {
	parts := strings.Split(userPath, "/")
	for i, part := range parts {
		parts[i] = strings.ReplaceAll(part, ".", `\.`)
	}
	return strings.Join(parts, ".")
}
