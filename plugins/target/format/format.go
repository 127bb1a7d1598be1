// Package format renders entries for line-oriented sinks.
package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mbiondo/logfanout/core"
)

// Supported formats
const (
	Text = "text"
	JSON = "json"
)

// TimeLayout is the timestamp layout of the text format
const TimeLayout = "2006-01-02 15:04:05.000"

// Validate checks a format name; empty means text
func Validate(name string) (string, error) {
	switch name {
	case "":
		return Text, nil
	case Text, JSON:
		return name, nil
	default:
		return "", fmt.Errorf("invalid format '%s', must be 'text' or 'json'", name)
	}
}

// Line renders the entry as a single line terminated by '\n'
func Line(name string, entry *core.LogEntry) ([]byte, error) {
	if name == JSON {
		data, err := json.Marshal(entry)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal entry: %w", err)
		}
		return append(data, '\n'), nil
	}
	return []byte(TextLine(entry) + "\n"), nil
}

// TextLine renders "[time] categories: message key=value ..."
func TextLine(entry *core.LogEntry) string {
	var b strings.Builder
	b.WriteString("[")
	b.WriteString(entry.OccurredOn().Format(TimeLayout))
	b.WriteString("] ")
	if cats := entry.Categories(); len(cats) > 0 {
		b.WriteString(strings.Join(cats, ","))
		b.WriteString(": ")
	}
	b.WriteString(entry.Text())
	entry.Properties().Range(func(key string, value any) bool {
		fmt.Fprintf(&b, " %s=%v", key, value)
		return true
	})
	return b.String()
}
