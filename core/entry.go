package core

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogEntry is a structured log event. Message, categories and timestamp are
// fixed at construction; properties may only be appended while the producer
// is still building the entry.
type LogEntry struct {
	message    any
	categories []string
	occurredOn time.Time
	properties *Properties
}

// NewLogEntry creates a new entry stamped with the current UTC time
func NewLogEntry(message any, categories ...string) *LogEntry {
	cats := make([]string, len(categories))
	copy(cats, categories)
	return &LogEntry{
		message:    message,
		categories: cats,
		occurredOn: time.Now().UTC(),
		properties: NewProperties(),
	}
}

// WithProperty appends an auxiliary property and returns the entry
func (e *LogEntry) WithProperty(key string, value any) *LogEntry {
	e.properties.Set(key, value)
	return e
}

// Message returns the opaque payload
func (e *LogEntry) Message() any {
	return e.message
}

// Text returns the message rendered as a string
func (e *LogEntry) Text() string {
	switch m := e.message.(type) {
	case nil:
		return ""
	case string:
		return m
	case error:
		return m.Error()
	default:
		return fmt.Sprint(m)
	}
}

// Categories returns a copy of the category tags of this entry
func (e *LogEntry) Categories() []string {
	cats := make([]string, len(e.categories))
	copy(cats, e.categories)
	return cats
}

// HasCategory reports whether the entry carries the category (case-insensitive)
func (e *LogEntry) HasCategory(category string) bool {
	for _, c := range e.categories {
		if strings.EqualFold(c, category) {
			return true
		}
	}
	return false
}

// OccurredOn returns the UTC creation time
func (e *LogEntry) OccurredOn() time.Time {
	return e.occurredOn
}

// Properties returns the auxiliary property map
func (e *LogEntry) Properties() *Properties {
	return e.properties
}

// Clone returns a copy that shares no mutable state with e
func (e *LogEntry) Clone() *LogEntry {
	cats := make([]string, len(e.categories))
	copy(cats, e.categories)
	return &LogEntry{
		message:    e.message,
		categories: cats,
		occurredOn: e.occurredOn,
		properties: e.properties.Clone(),
	}
}

type entryJSON struct {
	Message    any         `json:"message"`
	Categories []string    `json:"categories,omitempty"`
	OccurredOn time.Time   `json:"occurred_on"`
	Properties *Properties `json:"properties,omitempty"`
}

// MarshalJSON implements json.Marshaler
func (e *LogEntry) MarshalJSON() ([]byte, error) {
	wire := entryJSON{
		Message:    e.message,
		Categories: e.categories,
		OccurredOn: e.occurredOn,
	}
	if err, ok := e.message.(error); ok {
		wire.Message = err.Error()
	}
	if e.properties.Len() > 0 {
		wire.Properties = e.properties
	}
	return json.Marshal(wire)
}

// UnmarshalJSON implements json.Unmarshaler
func (e *LogEntry) UnmarshalJSON(data []byte) error {
	var wire entryJSON
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	e.message = wire.Message
	e.categories = wire.Categories
	if e.categories == nil {
		e.categories = []string{}
	}
	e.occurredOn = wire.OccurredOn.UTC()
	e.properties = wire.Properties
	if e.properties == nil {
		e.properties = NewProperties()
	}
	return nil
}
