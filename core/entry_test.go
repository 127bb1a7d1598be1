package core

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogEntry(t *testing.T) {
	before := time.Now().UTC()
	entry := NewLogEntry("disk almost full", "Warning", "storage")
	after := time.Now().UTC()

	assert.Equal(t, "disk almost full", entry.Message())
	assert.Equal(t, []string{"Warning", "storage"}, entry.Categories())
	assert.Equal(t, time.UTC, entry.OccurredOn().Location())
	assert.False(t, entry.OccurredOn().Before(before))
	assert.False(t, entry.OccurredOn().After(after))
	assert.Equal(t, 0, entry.Properties().Len())
}

func TestLogEntryCategoriesAreCopied(t *testing.T) {
	cats := []string{"a", "b"}
	entry := NewLogEntry("msg", cats...)
	cats[0] = "changed"

	assert.Equal(t, []string{"a", "b"}, entry.Categories())
}

func TestLogEntryHasCategory(t *testing.T) {
	entry := NewLogEntry("msg", "Error", "db")

	assert.True(t, entry.HasCategory("error"))
	assert.True(t, entry.HasCategory("DB"))
	assert.False(t, entry.HasCategory("info"))
	assert.False(t, NewLogEntry("msg").HasCategory("error"))
}

func TestLogEntryText(t *testing.T) {
	tests := []struct {
		name    string
		message any
		want    string
	}{
		{"string", "hello", "hello"},
		{"error", errors.New("broken pipe"), "broken pipe"},
		{"number", 42, "42"},
		{"nil", nil, ""},
		{"struct", struct{ A int }{7}, "{7}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NewLogEntry(tt.message).Text())
		})
	}
}

func TestLogEntryCategoriesCannotBeChangedByCallers(t *testing.T) {
	entry := NewLogEntry("msg", "a", "b")

	cats := entry.Categories()
	cats[0] = "changed"
	_ = append(cats[:1], "appended")

	assert.Equal(t, []string{"a", "b"}, entry.Categories())
	assert.True(t, entry.HasCategory("a"))
	assert.False(t, entry.HasCategory("changed"))
}

func TestLogEntryCloneIsIndependent(t *testing.T) {
	original := NewLogEntry("msg", "a").WithProperty("user", "alice")
	clone := original.Clone()

	clone.WithProperty("user", "bob").WithProperty("extra", 1)

	assert.Equal(t, []string{"a"}, original.Categories())
	user, _ := original.Properties().GetString("user")
	assert.Equal(t, "alice", user)
	assert.Equal(t, 1, original.Properties().Len())

	assert.Equal(t, original.Message(), clone.Message())
	assert.Equal(t, original.OccurredOn(), clone.OccurredOn())
	assert.Equal(t, 2, clone.Properties().Len())
}

func TestLogEntryJSON(t *testing.T) {
	entry := NewLogEntry(errors.New("timeout"), "error", "http").
		WithProperty("status", 504).
		WithProperty("path", "/api")

	data, err := json.Marshal(entry)
	require.NoError(t, err)

	var wire map[string]any
	require.NoError(t, json.Unmarshal(data, &wire))
	assert.Equal(t, "timeout", wire["message"])
	assert.Equal(t, []any{"error", "http"}, wire["categories"])
	assert.Contains(t, wire, "occurred_on")

	var decoded LogEntry
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, "timeout", decoded.Text())
	assert.Equal(t, entry.Categories(), decoded.Categories())
	assert.True(t, entry.OccurredOn().Equal(decoded.OccurredOn()))
	assert.Equal(t, []string{"status", "path"}, decoded.Properties().Keys())
}

func TestLogEntryJSONOmitsEmptyProperties(t *testing.T) {
	data, err := json.Marshal(NewLogEntry("plain"))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "properties")
	assert.NotContains(t, string(data), "categories")
}

func TestPropertiesKeepInsertionOrder(t *testing.T) {
	p := NewProperties()
	p.Set("zeta", 1)
	p.Set("alpha", 2)
	p.Set("mid", 3)
	p.Set("alpha", 4) // overwrite keeps position

	assert.Equal(t, []string{"zeta", "alpha", "mid"}, p.Keys())
	v, ok := p.Get("alpha")
	require.True(t, ok)
	assert.Equal(t, 4, v)

	data, err := json.Marshal(p)
	require.NoError(t, err)
	assert.Equal(t, `{"zeta":1,"alpha":4,"mid":3}`, string(data))
}

func TestPropertiesUnmarshalKeepsOrder(t *testing.T) {
	var p Properties
	require.NoError(t, json.Unmarshal([]byte(`{"b":"x","a":{"n":1},"c":[1,2]}`), &p))

	assert.Equal(t, []string{"b", "a", "c"}, p.Keys())
	s, ok := p.GetString("b")
	require.True(t, ok)
	assert.Equal(t, "x", s)

	_, ok = p.GetString("missing")
	assert.False(t, ok)

	assert.Error(t, json.Unmarshal([]byte(`[1,2]`), &p))
}

func TestPropertiesRangeStops(t *testing.T) {
	p := NewProperties()
	p.Set("a", 1)
	p.Set("b", 2)
	p.Set("c", 3)

	var visited []string
	p.Range(func(key string, _ any) bool {
		visited = append(visited, key)
		return key != "b"
	})
	assert.Equal(t, []string{"a", "b"}, visited)
}
