package tailsource

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbiondo/logfanout/core"
)

type collectingSink struct {
	mu      sync.Mutex
	entries []*core.LogEntry
}

func (s *collectingSink) Log(entry *core.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *collectingSink) Entries() []*core.LogEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*core.LogEntry(nil), s.entries...)
}

func TestNewTailSource(t *testing.T) {
	_, err := NewTailSource(Config{})
	assert.Error(t, err, "path is required")

	source, err := NewTailSource(Config{Path: "/var/log/app.log"})
	require.NoError(t, err)
	assert.True(t, *source.config.Poll, "polling is the default")

	plugin, err := core.CreateSourcePlugin("tail", map[string]any{"path": "/var/log/app.log", "poll": false})
	require.NoError(t, err)
	assert.False(t, *plugin.(*TailSource).config.Poll)
}

func TestStartWithoutSink(t *testing.T) {
	source, err := NewTailSource(Config{Path: filepath.Join(t.TempDir(), "app.log")})
	require.NoError(t, err)
	assert.Error(t, source.Start())
	assert.NoError(t, source.Stop())
}

func TestParseLine(t *testing.T) {
	source, err := NewTailSource(Config{Path: "app.log", ParseLevel: true, Categories: []string{"app"}})
	require.NoError(t, err)

	tests := []struct {
		line       string
		message    string
		categories []string
	}{
		{"[ERROR] disk full", "disk full", []string{"error", "app"}},
		{"[Warning]  slow", "slow", []string{"warn", "app"}},
		{"[err]x", "x", []string{"error", "app"}},
		{"plain line", "plain line", []string{"app"}},
		{"  [info] padded  ", "padded", []string{"info", "app"}},
	}

	for _, tt := range tests {
		entry := source.parseLine(tt.line)
		require.NotNil(t, entry, tt.line)
		assert.Equal(t, tt.message, entry.Text(), tt.line)
		assert.Equal(t, tt.categories, entry.Categories(), tt.line)
		file, _ := entry.Properties().GetString("file")
		assert.Equal(t, "app.log", file)
	}

	assert.Nil(t, source.parseLine("   "))

	plain, err := NewTailSource(Config{Path: "app.log"})
	require.NoError(t, err)
	entry := plain.parseLine("[ERROR] kept verbatim")
	assert.Equal(t, "[ERROR] kept verbatim", entry.Text())
	assert.Empty(t, entry.Categories())
}

func TestTailSourceFollowsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte("[INFO] existing\n"), 0644))

	source, err := NewTailSource(Config{Path: path, FromBeginning: true, ParseLevel: true})
	require.NoError(t, err)
	sink := &collectingSink{}
	source.SetSink(sink)
	require.NoError(t, source.Start())
	assert.Error(t, source.Start(), "second start must fail")

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString("[ERROR] appended\n\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	require.Eventually(t, func() bool {
		return len(sink.Entries()) == 2
	}, 10*time.Second, 20*time.Millisecond)

	entries := sink.Entries()
	assert.Equal(t, "existing", entries[0].Text())
	assert.Equal(t, []string{"error"}, entries[1].Categories())

	require.NoError(t, source.Stop())
	assert.NoError(t, source.Stop(), "stop is idempotent")
}
