package core

import (
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockSource emits a fixed set of entries when started
type mockSource struct {
	messages []string
	sink     EntrySink
	started  bool
	stopped  bool
}

func (m *mockSource) Start() error {
	m.started = true
	for _, msg := range m.messages {
		m.sink.Log(NewLogEntry(msg, "source"))
	}
	return nil
}

func (m *mockSource) Stop() error {
	m.stopped = true
	return nil
}

func (m *mockSource) SetSink(sink EntrySink) { m.sink = sink }

// mockBatchOutput supports both single and batch writes
type mockBatchOutput struct {
	recordingBatchOutput
}

func (m *mockBatchOutput) Write(entry *LogEntry) error {
	return m.WriteBatch([]*LogEntry{entry})
}

var (
	mockMu      sync.Mutex
	mockOutputs = map[string]any{}
)

func lastMockOutput(name string) any {
	mockMu.Lock()
	defer mockMu.Unlock()
	return mockOutputs[name]
}

func init() {
	RegisterSourcePlugin("mock", func(config map[string]any) (any, error) {
		var cfg struct {
			Messages []string `yaml:"messages"`
		}
		if err := GetPluginConfig(config, &cfg); err != nil {
			return nil, err
		}
		return &mockSource{messages: cfg.Messages}, nil
	})
	RegisterSourcePlugin("mock-not-source", func(map[string]any) (any, error) {
		return struct{}{}, nil
	})

	RegisterOutputPlugin("mock-single", func(config map[string]any) (any, error) {
		out := &recordingOutput{}
		if id, ok := config["id"].(string); ok {
			mockMu.Lock()
			mockOutputs[id] = out
			mockMu.Unlock()
		}
		return out, nil
	})
	RegisterOutputPlugin("mock-batch", func(config map[string]any) (any, error) {
		out := &recordingBatchOutput{}
		if id, ok := config["id"].(string); ok {
			mockMu.Lock()
			mockOutputs[id] = out
			mockMu.Unlock()
		}
		return out, nil
	})
	RegisterOutputPlugin("mock-both", func(map[string]any) (any, error) {
		return &mockBatchOutput{}, nil
	})
	RegisterOutputPlugin("mock-broken", func(map[string]any) (any, error) {
		return nil, errors.New("cannot connect")
	})
	RegisterOutputPlugin("mock-not-output", func(map[string]any) (any, error) {
		return "nope", nil
	})

	RegisterFilterPlugin("mock-category", func(config map[string]any) (any, error) {
		category, _ := config["category"].(string)
		return categoryFilter(category), nil
	})
}

func TestCreateSourcePlugin(t *testing.T) {
	source, err := CreateSourcePlugin("mock", map[string]any{"messages": []any{"a", "b"}})
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, source.(*mockSource).messages)

	_, err = CreateSourcePlugin("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownPlugin)

	_, err = CreateSourcePlugin("mock-not-source", nil)
	assert.Error(t, err)
}

func TestCreateOutputPlugin(t *testing.T) {
	single, err := CreateOutputPlugin("mock-single", nil)
	require.NoError(t, err)
	assert.Implements(t, (*OutputPlugin)(nil), single)

	batched, err := CreateOutputPlugin("mock-batch", nil)
	require.NoError(t, err)
	assert.Implements(t, (*BatchOutputPlugin)(nil), batched)

	_, err = CreateOutputPlugin("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownPlugin)

	_, err = CreateOutputPlugin("mock-broken", nil)
	assert.ErrorContains(t, err, "cannot connect")

	_, err = CreateOutputPlugin("mock-not-output", nil)
	assert.ErrorContains(t, err, "implements neither")
}

func TestCreateFilterPlugin(t *testing.T) {
	filter, err := CreateFilterPlugin("mock-category", map[string]any{"category": "audit"})
	require.NoError(t, err)
	assert.True(t, filter.Process(NewLogEntry("x", "audit")))
	assert.False(t, filter.Process(NewLogEntry("x", "info")))

	_, err = CreateFilterPlugin("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownPlugin)
}

func TestListPlugins(t *testing.T) {
	assert.Contains(t, ListSourcePlugins(), "mock")
	assert.Contains(t, ListOutputPlugins(), "mock-batch")
	assert.Contains(t, ListFilterPlugins(), "mock-category")

	outputs := ListOutputPlugins()
	assert.IsIncreasing(t, outputs)
}

func TestConcurrentRegistryAccess(t *testing.T) {
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			RegisterFilterPlugin("mock-concurrent", func(map[string]any) (any, error) {
				return FilterFunc(func(*LogEntry) bool { return true }), nil
			})
		}()
		go func() {
			defer wg.Done()
			_ = ListFilterPlugins()
			_, _ = CreateFilterPlugin("mock-category", nil)
		}()
	}
	wg.Wait()

	assert.Contains(t, ListFilterPlugins(), "mock-concurrent")
}
