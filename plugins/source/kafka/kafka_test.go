package kafkasource

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"

	"github.com/mbiondo/logfanout/core"
)

func TestParseStartOffsetKeywords(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{name: "default empty", input: "", expected: kafka.LastOffset},
		{name: "latest keyword", input: "latest", expected: kafka.LastOffset},
		{name: "earliest keyword", input: "earliest", expected: kafka.FirstOffset},
		{name: "mixed case", input: "BeGiNnInG", expected: kafka.FirstOffset},
		{name: "numeric", input: "42", expected: 42},
	}

	for _, tt := range tests {
		result, err := parseStartOffset(tt.input)
		if err != nil {
			t.Fatalf("%s: expected no error, got %v", tt.name, err)
		}

		if result != tt.expected {
			t.Errorf("%s: expected %d, got %d", tt.name, tt.expected, result)
		}
	}
}

func TestParseStartOffsetInvalid(t *testing.T) {
	if _, err := parseStartOffset("not-a-number"); err == nil {
		t.Fatal("expected error for invalid offset, got nil")
	}
}

func TestBuildEntry(t *testing.T) {
	msg := kafka.Message{
		Topic:     "logs",
		Partition: 3,
		Offset:    101,
		Key:       []byte("order-42"),
		Headers: []kafka.Header{
			{Key: "Level", Value: []byte("ERROR")},
			{Key: "Env", Value: []byte("prod")},
		},
		Value: []byte("service failed"),
	}

	entry := buildEntry(msg, []string{"orders"})

	if cats := entry.Categories(); len(cats) != 2 || cats[0] != "error" || cats[1] != "orders" {
		t.Fatalf("expected categories [error orders], got %v", cats)
	}
	if entry.Text() != "service failed" {
		t.Fatalf("expected message 'service failed', got %s", entry.Text())
	}

	props := entry.Properties()
	expected := map[string]string{
		"source":     "kafka",
		"topic":      "logs",
		"partition":  "3",
		"offset":     "101",
		"key":        "order-42",
		"header.env": "prod",
	}
	for key, want := range expected {
		if got, _ := props.GetString(key); got != want {
			t.Errorf("expected property %s=%s, got %s", key, want, got)
		}
	}

	bare := buildEntry(kafka.Message{Value: []byte("x")}, nil)
	if len(bare.Categories()) != 0 {
		t.Errorf("expected no categories, got %v", bare.Categories())
	}
	if _, ok := bare.Properties().Get("key"); ok {
		t.Error("expected no key property for a keyless record")
	}
}

func TestNewKafkaSourceFromConfigValidation(t *testing.T) {
	if _, err := NewKafkaSourceFromConfig(map[string]any{"topic": "logs"}); err == nil {
		t.Fatal("expected error when brokers are missing")
	}
	if _, err := NewKafkaSourceFromConfig(map[string]any{"brokers": []string{"localhost:9092"}}); err == nil {
		t.Fatal("expected error when topic is missing")
	}
	if _, err := NewKafkaSourceFromConfig(map[string]any{
		"brokers":      []string{"localhost:9092"},
		"topic":        "logs",
		"start_offset": "yesterday",
	}); err == nil {
		t.Fatal("expected error for an invalid start offset")
	}
}

func TestNewKafkaSourceFromConfigSuccess(t *testing.T) {
	plugin, err := NewKafkaSourceFromConfig(map[string]any{
		"brokers":      []string{"localhost:9092"},
		"topic":        "logs",
		"group_id":     "logfanout",
		"start_offset": "earliest",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	source, ok := plugin.(*KafkaSource)
	if !ok {
		t.Fatalf("expected *KafkaSource, got %T", plugin)
	}
	if source.config.GroupID != "logfanout" {
		t.Errorf("expected group 'logfanout', got %s", source.config.GroupID)
	}
	if _, ok := source.reader.(*kafka.Reader); !ok {
		t.Fatalf("expected *kafka.Reader, got %T", source.reader)
	}
	if err := source.Stop(); err != nil {
		t.Errorf("stop before start failed: %v", err)
	}
}

// fakeReader serves queued messages, then blocks until cancelled
type fakeReader struct {
	mu        sync.Mutex
	messages  []kafka.Message
	failures  int
	committed []int64
	closed    bool
}

func (r *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	r.mu.Lock()
	if r.failures > 0 {
		r.failures--
		r.mu.Unlock()
		return kafka.Message{}, errors.New("broker unavailable")
	}
	if len(r.messages) > 0 {
		msg := r.messages[0]
		r.messages = r.messages[1:]
		r.mu.Unlock()
		return msg, nil
	}
	r.mu.Unlock()

	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (r *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *fakeReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

type collectingSink struct {
	mu      sync.Mutex
	entries []*core.LogEntry
}

func (s *collectingSink) Log(entry *core.LogEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *collectingSink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func TestKafkaSourceConsumes(t *testing.T) {
	reader := &fakeReader{
		failures: 3,
		messages: []kafka.Message{
			{Topic: "logs", Offset: 1, Value: []byte("a")},
			{Topic: "logs", Offset: 2, Value: []byte("b")},
		},
	}
	source := newKafkaSource(Config{Brokers: []string{"b"}, Topic: "logs", GroupID: "g"}, reader)

	if err := source.Start(); err == nil {
		t.Fatal("expected error starting without a sink")
	}

	sink := &collectingSink{}
	source.SetSink(sink)
	if err := source.Start(); err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if err := source.Start(); err == nil {
		t.Error("expected error on second start")
	}

	deadline := time.Now().Add(5 * time.Second)
	for sink.Len() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sink.Len() != 2 {
		t.Fatalf("expected 2 entries, got %d", sink.Len())
	}

	if err := source.Stop(); err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if err := source.Stop(); err != nil {
		t.Errorf("second stop failed: %v", err)
	}

	reader.mu.Lock()
	defer reader.mu.Unlock()
	if !reader.closed {
		t.Error("expected reader to be closed")
	}
	if len(reader.committed) != 2 || reader.committed[1] != 2 {
		t.Errorf("expected offsets 1 and 2 committed, got %v", reader.committed)
	}
}

func TestFetchBackOffGrowsAndNeverStops(t *testing.T) {
	pause := newFetchBackOff()

	var last time.Duration
	for i := 0; i < 50; i++ {
		wait := pause.NextBackOff()
		if wait == backoff.Stop {
			t.Fatalf("fetch retries must not give up (attempt %d)", i+1)
		}
		if wait > 15*time.Second {
			t.Fatalf("wait %v exceeds the jittered cap", wait)
		}
		last = wait
	}
	if last < 5*time.Second {
		t.Errorf("expected the wait to approach the cap, got %v", last)
	}

	pause.Reset()
	if wait := pause.NextBackOff(); wait > 300*time.Millisecond {
		t.Errorf("expected reset to start over, got %v", wait)
	}
}
