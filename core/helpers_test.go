package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// recordingOutput records every entry written to it
type recordingOutput struct {
	mu      sync.Mutex
	entries []*LogEntry
	closed  atomic.Bool
	delay   time.Duration
	fail    atomic.Int32 // number of writes that fail before succeeding
	active  atomic.Int32
	maxSeen atomic.Int32
}

func (o *recordingOutput) Write(entry *LogEntry) error {
	active := o.active.Add(1)
	defer o.active.Add(-1)
	for {
		seen := o.maxSeen.Load()
		if active <= seen || o.maxSeen.CompareAndSwap(seen, active) {
			break
		}
	}

	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.fail.Load() > 0 {
		o.fail.Add(-1)
		return errors.New("write failed")
	}

	o.mu.Lock()
	o.entries = append(o.entries, entry)
	o.mu.Unlock()
	return nil
}

func (o *recordingOutput) Close() error {
	o.closed.Store(true)
	return nil
}

func (o *recordingOutput) Entries() []*LogEntry {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]*LogEntry, len(o.entries))
	copy(out, o.entries)
	return out
}

func (o *recordingOutput) Len() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.entries)
}

// recordedBatch is a batch as seen by a recordingBatchOutput
type recordedBatch struct {
	entries []*LogEntry
	at      time.Time
}

// recordingBatchOutput records every batch written to it
type recordingBatchOutput struct {
	mu      sync.Mutex
	batches []recordedBatch
	closed  atomic.Bool
	delay   time.Duration
	err     error
}

func (o *recordingBatchOutput) WriteBatch(entries []*LogEntry) error {
	if o.delay > 0 {
		time.Sleep(o.delay)
	}
	if o.err != nil {
		return o.err
	}

	o.mu.Lock()
	o.batches = append(o.batches, recordedBatch{entries: entries, at: time.Now()})
	o.mu.Unlock()
	return nil
}

func (o *recordingBatchOutput) Close() error {
	o.closed.Store(true)
	return nil
}

func (o *recordingBatchOutput) Batches() []recordedBatch {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]recordedBatch, len(o.batches))
	copy(out, o.batches)
	return out
}

func (o *recordingBatchOutput) Total() int {
	total := 0
	for _, b := range o.Batches() {
		total += len(b.entries)
	}
	return total
}

// panicOutput panics on every write
type panicOutput struct{}

func (panicOutput) Write(*LogEntry) error { panic("boom") }
func (panicOutput) Close() error          { return nil }

// categoryFilter accepts entries carrying the category
func categoryFilter(category string) FilterPlugin {
	return FilterFunc(func(e *LogEntry) bool { return e.HasCategory(category) })
}

func waitSettled(t *testing.T, target Target) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := Wait(ctx, target)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "target %s did not settle", target.Name())
	return err
}

func shutdown(t *testing.T, m *LogManager) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := m.Shutdown(ctx)
	require.NotErrorIs(t, err, context.DeadlineExceeded, "manager did not settle")
	return err
}
