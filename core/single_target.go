package core

import (
	"fmt"

	"go.uber.org/zap"
)

// SingleTarget hands entries to an OutputPlugin one at a time using up to
// MaxDegreeOfParallelism concurrent workers
type SingleTarget struct {
	*targetBase
	output OutputPlugin
	queue  *queue[*LogEntry]
}

// NewSingleTarget creates a target and starts its workers
func NewSingleTarget(cfg TargetConfig, output OutputPlugin, opts ...Option) (*SingleTarget, error) {
	if output == nil {
		return nil, fmt.Errorf("target %q: output plugin is required", cfg.Name)
	}
	base, err := newTargetBase(cfg, buildOptions(opts))
	if err != nil {
		return nil, err
	}

	t := &SingleTarget{
		targetBase: base,
		output:     output,
		queue:      newQueue[*LogEntry](),
	}
	t.onFault = t.Fault

	t.wg.Add(t.parallelism)
	for i := 0; i < t.parallelism; i++ {
		go t.worker()
	}
	go t.settle(t.output.Close)

	t.logger.Debug("single target started", zap.Int("parallelism", t.parallelism))
	return t, nil
}

// Offer enqueues an entry for processing
func (t *SingleTarget) Offer(entry *LogEntry) bool {
	if entry == nil || !t.queue.push(entry) {
		t.refused()
		return false
	}
	t.accepted()
	t.metrics.depth(t.name, t.queue.len())
	return true
}

// Complete stops accepting entries; queued entries are still processed
func (t *SingleTarget) Complete() {
	if t.beginDrain() {
		t.logger.Debug("target draining", zap.Int("queued", t.queue.len()))
		t.queue.close()
	}
}

// Fault discards queued entries and settles the target with err
func (t *SingleTarget) Fault(err error) {
	if !t.beginFault(err) {
		return
	}
	if dropped := t.queue.abort(); dropped > 0 {
		t.logger.Warn("fault discarded queued entries", zap.Int("dropped", dropped))
	}
}

// Stats returns a snapshot of the target counters
func (t *SingleTarget) Stats() TargetStats {
	return t.counters.snapshot(t.queue.len())
}

func (t *SingleTarget) worker() {
	defer t.wg.Done()
	for {
		entry, ok := t.queue.pop()
		if !ok {
			return
		}
		t.deliver([]*LogEntry{entry}, func() error {
			return t.output.Write(entry)
		})
	}
}
