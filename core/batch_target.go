package core

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// batch is a contiguous run of entries closed by a flush trigger
type batch struct {
	entries []*LogEntry
	trigger string
}

// BatchTarget groups entries into batches closed by size or by a flush timer
// and hands each batch to a BatchOutputPlugin using up to
// MaxDegreeOfParallelism concurrent workers.
//
// A single batcher goroutine owns the pending batch and the flush timer. The
// timer is re-armed when a batch finishes processing, so a forced flush is
// measured from the completion of the previous one.
type BatchTarget struct {
	*targetBase
	output        BatchOutputPlugin
	batchSize     int
	flushInterval time.Duration
	queue         *queue[*LogEntry]
	batches       *queue[batch]
	finished      chan struct{}
}

// NewBatchTarget creates a batch target and starts its batcher and workers
func NewBatchTarget(cfg TargetConfig, output BatchOutputPlugin, opts ...Option) (*BatchTarget, error) {
	if output == nil {
		return nil, fmt.Errorf("target %q: output plugin is required", cfg.Name)
	}
	base, err := newTargetBase(cfg, buildOptions(opts))
	if err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	t := &BatchTarget{
		targetBase:    base,
		output:        output,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		queue:         newQueue[*LogEntry](),
		batches:       newQueue[batch](),
		finished:      make(chan struct{}, 1),
	}
	t.onFault = t.Fault

	t.wg.Add(t.parallelism + 1)
	go t.batcher()
	for i := 0; i < t.parallelism; i++ {
		go t.worker()
	}
	go t.settle(t.output.Close)

	t.logger.Debug("batch target started",
		zap.Int("parallelism", t.parallelism),
		zap.Int("batch_size", t.batchSize),
		zap.Duration("flush_interval", t.flushInterval))
	return t, nil
}

// BatchSize returns the size trigger
func (t *BatchTarget) BatchSize() int {
	return t.batchSize
}

// FlushInterval returns the time trigger
func (t *BatchTarget) FlushInterval() time.Duration {
	return t.flushInterval
}

// Offer enqueues an entry for batching
func (t *BatchTarget) Offer(entry *LogEntry) bool {
	if entry == nil || !t.queue.push(entry) {
		t.refused()
		return false
	}
	t.accepted()
	t.metrics.depth(t.name, t.queue.len())
	return true
}

// Complete stops accepting entries. The pending partial batch is flushed
// before the target settles.
func (t *BatchTarget) Complete() {
	if t.beginDrain() {
		t.logger.Debug("target draining", zap.Int("queued", t.queue.len()))
		t.queue.close()
	}
}

// Fault discards queued entries and batches and settles the target with err
func (t *BatchTarget) Fault(err error) {
	if !t.beginFault(err) {
		return
	}
	dropped := t.queue.abort()
	for _, b := range t.drainBatches() {
		dropped += len(b.entries)
	}
	if dropped > 0 {
		t.logger.Warn("fault discarded queued entries", zap.Int("dropped", dropped))
	}
}

// Stats returns a snapshot of the target counters
func (t *BatchTarget) Stats() TargetStats {
	return t.counters.snapshot(t.queue.len())
}

func (t *BatchTarget) drainBatches() []batch {
	pending, _ := t.batches.drain()
	t.batches.abort()
	return pending
}

func (t *BatchTarget) batcher() {
	defer t.wg.Done()

	pending := make([]*LogEntry, 0, t.batchSize)
	timer := time.NewTimer(t.flushInterval)
	defer timer.Stop()
	armed := true

	rearm := func() {
		if armed && !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(t.flushInterval)
		armed = true
	}

	emit := func(trigger string) {
		if len(pending) == 0 {
			return
		}
		b := batch{entries: pending, trigger: trigger}
		pending = make([]*LogEntry, 0, t.batchSize)
		if !t.batches.push(b) {
			return
		}
		t.counters.batches.Add(1)
		t.metrics.flushed(t.name, trigger, len(b.entries))
		t.logger.Debug("batch flushed", zap.String("trigger", trigger), zap.Int("size", len(b.entries)))
	}

	for {
		select {
		case <-t.queue.ready():
			items, done := t.queue.drain()
			for _, entry := range items {
				pending = append(pending, entry)
				if len(pending) >= t.batchSize {
					emit(FlushSize)
				}
			}
			if done {
				emit(FlushComplete)
				t.batches.close()
				return
			}

		case <-timer.C:
			armed = false
			if len(pending) > 0 {
				emit(FlushTimer)
			} else {
				rearm()
			}

		case <-t.finished:
			rearm()

		case <-t.ctx.Done():
			return
		}
	}
}

func (t *BatchTarget) worker() {
	defer t.wg.Done()
	for {
		b, ok := t.batches.pop()
		if !ok {
			return
		}
		t.deliver(b.entries, func() error {
			return t.output.WriteBatch(b.entries)
		})
		select {
		case t.finished <- struct{}{}:
		default:
		}
	}
}
