package core

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// FilterPlugin interface for target predicates
type FilterPlugin interface {
	Process(entry *LogEntry) bool // Returns true if the entry should be logged
}

// StatefulFilter is a filter whose Process spends state, such as a rate
// budget. A target evaluates stateful filters after its pure ones so that
// entries rejected by a pure filter spend nothing.
type StatefulFilter interface {
	FilterPlugin
	Stateful() bool
}

func isStateful(f FilterPlugin) bool {
	s, ok := f.(StatefulFilter)
	return ok && s.Stateful()
}

// FilterFunc adapts a function to FilterPlugin
type FilterFunc func(entry *LogEntry) bool

// Process implements FilterPlugin
func (f FilterFunc) Process(entry *LogEntry) bool { return f(entry) }

// OutputPlugin is a sink that handles one entry at a time
type OutputPlugin interface {
	Write(entry *LogEntry) error
	Close() error
}

// BatchOutputPlugin is a sink that handles entries in batches
type BatchOutputPlugin interface {
	WriteBatch(entries []*LogEntry) error
	Close() error
}

// Target is a consumer of log entries linked to a LogManager
type Target interface {
	Name() string
	// ShouldLog is a side-effect free predicate evaluated before Offer
	ShouldLog(entry *LogEntry) bool
	// Offer enqueues the entry; it returns false once the target is completing or faulted
	Offer(entry *LogEntry) bool
	// Complete stops accepting entries and drains the queued work
	Complete()
	// Fault abandons queued work and settles the target with err
	Fault(err error)
	// Completion is closed once the target has settled
	Completion() <-chan struct{}
	// Err returns the fault reason after Completion is closed
	Err() error
	State() TargetState
	Stats() TargetStats
}

// TargetState is the lifecycle state of a target
type TargetState int32

const (
	StateAccepting TargetState = iota
	StateDraining
	StateCompleted
	StateFaulted
)

func (s TargetState) String() string {
	switch s {
	case StateAccepting:
		return "accepting"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateFaulted:
		return "faulted"
	default:
		return "unknown"
	}
}

// Settled reports whether the state is terminal
func (s TargetState) Settled() bool {
	return s == StateCompleted || s == StateFaulted
}

// TargetConfig holds the settings shared by single and batch targets
type TargetConfig struct {
	Name                   string        `yaml:"name"`
	MaxDegreeOfParallelism int           `yaml:"max_degree_of_parallelism"` // 0 = number of CPUs
	BatchSize              int           `yaml:"batch_size"`                // Batch targets only
	FlushInterval          time.Duration `yaml:"flush_interval"`            // Batch targets only
	FaultOnError           bool          `yaml:"fault_on_error"`            // Fault instead of continuing when retries are exhausted
	Retry                  RetryConfig   `yaml:"retry"`
}

// Default batch settings
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 2 * time.Second
)

// Validate validates the TargetConfig
func (c TargetConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Name, validation.Required, validation.Length(1, 200)),
		validation.Field(&c.MaxDegreeOfParallelism, validation.Min(0).Error("must be no less than 0")),
		validation.Field(&c.BatchSize, validation.Min(0).Error("must be no less than 0"), validation.Max(1000000).Error("must be no greater than 1000000")),
		validation.Field(&c.FlushInterval, validation.Min(time.Duration(0)).Error("must be no less than 0"), validation.Max(time.Hour).Error("must be no greater than 1h0m0s")),
		validation.Field(&c.Retry),
	)
}

func (c TargetConfig) withDefaults() TargetConfig {
	if c.MaxDegreeOfParallelism == 0 {
		c.MaxDegreeOfParallelism = runtime.NumCPU()
	}
	if c.BatchSize == 0 {
		c.BatchSize = DefaultBatchSize
	}
	if c.FlushInterval == 0 {
		c.FlushInterval = DefaultFlushInterval
	}
	return c
}

// TargetStats is a snapshot of target counters
type TargetStats struct {
	Offered      uint64
	Rejected     uint64
	Processed    uint64
	Failed       uint64
	Retried      uint64
	Batches      uint64
	DeadLettered uint64
	Queued       int
}

type targetCounters struct {
	offered      atomic.Uint64
	rejected     atomic.Uint64
	processed    atomic.Uint64
	failed       atomic.Uint64
	retried      atomic.Uint64
	batches      atomic.Uint64
	deadLettered atomic.Uint64
}

func (c *targetCounters) snapshot(queued int) TargetStats {
	return TargetStats{
		Offered:      c.offered.Load(),
		Rejected:     c.rejected.Load(),
		Processed:    c.processed.Load(),
		Failed:       c.failed.Load(),
		Retried:      c.retried.Load(),
		Batches:      c.batches.Load(),
		DeadLettered: c.deadLettered.Load(),
		Queued:       queued,
	}
}

// Option configures targets and managers
type Option func(*options)

type options struct {
	filters []FilterPlugin
	logger  *zap.Logger
	metrics *Metrics
}

// WithFilters sets the predicate of a target; all filters must accept an entry
func WithFilters(filters ...FilterPlugin) Option {
	return func(o *options) { o.filters = append(o.filters, filters...) }
}

// WithLogger sets the diagnostic logger
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMetrics sets the metrics sink
func WithMetrics(m *Metrics) Option {
	return func(o *options) { o.metrics = m }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.logger == nil {
		o.logger = Logger()
	}
	return o
}

// Wait blocks until t settles or ctx is done
func Wait(ctx context.Context, t Target) error {
	select {
	case <-t.Completion():
		return t.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// targetBase carries the lifecycle, predicate and delivery logic shared by
// SingleTarget and BatchTarget
type targetBase struct {
	name         string
	parallelism  int
	faultOnError bool
	filters      atomic.Pointer[[]FilterPlugin]
	logger       *zap.Logger
	metrics      *Metrics
	retry        *retrier
	counters     targetCounters

	// onFault is the concrete Fault so delivery failures abort the right queues
	onFault func(error)

	mu     sync.Mutex
	state  TargetState
	err    error
	done   chan struct{}
	ctx    context.Context // cancelled on fault, interrupts retry backoff
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newTargetBase(cfg TargetConfig, o options) (*targetBase, error) {
	if err := cfg.Validate(); err != nil {
		if cfg.MaxDegreeOfParallelism < 0 {
			return nil, fmt.Errorf("invalid target %q: %w: %v", cfg.Name, ErrInvalidParallelism, err)
		}
		return nil, fmt.Errorf("invalid target %q: %w", cfg.Name, err)
	}
	cfg = cfg.withDefaults()

	logger := o.logger.Named("target").With(zap.String("target", cfg.Name))
	retry, err := newRetrier(cfg.Name, cfg.Retry, logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	b := &targetBase{
		name:         cfg.Name,
		parallelism:  cfg.MaxDegreeOfParallelism,
		faultOnError: cfg.FaultOnError,
		logger:       logger,
		metrics:      o.metrics,
		retry:        retry,
		done:         make(chan struct{}),
		ctx:          ctx,
		cancel:       cancel,
	}
	b.SetFilters(o.filters...)
	return b, nil
}

// Name returns the target name
func (b *targetBase) Name() string {
	return b.name
}

// ShouldLog evaluates the filter chain
func (b *targetBase) ShouldLog(entry *LogEntry) bool {
	filters := b.filters.Load()
	if filters == nil {
		return true
	}
	for _, f := range *filters {
		if !f.Process(entry) {
			return false
		}
	}
	return true
}

// SetFilters atomically replaces the predicate. Stateful filters move to the
// end of the chain; the relative order within each group is kept.
func (b *targetBase) SetFilters(filters ...FilterPlugin) {
	chain := make([]FilterPlugin, 0, len(filters))
	for _, f := range filters {
		if !isStateful(f) {
			chain = append(chain, f)
		}
	}
	for _, f := range filters {
		if isStateful(f) {
			chain = append(chain, f)
		}
	}
	b.filters.Store(&chain)
}

// Completion is closed once the target has settled
func (b *targetBase) Completion() <-chan struct{} {
	return b.done
}

// Err returns the fault reason, nil while running or after a clean completion
func (b *targetBase) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// State returns the lifecycle state
func (b *targetBase) State() TargetState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// beginDrain moves Accepting to Draining; false if already past Accepting
func (b *targetBase) beginDrain() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateAccepting {
		return false
	}
	b.state = StateDraining
	return true
}

// beginFault records the fault reason; false if already faulted or settled
func (b *targetBase) beginFault(err error) bool {
	if err == nil {
		err = errors.New("target faulted")
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state == StateFaulted || b.state == StateCompleted {
		return false
	}
	b.state = StateFaulted
	b.err = err
	b.cancel()
	return true
}

// settle waits for the workers, closes the sink and resolves Completion
func (b *targetBase) settle(closeSink func() error) {
	b.wg.Wait()

	if err := closeSink(); err != nil {
		b.logger.Warn("error closing sink", zap.Error(err))
	}
	if err := b.retry.close(); err != nil {
		b.logger.Warn("error closing dead letter file", zap.Error(err))
	}

	b.mu.Lock()
	if b.state != StateFaulted {
		b.state = StateCompleted
	}
	state, err := b.state, b.err
	b.mu.Unlock()
	b.cancel()

	if state == StateFaulted {
		b.metrics.faulted(b.name)
		b.logger.Error("target faulted", zap.Error(err))
	} else {
		b.logger.Debug("target completed",
			zap.Uint64("processed", b.counters.processed.Load()),
			zap.Uint64("failed", b.counters.failed.Load()))
	}
	close(b.done)
}

// accepted records a successful Offer
func (b *targetBase) accepted() {
	b.counters.offered.Add(1)
	b.metrics.offered(b.name)
}

// refused records a rejected Offer
func (b *targetBase) refused() {
	b.counters.rejected.Add(1)
	b.metrics.rejected(b.name, "closed")
}

// deliver runs write with retries. Returned errors are isolated to this
// target; a panic in the sink faults the target.
func (b *targetBase) deliver(entries []*LogEntry, write func() error) {
	n := len(entries)
	defer func() {
		if r := recover(); r != nil {
			b.counters.failed.Add(uint64(n))
			b.metrics.failed(b.name, n)
			b.logger.Error("sink panicked", zap.Any("panic", r), zap.Int("entries", n))
			b.onFault(fmt.Errorf("%w: %v", ErrTargetPanic, r))
		}
	}()

	retries, err := b.retry.do(b.ctx, write)
	if retries > 0 {
		b.counters.retried.Add(uint64(retries))
		for i := 0; i < retries; i++ {
			b.metrics.retried(b.name)
		}
	}
	if err == nil {
		b.counters.processed.Add(uint64(n))
		b.metrics.processed(b.name, n)
		return
	}

	b.counters.failed.Add(uint64(n))
	b.metrics.failed(b.name, n)
	b.logger.Warn("sink write failed", zap.Error(err), zap.Int("entries", n), zap.Int("retries", retries))

	if b.retry.deadLetter(entries, err) {
		b.counters.deadLettered.Add(uint64(n))
	}
	if b.faultOnError {
		b.onFault(fmt.Errorf("sink write failed: %w", err))
	}
}
