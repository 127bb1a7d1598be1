package core

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// EntrySink receives entries from producers; *LogManager implements it
type EntrySink interface {
	Log(entry *LogEntry)
}

// InputPlugin interface for entry sources
type InputPlugin interface {
	Start() error
	Stop() error
	SetSink(sink EntrySink)
}

// ManagerState is the lifecycle state of a LogManager
type ManagerState int32

const (
	ManagerUnconfigured ManagerState = iota
	ManagerConfigured
	ManagerDraining
	ManagerCompleted
)

func (s ManagerState) String() string {
	switch s {
	case ManagerUnconfigured:
		return "unconfigured"
	case ManagerConfigured:
		return "configured"
	case ManagerDraining:
		return "draining"
	case ManagerCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// ManagerConfig configures the broadcaster
type ManagerConfig struct {
	MaxDegreeOfParallelism int `yaml:"max_degree_of_parallelism"` // 0 = number of CPUs
}

// Validate validates the ManagerConfig
func (c ManagerConfig) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.MaxDegreeOfParallelism, validation.Min(0).Error("must be no less than 0")),
	)
}

// lane carries entries to one target in submission order
type lane struct {
	target  Target
	entries *queue[*LogEntry]
}

// LogManager fans every logged entry out to the linked targets. Each target
// whose predicate accepts an entry receives its own clone, in the order the
// entries were logged.
type LogManager struct {
	input       *queue[*LogEntry]
	targets     []Target
	lanes       []*lane
	slots       *semaphore.Weighted // bounds concurrent dispatch across lanes
	parallelism int
	logger      *zap.Logger
	metrics     *Metrics
	dropped     atomic.Uint64

	mu      sync.Mutex // serializes lifecycle transitions
	state   atomic.Int32
	wg      sync.WaitGroup
	drained chan struct{}
}

// NewLogManager creates an unconfigured manager. Entries logged before
// Configure are retained and fanned out once targets are linked.
func NewLogManager(opts ...Option) *LogManager {
	o := buildOptions(opts)
	return &LogManager{
		input:   newQueue[*LogEntry](),
		logger:  o.logger.Named("manager"),
		metrics: o.metrics,
		drained: make(chan struct{}),
	}
}

// Log submits an entry without blocking. It never fails from the caller's
// point of view; entries logged after Complete are dropped.
func (m *LogManager) Log(entry *LogEntry) {
	if entry == nil {
		return
	}
	m.metrics.logged()
	if !m.input.push(entry) {
		m.dropped.Add(1)
		m.metrics.dropped("closed", 1)
	}
}

// LogMessage builds an entry and logs it
func (m *LogManager) LogMessage(message any, categories ...string) {
	m.Log(NewLogEntry(message, categories...))
}

// Configure links the targets and starts fan-out: one router moving logged
// entries into a lane per target, and one dispatcher per lane. At most
// MaxDegreeOfParallelism dispatchers run predicates and offers at a time.
// Calling it again after a successful call is a no-op.
func (m *LogManager) Configure(cfg ManagerConfig, targets ...Target) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case ManagerUnconfigured:
	case ManagerConfigured:
		m.logger.Debug("manager already configured")
		return nil
	default:
		return ErrManagerCompleted
	}

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParallelism, err)
	}

	names := make(map[string]struct{}, len(targets))
	linked := make([]Target, 0, len(targets))
	for i, t := range targets {
		if t == nil {
			return fmt.Errorf("target #%d is nil", i+1)
		}
		if _, exists := names[t.Name()]; exists {
			return fmt.Errorf("%w: %s", ErrAlreadyLinked, t.Name())
		}
		names[t.Name()] = struct{}{}
		linked = append(linked, t)
	}

	parallelism := cfg.MaxDegreeOfParallelism
	if parallelism == 0 {
		parallelism = runtime.NumCPU()
	}
	m.targets = linked
	m.parallelism = parallelism
	m.slots = semaphore.NewWeighted(int64(parallelism))
	m.lanes = make([]*lane, len(linked))
	for i, t := range linked {
		m.lanes[i] = &lane{target: t, entries: newQueue[*LogEntry]()}
	}

	m.wg.Add(1 + len(m.lanes))
	go m.route()
	for _, l := range m.lanes {
		go m.fanOut(l)
	}
	go m.finish()

	m.state.Store(int32(ManagerConfigured))
	m.logger.Info("log manager configured",
		zap.Int("targets", len(linked)),
		zap.Int("parallelism", parallelism),
		zap.Int("pending", m.input.len()))
	return nil
}

// Complete stops accepting entries, fans out what is already queued and then
// completes every target. It does not wait; use Wait or Shutdown for that.
func (m *LogManager) Complete() {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.State() {
	case ManagerUnconfigured:
		dropped := m.input.abort()
		m.dropped.Add(uint64(dropped))
		m.metrics.dropped("unconfigured", dropped)
		m.state.Store(int32(ManagerCompleted))
		close(m.drained)
		m.logger.Info("log manager completed before configuration", zap.Int("dropped", dropped))
	case ManagerConfigured:
		m.state.Store(int32(ManagerDraining))
		m.input.close()
		m.logger.Info("log manager draining", zap.Int("pending", m.input.len()))
	}
}

// Fault abandons queued entries and faults every linked target
func (m *LogManager) Fault(err error) {
	if err == nil {
		err = ErrManagerFaulted
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	state := m.State()
	if state == ManagerCompleted {
		return
	}

	dropped := m.input.abort()
	m.dropped.Add(uint64(dropped))
	m.metrics.dropped("faulted", dropped)
	for _, l := range m.lanes {
		if discarded := l.entries.abort(); discarded > 0 {
			m.logger.Debug("lane discarded", zap.String("target", l.target.Name()), zap.Int("entries", discarded))
		}
	}
	m.logger.Error("log manager faulted", zap.Error(err), zap.Int("dropped", dropped))

	for _, t := range m.targets {
		t.Fault(err)
	}

	if state == ManagerUnconfigured {
		m.state.Store(int32(ManagerCompleted))
		close(m.drained)
		return
	}
	m.state.Store(int32(ManagerDraining))
}

// Wait blocks until every target has settled and returns their combined errors
func (m *LogManager) Wait(ctx context.Context) error {
	select {
	case <-m.drained:
	case <-ctx.Done():
		return ctx.Err()
	}

	var err error
	for _, t := range m.targets {
		if terr := t.Err(); terr != nil {
			err = multierr.Append(err, fmt.Errorf("target %s: %w", t.Name(), terr))
		}
	}
	return err
}

// Shutdown completes the manager and waits for all targets
func (m *LogManager) Shutdown(ctx context.Context) error {
	m.Complete()
	return m.Wait(ctx)
}

// Done is closed once the manager and all its targets have settled
func (m *LogManager) Done() <-chan struct{} {
	return m.drained
}

// State returns the lifecycle state
func (m *LogManager) State() ManagerState {
	return ManagerState(m.state.Load())
}

// Dropped returns the number of entries dropped by the manager itself
func (m *LogManager) Dropped() uint64 {
	return m.dropped.Load()
}

// Targets returns the linked targets
func (m *LogManager) Targets() []Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	targets := make([]Target, len(m.targets))
	copy(targets, m.targets)
	return targets
}

// Target returns the linked target with the given name
func (m *LogManager) Target(name string) (Target, bool) {
	for _, t := range m.Targets() {
		if t.Name() == name {
			return t, true
		}
	}
	return nil, false
}

// route moves logged entries into every lane and closes the lanes once the
// input is drained
func (m *LogManager) route() {
	defer m.wg.Done()
	defer func() {
		for _, l := range m.lanes {
			l.entries.close()
		}
	}()

	for {
		entry, ok := m.input.pop()
		if !ok {
			return
		}
		m.metrics.managerDepth(m.input.len())
		if len(m.lanes) == 0 {
			m.dropped.Add(1)
			m.metrics.dropped("no_targets", 1)
			continue
		}
		for _, l := range m.lanes {
			l.entries.push(entry)
		}
	}
}

// fanOut is the only consumer of its lane, so a target sees entries in the
// order they were logged
func (m *LogManager) fanOut(l *lane) {
	defer m.wg.Done()
	for {
		entry, ok := l.entries.pop()
		if !ok {
			return
		}
		_ = m.slots.Acquire(context.Background(), 1)
		m.dispatch(l.target, entry)
		m.slots.Release(1)
	}
}

// dispatch offers a private clone of entry to t. A panicking predicate faults
// only that target.
func (m *LogManager) dispatch(t Target, entry *LogEntry) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("target panicked during dispatch", zap.String("target", t.Name()), zap.Any("panic", r))
			t.Fault(fmt.Errorf("%w: %v", ErrTargetPanic, r))
		}
	}()

	if !t.ShouldLog(entry) {
		m.metrics.rejected(t.Name(), "filtered")
		return
	}
	t.Offer(entry.Clone())
}

// finish completes the targets once every lane is drained
func (m *LogManager) finish() {
	m.wg.Wait()

	for _, t := range m.targets {
		t.Complete()
	}
	for _, t := range m.targets {
		<-t.Completion()
	}

	m.state.Store(int32(ManagerCompleted))
	m.logger.Info("log manager completed", zap.Uint64("dropped", m.dropped.Load()))
	close(m.drained)
}
