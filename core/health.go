package core

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// PluginHealth represents the health status of a target
type PluginHealth int

const (
	HealthUnknown PluginHealth = iota
	HealthHealthy
	HealthUnhealthy
)

func (h PluginHealth) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler
func (h PluginHealth) MarshalText() ([]byte, error) {
	return []byte(h.String()), nil
}

// HealthChecker is an optional interface that sinks can implement
// to provide custom health check logic
type HealthChecker interface {
	CheckHealth(ctx context.Context) error
}

// healthCheckTimeout bounds a single sink health check
const healthCheckTimeout = 10 * time.Second

// TargetHealth is the health of one target
type TargetHealth struct {
	Status PluginHealth `json:"status"`
	State  string       `json:"state"`
	Error  string       `json:"error,omitempty"`
}

// HealthReport is the health of a manager and its targets
type HealthReport struct {
	Status  PluginHealth            `json:"status"`
	State   string                  `json:"state"`
	Targets map[string]TargetHealth `json:"targets"`
}

// CheckHealth reports the target state and, while running, the sink health
func (t *SingleTarget) CheckHealth(ctx context.Context) error {
	return checkTargetHealth(ctx, t.targetBase, t.output)
}

// CheckHealth reports the target state and, while running, the sink health
func (t *BatchTarget) CheckHealth(ctx context.Context) error {
	return checkTargetHealth(ctx, t.targetBase, t.output)
}

func checkTargetHealth(ctx context.Context, b *targetBase, sink any) error {
	switch b.State() {
	case StateFaulted:
		return fmt.Errorf("target faulted: %w", b.Err())
	case StateCompleted:
		return ErrTargetClosed
	}

	checker, ok := sink.(HealthChecker)
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()
	return checker.CheckHealth(ctx)
}

// Health checks every linked target concurrently
func (m *LogManager) Health(ctx context.Context) HealthReport {
	targets := m.Targets()
	report := HealthReport{
		Status:  HealthHealthy,
		State:   m.State().String(),
		Targets: make(map[string]TargetHealth, len(targets)),
	}

	var mu sync.Mutex
	var wg sync.WaitGroup
	for _, t := range targets {
		wg.Add(1)
		go func(t Target) {
			defer wg.Done()

			th := TargetHealth{Status: HealthHealthy, State: t.State().String()}
			if checker, ok := t.(HealthChecker); ok {
				if err := checker.CheckHealth(ctx); err != nil {
					th.Status = HealthUnhealthy
					th.Error = err.Error()
				}
			} else if err := t.Err(); err != nil {
				th.Status = HealthUnhealthy
				th.Error = err.Error()
			}

			mu.Lock()
			report.Targets[t.Name()] = th
			if th.Status != HealthHealthy {
				report.Status = HealthUnhealthy
			}
			mu.Unlock()
		}(t)
	}
	wg.Wait()

	if m.State() == ManagerUnconfigured {
		report.Status = HealthUnknown
	}
	return report
}
