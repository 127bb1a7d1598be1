package core

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	validation "github.com/go-ozzo/ozzo-validation/v4"
	"go.uber.org/zap"
)

// RetryConfig defines how failed sink writes are retried and dead-lettered
type RetryConfig struct {
	MaxRetries    int           `yaml:"max_retries"`     // Max retry attempts (0 = no retry)
	RetryInterval time.Duration `yaml:"retry_interval"`  // Initial retry interval
	MaxRetryDelay time.Duration `yaml:"max_retry_delay"` // Max backoff delay
	DLQPath       string        `yaml:"dlq_path"`        // Directory for dead letter files (empty = disabled)
}

// Validate validates the RetryConfig
func (r RetryConfig) Validate() error {
	if r.MaxRetries == 0 && r.RetryInterval == 0 && r.MaxRetryDelay == 0 && r.DLQPath == "" {
		return nil
	}
	return validation.ValidateStruct(&r,
		validation.Field(&r.MaxRetries, validation.Min(0).Error("must be no less than 0"), validation.Max(100).Error("must be no greater than 100")),
		validation.Field(&r.RetryInterval, validation.Min(time.Duration(0)).Error("must be no less than 0"), validation.Max(time.Hour).Error("must be no greater than 1h0m0s")),
		validation.Field(&r.MaxRetryDelay, validation.Min(time.Duration(0)).Error("must be no less than 0"), validation.Max(24*time.Hour).Error("must be no greater than 24h0m0s")),
		validation.Field(&r.DLQPath, validation.Length(0, 500).Error("the length must be no more than 500")),
	)
}

// DefaultRetryConfig returns the retry settings used when a definition sets max_retries only
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:    3,
		RetryInterval: 200 * time.Millisecond,
		MaxRetryDelay: 5 * time.Second,
	}
}

// deadLetter is one line of a dead letter file
type deadLetter struct {
	Target   string      `json:"target"`
	Error    string      `json:"error"`
	FailedAt time.Time   `json:"failed_at"`
	Entries  []*LogEntry `json:"entries"`
}

// retrier retries sink writes with exponential backoff and records
// exhausted failures in a JSONL dead letter file
type retrier struct {
	config  RetryConfig
	target  string
	logger  *zap.Logger
	dlqMu   sync.Mutex
	dlqFile *os.File
}

func newRetrier(target string, config RetryConfig, logger *zap.Logger) (*retrier, error) {
	defaults := DefaultRetryConfig()
	if config.MaxRetries > 0 && config.RetryInterval == 0 {
		config.RetryInterval = defaults.RetryInterval
	}
	if config.MaxRetryDelay == 0 {
		config.MaxRetryDelay = defaults.MaxRetryDelay
	}

	r := &retrier{
		config: config,
		target: target,
		logger: logger,
	}

	if config.DLQPath != "" {
		if err := os.MkdirAll(config.DLQPath, 0750); err != nil {
			return nil, fmt.Errorf("failed to create DLQ directory: %w", err)
		}
		dlqPath := filepath.Join(config.DLQPath, fmt.Sprintf("%s-dlq.jsonl", target))
		file, err := os.OpenFile(dlqPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - path constructed from controlled inputs
		if err != nil {
			return nil, fmt.Errorf("failed to open DLQ file: %w", err)
		}
		r.dlqFile = file
	}

	return r, nil
}

// newBackOff returns an exponential policy starting at RetryInterval,
// doubling per attempt, capped at MaxRetryDelay and limited to MaxRetries
func (r *retrier) newBackOff(ctx context.Context) backoff.BackOff {
	if r.config.MaxRetries == 0 {
		// WithMaxRetries treats 0 as unlimited
		return backoff.WithContext(&backoff.StopBackOff{}, ctx)
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = r.config.RetryInterval
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxInterval = r.config.MaxRetryDelay
	exp.MaxElapsedTime = 0
	exp.Reset()

	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(r.config.MaxRetries)), ctx)
}

// do calls write until it succeeds, retries are exhausted or ctx is done.
// It returns the number of retries performed and the last write error.
func (r *retrier) do(ctx context.Context, write func() error) (int, error) {
	calls := 0
	var lastErr error
	err := backoff.RetryNotify(func() error {
		calls++
		lastErr = write()
		return lastErr
	}, r.newBackOff(ctx), func(err error, wait time.Duration) {
		r.logger.Debug("retrying sink write", zap.Error(err), zap.Int("attempt", calls), zap.Duration("backoff", wait))
	})
	if err != nil && lastErr != nil {
		// a cancelled context reports ctx.Err(); the sink error is more useful
		err = lastErr
	}
	return calls - 1, err
}

// deadLetter appends the failed entries to the DLQ file; false when disabled or on error
func (r *retrier) deadLetter(entries []*LogEntry, cause error) bool {
	if r.dlqFile == nil {
		return false
	}

	data, err := json.Marshal(deadLetter{
		Target:   r.target,
		Error:    cause.Error(),
		FailedAt: time.Now().UTC(),
		Entries:  entries,
	})
	if err != nil {
		r.logger.Error("error marshaling dead letter", zap.Error(err))
		return false
	}

	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()
	if r.dlqFile == nil {
		return false
	}
	if _, err := r.dlqFile.Write(append(data, '\n')); err != nil {
		r.logger.Error("error writing dead letter", zap.Error(err))
		return false
	}
	return true
}

func (r *retrier) close() error {
	r.dlqMu.Lock()
	defer r.dlqMu.Unlock()
	if r.dlqFile == nil {
		return nil
	}
	err := r.dlqFile.Close()
	r.dlqFile = nil
	return err
}
