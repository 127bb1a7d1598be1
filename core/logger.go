package core

import (
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogConfig configures the diagnostic logger of the pipeline itself
type LogConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json or console
	Development bool   `yaml:"development"` // Development mode (stack traces on warn)
}

var pipelineLogger atomic.Pointer[zap.Logger]

func init() {
	pipelineLogger.Store(zap.NewNop())
}

// SetLogger replaces the package logger used by components created without WithLogger
func SetLogger(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	pipelineLogger.Store(l)
}

// Logger returns the package logger
func Logger() *zap.Logger {
	return pipelineLogger.Load()
}

// NewLogger builds a zap logger from configuration
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(strings.ToLower(cfg.Level))); err != nil {
			return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
		}
	}

	var zcfg zap.Config
	if cfg.Development {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(level)

	switch cfg.Format {
	case "", "json":
		zcfg.Encoding = "json"
	case "console":
		zcfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("invalid log format %q, must be 'json' or 'console'", cfg.Format)
	}

	return zcfg.Build()
}
