package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LogConfig
		wantErr bool
		level   zapcore.Level
	}{
		{name: "defaults", cfg: LogConfig{}, level: zapcore.InfoLevel},
		{name: "debug console", cfg: LogConfig{Level: "debug", Format: "console"}, level: zapcore.DebugLevel},
		{name: "upper case level", cfg: LogConfig{Level: "WARN", Format: "json"}, level: zapcore.WarnLevel},
		{name: "development", cfg: LogConfig{Level: "error", Development: true}, level: zapcore.ErrorLevel},
		{name: "bad level", cfg: LogConfig{Level: "loud"}, wantErr: true},
		{name: "bad format", cfg: LogConfig{Format: "xml"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := NewLogger(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.True(t, logger.Core().Enabled(tt.level))
			if tt.level > zapcore.DebugLevel {
				assert.False(t, logger.Core().Enabled(tt.level-1))
			}
		})
	}
}

func TestSetLogger(t *testing.T) {
	previous := Logger()
	defer SetLogger(previous)

	core, logs := observer.New(zapcore.InfoLevel)
	SetLogger(zap.New(core))

	manager := NewLogManager()
	require.NoError(t, manager.Configure(ManagerConfig{}))
	require.NoError(t, shutdown(t, manager))

	configured := logs.FilterMessage("log manager configured").All()
	require.Len(t, configured, 1)
	assert.Equal(t, "manager", configured[0].LoggerName)
	assert.NotEmpty(t, logs.FilterMessage("log manager completed").All())

	SetLogger(nil)
	assert.NotNil(t, Logger())
}
