package logger

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, "info", config.Level)
	assert.Equal(t, "console", config.Format)
	assert.Equal(t, "stdout", config.Output)
	assert.False(t, config.Caller)
	assert.False(t, config.Async)
}

func TestNew(t *testing.T) {
	tests := []struct {
		name    string
		config  *Config
		wantErr bool
	}{
		{
			name:    "nil config uses default",
			config:  nil,
			wantErr: false,
		},
		{
			name: "valid json config",
			config: &Config{
				Level:  "debug",
				Format: "json",
				Output: "stdout",
			},
			wantErr: false,
		},
		{
			name: "invalid log level",
			config: &Config{
				Level:  "invalid",
				Format: "console",
				Output: "stdout",
			},
			wantErr: true,
		},
		{
			name: "invalid format",
			config: &Config{
				Level:  "info",
				Format: "invalid",
				Output: "stdout",
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger, err := New(tt.config)

			if tt.wantErr {
				assert.Error(t, err)
				assert.Nil(t, logger)
			} else {
				assert.NoError(t, err)
				assert.NotNil(t, logger)
			}
		})
	}
}

func TestLogger_LogLevels(t *testing.T) {
	var buf bytes.Buffer

	originalLevel := zerolog.GlobalLevel()
	zerolog.SetGlobalLevel(zerolog.DebugLevel)
	defer zerolog.SetGlobalLevel(originalLevel)

	testLogger := &Logger{
		logger: zerolog.New(&buf).With().Timestamp().Logger(),
		config: &Config{Level: "debug", Format: "json", Output: "stdout"},
	}

	testLogger.Debug("debug message")
	testLogger.Info("info message")
	testLogger.Warn("warn message")
	testLogger.Error("error message")

	output := buf.String()
	assert.Contains(t, output, "debug message")
	assert.Contains(t, output, "info message")
	assert.Contains(t, output, "warn message")
	assert.Contains(t, output, "error message")

	// 每行必须是合法的JSON
	for i, line := range strings.Split(strings.TrimSpace(output), "\n") {
		if line == "" {
			continue
		}
		var logEntry map[string]interface{}
		err := json.Unmarshal([]byte(line), &logEntry)
		assert.NoError(t, err, "line %d should be valid JSON: %s", i, line)
		assert.Contains(t, logEntry, "time")
		assert.Contains(t, logEntry, "level")
		assert.Contains(t, logEntry, "message")
	}
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer

	testLogger := &Logger{
		logger: zerolog.New(&buf).With().Timestamp().Logger(),
		config: &Config{Level: "info", Format: "json", Output: "stdout"},
	}

	testLogger.With("charge_point_id", "CP001").Info("boot accepted")

	var logEntry map[string]interface{}
	err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "CP001", logEntry["charge_point_id"])
	assert.Equal(t, "boot accepted", logEntry["message"])
}

func TestLogger_SetLevel(t *testing.T) {
	logger, err := New(&Config{Level: "info", Format: "console", Output: "stdout"})
	require.NoError(t, err)

	err = logger.SetLevel("debug")
	assert.NoError(t, err)
	assert.Equal(t, "debug", logger.GetLevel())

	err = logger.SetLevel("invalid")
	assert.Error(t, err)
	assert.Equal(t, "debug", logger.GetLevel())
}

func TestLogger_ErrorWithErr(t *testing.T) {
	var buf bytes.Buffer

	testLogger := &Logger{
		logger: zerolog.New(&buf).With().Timestamp().Logger(),
		config: &Config{Level: "error", Format: "json", Output: "stdout"},
	}

	testLogger.ErrorWithErr(assert.AnError, "operation failed")

	var logEntry map[string]interface{}
	err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &logEntry)
	require.NoError(t, err)

	assert.Equal(t, "operation failed", logEntry["message"])
	assert.Equal(t, "error", logEntry["level"])
	assert.Contains(t, logEntry, "error")
}

func TestGlobalLogger(t *testing.T) {
	originalLogger := globalLogger
	defer func() { globalLogger = originalLogger }()

	_, err := New(&Config{Level: "debug", Format: "console", Output: "stdout"})
	assert.NoError(t, err)
	assert.NotNil(t, globalLogger)

	// 全局函数不应panic
	Debug("debug message")
	Info("info message")
	Debugf("debug %s", "formatted")
	Infof("info %s", "formatted")
	Warnf("warn %s", "formatted")
	Errorf("error %s", "formatted")
	ErrorWithErr(assert.AnError, "error with err")
}
