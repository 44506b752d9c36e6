package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func saveLogger(t *testing.T) {
	originalLogger := Logger
	t.Cleanup(func() {
		Logger = originalLogger
	})
}

func TestInitLogger_DefaultConfig(t *testing.T) {
	saveLogger(t)

	err := InitLogger(DefaultLogConfig)
	assert.NoError(t, err)
	assert.NotNil(t, Logger)
}

func TestInitLogger_ConsoleDebug(t *testing.T) {
	saveLogger(t)

	err := InitLogger(LogConfig{Level: "debug", Format: "console", Output: "stderr"})
	assert.NoError(t, err)
	assert.True(t, Logger.Core().Enabled(zap.DebugLevel))
}

func TestInitLogger_InvalidLevel(t *testing.T) {
	saveLogger(t)

	err := InitLogger(LogConfig{Level: "invalid"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log level")
}

func TestInitLogger_InvalidOutput(t *testing.T) {
	saveLogger(t)

	err := InitLogger(LogConfig{Level: "info", Output: "syslog"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid log output")
}

func TestInitLogger_FileOutput(t *testing.T) {
	saveLogger(t)
	defer Close()

	testLogPath := filepath.Join(t.TempDir(), "nested", "series.log")

	err := InitLogger(LogConfig{
		Level:      "info",
		Format:     "json",
		Output:     "file",
		Filename:   testLogPath,
		MaxSize:    1,
		MaxBackups: 1,
		MaxAge:     1,
	})
	require.NoError(t, err)

	_, err = os.Stat(testLogPath)
	require.NoError(t, err, "log file should exist right after init")

	Logger.Info("refill completed", zap.String("series", "sensor_1"))
	Sync()

	content, err := os.ReadFile(testLogPath)
	require.NoError(t, err)
	assert.Contains(t, string(content), "refill completed")
	assert.Contains(t, string(content), `"series":"sensor_1"`)
}

func TestInitLogger_FileOutputRequiresFilename(t *testing.T) {
	saveLogger(t)

	err := InitLogger(LogConfig{Level: "info", Output: "both"})
	assert.Error(t, err)
}

func TestContextFunctions(t *testing.T) {
	ctx := context.Background()

	ctx = SetTraceID(ctx, "trace-1")
	assert.Equal(t, "trace-1", ctx.Value(traceIDKey))

	ctx = SetRequestID(ctx, "req-1")
	assert.Equal(t, "req-1", ctx.Value(requestIDKey))

	ctx = SetSeriesID(ctx, "sensor_1")
	assert.Equal(t, "sensor_1", ctx.Value(seriesIDKey))

	ctx = SetOperation(ctx, "set_range")
	assert.Equal(t, "set_range", ctx.Value(operationKey))

	fields := contextFields(ctx)
	assert.Len(t, fields, 4)
}

func TestContextFields_Empty(t *testing.T) {
	assert.Empty(t, contextFields(context.Background()))
	assert.Empty(t, contextFields(SetTraceID(context.Background(), "")))
}

func TestWithContext(t *testing.T) {
	saveLogger(t)
	require.NoError(t, InitLogger(DefaultLogConfig))

	assert.Same(t, Logger, WithContext(context.Background()))
	assert.NotSame(t, Logger, WithContext(SetTraceID(context.Background(), "t")))
}

func TestGetLogger_Fallback(t *testing.T) {
	saveLogger(t)
	Logger = nil

	assert.NotNil(t, GetLogger())
}

func TestLogFunctions(t *testing.T) {
	saveLogger(t)
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Output: "stdout", Format: "console"}))

	ctx := SetSeriesID(context.Background(), "sensor_1")
	d := 10 * time.Millisecond

	assert.NotPanics(t, func() {
		LogInfo(ctx, "info", zap.String("k", "v"))
		LogWarn(ctx, "warn")
		LogDebug(ctx, "debug")
		LogError(ctx, assert.AnError, "error")
		LogOperation(ctx, "snapshot", d, nil)
		LogOperation(ctx, "snapshot", d, assert.AnError)
		LogHTTPRequest(ctx, "GET", "/v1/series", 200, d)
		LogHTTPRequest(ctx, "GET", "/v1/series/x", 404, d)
		LogHTTPRequest(ctx, "POST", "/v1/series", 500, d)
		LogGRPCRequest(ctx, "/grpc.health.v1.Health/Check", d, nil)
		LogGRPCRequest(ctx, "/grpc.health.v1.Health/Check", d, assert.AnError)
		LogRefill(ctx, "sensor_1", -20, 120, d, nil)
		LogRefill(ctx, "sensor_1", -20, 120, d, assert.AnError)
	})
}
