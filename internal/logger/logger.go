package logger

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type contextKey string

const (
	traceIDKey   contextKey = "trace_id"
	requestIDKey contextKey = "request_id"
	seriesIDKey  contextKey = "series_id"
	operationKey contextKey = "operation"
)

var (
	// Logger is the process-wide structured logger.
	Logger *zap.Logger

	rotator *lumberjack.Logger
)

// LogConfig configures InitLogger.
type LogConfig struct {
	Level      string `yaml:"level"`       // debug, info, warn, error
	Format     string `yaml:"format"`      // json, console
	Output     string `yaml:"output"`      // stdout, stderr, file, both
	Filename   string `yaml:"filename"`    // used by file and both
	MaxSize    int    `yaml:"max_size"`    // megabytes
	MaxBackups int    `yaml:"max_backups"` // rotated files kept
	MaxAge     int    `yaml:"max_age"`     // days
	Compress   bool   `yaml:"compress"`
}

// DefaultLogConfig is used when no log section is configured.
var DefaultLogConfig = LogConfig{
	Level:      "info",
	Format:     "json",
	Output:     "stdout",
	Filename:   "logs/seriesview.log",
	MaxSize:    100,
	MaxBackups: 5,
	MaxAge:     30,
	Compress:   true,
}

// InitLogger builds Logger from config.
func InitLogger(config LogConfig) error {
	level, err := parseLevel(config.Level)
	if err != nil {
		return err
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	var encoder zapcore.Encoder
	if config.Format == "console" {
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	} else {
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	writer, err := buildWriter(config)
	if err != nil {
		return err
	}

	core := zapcore.NewCore(encoder, writer, level)
	Logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel))
	return nil
}

func parseLevel(level string) (zapcore.Level, error) {
	switch level {
	case "debug":
		return zapcore.DebugLevel, nil
	case "", "info":
		return zapcore.InfoLevel, nil
	case "warn":
		return zapcore.WarnLevel, nil
	case "error":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

func buildWriter(config LogConfig) (zapcore.WriteSyncer, error) {
	switch config.Output {
	case "", "stdout":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "file", "both":
		if config.Filename == "" {
			return nil, fmt.Errorf("log filename is required for output %q", config.Output)
		}
		if err := os.MkdirAll(filepath.Dir(config.Filename), 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		// lumberjack opens lazily; touch the file so it exists right after init
		f, err := os.OpenFile(config.Filename, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		f.Close()

		rotator = &lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		if config.Output == "both" {
			return zapcore.NewMultiWriteSyncer(zapcore.AddSync(os.Stdout), zapcore.AddSync(rotator)), nil
		}
		return zapcore.AddSync(rotator), nil
	default:
		return nil, fmt.Errorf("invalid log output: %s", config.Output)
	}
}

// GetLogger returns Logger, falling back to a production logger.
func GetLogger() *zap.Logger {
	if Logger == nil {
		l, err := zap.NewProduction()
		if err != nil {
			l = zap.NewNop()
		}
		Logger = l
	}
	return Logger
}

// SetTraceID stores a trace id in ctx.
func SetTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceIDKey, traceID)
}

// SetRequestID stores a request id in ctx.
func SetRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, requestIDKey, requestID)
}

// SetSeriesID stores the series being operated on.
func SetSeriesID(ctx context.Context, seriesID string) context.Context {
	return context.WithValue(ctx, seriesIDKey, seriesID)
}

// SetOperation stores an operation name in ctx.
func SetOperation(ctx context.Context, operation string) context.Context {
	return context.WithValue(ctx, operationKey, operation)
}

func contextFields(ctx context.Context) []zap.Field {
	if ctx == nil {
		return nil
	}
	var fields []zap.Field
	for _, key := range []contextKey{traceIDKey, requestIDKey, seriesIDKey, operationKey} {
		if v, ok := ctx.Value(key).(string); ok && v != "" {
			fields = append(fields, zap.String(string(key), v))
		}
	}
	return fields
}

// WithContext returns a logger annotated with ctx values.
func WithContext(ctx context.Context) *zap.Logger {
	fields := contextFields(ctx)
	if len(fields) == 0 {
		return GetLogger()
	}
	return GetLogger().With(fields...)
}

// LogInfo logs at info level with ctx fields.
func LogInfo(ctx context.Context, msg string, fields ...zap.Field) {
	WithContext(ctx).Info(msg, fields...)
}

// LogWarn logs at warn level with ctx fields.
func LogWarn(ctx context.Context, msg string, fields ...zap.Field) {
	WithContext(ctx).Warn(msg, fields...)
}

// LogDebug logs at debug level with ctx fields.
func LogDebug(ctx context.Context, msg string, fields ...zap.Field) {
	WithContext(ctx).Debug(msg, fields...)
}

// LogError logs err at error level with ctx fields.
func LogError(ctx context.Context, err error, msg string, fields ...zap.Field) {
	WithContext(ctx).Error(msg, append(fields, zap.Error(err))...)
}

// LogFatal logs and exits.
func LogFatal(ctx context.Context, msg string, fields ...zap.Field) {
	WithContext(ctx).Fatal(msg, fields...)
}

// LogOperation records the outcome and duration of an operation.
func LogOperation(ctx context.Context, operation string, duration time.Duration, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("operation", operation),
		zap.Duration("duration", duration),
	)
	if err != nil {
		WithContext(ctx).Error("operation failed", append(fields, zap.Error(err))...)
		return
	}
	WithContext(ctx).Info("operation completed", fields...)
}

// LogHTTPRequest records one served HTTP request.
func LogHTTPRequest(ctx context.Context, method, path string, statusCode int, duration time.Duration, fields ...zap.Field) {
	fields = append(fields,
		zap.String("method", method),
		zap.String("path", path),
		zap.Int("status", statusCode),
		zap.Duration("duration", duration),
	)
	switch {
	case statusCode >= 500:
		WithContext(ctx).Error("http request", fields...)
	case statusCode >= 400:
		WithContext(ctx).Warn("http request", fields...)
	default:
		WithContext(ctx).Info("http request", fields...)
	}
}

// LogGRPCRequest records one served gRPC call.
func LogGRPCRequest(ctx context.Context, method string, duration time.Duration, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("grpc_method", method),
		zap.Duration("duration", duration),
	)
	if err != nil {
		WithContext(ctx).Warn("grpc request failed", append(fields, zap.Error(err))...)
		return
	}
	WithContext(ctx).Debug("grpc request", fields...)
}

// LogRefill records one loader invocation for a series.
func LogRefill(ctx context.Context, series string, start, end float64, duration time.Duration, err error) {
	fields := []zap.Field{
		zap.String("series", series),
		zap.Float64("preload_start", start),
		zap.Float64("preload_end", end),
		zap.Duration("duration", duration),
	}
	if err != nil {
		WithContext(ctx).Warn("refill failed", append(fields, zap.Error(err))...)
		return
	}
	WithContext(ctx).Debug("refill completed", fields...)
}

// Sync flushes buffered entries.
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Close flushes and releases the rotating file, if any.
func Close() {
	Sync()
	if rotator != nil {
		_ = rotator.Close()
		rotator = nil
	}
}
