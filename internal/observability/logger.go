package observability

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type contextKey int

const (
	correlationIDKey contextKey = iota
	stationIDKey
)

// NewLogger builds the JSON production logger. Every entry carries the process component
// ("api" or "worker") so both binaries can share one log stream.
func NewLogger(level string, component string) (*zap.Logger, error) {
	parsedLevel, err := parseLevel(level)
	if err != nil {
		return nil, err
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsedLevel)
	cfg.EncoderConfig.TimeKey = "timestamp"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	if component = strings.TrimSpace(component); component != "" {
		cfg.InitialFields = map[string]any{"component": component}
	}

	logger, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}

	return logger, nil
}

func parseLevel(level string) (zapcore.Level, error) {
	normalized := strings.ToLower(strings.TrimSpace(level))
	if normalized == "" {
		return zapcore.InfoLevel, nil
	}

	var parsed zapcore.Level
	if err := parsed.UnmarshalText([]byte(normalized)); err != nil {
		return 0, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return parsed, nil
}

func WithCorrelationID(ctx context.Context, correlationID string) context.Context {
	return withValue(ctx, correlationIDKey, correlationID)
}

func CorrelationIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, correlationIDKey)
}

// WithStationID records the scanning station a request came from.
func WithStationID(ctx context.Context, stationID string) context.Context {
	return withValue(ctx, stationIDKey, stationID)
}

func StationIDFromContext(ctx context.Context) (string, bool) {
	return valueFrom(ctx, stationIDKey)
}

// WithContextLogger returns logger annotated with the correlation and station ids in ctx.
func WithContextLogger(logger *zap.Logger, ctx context.Context) *zap.Logger {
	if logger == nil {
		return nil
	}

	fields := make([]zap.Field, 0, 2)
	if correlationID, ok := CorrelationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("correlationId", correlationID))
	}
	if stationID, ok := StationIDFromContext(ctx); ok {
		fields = append(fields, zap.String("stationId", stationID))
	}
	if len(fields) == 0 {
		return logger
	}
	return logger.With(fields...)
}

func withValue(ctx context.Context, key contextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func valueFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
