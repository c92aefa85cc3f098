package logging

import (
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a structured logger writing key-value pairs to the console.
type Logger struct {
	sugar *zap.SugaredLogger
}

// NewLogger creates a new Logger. Development mode uses the human readable
// console encoder; otherwise JSON lines are written.
func NewLogger(level string, development bool) *Logger {
	cfg := zap.NewProductionConfig()
	if development {
		cfg.Encoding = "console"
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeDuration = zapcore.StringDurationEncoder
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))

	base, err := cfg.Build()
	if err != nil {
		base = zap.NewExample()
	}
	return &Logger{sugar: base.Sugar()}
}

// NewNop returns a Logger that discards everything.
func NewNop() *Logger {
	return &Logger{sugar: zap.NewNop().Sugar()}
}

// With returns a child logger that adds the given key-value pairs to every entry.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{sugar: l.sugar.With(args...)}
}

// Debug logs a debug message.
func (l *Logger) Debug(msg string, args ...any) {
	l.sugar.Debugw(msg, args...)
}

// Info logs an informational message.
func (l *Logger) Info(msg string, args ...any) {
	l.sugar.Infow(msg, args...)
}

// Warn logs a warning.
func (l *Logger) Warn(msg string, args ...any) {
	l.sugar.Warnw(msg, args...)
}

// Error logs an error message.
func (l *Logger) Error(msg string, args ...any) {
	l.sugar.Errorw(msg, args...)
}

// Sync flushes buffered entries.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
