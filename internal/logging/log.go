package logging

import (
	"context"
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps a zap.SugaredLogger with helpers for legacy print-style logging.
type Logger struct {
	base *zap.SugaredLogger
}

// NewWithLevel creates a JSON logger at the named level (debug, info, warn, error).
func NewWithLevel(service, level string) *Logger {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parseLevel(level))
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.Sampling = nil
	base, err := cfg.Build()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logging: %v; falling back to development logger\n", err)
		base = zap.NewExample()
	}
	return FromZap(base).With("service", service)
}

// FromZap wraps an existing zap logger.
func FromZap(l *zap.Logger) *Logger {
	return &Logger{base: l.Sugar()}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return FromZap(zap.NewNop())
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	}
	return zapcore.InfoLevel
}

// FromContext returns the request-scoped logger if present.
func FromContext(ctx context.Context, fallback *Logger) *Logger {
	if ctx == nil {
		return fallback
	}
	if l := ctx.Value(loggerKey{}); l != nil {
		if logger, ok := l.(*Logger); ok {
			return logger
		}
	}
	return fallback
}

// ContextWithLogger injects the logger into the context.
func ContextWithLogger(ctx context.Context, logger *Logger) context.Context {
	return context.WithValue(ctx, loggerKey{}, logger)
}

type loggerKey struct{}

// With appends structured attributes to the logger.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{base: l.base.With(args...)}
}

// WithRequestID returns a logger annotated with a request identifier.
func (l *Logger) WithRequestID(requestID string) *Logger {
	if requestID == "" {
		return l
	}
	return l.With("request_id", requestID)
}

// WithCustomer annotates the logger with a customer identifier.
func (l *Logger) WithCustomer(customer string) *Logger {
	if customer == "" {
		return l
	}
	return l.With("customer", customer)
}

func (l *Logger) Debug(msg string, args ...any) { l.base.Debugw(msg, args...) }

func (l *Logger) Info(msg string, args ...any) { l.base.Infow(msg, args...) }

func (l *Logger) Warn(msg string, args ...any) { l.base.Warnw(msg, args...) }

func (l *Logger) Error(msg string, args ...any) { l.base.Errorw(msg, args...) }

func (l *Logger) Errorf(format string, args ...any) { l.base.Errorf(format, args...) }

// Printf logs at info level for backwards compatibility.
func (l *Logger) Printf(format string, args ...any) { l.base.Infof(format, args...) }

// Println logs a concatenated message at info level.
func (l *Logger) Println(args ...any) { l.base.Info(fmt.Sprint(args...)) }

// Fatalf logs an error and exits.
func (l *Logger) Fatalf(format string, args ...any) { l.base.Fatalf(format, args...) }

// Sync flushes buffered entries.
func (l *Logger) Sync() error { return l.base.Sync() }
