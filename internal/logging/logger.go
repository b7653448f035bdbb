// Package logging builds the logr.Logger used across compilerd.
package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Verbosity levels used with logger.V()
const (
	DEFAULT = 2
	VERBOSE = 3
	DEBUG   = 4
	TRACE   = 5
)

// New creates a production JSON logger. When verbose is set the logger emits
// everything up to DEBUG.
func New(verbose bool) (logr.Logger, error) {
	level := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if verbose {
		level.SetLevel(zapcore.Level(-1 * DEBUG))
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "time"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	zl, err := cfg.Build(zap.AddCaller())
	if err != nil {
		return logr.Discard(), err
	}

	return zapr.NewLogger(zl), nil
}

// NewTestLogger creates a development logger with every level enabled.
func NewTestLogger() logr.Logger {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.Level(-1 * TRACE))

	zl, err := cfg.Build()
	if err != nil {
		return logr.Discard()
	}

	return zapr.NewLogger(zl)
}

// NewTestLoggerIntoContext creates a test logger and inserts it into ctx.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return logr.NewContext(ctx, NewTestLogger())
}

// IntoContext returns a copy of ctx carrying logger.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext returns the logger carried by ctx, or a discarding logger.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}
