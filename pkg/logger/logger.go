// Package logger provides the structured, zap-backed logging facade used
// across the matching and execution pipeline. Every component logs through
// a Logger obtained via Named, so log lines are attributable to the
// component (order-relay, matching-engine, execution-engine, ...) that
// emitted them.
package logger

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Mode selects the base zap configuration.
type Mode string

const (
	ModeProd Mode = "prod"
	ModeDev  Mode = "dev"
)

// Logger wraps a *zap.SugaredLogger with a fixed service name, so call
// sites don't have to thread it through every log line by hand.
type Logger struct {
	sugar   *zap.SugaredLogger
	service string
}

// New builds the root Logger for a process. mode selects JSON, info-level
// output for "prod" and console, debug-level output for anything else,
// mirroring the CLI/env `mode` flag named in spec.md §6.
func New(service string, mode Mode) *Logger {
	var cfg zap.Config
	if mode == ModeProd {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.OutputPaths = []string{"stdout"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	built, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// zap.Config.Build only fails on a malformed encoder/sink name,
		// which the two configs above never produce.
		panic(err)
	}

	return &Logger{
		sugar:   built.Sugar().With("service", service),
		service: service,
	}
}

// Named returns a child logger tagged with component, e.g.
// logger.Named("order-relay").
func (l *Logger) Named(component string) *Logger {
	return &Logger{sugar: l.sugar.Named(component), service: l.service}
}

// With returns a child logger carrying the given key/value pairs on every
// subsequent log line.
func (l *Logger) With(kv ...interface{}) *Logger {
	return &Logger{sugar: l.sugar.With(kv...), service: l.service}
}

func (l *Logger) Debug(msg string, kv ...interface{}) { l.sugar.Debugw(msg, kv...) }
func (l *Logger) Info(msg string, kv ...interface{})  { l.sugar.Infow(msg, kv...) }
func (l *Logger) Warn(msg string, kv ...interface{})  { l.sugar.Warnw(msg, kv...) }
func (l *Logger) Error(msg string, kv ...interface{}) { l.sugar.Errorw(msg, kv...) }

// Fatal logs at error level then exits the process with a non-zero status,
// matching spec.md §6's "non-zero on fatal error" exit-code contract.
func (l *Logger) Fatal(msg string, kv ...interface{}) {
	l.sugar.Errorw(msg, kv...)
	_ = l.sugar.Sync()
	os.Exit(1)
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.sugar.Sync()
}
