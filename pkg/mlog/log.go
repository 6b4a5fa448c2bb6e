// Package mlog wraps zap behind a narrow interface so call sites never
// depend on the concrete logging library directly.
package mlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the common interface every component logs through.
type Logger interface {
	Info(args ...any)
	Infof(format string, args ...any)

	Error(args ...any)
	Errorf(format string, args ...any)

	Warn(args ...any)
	Warnf(format string, args ...any)

	Debug(args ...any)
	Debugf(format string, args ...any)

	Fatal(args ...any)
	Fatalf(format string, args ...any)

	// WithFields returns a child logger carrying the given key/value pairs
	// on every subsequent entry.
	WithFields(fields ...any) Logger

	Sync() error
}

// ZapLogger is the zap-backed implementation of Logger.
type ZapLogger struct {
	sugar *zap.SugaredLogger
}

// New builds a ZapLogger for the given level ("debug", "info", "warn", "error").
func New(level string) (*ZapLogger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		lvl = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	base, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, err
	}

	core := NewRedactingCore(base.Core())
	logger := zap.New(core)

	return &ZapLogger{sugar: logger.Sugar()}, nil
}

// NewNop returns a logger that discards everything, for tests.
func NewNop() *ZapLogger {
	return &ZapLogger{sugar: zap.NewNop().Sugar()}
}

func (l *ZapLogger) Info(args ...any)             { l.sugar.Info(args...) }
func (l *ZapLogger) Infof(f string, args ...any)   { l.sugar.Infof(f, args...) }
func (l *ZapLogger) Error(args ...any)             { l.sugar.Error(args...) }
func (l *ZapLogger) Errorf(f string, args ...any)  { l.sugar.Errorf(f, args...) }
func (l *ZapLogger) Warn(args ...any)              { l.sugar.Warn(args...) }
func (l *ZapLogger) Warnf(f string, args ...any)   { l.sugar.Warnf(f, args...) }
func (l *ZapLogger) Debug(args ...any)             { l.sugar.Debug(args...) }
func (l *ZapLogger) Debugf(f string, args ...any)  { l.sugar.Debugf(f, args...) }
func (l *ZapLogger) Fatal(args ...any)             { l.sugar.Fatal(args...) }
func (l *ZapLogger) Fatalf(f string, args ...any)  { l.sugar.Fatalf(f, args...) }

func (l *ZapLogger) WithFields(fields ...any) Logger {
	return &ZapLogger{sugar: l.sugar.With(fields...)}
}

func (l *ZapLogger) Sync() error {
	err := l.sugar.Sync()
	// Sync on a console/stderr fd commonly fails with ENOTTY/EINVAL; not
	// actionable and not worth surfacing as a startup/shutdown failure.
	if err != nil && os.Getenv("LOG_STRICT_SYNC") == "" {
		return nil
	}

	return err
}
