package logging

import (
	"context"
	"fmt"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level represents the severity of a log entry, ordered least to most severe.
type Level int

const (
	DEBUG Level = iota
	INFO
	WARN
	ERROR
)

// AsZap converts a Level to its zapcore equivalent.
func (level Level) AsZap() zapcore.Level {
	switch level {
	case DEBUG:
		return zapcore.DebugLevel
	case INFO:
		return zapcore.InfoLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

// String returns the lowercase name of the level.
func (level Level) String() string {
	switch level {
	case DEBUG:
		return "debug"
	case INFO:
		return "info"
	case WARN:
		return "warn"
	case ERROR:
		return "error"
	default:
		return "unknown"
	}
}

// LevelFromString parses a level name, case-insensitively, into a Level.
func LevelFromString(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return DEBUG, nil
	case "info":
		return INFO, nil
	case "warn":
		return WARN, nil
	case "error":
		return ERROR, nil
	default:
		return INFO, fmt.Errorf("unknown log level %q", s)
	}
}

// AtomicLevel is a concurrency-safe holder of a Level that can be swapped at runtime.
type AtomicLevel struct {
	val atomic.Int32
}

// NewAtomicLevelAt constructs an AtomicLevel initialized to the given level.
func NewAtomicLevelAt(level Level) AtomicLevel {
	var al AtomicLevel
	al.val.Store(int32(level))
	return al
}

// Set updates the held level.
func (al *AtomicLevel) Set(level Level) {
	al.val.Store(int32(level))
}

// Get returns the currently held level.
func (al *AtomicLevel) Get() Level {
	return Level(al.val.Load())
}

// GlobalLogLevel is consulted by loggers so that a single debug toggle can make every logger in
// the process emit debug logs regardless of its own configured level.
var GlobalLogLevel = zap.NewAtomicLevelAt(zapcore.InfoLevel)

// DefaultTimeFormatStr is the timestamp format used by the test appender.
const DefaultTimeFormatStr = "2006-01-02T15:04:05.000Z0700"

// NewZapLoggerConfig returns the zap.Config backing loggers produced by AsZap.
func NewZapLoggerConfig() zap.Config {
	return NewLoggerConfig()
}

func callerToString(caller *zapcore.EntryCaller) string {
	return caller.TrimmedPath()
}

// Appender is a destination that a Logger writes formatted entries to.
type Appender interface {
	Write(zapcore.Entry, []zapcore.Field) error
	Sync() error
}

// Logger is the logging interface used throughout the module in place of a bare *zap.SugaredLogger,
// so that loggers can be named, leveled, and redirected to additional appenders at runtime.
type Logger interface {
	Desugar() *zap.Logger
	AsZap() *zap.SugaredLogger
	Sublogger(subname string) Logger
	AddAppender(appender Appender)
	Named(name string) *zap.SugaredLogger
	WithOptions(opts ...zap.Option) *zap.SugaredLogger
	With(args ...interface{}) *zap.SugaredLogger
	Sync() error

	Level() zapcore.Level
	SetLevel(level Level)
	GetLevel() Level

	Debug(args ...interface{})
	CDebug(ctx context.Context, args ...interface{})
	Debugf(template string, args ...interface{})
	CDebugf(ctx context.Context, template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	CDebugw(ctx context.Context, msg string, keysAndValues ...interface{})

	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})

	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})

	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Fatal(args ...interface{})
	Fatalf(template string, args ...interface{})
	Fatalw(msg string, keysAndValues ...interface{})
}

// NewStdoutAppender returns an Appender that writes Info+ logs to stdout.
func NewStdoutAppender() Appender {
	return zapAppender{zap.Must(NewLoggerConfig().Build())}
}

// NewStdoutTestAppender returns an Appender suitable for local/manual test runs that writes
// Debug+ logs to stdout in local time.
func NewStdoutTestAppender() Appender {
	cfg := NewLoggerConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	return zapAppender{zap.Must(cfg.Build())}
}

type zapAppender struct {
	logger *zap.Logger
}

func (za zapAppender) Write(entry zapcore.Entry, fields []zapcore.Field) error {
	ce := za.logger.Core().Check(entry, nil)
	if ce == nil {
		return nil
	}
	ce.Write(fields...)
	return nil
}

func (za zapAppender) Sync() error {
	return za.logger.Sync()
}
