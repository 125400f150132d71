package firestore

import (
	"fmt"

	"github.com/golang/glog"
	"go.uber.org/zap"
)

// Logging levels, most severe first. The session logs failures at
// LevelError, infrequent lifecycle events (token installed, sign-up
// fallback) at LevelLog, and per-transaction detail at LevelTrace.
type Level int32

const (
	LevelError Level = iota
	LevelLog
	LevelTrace
)

func (self Level) String() string {
	switch self {
	case LevelError:
		return "error"
	case LevelLog:
		return "log"
	case LevelTrace:
		return "trace"
	}
	return fmt.Sprintf("level(%d)", int32(self))
}

// Logger is injected through SessionSettings. The session calls Logf only
// from the goroutine that drives it, so implementations need no locking of
// their own beyond what their sink requires.
type Logger interface {
	Logf(level Level, format string, args ...any)
}

// LoggerFunc adapts a plain message sink to the Logger interface.
type LoggerFunc func(level Level, msg string)

func (self LoggerFunc) Logf(level Level, format string, args ...any) {
	self(level, fmt.Sprintf(format, args...))
}

type zapLogger struct {
	sugar *zap.SugaredLogger
}

// NewZapLogger wraps a zap logger. LevelTrace maps to zap's debug level,
// LevelLog to info and LevelError to error, so the zap configuration
// controls verbosity.
func NewZapLogger(z *zap.Logger) Logger {
	return &zapLogger{
		sugar: z.WithOptions(zap.AddCallerSkip(1)).Sugar(),
	}
}

func (self *zapLogger) Logf(level Level, format string, args ...any) {
	switch level {
	case LevelError:
		self.sugar.Errorf(format, args...)
	case LevelLog:
		self.sugar.Infof(format, args...)
	default:
		self.sugar.Debugf(format, args...)
	}
}

type glogLogger struct{}

// NewGlogLogger forwards to the process-wide glog sink, for programs that
// already log through glog. Trace output is emitted at verbosity 2.
func NewGlogLogger() Logger {
	return &glogLogger{}
}

func (self *glogLogger) Logf(level Level, format string, args ...any) {
	switch level {
	case LevelError:
		glog.Errorf(format, args...)
	case LevelLog:
		glog.Infof(format, args...)
	default:
		glog.V(2).Infof(format, args...)
	}
}

// the default when no Logger is configured
type nopLogger struct{}

func (self nopLogger) Logf(level Level, format string, args ...any) {
}
