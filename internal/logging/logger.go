// Package logging provides the printf-style logging contract used across
// conductor and the default file-backed implementation behind it.
//
// The server speaks JSON-RPC on stdout, so no logger in this package ever
// writes to stdout: output goes to the log file and, for warnings and
// errors, to stderr.
package logging

import (
	"reflect"
)

// Logger defines a minimal, printf-style logging contract.
type Logger interface {
	Debug(format string, args ...any)
	Info(format string, args ...any)
	Warn(format string, args ...any)
	Error(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Debug(string, ...any) {}
func (nopLogger) Info(string, ...any)  {}
func (nopLogger) Warn(string, ...any)  {}
func (nopLogger) Error(string, ...any) {}

// Nop returns a logger that discards all output.
func Nop() Logger {
	return nopLogger{}
}

// IsNil reports whether logger is nil or wraps a nil pointer receiver.
func IsNil(logger Logger) bool {
	if logger == nil {
		return true
	}
	val := reflect.ValueOf(logger)
	switch val.Kind() {
	case reflect.Ptr, reflect.Interface, reflect.Slice, reflect.Map, reflect.Func:
		return val.IsNil()
	default:
		return false
	}
}

// OrNop returns logger when non-nil, otherwise a no-op logger.
func OrNop(logger Logger) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return logger
}

type multiLogger struct {
	loggers []Logger
}

// Multi returns a logger fan-out that calls every non-nil logger in order.
func Multi(loggers ...Logger) Logger {
	flattened := make([]Logger, 0, len(loggers))
	for _, logger := range loggers {
		if IsNil(logger) {
			continue
		}
		if ml, ok := logger.(*multiLogger); ok {
			flattened = append(flattened, ml.loggers...)
			continue
		}
		flattened = append(flattened, logger)
	}
	if len(flattened) == 0 {
		return Nop()
	}
	if len(flattened) == 1 {
		return flattened[0]
	}
	return &multiLogger{loggers: flattened}
}

func (l *multiLogger) Debug(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Debug(format, args...)
	}
}

func (l *multiLogger) Info(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Info(format, args...)
	}
}

func (l *multiLogger) Warn(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Warn(format, args...)
	}
}

func (l *multiLogger) Error(format string, args ...any) {
	for _, logger := range l.loggers {
		logger.Error(format, args...)
	}
}

type prefixLogger struct {
	inner  Logger
	prefix string
}

// WithPrefix returns a logger that prepends a fixed prefix to every message.
// Useful for per-entity loggers (one process, one session) derived from a
// component logger.
func WithPrefix(logger Logger, prefix string) Logger {
	if IsNil(logger) {
		return Nop()
	}
	return &prefixLogger{inner: logger, prefix: prefix}
}

func (l *prefixLogger) Debug(format string, args ...any) {
	l.inner.Debug("%s"+format, prepend(l.prefix, args)...)
}

func (l *prefixLogger) Info(format string, args ...any) {
	l.inner.Info("%s"+format, prepend(l.prefix, args)...)
}

func (l *prefixLogger) Warn(format string, args ...any) {
	l.inner.Warn("%s"+format, prepend(l.prefix, args)...)
}

func (l *prefixLogger) Error(format string, args ...any) {
	l.inner.Error("%s"+format, prepend(l.prefix, args)...)
}

func prepend(prefix string, args []any) []any {
	out := make([]any, 0, len(args)+1)
	out = append(out, prefix)
	return append(out, args...)
}
