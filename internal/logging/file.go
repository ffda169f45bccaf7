package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Level represents the severity of a log message.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// ParseLevel converts a config string to a Level. Unknown values fall back
// to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "DEBUG"
	case LevelInfo:
		return "INFO"
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// sink is the shared destination behind every component logger: one file
// handle, one mutex, one level.
type sink struct {
	mu     sync.Mutex
	file   io.WriteCloser
	stderr io.Writer
	level  Level
}

var (
	defaultSink     = &sink{stderr: os.Stderr, level: LevelInfo}
	defaultSinkOnce sync.Once
)

// Setup opens the log file and sets the global level. An empty path selects
// ~/.conductor/conductor.log; if the file cannot be opened, logging degrades
// to stderr only. Setup is expected once, at startup, before goroutines that
// log are spawned.
func Setup(level Level, path string) error {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()

	defaultSink.level = level

	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("resolve home directory: %w", err)
		}
		path = filepath.Join(home, ".conductor", "conductor.log")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	if defaultSink.file != nil {
		_ = defaultSink.file.Close()
	}
	defaultSink.file = file
	return nil
}

// Close releases the log file, if any.
func Close() error {
	defaultSink.mu.Lock()
	defer defaultSink.mu.Unlock()
	if defaultSink.file == nil {
		return nil
	}
	err := defaultSink.file.Close()
	defaultSink.file = nil
	return err
}

// componentLogger writes through the shared sink with a component tag.
type componentLogger struct {
	sink      *sink
	component string
}

// NewWriterLogger returns a logger with a private sink writing to w. It is
// intended for tests and for embedding conductor components in other
// binaries.
func NewWriterLogger(w io.Writer, component string, level Level) Logger {
	return &componentLogger{
		sink:      &sink{stderr: w, level: level},
		component: component,
	}
}

// NewComponentLogger returns the default application logger scoped to a
// component.
func NewComponentLogger(component string) Logger {
	defaultSinkOnce.Do(func() {
		if v := strings.TrimSpace(os.Getenv("CONDUCTOR_LOG_LEVEL")); v != "" {
			defaultSink.level = ParseLevel(v)
		}
	})
	return &componentLogger{sink: defaultSink, component: component}
}

func (l *componentLogger) Debug(format string, args ...any) { l.log(LevelDebug, format, args...) }
func (l *componentLogger) Info(format string, args ...any)  { l.log(LevelInfo, format, args...) }
func (l *componentLogger) Warn(format string, args ...any)  { l.log(LevelWarn, format, args...) }
func (l *componentLogger) Error(format string, args ...any) { l.log(LevelError, format, args...) }

func (l *componentLogger) log(level Level, format string, args ...any) {
	s := l.sink

	s.mu.Lock()
	defer s.mu.Unlock()
	if level < s.level {
		return
	}

	_, file, line, ok := runtime.Caller(2)
	if ok {
		file = filepath.Base(file)
	} else {
		file = "???"
		line = 0
	}

	component := l.component
	if component == "" {
		component = "conductor"
	}

	message := fmt.Sprintf(format, args...)
	logLine := fmt.Sprintf("%s [%s] [%s] %s:%d - %s\n",
		time.Now().Format("2006-01-02 15:04:05.000"), level, component, file, line, message)
	logLine = redactSecrets(logLine)

	if s.file != nil {
		_, _ = io.WriteString(s.file, logLine)
	}
	// stdout carries the RPC stream; warnings and errors go to stderr so
	// they are visible even when the file sink is unavailable.
	if level >= LevelWarn || s.file == nil {
		if s.stderr != nil {
			_, _ = io.WriteString(s.stderr, logLine)
		}
	}
}

var (
	bearerTokenPattern = regexp.MustCompile(`(?i)(bearer\s+)([A-Za-z0-9\-\._~+/]+=*)`)
	apiKeyPattern      = regexp.MustCompile(`(?i)((?:api[_-]?key|token|secret|password)["']?\s*[=:]\s*)["']?([^"'\s,;]+)`)
)

// redactSecrets masks credential-shaped substrings before they reach disk.
// The embedding client carries an API key in request headers, and spawn
// specs may carry secrets in env values that end up in error messages.
func redactSecrets(line string) string {
	line = bearerTokenPattern.ReplaceAllString(line, "${1}[REDACTED]")
	return apiKeyPattern.ReplaceAllString(line, "${1}[REDACTED]")
}
