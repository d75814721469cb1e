package mqterm

import (
	"context"
	"fmt"
	"io"
	"log"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
)

// LogLevel orders log severities.
type LogLevel int

const (
	LogLevelDebug LogLevel = iota
	LogLevelInfo
	LogLevelWarn
	LogLevelError
	LogLevelNone
)

func (l LogLevel) String() string {
	switch l {
	case LogLevelDebug:
		return "DEBUG"
	case LogLevelInfo:
		return "INFO"
	case LogLevelWarn:
		return "WARN"
	case LogLevelError:
		return "ERROR"
	case LogLevelNone:
		return "NONE"
	default:
		return "UNKNOWN"
	}
}

// ParseLogLevel maps a case-insensitive level name to a LogLevel.
func ParseLogLevel(s string) (LogLevel, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LogLevelDebug, nil
	case "info", "":
		return LogLevelInfo, nil
	case "warn", "warning":
		return LogLevelWarn, nil
	case "error":
		return LogLevelError, nil
	case "none", "off":
		return LogLevelNone, nil
	}
	return LogLevelInfo, fmt.Errorf("unknown log level %q", s)
}

// LogFields are structured key/value pairs attached to a log line.
type LogFields map[string]any

// Common field names.
const (
	LogFieldClientID = "client_id"
	LogFieldTopic    = "topic"
	LogFieldPacketID = "packet_id"
	LogFieldQoS      = "qos"
	LogFieldState    = "state"
	LogFieldAttempt  = "attempt"
	LogFieldDelay    = "delay"
	LogFieldReason   = "reason"
	LogFieldError    = "error"
	LogFieldRemote   = "remote_addr"
	LogFieldRequest  = "request_id"
)

// Logger is the logging interface used throughout the package.
type Logger interface {
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Warn(msg string, fields LogFields)
	Error(msg string, fields LogFields)

	// WithFields returns a logger that adds fields to every line.
	WithFields(fields LogFields) Logger
}

// NoOpLogger discards everything.
type NoOpLogger struct{}

func (NoOpLogger) Debug(string, LogFields) {}

func (NoOpLogger) Info(string, LogFields) {}

func (NoOpLogger) Warn(string, LogFields) {}

func (NoOpLogger) Error(string, LogFields) {}

func (n NoOpLogger) WithFields(LogFields) Logger { return n }

// StdLogger writes "[LEVEL] msg k=v ..." lines through the standard log
// package. Fields are sorted by key.
type StdLogger struct {
	logger *log.Logger
	level  LogLevel
	fields LogFields
}

// NewStdLogger writes to w, or stderr when w is nil.
func NewStdLogger(w io.Writer, level LogLevel) *StdLogger {
	if w == nil {
		w = os.Stderr
	}
	return &StdLogger{logger: log.New(w, "", log.LstdFlags), level: level}
}

func (s *StdLogger) Debug(msg string, fields LogFields) { s.log(LogLevelDebug, msg, fields) }
func (s *StdLogger) Info(msg string, fields LogFields)  { s.log(LogLevelInfo, msg, fields) }
func (s *StdLogger) Warn(msg string, fields LogFields)  { s.log(LogLevelWarn, msg, fields) }
func (s *StdLogger) Error(msg string, fields LogFields) { s.log(LogLevelError, msg, fields) }

func (s *StdLogger) WithFields(fields LogFields) Logger {
	merged := make(LogFields, len(s.fields)+len(fields))
	maps.Copy(merged, s.fields)
	maps.Copy(merged, fields)
	return &StdLogger{logger: s.logger, level: s.level, fields: merged}
}

func (s *StdLogger) log(level LogLevel, msg string, fields LogFields) {
	if level < s.level {
		return
	}

	all := make(LogFields, len(s.fields)+len(fields))
	maps.Copy(all, s.fields)
	maps.Copy(all, fields)

	var b strings.Builder
	b.WriteString("[" + level.String() + "] " + msg)
	for _, k := range slices.Sorted(maps.Keys(all)) {
		fmt.Fprintf(&b, " %s=%v", k, all[k])
	}
	s.logger.Print(b.String())
}

// SlogLogger adapts a *slog.Logger.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger wraps l, or slog.Default() when l is nil.
func NewSlogLogger(l *slog.Logger) *SlogLogger {
	if l == nil {
		l = slog.Default()
	}
	return &SlogLogger{logger: l}
}

func (s *SlogLogger) Debug(msg string, fields LogFields) { s.log(slog.LevelDebug, msg, fields) }
func (s *SlogLogger) Info(msg string, fields LogFields)  { s.log(slog.LevelInfo, msg, fields) }
func (s *SlogLogger) Warn(msg string, fields LogFields)  { s.log(slog.LevelWarn, msg, fields) }
func (s *SlogLogger) Error(msg string, fields LogFields) { s.log(slog.LevelError, msg, fields) }

func (s *SlogLogger) WithFields(fields LogFields) Logger {
	return &SlogLogger{logger: s.logger.With(slogArgs(fields)...)}
}

func (s *SlogLogger) log(level slog.Level, msg string, fields LogFields) {
	s.logger.Log(context.Background(), level, msg, slogArgs(fields)...)
}

func slogArgs(fields LogFields) []any {
	args := make([]any, 0, len(fields)*2)
	for _, k := range slices.Sorted(maps.Keys(fields)) {
		args = append(args, k, fields[k])
	}
	return args
}
