// Package log provides structured logging for the finger daemon.
// Entries go to <home>/daemon.log as readable key=value lines and to a
// size-rotated JSONL sink under <home>/logs. Logging is enabled by the
// daemon at startup and tuned via FINGER_DEBUG.
package log

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/fingerhq/finger/internal/paths"
	"github.com/fingerhq/finger/internal/pubsub"
)

// Level represents log severity.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

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

// Category groups related log messages.
type Category string

const (
	CatDaemon     Category = "daemon"     // Process lifecycle, signals, pid file
	CatHub        Category = "hub"        // Message routing and queueing
	CatRegistry   Category = "registry"   // Module/route registration
	CatSnapshot   Category = "snapshot"   // Registry snapshot persistence
	CatSupervisor Category = "supervisor" // Module lifecycle and restarts
	CatGateway    Category = "gateway"    // Child process stdio bridges
	CatOrch       Category = "orch"       // Orchestration loop and actions
	CatSession    Category = "session"    // Session persistence
	CatEvents     Category = "events"     // Event bus and websocket fan-out
	CatTools      Category = "tools"      // Tool policy and execution
	CatAPI        Category = "api"        // HTTP surface
	CatStore      Category = "store"      // sqlite archive and mailbox
	CatConfig     Category = "config"     // Configuration loading/saving
)

// Entry is one structured log record, the JSONL sink's line format.
type Entry struct {
	Time     time.Time      `json:"ts"`
	Level    string         `json:"level"`
	Category string         `json:"cat"`
	Message  string         `json:"msg"`
	Fields   map[string]any `json:"fields,omitempty"`
}

// Logger writes entries to the plain sink, the JSONL sink, and a broker
// for live tails.
type Logger struct {
	mu       sync.Mutex
	plain    io.WriteCloser
	jsonl    io.WriteCloser
	enabled  bool
	minLevel Level
	broker   *pubsub.Broker[Entry]
}

var (
	defaultLogger *Logger
	once          sync.Once
)

// Init initializes the global logger against the finger home directory.
// Returns a cleanup function that closes both sinks.
func Init(home string) (func(), error) {
	var initErr error
	once.Do(func() {
		defaultLogger, initErr = newLogger(home)
	})
	if initErr != nil {
		return nil, initErr
	}
	if defaultLogger == nil {
		return nil, fmt.Errorf("logger initialization already attempted and failed")
	}
	return func() {
		defaultLogger.mu.Lock()
		defer defaultLogger.mu.Unlock()
		if defaultLogger.plain != nil {
			_ = defaultLogger.plain.Close()
		}
		if defaultLogger.jsonl != nil {
			_ = defaultLogger.jsonl.Close()
		}
	}, nil
}

func newLogger(home string) (*Logger, error) {
	plain, err := os.OpenFile(paths.DaemonLog(home), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644) //nolint:gosec // G304: path derives from the finger home dir
	if err != nil {
		return nil, err
	}
	jsonl, err := newRotatingWriter(paths.LogsDir(home), defaultRotateBytes, defaultKeepFiles)
	if err != nil {
		_ = plain.Close()
		return nil, err
	}
	return &Logger{
		plain:    plain,
		jsonl:    jsonl,
		enabled:  true,
		minLevel: LevelInfo,
		broker:   pubsub.NewBroker[Entry](),
	}, nil
}

// SetEnabled toggles logging on/off.
func SetEnabled(enabled bool) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.enabled = enabled
		defaultLogger.mu.Unlock()
	}
}

// SetMinLevel sets the minimum log level.
func SetMinLevel(level Level) {
	if defaultLogger != nil {
		defaultLogger.mu.Lock()
		defaultLogger.minLevel = level
		defaultLogger.mu.Unlock()
	}
}

// Debug logs at debug level.
func Debug(cat Category, msg string, fields ...any) {
	write(LevelDebug, cat, msg, fields...)
}

// Info logs at info level.
func Info(cat Category, msg string, fields ...any) {
	write(LevelInfo, cat, msg, fields...)
}

// Warn logs at warning level.
func Warn(cat Category, msg string, fields ...any) {
	write(LevelWarn, cat, msg, fields...)
}

// Error logs at error level.
func Error(cat Category, msg string, fields ...any) {
	write(LevelError, cat, msg, fields...)
}

// ErrorErr logs an error with the error value appended as a field.
func ErrorErr(cat Category, msg string, err error, fields ...any) {
	if err != nil {
		fields = append(fields, "error", err.Error())
	} else {
		fields = append(fields, "error", "<nil>")
	}
	write(LevelError, cat, msg, fields...)
}

func write(level Level, cat Category, msg string, fields ...any) {
	l := defaultLogger
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.enabled || level < l.minLevel {
		return
	}
	l.emit(level, cat, msg, fields...)
}

// emit assumes l.mu is held.
func (l *Logger) emit(level Level, cat Category, msg string, fields ...any) {
	now := time.Now()

	// Plain sink: 2026-08-25T10:45:00 [ERROR] [hub] message key=value
	line := fmt.Sprintf("%s [%s] [%s] %s", now.Format("2006-01-02T15:04:05"), level, cat, msg)
	for i := 0; i+1 < len(fields); i += 2 {
		line += fmt.Sprintf(" %v=%v", fields[i], fields[i+1])
	}
	if len(fields)%2 != 0 {
		line += fmt.Sprintf(" %v=<missing>", fields[len(fields)-1])
	}
	line += "\n"
	if l.plain != nil {
		_, _ = l.plain.Write([]byte(line))
	}

	entry := Entry{
		Time:     now,
		Level:    level.String(),
		Category: string(cat),
		Message:  msg,
		Fields:   fieldMap(fields),
	}
	if l.jsonl != nil {
		if b, err := json.Marshal(entry); err == nil {
			_, _ = l.jsonl.Write(append(b, '\n'))
		}
	}
	if l.broker != nil {
		l.broker.Publish(pubsub.CreatedEvent, entry)
	}
}

func fieldMap(fields []any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	m := make(map[string]any, len(fields)/2)
	for i := 0; i+1 < len(fields); i += 2 {
		m[fmt.Sprintf("%v", fields[i])] = fields[i+1]
	}
	if len(fields)%2 != 0 {
		m[fmt.Sprintf("%v", fields[len(fields)-1])] = "<missing>"
	}
	return m
}

// Subscribe returns a live tail of log entries. The subscription closes
// when ctx is cancelled. Returns nil before Init.
func Subscribe(ctx context.Context) <-chan pubsub.Event[Entry] {
	if defaultLogger == nil || defaultLogger.broker == nil {
		return nil
	}
	return defaultLogger.broker.Subscribe(ctx)
}
