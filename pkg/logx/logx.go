// Package logx provides structured logging for the orchestrator with
// component-scoped loggers, session-tagged records, and an in-memory buffer
// that backs the web UI log endpoint.
package logx

import (
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"time"
)

// Logger writes leveled, component-prefixed log lines. One logger per
// component ("pipeline", "dispatch", "graph", ...); session and capability
// ids are carried per call via the *Session variants so audit-relevant
// records are greppable by id.
type Logger struct {
	component string
	logger    *log.Logger
}

// Level is a log severity.
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Entry is a structured log record kept in the in-memory buffer for the
// web UI.
type Entry struct {
	Timestamp string `json:"timestamp"`
	Component string `json:"component"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	SessionID string `json:"session_id,omitempty"`
}

type ringBuffer struct {
	entries []Entry
	mu      sync.RWMutex
	maxSize int
}

//nolint:gochecknoglobals // process-wide debug switch and UI buffer
var (
	debugEnabled bool
	debugDomains map[string]bool
	debugMu      sync.RWMutex

	buffer = &ringBuffer{maxSize: 1000}
)

//nolint:gochecknoinits // env-driven debug initialization
func init() {
	if v := os.Getenv("DEBUG"); v == "1" || strings.EqualFold(v, "true") {
		SetDebug(true)
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		names := strings.Split(domains, ",")
		for i := range names {
			names[i] = strings.TrimSpace(names[i])
		}
		SetDebugDomains(names)
	}
}

// NewLogger creates a logger for the named component.
func NewLogger(component string) *Logger {
	return &Logger{
		component: component,
		logger:    log.New(os.Stderr, "", 0),
	}
}

// SetDebug toggles debug logging globally.
func SetDebug(enabled bool) {
	debugMu.Lock()
	defer debugMu.Unlock()
	debugEnabled = enabled
}

// SetDebugDomains restricts debug logging to the named components.
// An empty list enables all components.
func SetDebugDomains(components []string) {
	debugMu.Lock()
	defer debugMu.Unlock()
	if len(components) == 0 {
		debugDomains = nil
		return
	}
	debugDomains = make(map[string]bool, len(components))
	for _, c := range components {
		debugDomains[c] = true
	}
}

func debugEnabledFor(component string) bool {
	debugMu.RLock()
	defer debugMu.RUnlock()
	if !debugEnabled {
		return false
	}
	if debugDomains == nil {
		return true
	}
	return debugDomains[component]
}

func (b *ringBuffer) add(entry Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// RecentEntries returns buffered log entries, optionally filtered by
// session id.
func RecentEntries(sessionID string) []Entry {
	buffer.mu.RLock()
	defer buffer.mu.RUnlock()
	out := make([]Entry, 0, len(buffer.entries))
	for i := range buffer.entries {
		e := &buffer.entries[i]
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		out = append(out, *e)
	}
	return out
}

func (l *Logger) log(level Level, sessionID, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	ts := time.Now().UTC().Format("2006-01-02T15:04:05.000Z")

	tag := l.component
	if sessionID != "" {
		tag = l.component + " " + sessionID
	}
	l.logger.Printf("%s [%s] %-5s %s", ts, tag, level, msg)

	buffer.add(Entry{
		Timestamp: ts,
		Component: l.component,
		Level:     string(level),
		Message:   msg,
		SessionID: sessionID,
	})
}

// Debug logs a debug message if debug logging is enabled for this component.
func (l *Logger) Debug(format string, args ...any) {
	if !debugEnabledFor(l.component) {
		return
	}
	l.log(LevelDebug, "", format, args...)
}

// Info logs an informational message.
func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, "", format, args...)
}

// Warn logs a warning message.
func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, "", format, args...)
}

// Error logs an error message.
func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, "", format, args...)
}

// InfoSession logs an informational message tagged with a session id.
func (l *Logger) InfoSession(sessionID, format string, args ...any) {
	l.log(LevelInfo, sessionID, format, args...)
}

// WarnSession logs a warning tagged with a session id.
func (l *Logger) WarnSession(sessionID, format string, args ...any) {
	l.log(LevelWarn, sessionID, format, args...)
}

// ErrorSession logs an error tagged with a session id.
func (l *Logger) ErrorSession(sessionID, format string, args ...any) {
	l.log(LevelError, sessionID, format, args...)
}

// DebugSession logs a debug message tagged with a session id.
func (l *Logger) DebugSession(sessionID, format string, args ...any) {
	if !debugEnabledFor(l.component) {
		return
	}
	l.log(LevelDebug, sessionID, format, args...)
}

// Component returns the component name this logger was created with.
func (l *Logger) Component() string {
	return l.component
}
