// Package eventlog is the append-only audit trail: every emitted operation,
// state transition, approval grant, and capability invocation lands here as
// one JSON line in a daily rotated file.
package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// EventKind classifies audit entries.
type EventKind string

const (
	// KindOperation records one graph-patch operation emitted to a client.
	KindOperation EventKind = "operation"

	// KindTransition records one state machine transition.
	KindTransition EventKind = "transition"

	// KindApproval records a grant or rejection of a gated capability.
	KindApproval EventKind = "approval"

	// KindCapability records a capability invocation and its outcome.
	KindCapability EventKind = "capability"
)

// Event is one audit record.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	Kind         EventKind      `json:"kind"`
	SessionID    string         `json:"session_id"`
	IntentID     string         `json:"intent_id,omitempty"`
	CapabilityID string         `json:"capability_id,omitempty"`
	Detail       map[string]any `json:"detail,omitempty"`
}

// Writer appends audit events to daily rotated JSONL files.
type Writer struct {
	mu          sync.Mutex
	logDir      string
	currentFile *os.File
	currentDate string
}

// NewWriter creates a writer rooted at logDir, creating it if needed.
func NewWriter(logDir string) (*Writer, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create audit log directory: %w", err)
	}

	w := &Writer{logDir: logDir}
	if err := w.rotateIfNeeded(); err != nil {
		return nil, fmt.Errorf("failed to initialize audit log file: %w", err)
	}
	return w, nil
}

// Write appends one event and syncs it to disk. The sync is deliberate; an
// audit trail that can lose its tail on crash is not an audit trail.
func (w *Writer) Write(ev *Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.rotateIfNeeded(); err != nil {
		return fmt.Errorf("failed to rotate audit log: %w", err)
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to serialize audit event: %w", err)
	}
	if _, err := w.currentFile.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	if err := w.currentFile.Sync(); err != nil {
		return fmt.Errorf("failed to sync audit log: %w", err)
	}
	return nil
}

func (w *Writer) rotateIfNeeded() error {
	newDate := time.Now().UTC().Format("2006-01-02")
	if w.currentFile != nil && w.currentDate == newDate {
		return nil
	}

	if w.currentFile != nil {
		if err := w.currentFile.Close(); err != nil {
			return fmt.Errorf("failed to close audit log file: %w", err)
		}
	}

	path := filepath.Join(w.logDir, fmt.Sprintf("audit-%s.jsonl", newDate))
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open audit log file %s: %w", path, err)
	}
	w.currentFile = file
	w.currentDate = newDate
	return nil
}

// CurrentFile returns the path of the active log file.
func (w *Writer) CurrentFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return ""
	}
	return filepath.Join(w.logDir, fmt.Sprintf("audit-%s.jsonl", w.currentDate))
}

// Close closes the active log file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.currentFile == nil {
		return nil
	}
	err := w.currentFile.Close()
	w.currentFile = nil
	if err != nil {
		return fmt.Errorf("failed to close audit log file: %w", err)
	}
	return nil
}

// ReadEvents parses every event in one log file.
func ReadEvents(path string) ([]*Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read audit log: %w", err)
	}

	var events []*Event
	var line []byte
	flush := func() error {
		if len(line) == 0 {
			return nil
		}
		ev := &Event{}
		if err := json.Unmarshal(line, ev); err != nil {
			return fmt.Errorf("failed to parse audit event: %w", err)
		}
		events = append(events, ev)
		line = nil
		return nil
	}
	for _, b := range data {
		if b == '\n' {
			if err := flush(); err != nil {
				return nil, err
			}
			continue
		}
		line = append(line, b)
	}
	if err := flush(); err != nil {
		return nil, err
	}
	return events, nil
}

// ListFiles returns all audit log files under logDir.
func ListFiles(logDir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(logDir, "audit-*.jsonl"))
	if err != nil {
		return nil, fmt.Errorf("failed to list audit log files: %w", err)
	}
	return files, nil
}
