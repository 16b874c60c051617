package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxLogSize = 100 * 1024 * 1024
	ArchiveDir        = "archive"
)

// Entry is one line of the audit log.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	EventType string         `json:"event_type"`
	TaskID    string         `json:"task_id,omitempty"`
	OwnerID   string         `json:"owner_id,omitempty"`
	Round     int            `json:"round,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// AuditLogger appends JSONL entries and archives the file once it would
// exceed maxSize.
type AuditLogger struct {
	mu          sync.Mutex
	file        *os.File
	currentSize int64
	maxSize     int64
	path        string
	rotations   int
}

func NewAuditLogger(path string, maxSize int64) (*AuditLogger, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxLogSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create audit log dir: %w", err)
	}
	a := &AuditLogger{path: path, maxSize: maxSize}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLogger) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = f
	a.currentSize = st.Size()
	return nil
}

// Record writes a bus event, lifting task_id, owner_id, and round out of its data.
func (a *AuditLogger) Record(e Event) error {
	entry := Entry{Timestamp: e.Timestamp, EventType: string(e.Type), Details: map[string]any{}}
	for k, v := range e.Data {
		switch k {
		case "task_id":
			entry.TaskID, _ = v.(string)
		case "owner_id":
			entry.OwnerID, _ = v.(string)
		case "round":
			entry.Round, _ = v.(int)
		default:
			entry.Details[k] = v
		}
	}
	if len(entry.Details) == 0 {
		entry.Details = nil
	}
	return a.Write(entry)
}

// Write appends entry as one JSON line and fsyncs.
func (a *AuditLogger) Write(entry Entry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("audit log %s is closed", a.path)
	}
	if a.currentSize > 0 && a.currentSize+int64(len(data)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := a.file.Write(data)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := a.file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	a.currentSize += int64(n)
	return nil
}

func (a *AuditLogger) rotate() error {
	if err := a.file.Close(); err != nil {
		return fmt.Errorf("close audit log: %w", err)
	}
	a.file = nil
	archive := filepath.Join(filepath.Dir(a.path), ArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	a.rotations++
	base := strings.TrimSuffix(filepath.Base(a.path), filepath.Ext(a.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), a.rotations, filepath.Ext(a.path))
	if err := os.Rename(a.path, filepath.Join(archive, name)); err != nil {
		return fmt.Errorf("archive audit log: %w", err)
	}
	return a.open()
}

// Attach records every event type in types until the returned function is called.
func (a *AuditLogger) Attach(bus *Bus, types []EventType, onError func(error)) func() {
	return bus.SubscribeAll(types, func(e Event) {
		if err := a.Record(e); err != nil && onError != nil {
			onError(err)
		}
	})
}

func (a *AuditLogger) Path() string {
	return a.path
}

func (a *AuditLogger) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	f := a.file
	a.file = nil
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
