// Package logging provides the level-filtered line logger shared by leasepool components.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"time"
)

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
	case LevelWarn:
		return "WARN"
	case LevelError:
		return "ERROR"
	default:
		return "INFO"
	}
}

// ParseLevel maps a config string to a Level. Unknown values fall back to info.
func ParseLevel(s string) Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug
	case "info":
		return LevelInfo
	case "warn", "warning":
		return LevelWarn
	case "error":
		return LevelError
	default:
		return LevelInfo
	}
}

// Logger writes "<time> <LEVEL> <component>: <msg>" lines.
type Logger struct {
	out       *log.Logger
	level     Level
	component string
	now       func() time.Time
}

// New returns a Logger writing to w at the given minimum level.
func New(w io.Writer, level Level) *Logger {
	if w == nil {
		w = io.Discard
	}
	return &Logger{
		out:   log.New(w, "", 0),
		level: level,
		now:   time.Now,
	}
}

// Discard returns a Logger that drops everything. Handy in tests.
func Discard() *Logger {
	return New(io.Discard, LevelError+1)
}

// OpenFile opens (append) path and returns a Logger plus the file to close.
func OpenFile(path string, level Level, extra ...io.Writer) (*Logger, io.Closer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("open log file %s: %w", path, err)
	}
	var w io.Writer = f
	if len(extra) > 0 {
		w = io.MultiWriter(append([]io.Writer{f}, extra...)...)
	}
	return New(w, level), f, nil
}

// With returns a copy of the logger tagged with component.
func (l *Logger) With(component string) *Logger {
	if l == nil {
		return Discard().With(component)
	}
	cp := *l
	cp.component = component
	return &cp
}

func (l *Logger) Enabled(level Level) bool {
	return l != nil && level >= l.level
}

func (l *Logger) Logf(level Level, format string, args ...any) {
	if !l.Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, args...)
	if l.component != "" {
		l.out.Printf("%s %s %s: %s", l.now().Format(time.RFC3339), level, l.component, msg)
		return
	}
	l.out.Printf("%s %s %s", l.now().Format(time.RFC3339), level, msg)
}

func (l *Logger) Debugf(format string, args ...any) { l.Logf(LevelDebug, format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.Logf(LevelInfo, format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.Logf(LevelWarn, format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.Logf(LevelError, format, args...) }
