// Package logging provides the leveled logger shared across the backend. Log
// entries are mirrored to a bounded in-memory buffer so the ops API can serve
// recent history without external storage.
package logging

import (
	"log"
	"sync"
	"time"

	"github.com/opsdeck/opsdeck/internal/config"
)

// Logger is the minimal logging interface components depend on. The optional
// source argument names the emitting subsystem.
type Logger interface {
	Debug(message string, source ...string)
	Info(message string, source ...string)
	Warn(message string, source ...string)
	Error(message string, source ...string)
}

// Level represents the severity of a log entry.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// String returns the string representation of Level.
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

// Entry is a single buffered log entry.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Source    string    `json:"source,omitempty"`
}

// Buffer retains recent log entries in memory and forwards each entry to an
// optional sink.
type Buffer struct {
	mu      sync.RWMutex
	entries []Entry
	maxSize int
	sink    func(Entry)
}

// NewBuffer creates a logger buffer with the specified maximum entries.
func NewBuffer(maxSize int) *Buffer {
	if maxSize <= 0 {
		maxSize = config.LogBufferMaxEntries
	}
	return &Buffer{
		entries: make([]Entry, 0, maxSize),
		maxSize: maxSize,
		sink:    stderrSink,
	}
}

func stderrSink(entry Entry) {
	if entry.Source != "" {
		log.Printf("[%s] %s: %s", entry.Level, entry.Source, entry.Message)
		return
	}
	log.Printf("[%s] %s", entry.Level, entry.Message)
}

// SetSink replaces the per-entry sink. A nil sink disables forwarding.
func (b *Buffer) SetSink(sink func(Entry)) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sink = sink
}

// Log adds an entry with the specified level, message, and optional source.
func (b *Buffer) Log(level Level, message string, source ...string) {
	if b == nil {
		return
	}

	entry := Entry{
		Timestamp: time.Now(),
		Level:     level.String(),
		Message:   message,
	}
	if len(source) > 0 {
		entry.Source = source[0]
	}

	b.mu.Lock()
	b.entries = append(b.entries, entry)
	if len(b.entries) > b.maxSize {
		// Re-slice into a fresh buffer so capacity can't grow unbounded.
		start := len(b.entries) - b.maxSize
		trimmed := make([]Entry, b.maxSize)
		copy(trimmed, b.entries[start:])
		b.entries = trimmed
	}
	sink := b.sink
	b.mu.Unlock()

	if sink != nil {
		sink(entry)
	}
}

// Debug logs a debug message.
func (b *Buffer) Debug(message string, source ...string) {
	b.Log(LevelDebug, message, source...)
}

// Info logs an info message.
func (b *Buffer) Info(message string, source ...string) {
	b.Log(LevelInfo, message, source...)
}

// Warn logs a warning message.
func (b *Buffer) Warn(message string, source ...string) {
	b.Log(LevelWarn, message, source...)
}

// Error logs an error message.
func (b *Buffer) Error(message string, source ...string) {
	b.Log(LevelError, message, source...)
}

// Entries returns a copy of all buffered entries.
func (b *Buffer) Entries() []Entry {
	if b == nil {
		return []Entry{}
	}
	b.mu.RLock()
	defer b.mu.RUnlock()

	entries := make([]Entry, len(b.entries))
	copy(entries, b.entries)
	return entries
}

// Count returns the number of buffered entries.
func (b *Buffer) Count() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.entries)
}

// Clear removes all buffered entries.
func (b *Buffer) Clear() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.entries = b.entries[:0]
}

// Noop satisfies Logger without emitting output.
type Noop struct{}

func (Noop) Debug(string, ...string) {}
func (Noop) Info(string, ...string)  {}
func (Noop) Warn(string, ...string)  {}
func (Noop) Error(string, ...string) {}
