package logging

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"
)

// Level is the severity of a log entry.
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
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return fmt.Sprintf("level(%d)", int(l))
	}
}

// MarshalText renders the level by name in JSON.
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseLevel parses "debug", "info", "warn" or "error".
func ParseLevel(s string) (Level, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, true
	case "info":
		return LevelInfo, true
	case "warn", "warning":
		return LevelWarn, true
	case "error":
		return LevelError, true
	}
	return LevelInfo, false
}

// Category groups log entries by subsystem.
type Category string

const (
	CatSystem    Category = "system"
	CatTag       Category = "tag"
	CatReader    Category = "reader"
	CatHTTP      Category = "http"
	CatWebSocket Category = "websocket"
)

// Entry is one log record.
type Entry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     Level          `json:"level"`
	Category  Category       `json:"category"`
	Message   string         `json:"message"`
	Data      map[string]any `json:"data,omitempty"`
}

// Stats summarises the buffered entries.
type Stats struct {
	Total      int              `json:"total"`
	Capacity   int              `json:"capacity"`
	ByLevel    map[string]int   `json:"byLevel"`
	ByCategory map[Category]int `json:"byCategory"`
}

// ANSI colors used when echoing to a terminal.
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorYellow = "\033[33m"
	colorDim    = "\033[2m"
)

// Logger keeps the most recent entries in a fixed-size ring buffer and can echo them to a
// writer.
type Logger struct {
	mu       sync.RWMutex
	entries  []Entry
	next     int
	full     bool
	minLevel Level

	echo      io.Writer
	echoLevel Level
	echoColor bool
}

// New creates a logger holding up to size entries and dropping entries below minLevel.
func New(size int, minLevel Level) *Logger {
	if size <= 0 {
		size = 1000
	}
	return &Logger{
		entries:  make([]Entry, size),
		minLevel: minLevel,
	}
}

var (
	defaultMu     sync.RWMutex
	defaultLogger = New(1000, LevelInfo)
)

// Init replaces the process-wide logger.
func Init(size int, minLevel Level) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = New(size, minLevel)
}

// Get returns the process-wide logger.
func Get() *Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	return defaultLogger
}

// SetEcho copies entries at or above minLevel to w. Pass nil to stop echoing.
func (l *Logger) SetEcho(w io.Writer, minLevel Level, color bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.echo = w
	l.echoLevel = minLevel
	l.echoColor = color
}

// Log records an entry.
func (l *Logger) Log(level Level, cat Category, msg string, data map[string]any) {
	if level < l.minLevel {
		return
	}

	e := Entry{
		Timestamp: time.Now(),
		Level:     level,
		Category:  cat,
		Message:   msg,
		Data:      data,
	}

	l.mu.Lock()
	l.entries[l.next] = e
	l.next = (l.next + 1) % len(l.entries)
	if l.next == 0 {
		l.full = true
	}
	echo, echoLevel, color := l.echo, l.echoLevel, l.echoColor
	l.mu.Unlock()

	if echo != nil && level >= echoLevel {
		fmt.Fprintln(echo, formatEntry(e, color))
	}
}

// GetEntries returns up to limit entries, newest first, optionally filtered by minimum level
// and category.
func (l *Logger) GetEntries(limit int, minLevel *Level, category *Category) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	out := make([]Entry, 0)
	for _, e := range l.ordered() {
		if minLevel != nil && e.Level < *minLevel {
			continue
		}
		if category != nil && e.Category != *category {
			continue
		}
		out = append(out, e)
	}

	// Newest first
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// Stats returns counters over the buffered entries.
func (l *Logger) Stats() Stats {
	l.mu.RLock()
	defer l.mu.RUnlock()

	s := Stats{
		Capacity:   len(l.entries),
		ByLevel:    make(map[string]int),
		ByCategory: make(map[Category]int),
	}
	for _, e := range l.ordered() {
		s.Total++
		s.ByLevel[e.Level.String()]++
		s.ByCategory[e.Category]++
	}
	return s
}

// Clear drops every buffered entry.
func (l *Logger) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make([]Entry, len(l.entries))
	l.next = 0
	l.full = false
}

// ordered returns the buffered entries oldest first. Callers hold l.mu.
func (l *Logger) ordered() []Entry {
	if !l.full {
		return l.entries[:l.next]
	}
	out := make([]Entry, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	out = append(out, l.entries[:l.next]...)
	return out
}

func formatEntry(e Entry, color bool) string {
	var b strings.Builder
	b.WriteString(e.Message)

	if len(e.Data) > 0 {
		keys := make([]string, 0, len(e.Data))
		for k := range e.Data {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, " %s=%v", k, e.Data[k])
		}
	}

	line := fmt.Sprintf("[%s] %s", e.Category, b.String())
	if !color {
		return strings.ToUpper(e.Level.String()) + " " + line
	}
	switch e.Level {
	case LevelError:
		return colorRed + line + colorReset
	case LevelWarn:
		return colorYellow + line + colorReset
	case LevelDebug:
		return colorDim + line + colorReset
	}
	return line
}

// Debug logs to the process-wide logger.
func Debug(cat Category, msg string, data map[string]any) {
	Get().Log(LevelDebug, cat, msg, data)
}

// Info logs to the process-wide logger.
func Info(cat Category, msg string, data map[string]any) {
	Get().Log(LevelInfo, cat, msg, data)
}

// Warn logs to the process-wide logger.
func Warn(cat Category, msg string, data map[string]any) {
	Get().Log(LevelWarn, cat, msg, data)
}

// Error logs to the process-wide logger.
func Error(cat Category, msg string, data map[string]any) {
	Get().Log(LevelError, cat, msg, data)
}
