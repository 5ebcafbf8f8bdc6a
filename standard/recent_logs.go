// Package standard provides the agent's ambient components: the recent-log
// ring, connectivity tracking, device identity and certificate status. Each
// exposes a Summary that the status reporter embeds in the heartbeat.
package standard

import (
	"context"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// LogLevel represents the severity of a log entry.
type LogLevel string

const (
	LevelError LogLevel = "ERROR"
	LevelWarn  LogLevel = "WARN"
	LevelInfo  LogLevel = "INFO"
	LevelDebug LogLevel = "DEBUG"
)

func (l LogLevel) slogLevel() slog.Level {
	switch l {
	case LevelError:
		return slog.LevelError
	case LevelWarn:
		return slog.LevelWarn
	case LevelDebug:
		return slog.LevelDebug
	}
	return slog.LevelInfo
}

// LogEntry represents a single log entry.
type LogEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Level     LogLevel       `json:"level"`
	Message   string         `json:"message"`
	Context   map[string]any `json:"context,omitempty"`
}

// RecentLogs keeps the last N log entries in memory and forwards every
// entry to a slog.Logger.
type RecentLogs struct {
	mu          sync.Mutex
	entries     []LogEntry
	maxEntries  int
	logger      *slog.Logger
	now         func() time.Time
	triggerFunc func() // called on Error/Warn
}

// NewRecentLogs creates a RecentLogs tracker. A nil logger discards output.
func NewRecentLogs(maxEntries int, logger *slog.Logger) *RecentLogs {
	if maxEntries <= 0 {
		maxEntries = 100
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil)) // slog.DiscardHandler needs go1.24
	}
	return &RecentLogs{
		entries:    make([]LogEntry, 0, maxEntries),
		maxEntries: maxEntries,
		logger:     logger,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Discard returns a RecentLogs that keeps entries but writes nowhere. Used
// as the default by components constructed without logs.
func Discard() *RecentLogs { return NewRecentLogs(0, nil) }

// SetTriggerFunc sets the function called after every Error or Warn entry.
func (r *RecentLogs) SetTriggerFunc(fn func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.triggerFunc = fn
}

// SetClock replaces the timestamp source.
func (r *RecentLogs) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Log adds a log entry with structured context.
func (r *RecentLogs) Log(level LogLevel, message string, context map[string]any) {
	r.mu.Lock()
	entry := LogEntry{
		Timestamp: r.now(),
		Level:     level,
		Message:   message,
		Context:   context,
	}
	r.entries = append(r.entries, entry)
	if len(r.entries) > r.maxEntries {
		r.entries = r.entries[len(r.entries)-r.maxEntries:]
	}
	logger := r.logger
	r.mu.Unlock()

	logger.LogAttrs(contextBackground, level.slogLevel(), message, attrs(context)...)
}

var contextBackground = context.Background()

func attrs(context map[string]any) []slog.Attr {
	keys := make([]string, 0, len(context))
	for k := range context {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]slog.Attr, 0, len(keys))
	for _, k := range keys {
		out = append(out, slog.Any(k, context[k]))
	}
	return out
}

// Error logs an error and fires the trigger.
func (r *RecentLogs) Error(message string, context map[string]any) {
	r.Log(LevelError, message, context)
	r.trigger()
}

// Warn logs a warning and fires the trigger.
func (r *RecentLogs) Warn(message string, context map[string]any) {
	r.Log(LevelWarn, message, context)
	r.trigger()
}

// Info logs an info message with context.
func (r *RecentLogs) Info(message string, context map[string]any) {
	r.Log(LevelInfo, message, context)
}

// Debug logs a debug message with context.
func (r *RecentLogs) Debug(message string, context map[string]any) {
	r.Log(LevelDebug, message, context)
}

// WarnNoTrigger logs a warning without firing the trigger. The reporter
// uses it for its own failures so a failed heartbeat does not schedule
// another one.
func (r *RecentLogs) WarnNoTrigger(message string, context map[string]any) {
	r.Log(LevelWarn, message, context)
}

// ErrorNoTrigger logs an error without firing the trigger.
func (r *RecentLogs) ErrorNoTrigger(message string, context map[string]any) {
	r.Log(LevelError, message, context)
}

func (r *RecentLogs) trigger() {
	r.mu.Lock()
	fn := r.triggerFunc
	r.mu.Unlock()
	if fn != nil {
		fn()
	}
}

// Entries returns a copy of the retained entries, oldest first.
func (r *RecentLogs) Entries() []LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]LogEntry(nil), r.entries...)
}

// Summary returns level counts and the most recent error and warning
// entries (at most recent of them) for the heartbeat.
func (r *RecentLogs) Summary(recent int) map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()

	var errorCount, warnCount, infoCount, debugCount int
	problems := make([]LogEntry, 0, recent)
	for i := len(r.entries) - 1; i >= 0; i-- {
		entry := r.entries[i]
		switch entry.Level {
		case LevelError:
			errorCount++
		case LevelWarn:
			warnCount++
		case LevelInfo:
			infoCount++
		case LevelDebug:
			debugCount++
		}
		if (entry.Level == LevelError || entry.Level == LevelWarn) && len(problems) < recent {
			problems = append(problems, entry)
		}
	}

	return map[string]any{
		"recent_problems": problems,
		"stats": map[string]any{
			"total_count":    len(r.entries),
			"errors_count":   errorCount,
			"warnings_count": warnCount,
			"info_count":     infoCount,
			"debug_count":    debugCount,
			"max_entries":    r.maxEntries,
		},
	}
}
