package logging

import (
	"encoding/json"
	"os"
	"sync"
	"time"
)

// CallLog represents a single routed call
type CallLog struct {
	Timestamp   time.Time `json:"timestamp"`
	TraceID     string    `json:"trace_id,omitempty"`
	Strategy    string    `json:"strategy"`
	Convention  string    `json:"convention"`
	Application string    `json:"application,omitempty"`
	Method      string    `json:"method"`
	Targets     int       `json:"targets"`
	DurationMs  int64     `json:"duration_ms"`
	Success     bool      `json:"success"`
	Error       string    `json:"error,omitempty"`
}

// Logger handles call logging
type Logger struct {
	mu   sync.Mutex
	file *os.File
}

var defaultLogger = &Logger{}

// Default returns the default call logger
func Default() *Logger {
	return defaultLogger
}

// SetOutput sets the call log output file
func (l *Logger) SetOutput(path string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		l.file.Close()
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	l.file = f
	return nil
}

// Log writes a call log entry. Entries always reach the operational logger at
// debug level; the JSON file only receives them when an output is set.
func (l *Logger) Log(entry *CallLog) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}

	args := []any{
		"strategy", entry.Strategy,
		"convention", entry.Convention,
		"method", entry.Method,
		"targets", entry.Targets,
		"duration_ms", entry.DurationMs,
		"success", entry.Success,
	}
	if entry.Error != "" {
		args = append(args, "error", entry.Error)
	}
	OpWithTrace(entry.TraceID, "").Debug("routed call", args...)

	if l.file != nil {
		data, _ := json.Marshal(entry)
		l.file.Write(append(data, '\n'))
	}
}

// Close closes the call log file
func (l *Logger) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}
}
