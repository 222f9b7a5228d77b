package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"encoding/json"
)

// EventLogger appends gateway events to a dated JSONL file in the logs
// directory. Safe for concurrent use.
type EventLogger struct {
	mu      sync.Mutex
	logFile *os.File
	logPath string
}

// NewEventLogger creates a logger writing to requests_<date>.jsonl under the
// logs directory.
func NewEventLogger() (*EventLogger, error) {
	logsDir, err := GetLogsDirectory()
	if err != nil {
		return nil, err
	}

	if err := os.MkdirAll(logsDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create logs directory: %w", err)
	}

	logFileName := fmt.Sprintf("requests_%s.jsonl", time.Now().Format("2006-01-02"))
	logPath := filepath.Join(logsDir, logFileName)

	//nolint:gosec // request log, path derived from the state directory
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &EventLogger{
		logFile: logFile,
		logPath: logPath,
	}, nil
}

// Close closes the underlying log file.
func (l *EventLogger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.logFile != nil {
		err := l.logFile.Close()
		l.logFile = nil
		return err
	}
	return nil
}

// Log writes one event as a JSON line. A zero Timestamp is filled in.
func (l *EventLogger) Log(event *Event) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal log entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.logFile == nil {
		return fmt.Errorf("logger not initialized")
	}

	if _, err := l.logFile.Write(data); err != nil {
		return fmt.Errorf("failed to write log entry: %w", err)
	}
	if _, err := l.logFile.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write newline: %w", err)
	}

	return l.logFile.Sync()
}

// GetLogPath returns the absolute path to the current log file, for status
// output and diagnostics.
func (l *EventLogger) GetLogPath() string {
	return l.logPath
}
