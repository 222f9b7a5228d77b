package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/manifoldmcp/manifold/internal/common"
)

// ErrLogsDirNotFound is returned when the manifold logs directory is missing.
var ErrLogsDirNotFound = errors.New("manifold logs directory not found")

// ErrNoLogEntries is returned when log files exist but contain no valid entries.
var ErrNoLogEntries = errors.New("no log entries found")

// AnnotatedEvent wraps an Event with contextual metadata used for display.
type AnnotatedEvent struct {
	Event
	SourceFile string
}

// GetLogsDirectory returns the directory where manifold stores request logs.
// Tests can override this path by setting the MANIFOLD_LOG_DIR environment
// variable.
func GetLogsDirectory() (string, error) {
	if custom := os.Getenv("MANIFOLD_LOG_DIR"); custom != "" {
		return custom, nil
	}

	stateDir, err := common.StateDir()
	if err != nil {
		return "", err
	}

	return filepath.Join(stateDir, "logs"), nil
}

// LoadRecentEvents collects events from manifold log files, orders them by
// timestamp descending, and enforces an optional limit. A non-positive limit
// returns all available entries.
func LoadRecentEvents(limit int) ([]AnnotatedEvent, error) {
	logDir, err := GetLogsDirectory()
	if err != nil {
		return nil, err
	}

	fileInfos, err := os.ReadDir(logDir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrLogsDirNotFound
		}
		return nil, fmt.Errorf("failed to read log directory: %w", err)
	}

	if len(fileInfos) == 0 {
		return nil, ErrNoLogEntries
	}

	type fileMeta struct {
		path string
		mod  time.Time
	}

	var files []fileMeta
	for _, entry := range fileInfos {
		if entry.IsDir() {
			continue
		}

		info, err := entry.Info()
		if err != nil {
			return nil, fmt.Errorf("failed to read log metadata: %w", err)
		}

		files = append(files, fileMeta{
			path: filepath.Join(logDir, entry.Name()),
			mod:  info.ModTime(),
		})
	}

	if len(files) == 0 {
		return nil, ErrNoLogEntries
	}

	sort.Slice(files, func(i, j int) bool {
		return files[i].mod.After(files[j].mod)
	})

	var entries []AnnotatedEvent
	for _, file := range files {
		fileEvents, err := readLogFile(file.path)
		if err != nil {
			return nil, err
		}

		for _, event := range fileEvents {
			entries = append(entries, AnnotatedEvent{
				Event:      event,
				SourceFile: file.path,
			})
		}
	}

	if len(entries) == 0 {
		return nil, ErrNoLogEntries
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})

	if limit > 0 && len(entries) > limit {
		return entries[:limit], nil
	}

	return entries, nil
}

// FormatDisplayLine converts an AnnotatedEvent into a human-readable summary string.
func FormatDisplayLine(entry AnnotatedEvent) string {
	status := "ok"
	if !entry.Success {
		status = "fail"
	}

	method := entry.Method
	if method == "" {
		method = "-"
	}

	endpoint := entry.Endpoint
	if endpoint == "" {
		endpoint = "-"
	}

	detail := entry.Detail
	if entry.Error != "" {
		detail = entry.Error
	}
	detail = truncate(detail, 80)

	sessionInfo := entry.SessionID
	if sessionInfo == "" {
		sessionInfo = "-"
	}

	return fmt.Sprintf("%s | %-16s | %-12s | %-4s | %-24s | %-12s | %s | %s",
		entry.Timestamp.Format(time.RFC3339),
		entry.Direction,
		entry.MessageType,
		status,
		method,
		endpoint,
		sessionInfo,
		detail,
	)
}

func readLogFile(path string) ([]Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to open log file %s: %w", path, err)
	}
	defer file.Close()

	var events []Event

	scanner := bufio.NewScanner(file)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024) // allow larger log lines

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			// Skip malformed lines but continue processing the rest of the file.
			continue
		}

		events = append(events, event)
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed scanning log file %s: %w", path, err)
	}

	return events, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}

	const ellipsis = "..."
	if limit <= len(ellipsis) {
		return ellipsis
	}

	return s[:limit-len(ellipsis)] + ellipsis
}
