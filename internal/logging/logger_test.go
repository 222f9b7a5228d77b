package logging

import (
	"encoding/json"
	"os"
	"strings"
	"testing"
	"time"
)

func TestEventLoggerWritesJSONLines(t *testing.T) {
	// Given: an event logger pointed at a temp directory.
	tempDir := t.TempDir()
	t.Setenv("MANIFOLD_LOG_DIR", tempDir)

	logger, err := NewEventLogger()
	if err != nil {
		t.Fatalf("NewEventLogger returned error: %v", err)
	}
	defer logger.Close()

	// When: logging two events.
	err = logger.Log(&Event{
		RequestID:   "req-1",
		SessionID:   "sess-1",
		Endpoint:    "hn",
		Direction:   DirectionClientToServer,
		MessageType: MessageTypeRequest,
		Method:      "tools/call",
		Detail:      "get_stories",
		Success:     true,
	})
	if err != nil {
		t.Fatalf("Log returned error: %v", err)
	}

	err = logger.Log(&Event{
		RequestID:   "req-1",
		SessionID:   "sess-1",
		Endpoint:    "hn",
		Direction:   DirectionServerToClient,
		MessageType: MessageTypeError,
		Method:      "tools/call",
		Success:     false,
		Error:       "upstream unavailable",
	})
	if err != nil {
		t.Fatalf("Log returned error: %v", err)
	}

	// Then: the file holds one valid JSON object per line.
	data, err := os.ReadFile(logger.GetLogPath())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 log lines, got %d", len(lines))
	}

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.RequestID != "req-1" || first.Method != "tools/call" {
		t.Errorf("unexpected first event: %+v", first)
	}
	if first.Timestamp.IsZero() {
		t.Error("expected timestamp to be filled in")
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not valid JSON: %v", err)
	}
	if second.Success || second.Error != "upstream unavailable" {
		t.Errorf("unexpected second event: %+v", second)
	}
}

func TestEventLoggerCloseIsIdempotent(t *testing.T) {
	tempDir := t.TempDir()
	t.Setenv("MANIFOLD_LOG_DIR", tempDir)

	logger, err := NewEventLogger()
	if err != nil {
		t.Fatalf("NewEventLogger returned error: %v", err)
	}

	if err := logger.Close(); err != nil {
		t.Fatalf("first Close returned error: %v", err)
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close returned error: %v", err)
	}

	// Logging after close fails instead of panicking.
	if err := logger.Log(&Event{Direction: DirectionSystem, MessageType: MessageTypeSystem}); err == nil {
		t.Error("expected error when logging after close")
	}
}

func TestSessionLoggerAttachesContext(t *testing.T) {
	// Given: a session logger scoped to an endpoint session.
	tempDir := t.TempDir()
	t.Setenv("MANIFOLD_LOG_DIR", tempDir)

	base, err := NewEventLogger()
	if err != nil {
		t.Fatalf("NewEventLogger returned error: %v", err)
	}
	defer base.Close()

	sl := NewSessionLogger(base, "sess-42", "hn", "news", "streamable_http")

	// When: logging through the session logger.
	sl.LogSessionStart()
	sl.LogRequest("req-9", "tools/list", "")
	sl.LogResponse("req-9", "tools/list", "member-a", 15*time.Millisecond, nil)
	sl.LogSessionStop("closed-by-client", nil)

	// Then: every written event carries the session context.
	data, err := os.ReadFile(base.GetLogPath())
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 4 {
		t.Fatalf("expected 4 log lines, got %d", len(lines))
	}

	for i, line := range lines {
		var event Event
		if err := json.Unmarshal([]byte(line), &event); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		if event.SessionID != "sess-42" {
			t.Errorf("line %d: expected session id sess-42, got %q", i, event.SessionID)
		}
		if event.Endpoint != "hn" || event.Namespace != "news" {
			t.Errorf("line %d: missing endpoint context: %+v", i, event)
		}
	}

	var response Event
	if err := json.Unmarshal([]byte(lines[2]), &response); err != nil {
		t.Fatalf("response line is not valid JSON: %v", err)
	}
	if response.Member != "member-a" {
		t.Errorf("expected member id on response, got %q", response.Member)
	}
	if response.DurationMS != 15 {
		t.Errorf("expected duration 15ms, got %d", response.DurationMS)
	}
}

func TestSessionLoggerNilBaseDropsEvents(t *testing.T) {
	sl := NewSessionLogger(nil, "sess-1", "hn", "news", "sse")

	// Must not panic.
	sl.LogSessionStart()
	sl.LogRequest("req-1", "ping", "")
	sl.LogResponse("req-1", "ping", "", time.Millisecond, nil)
	sl.LogNotification("member-a", "notifications/message", "stderr output")
	sl.LogSessionStop("timeout", nil)
}
