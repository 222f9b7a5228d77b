package logging

import (
	"fmt"
	"time"
)

// SessionLogger wraps an EventLogger with per-session immutable context.
// Multiple SessionLoggers share the same underlying *EventLogger (file
// handle) while maintaining independent session contexts.
type SessionLogger struct {
	base *EventLogger

	// Immutable context, set at session creation.
	sessionID string
	endpoint  string
	namespace string
	transport string
}

// NewSessionLogger creates a logger scoped to one client session.
// base may be nil, in which case all log calls are dropped.
func NewSessionLogger(base *EventLogger, sessionID, endpoint, namespace, transport string) *SessionLogger {
	return &SessionLogger{
		base:      base,
		sessionID: sessionID,
		endpoint:  endpoint,
		namespace: namespace,
		transport: transport,
	}
}

func (sl *SessionLogger) SessionID() string { return sl.sessionID }
func (sl *SessionLogger) Endpoint() string  { return sl.endpoint }

func (sl *SessionLogger) log(event *Event) {
	if sl == nil || sl.base == nil {
		return
	}
	event.SessionID = sl.sessionID
	event.Endpoint = sl.endpoint
	event.Namespace = sl.namespace
	event.Transport = sl.transport
	// Logging must never fail a request.
	_ = sl.base.Log(event)
}

// LogRequest records an inbound client request.
func (sl *SessionLogger) LogRequest(requestID, method, detail string) {
	sl.log(&Event{
		RequestID:   requestID,
		Direction:   DirectionClientToServer,
		MessageType: MessageTypeRequest,
		Method:      method,
		Detail:      detail,
		Success:     true,
	})
}

// LogResponse records the outcome of a request. A non-nil err marks the
// event as an error.
func (sl *SessionLogger) LogResponse(requestID, method, member string, duration time.Duration, err error) {
	event := &Event{
		RequestID:   requestID,
		Member:      member,
		Direction:   DirectionServerToClient,
		MessageType: MessageTypeResponse,
		Method:      method,
		Success:     true,
		DurationMS:  duration.Milliseconds(),
	}
	if err != nil {
		event.MessageType = MessageTypeError
		event.Success = false
		event.Error = err.Error()
	}
	sl.log(event)
}

// LogNotification records a server-originated notification relayed to the
// client (list changes, progress, member stderr output).
func (sl *SessionLogger) LogNotification(member, method, detail string) {
	sl.log(&Event{
		Member:      member,
		Direction:   DirectionServerToClient,
		MessageType: MessageTypeNotification,
		Method:      method,
		Detail:      detail,
		Success:     true,
	})
}

// LogSessionStart records session creation.
func (sl *SessionLogger) LogSessionStart() {
	sl.log(&Event{
		RequestID:   fmt.Sprintf("start_%d", time.Now().UnixNano()),
		Direction:   DirectionSystem,
		MessageType: MessageTypeSystem,
		Detail:      "session started",
		Success:     true,
	})
}

// LogSessionStop records session termination with its close reason.
func (sl *SessionLogger) LogSessionStop(reason string, err error) {
	event := &Event{
		RequestID:   fmt.Sprintf("stop_%d", time.Now().UnixNano()),
		Direction:   DirectionSystem,
		MessageType: MessageTypeSystem,
		Detail:      fmt.Sprintf("session stopped: %s", reason),
		Success:     true,
	}
	if err != nil {
		event.Success = false
		event.Error = err.Error()
	}
	sl.log(event)
}
