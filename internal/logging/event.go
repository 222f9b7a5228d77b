package logging

import "time"

// Direction indicates the communication flow perspective of an event.
// This field remains stable regardless of success/failure status.
type Direction string

const (
	// DirectionClientToServer marks traffic flowing from a connected client
	// into the gateway.
	DirectionClientToServer Direction = "client_to_server"
	// DirectionServerToClient marks traffic flowing from the gateway back to
	// a connected client.
	DirectionServerToClient Direction = "server_to_client"
	// DirectionSystem marks gateway lifecycle events that belong to no
	// particular exchange.
	DirectionSystem Direction = "system"
)

// MessageType categorizes the content/outcome of an event. Unlike Direction,
// a failed response is recorded as "error", enabling filtering by operational
// status (e.g. "all errors" vs "all responses regardless of success").
type MessageType string

const (
	MessageTypeRequest      MessageType = "request"
	MessageTypeResponse     MessageType = "response"
	MessageTypeNotification MessageType = "notification"
	MessageTypeError        MessageType = "error"
	MessageTypeSystem       MessageType = "system"
)

// Event is a single structured record of gateway activity. Events are
// serialized as JSON lines for analysis with standard text tooling.
type Event struct {
	// Timestamp is the exact time when the event was recorded.
	Timestamp time.Time `json:"timestamp"`

	// RequestID uniquely identifies a single request/response pair.
	RequestID string `json:"request_id,omitempty"`

	// SessionID groups multiple requests within the same client session.
	SessionID string `json:"session_id,omitempty"`

	// Endpoint is the published endpoint name the client connected to.
	Endpoint string `json:"endpoint,omitempty"`

	// Namespace is the namespace served through the endpoint.
	Namespace string `json:"namespace,omitempty"`

	// Member identifies the namespace member a request was routed to, when
	// the event concerns a single downstream server.
	Member string `json:"member,omitempty"`

	// Transport is the client-facing wire ("streamable_http" or "sse").
	Transport string `json:"transport,omitempty"`

	Direction   Direction   `json:"direction"`
	MessageType MessageType `json:"message_type"`

	// Method is the MCP method involved (e.g. "tools/call").
	Method string `json:"method,omitempty"`

	// Detail carries a short human-readable summary (tool name, close
	// reason, notification payload excerpt).
	Detail string `json:"detail,omitempty"`

	// Success indicates whether the operation completed successfully.
	Success bool `json:"success"`

	// Error contains error details if Success is false.
	Error string `json:"error,omitempty"`

	// DurationMS is the elapsed wall time for request/response pairs.
	DurationMS int64 `json:"duration_ms,omitempty"`

	// Metadata holds additional context-specific key-value pairs.
	Metadata map[string]string `json:"metadata,omitempty"`
}
