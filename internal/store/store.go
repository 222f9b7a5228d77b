// Package store defines the control-plane data access interface over
// downstream servers, namespaces, endpoints and settings, together with the
// change events the serving path subscribes to. Two implementations exist:
// a JSON file store (store/file) and a SQLite store (store/sqlite).
package store

import (
	"context"

	"github.com/manifoldmcp/manifold/internal/config"
)

// Store is the composite interface for all control-plane data access.
type Store interface {
	ServerStore
	NamespaceStore
	EndpointStore
	SettingsStore

	// Subscribe registers a change listener and returns a cancel function.
	// Callbacks run synchronously with the mutation and must not block;
	// consumers that need buffering or coalescing put a bus behind this.
	Subscribe(fn func(Event)) (cancel func())

	Ping(ctx context.Context) error
	Close() error
}

// ServerStore manages downstream server definitions.
type ServerStore interface {
	CreateServer(ctx context.Context, s *config.ServerConfig) error
	GetServer(ctx context.Context, name string) (*config.ServerConfig, error)
	ListServers(ctx context.Context) ([]*config.ServerConfig, error)
	UpdateServer(ctx context.Context, s *config.ServerConfig) error
	DeleteServer(ctx context.Context, name string) error
	SetServerEnabled(ctx context.Context, name string, enabled bool) error

	// ImportServers additively merges an import document; per-entry
	// failures are reported in the result without failing the rest.
	ImportServers(ctx context.Context, doc *config.ImportDocument) (*config.ImportResult, error)
	ExportServers(ctx context.Context) (*config.ImportDocument, error)
}

// NamespaceStore manages namespace definitions.
type NamespaceStore interface {
	CreateNamespace(ctx context.Context, ns *config.NamespaceConfig) error
	GetNamespace(ctx context.Context, name string) (*config.NamespaceConfig, error)
	ListNamespaces(ctx context.Context) ([]*config.NamespaceConfig, error)
	UpdateNamespace(ctx context.Context, ns *config.NamespaceConfig) error
	DeleteNamespace(ctx context.Context, name string) error
}

// EndpointStore manages published endpoint definitions.
type EndpointStore interface {
	CreateEndpoint(ctx context.Context, ep *config.EndpointConfig) error
	GetEndpoint(ctx context.Context, name string) (*config.EndpointConfig, error)
	ListEndpoints(ctx context.Context) ([]*config.EndpointConfig, error)
	UpdateEndpoint(ctx context.Context, ep *config.EndpointConfig) error
	DeleteEndpoint(ctx context.Context, name string) error
}

// SettingsStore manages gateway-level settings.
type SettingsStore interface {
	GetSettings(ctx context.Context) (*config.Settings, error)
	UpdateSettings(ctx context.Context, s *config.Settings) error
}

// EventKind names a control-plane change.
type EventKind string

const (
	EventServerUpdated    EventKind = "server-updated" // covers create and update
	EventServerRemoved    EventKind = "server-removed"
	EventNamespaceUpdated EventKind = "namespace-updated"
	EventNamespaceRemoved EventKind = "namespace-removed"
	EventEndpointUpdated  EventKind = "endpoint-updated"
	EventEndpointRemoved  EventKind = "endpoint-removed"
	EventSettingsUpdated  EventKind = "settings-updated"
)

// Event describes one control-plane change. Server events carry the config
// fingerprints before and after so pooled sessions built from the old
// fingerprint can be retired without guessing.
type Event struct {
	Kind EventKind
	Name string

	// OldFingerprint and NewFingerprint are set on server events. An empty
	// OldFingerprint means the server is new; an empty NewFingerprint means
	// it was removed.
	OldFingerprint string
	NewFingerprint string
}
