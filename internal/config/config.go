// Package config defines the manifold configuration model: downstream MCP
// servers, namespaces, published endpoints, and gateway settings, plus the
// load/save/validate helpers for the on-disk config file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/manifoldmcp/manifold/internal/common"
)

// TransportKind selects how a downstream MCP server is reached.
type TransportKind string

const (
	// TransportStdio launches the server as a child process speaking MCP
	// over stdin/stdout.
	TransportStdio TransportKind = "stdio"
	// TransportSSE connects to a legacy HTTP+SSE server.
	TransportSSE TransportKind = "sse"
	// TransportStreamable connects to a streamable HTTP server.
	TransportStreamable TransportKind = "streamable_http"
)

// GlobalConfig is the root configuration object stored at
// ~/.manifold/config.json. The mcpServers section is shape-compatible with
// the common client config format, so exported fragments can be pasted into
// other tools and vice versa.
type GlobalConfig struct {
	Name       string                      `json:"name"`                 // Display name for this gateway instance
	Version    string                      `json:"version"`              // Config schema version
	Settings   *Settings                   `json:"settings,omitempty"`   // Gateway-level settings
	Servers    map[string]*ServerConfig    `json:"mcpServers,omitempty"` // Downstream MCP servers by name
	Namespaces map[string]*NamespaceConfig `json:"namespaces,omitempty"` // Namespaces by name
	Endpoints  map[string]*EndpointConfig  `json:"endpoints,omitempty"`  // Published endpoints by name
	Metadata   map[string]interface{}      `json:"metadata,omitempty"`   // Additional metadata
}

// ServerConfig describes how to start or reach a single downstream MCP
// server. The zero Transport is inferred from Command/URL during
// normalization.
type ServerConfig struct {
	Name        string            `json:"-"                     yaml:"-"`           // Map key, filled in after load
	Transport   TransportKind     `json:"type,omitempty"        yaml:"type"`        // stdio, sse, or streamable_http
	Command     string            `json:"command,omitempty"     yaml:"command"`     // Executable (stdio transport)
	Args        []string          `json:"args,omitempty"        yaml:"args"`        // Command arguments
	Env         map[string]string `json:"env,omitempty"         yaml:"env"`         // Extra child environment variables
	URL         string            `json:"url,omitempty"         yaml:"url"`         // Server URL (sse / streamable_http)
	Headers     map[string]string `json:"headers,omitempty"     yaml:"headers"`     // HTTP headers (supports ${ENV_VAR} substitution)
	BearerToken string            `json:"bearerToken,omitempty" yaml:"bearerToken"` // Shorthand for Authorization: Bearer <token>
	Enabled     bool              `json:"enabled"               yaml:"enabled"`     // Whether the server may be used
	Description string            `json:"description,omitempty" yaml:"description"` // Human readable description
}

// GetSubstitutedHeaders returns headers with environment variables
// substituted. Supports both ${VAR_NAME} and $VAR_NAME syntax.
// Example: "Bearer ${GITHUB_TOKEN}" -> "Bearer ghp_abc123...".
func (s *ServerConfig) GetSubstitutedHeaders() map[string]string {
	result := make(map[string]string)
	for key, value := range s.Headers {
		result[key] = os.Expand(value, os.Getenv)
	}
	if s.BearerToken != "" {
		if _, ok := result["Authorization"]; !ok {
			result["Authorization"] = "Bearer " + os.Expand(s.BearerToken, os.Getenv)
		}
	}
	return result
}

// NamespaceConfig groups downstream servers into one aggregated surface.
// Member order is significant: catalogs are presented in member order and
// first-come-wins on name collisions.
type NamespaceConfig struct {
	Name        string              `json:"-"`                     // Map key, filled in after load
	Description string              `json:"description,omitempty"` // Human readable description
	Members     []*NamespaceMember  `json:"members"`               // Ordered member list
	Middlewares []*MiddlewareConfig `json:"middlewares,omitempty"` // Ordered middleware chain
}

// NamespaceMember references one downstream server inside a namespace.
type NamespaceMember struct {
	// ID is the member's short identifier inside the namespace, used as the
	// collision prefix for aggregated catalogs. Defaults to the server name.
	ID string `json:"id,omitempty"`

	// Server is the name of the referenced ServerConfig.
	Server string `json:"server"`

	// Disabled excludes the member from aggregation without removing it.
	Disabled bool `json:"disabled,omitempty"`

	// Tools holds per-tool enabled flags. A tool missing from the map is
	// enabled; an explicit false hides it from the aggregated catalog.
	Tools map[string]bool `json:"tools,omitempty"`
}

// MemberID returns the member's catalog identifier (ID if set, otherwise the
// server name).
func (m *NamespaceMember) MemberID() string {
	if m.ID != "" {
		return m.ID
	}
	return m.Server
}

// ToolEnabled reports whether a tool of this member should be exposed.
func (m *NamespaceMember) ToolEnabled(tool string) bool {
	if m.Tools == nil {
		return true
	}
	enabled, ok := m.Tools[tool]
	if !ok {
		return true
	}
	return enabled
}

// MiddlewareConfig names one middleware in a namespace chain together with
// its settings. Middleware names resolve against the built-in registry.
type MiddlewareConfig struct {
	Name     string                 `json:"name"`               // Registered middleware name
	Disabled bool                   `json:"disabled,omitempty"` // Skip without removing from the chain
	Config   map[string]interface{} `json:"config,omitempty"`   // Middleware-specific configuration
}

// EndpointConfig publishes one namespace under a URL path segment.
type EndpointConfig struct {
	Name        string     `json:"-"`                     // Map key, filled in after load
	Namespace   string     `json:"namespace"`             // Served namespace name
	Auth        AuthPolicy `json:"auth,omitempty"`        // Access policy
	Owner       string     `json:"owner,omitempty"`       // Key id; restricts access to that principal
	Description string     `json:"description,omitempty"` // Human readable description
}

// AuthPolicy controls how clients authenticate against an endpoint.
type AuthPolicy struct {
	// Public makes the endpoint reachable without any credential.
	Public bool `json:"public,omitempty"`

	// AllowQueryKey additionally accepts ?api_key=<key> on streamable HTTP
	// and the REST view. SSE connections never accept query credentials.
	AllowQueryKey bool `json:"allowQueryKey,omitempty"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *GlobalConfig {
	settings := DefaultSettings()
	return &GlobalConfig{
		Name:       "Manifold Gateway",
		Version:    "1.0.0",
		Settings:   &settings,
		Servers:    make(map[string]*ServerConfig),
		Namespaces: make(map[string]*NamespaceConfig),
		Endpoints:  make(map[string]*EndpointConfig),
		Metadata:   make(map[string]interface{}),
	}
}

// GetConfigDir returns the manifold state directory path.
func GetConfigDir() (string, error) {
	return common.StateDir()
}

// GetConfigPath returns the full path to config.json.
func GetConfigPath() (string, error) {
	configDir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(configDir, "config.json"), nil
}

// EnsureConfigDir creates the config directory if it doesn't exist.
func EnsureConfigDir() error {
	configDir, err := GetConfigDir()
	if err != nil {
		return err
	}
	return os.MkdirAll(configDir, 0o750)
}

// LoadConfig loads the global configuration from the default path.
func LoadConfig() (*GlobalConfig, error) {
	configPath, err := GetConfigPath()
	if err != nil {
		return nil, err
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("configuration file not found at %s", configPath)
	}

	return LoadConfigFromPath(configPath)
}

// LoadConfigFromPath loads, normalizes and validates a configuration file.
func LoadConfigFromPath(path string) (*GlobalConfig, error) {
	data, err := os.ReadFile(path) //nolint:gosec // operator-provided config path
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg GlobalConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	Normalize(&cfg)

	if err := ValidateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// SaveConfig saves the configuration to the default path, creating the state
// directory if needed.
func SaveConfig(cfg *GlobalConfig) error {
	if err := EnsureConfigDir(); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath, err := GetConfigPath()
	if err != nil {
		return err
	}

	return SaveConfigToPath(cfg, configPath)
}

// SaveConfigToPath writes the configuration as indented JSON.
func SaveConfigToPath(cfg *GlobalConfig, path string) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0o644); err != nil { //nolint:gosec // config carries no secrets beyond env refs
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Normalize fills derived fields after parsing: map keys become entity
// names, transports are inferred where omitted, and nil sections become
// empty maps.
func Normalize(cfg *GlobalConfig) {
	if cfg.Settings == nil {
		settings := DefaultSettings()
		cfg.Settings = &settings
	}
	cfg.Settings.applyDefaults()

	if cfg.Servers == nil {
		cfg.Servers = make(map[string]*ServerConfig)
	}
	for name, server := range cfg.Servers {
		server.Name = name
		if server.Transport == "" {
			if server.Command != "" {
				server.Transport = TransportStdio
			} else {
				server.Transport = TransportStreamable
			}
		}
	}

	if cfg.Namespaces == nil {
		cfg.Namespaces = make(map[string]*NamespaceConfig)
	}
	for name, ns := range cfg.Namespaces {
		ns.Name = name
	}

	if cfg.Endpoints == nil {
		cfg.Endpoints = make(map[string]*EndpointConfig)
	}
	for name, ep := range cfg.Endpoints {
		ep.Name = name
	}
}
