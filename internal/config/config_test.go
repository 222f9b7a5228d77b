package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// TestLoadConfigFromPath tests loading configuration from a custom path.
func TestLoadConfigFromPath(t *testing.T) {
	tests := []struct {
		name      string
		setup     func(t *testing.T) string // Returns path to test file
		wantError bool
		errorMsg  string
		verify    func(t *testing.T, cfg *GlobalConfig)
	}{
		{
			name: "load valid config from custom path",
			setup: func(t *testing.T) string {
				tempDir := t.TempDir()
				configPath := filepath.Join(tempDir, "custom-config.json")

				cfg := DefaultConfig()
				cfg.Servers = map[string]*ServerConfig{
					"hackernews": {Command: "uvx", Args: []string{"mcp-hn"}, Transport: TransportStdio, Enabled: true},
				}
				cfg.Namespaces = map[string]*NamespaceConfig{
					"news": {Members: []*NamespaceMember{{Server: "hackernews"}}},
				}
				cfg.Endpoints = map[string]*EndpointConfig{
					"hn": {Namespace: "news"},
				}

				data, _ := json.MarshalIndent(cfg, "", "  ")
				os.WriteFile(configPath, data, 0o644)

				return configPath
			},
			wantError: false,
			verify: func(t *testing.T, cfg *GlobalConfig) {
				if cfg == nil {
					t.Fatal("Expected config, got nil")
				}
				if len(cfg.Servers) != 1 {
					t.Errorf("Expected 1 server, got %d", len(cfg.Servers))
				}
				// Map keys become entity names during normalization.
				if cfg.Servers["hackernews"].Name != "hackernews" {
					t.Errorf("Expected server name to be filled in, got %q", cfg.Servers["hackernews"].Name)
				}
				if cfg.Endpoints["hn"].Name != "hn" {
					t.Errorf("Expected endpoint name to be filled in, got %q", cfg.Endpoints["hn"].Name)
				}
			},
		},
		{
			name: "transport inferred from command",
			setup: func(t *testing.T) string {
				tempDir := t.TempDir()
				configPath := filepath.Join(tempDir, "inferred.json")

				raw := `{
					"version": "1.0.0",
					"mcpServers": {
						"local": {"command": "npx", "args": ["-y", "some-server"]},
						"remote": {"url": "https://api.example.com/mcp"}
					}
				}`
				os.WriteFile(configPath, []byte(raw), 0o644)
				return configPath
			},
			wantError: false,
			verify: func(t *testing.T, cfg *GlobalConfig) {
				if got := cfg.Servers["local"].Transport; got != TransportStdio {
					t.Errorf("Expected stdio transport for command server, got %q", got)
				}
				if got := cfg.Servers["remote"].Transport; got != TransportStreamable {
					t.Errorf("Expected streamable_http transport for url server, got %q", got)
				}
			},
		},
		{
			name: "file does not exist",
			setup: func(t *testing.T) string {
				return filepath.Join(t.TempDir(), "nonexistent.json")
			},
			wantError: true,
			errorMsg:  "failed to read config file",
		},
		{
			name: "malformed JSON",
			setup: func(t *testing.T) string {
				tempDir := t.TempDir()
				configPath := filepath.Join(tempDir, "malformed.json")
				os.WriteFile(configPath, []byte("{ invalid json "), 0o644)
				return configPath
			},
			wantError: true,
			errorMsg:  "failed to parse config",
		},
		{
			name: "invalid config structure",
			setup: func(t *testing.T) string {
				tempDir := t.TempDir()
				configPath := filepath.Join(tempDir, "invalid.json")

				// Config without required version field.
				invalidConfig := map[string]interface{}{
					"settings": map[string]interface{}{},
				}

				data, _ := json.Marshal(invalidConfig)
				os.WriteFile(configPath, data, 0o644)

				return configPath
			},
			wantError: true,
			errorMsg:  "invalid configuration",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := tt.setup(t)

			cfg, err := LoadConfigFromPath(path)

			if tt.wantError {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if tt.errorMsg != "" && !strings.Contains(err.Error(), tt.errorMsg) {
					t.Errorf("Expected error containing %q, got %q", tt.errorMsg, err.Error())
				}
				return
			}

			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if tt.verify != nil {
				tt.verify(t, cfg)
			}
		})
	}
}

func TestSaveAndReloadRoundTrip(t *testing.T) {
	// Given: a config with all entity kinds.
	tempDir := t.TempDir()
	configPath := filepath.Join(tempDir, "config.json")

	cfg := DefaultConfig()
	cfg.Servers["github"] = &ServerConfig{
		Transport:   TransportStreamable,
		URL:         "https://api.githubcopilot.com/mcp/",
		BearerToken: "${GITHUB_TOKEN}",
		Enabled:     true,
	}
	cfg.Namespaces["dev"] = &NamespaceConfig{
		Members: []*NamespaceMember{
			{Server: "github", Tools: map[string]bool{"delete_repo": false}},
		},
		Middlewares: []*MiddlewareConfig{{Name: "filter-inactive-tools"}},
	}
	cfg.Endpoints["dev"] = &EndpointConfig{
		Namespace: "dev",
		Auth:      AuthPolicy{AllowQueryKey: true},
	}

	// When: saving and reloading.
	if err := SaveConfigToPath(cfg, configPath); err != nil {
		t.Fatalf("SaveConfigToPath returned error: %v", err)
	}
	reloaded, err := LoadConfigFromPath(configPath)
	if err != nil {
		t.Fatalf("LoadConfigFromPath returned error: %v", err)
	}

	// Then: entities survive unchanged.
	server := reloaded.Servers["github"]
	if server == nil {
		t.Fatal("Expected github server after reload")
	}
	if server.BearerToken != "${GITHUB_TOKEN}" {
		t.Errorf("Expected raw bearer token to survive, got %q", server.BearerToken)
	}

	ns := reloaded.Namespaces["dev"]
	if ns == nil || len(ns.Members) != 1 {
		t.Fatalf("Expected dev namespace with 1 member, got %+v", ns)
	}
	if ns.Members[0].ToolEnabled("delete_repo") {
		t.Error("Expected delete_repo to stay disabled after reload")
	}
	if !ns.Members[0].ToolEnabled("create_issue") {
		t.Error("Expected unlisted tools to be enabled")
	}

	ep := reloaded.Endpoints["dev"]
	if ep == nil || !ep.Auth.AllowQueryKey {
		t.Fatalf("Expected endpoint auth policy to survive, got %+v", ep)
	}
}

func TestGetSubstitutedHeaders(t *testing.T) {
	// Given: headers and a bearer token referencing environment variables.
	t.Setenv("TEST_MANIFOLD_TOKEN", "secret123")

	server := &ServerConfig{
		Headers: map[string]string{
			"Authorization": "Bearer ${TEST_MANIFOLD_TOKEN}",
			"X-Static":      "value",
		},
	}

	// When: substituting.
	headers := server.GetSubstitutedHeaders()

	// Then: variables are expanded, static values pass through.
	if headers["Authorization"] != "Bearer secret123" {
		t.Errorf("Expected substituted token, got %q", headers["Authorization"])
	}
	if headers["X-Static"] != "value" {
		t.Errorf("Expected static header preserved, got %q", headers["X-Static"])
	}
}

func TestGetSubstitutedHeadersBearerTokenShorthand(t *testing.T) {
	t.Setenv("TEST_MANIFOLD_TOKEN", "secret456")

	server := &ServerConfig{BearerToken: "${TEST_MANIFOLD_TOKEN}"}

	headers := server.GetSubstitutedHeaders()

	if headers["Authorization"] != "Bearer secret456" {
		t.Errorf("Expected Authorization from bearerToken shorthand, got %q", headers["Authorization"])
	}
}

func TestGetSubstitutedHeadersExplicitWinsOverShorthand(t *testing.T) {
	server := &ServerConfig{
		Headers:     map[string]string{"Authorization": "Basic abc"},
		BearerToken: "ignored",
	}

	headers := server.GetSubstitutedHeaders()

	if headers["Authorization"] != "Basic abc" {
		t.Errorf("Expected explicit Authorization header to win, got %q", headers["Authorization"])
	}
}

func TestMemberIDDefaultsToServerName(t *testing.T) {
	member := &NamespaceMember{Server: "github"}
	if member.MemberID() != "github" {
		t.Errorf("Expected member id to default to server name, got %q", member.MemberID())
	}

	aliased := &NamespaceMember{ID: "gh", Server: "github"}
	if aliased.MemberID() != "gh" {
		t.Errorf("Expected explicit member id, got %q", aliased.MemberID())
	}
}
