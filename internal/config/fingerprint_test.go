package config

import "testing"

func TestFingerprintStableAcrossIdentityFields(t *testing.T) {
	// Given: two configs differing only in non-behavioral fields.
	a := &ServerConfig{
		Name:        "hackernews",
		Transport:   TransportStdio,
		Command:     "uvx",
		Args:        []string{"mcp-hn"},
		Enabled:     true,
		Description: "Hacker News tools",
	}
	b := &ServerConfig{
		Name:        "renamed",
		Transport:   TransportStdio,
		Command:     "uvx",
		Args:        []string{"mcp-hn"},
		Enabled:     false,
		Description: "different description",
	}

	// Then: fingerprints match, so sessions are interchangeable.
	if a.Fingerprint() != b.Fingerprint() {
		t.Error("Expected equal fingerprints for behaviorally identical configs")
	}
}

func TestFingerprintChangesWithBehavior(t *testing.T) {
	base := func() *ServerConfig {
		return &ServerConfig{
			Transport: TransportStdio,
			Command:   "uvx",
			Args:      []string{"mcp-hn"},
			Env:       map[string]string{"A": "1"},
		}
	}

	tests := []struct {
		name   string
		mutate func(*ServerConfig)
	}{
		{"command", func(s *ServerConfig) { s.Command = "npx" }},
		{"args", func(s *ServerConfig) { s.Args = []string{"mcp-hn", "--flag"} }},
		{"env value", func(s *ServerConfig) { s.Env["A"] = "2" }},
		{"env key", func(s *ServerConfig) { s.Env = map[string]string{"B": "1"} }},
		{"transport", func(s *ServerConfig) { s.Transport = TransportSSE; s.Command = ""; s.URL = "https://x" }},
	}

	reference := base().Fingerprint()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mutated := base()
			tt.mutate(mutated)
			if mutated.Fingerprint() == reference {
				t.Errorf("Expected fingerprint to change when %s changes", tt.name)
			}
		})
	}
}

func TestFingerprintMapOrderIndependent(t *testing.T) {
	// Env and header iteration order must not affect the fingerprint.
	a := &ServerConfig{
		Transport: TransportStreamable,
		URL:       "https://api.example.com/mcp",
		Headers:   map[string]string{"X-One": "1", "X-Two": "2", "X-Three": "3"},
	}
	b := &ServerConfig{
		Transport: TransportStreamable,
		URL:       "https://api.example.com/mcp",
		Headers:   map[string]string{"X-Three": "3", "X-Two": "2", "X-One": "1"},
	}

	for i := 0; i < 20; i++ {
		if a.Fingerprint() != b.Fingerprint() {
			t.Fatal("Expected fingerprint to be independent of map iteration order")
		}
	}
}

func TestFingerprintFieldBoundaries(t *testing.T) {
	// Field contents must not bleed into each other.
	a := &ServerConfig{Transport: TransportStdio, Command: "ab", Args: []string{"c"}}
	b := &ServerConfig{Transport: TransportStdio, Command: "a", Args: []string{"bc"}}

	if a.Fingerprint() == b.Fingerprint() {
		t.Error("Expected distinct fingerprints when field boundaries differ")
	}
}
