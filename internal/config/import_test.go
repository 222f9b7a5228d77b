package config

import (
	"testing"
)

func TestParseImportDocumentJSON(t *testing.T) {
	// Given: a standard mcpServers JSON fragment.
	data := []byte(`{
		"mcpServers": {
			"HackerNews": {"command": "uvx", "args": ["mcp-hn"]},
			"github": {"type": "streamable_http", "url": "https://api.example.com/mcp", "bearerToken": "${TOKEN}"}
		}
	}`)

	// When: parsing.
	doc, err := ParseImportDocument(data)
	if err != nil {
		t.Fatalf("ParseImportDocument returned error: %v", err)
	}

	// Then: both entries decode.
	if len(doc.MCPServers) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(doc.MCPServers))
	}
	if doc.MCPServers["HackerNews"].Command != "uvx" {
		t.Errorf("Unexpected command: %q", doc.MCPServers["HackerNews"].Command)
	}
	if doc.MCPServers["github"].BearerToken != "${TOKEN}" {
		t.Errorf("Unexpected bearer token: %q", doc.MCPServers["github"].BearerToken)
	}
}

func TestParseImportDocumentYAML(t *testing.T) {
	data := []byte(`
mcpServers:
  HackerNews:
    command: uvx
    args:
      - mcp-hn
  remote:
    type: sse
    url: https://sse.example.com/sse
`)

	doc, err := ParseImportDocument(data)
	if err != nil {
		t.Fatalf("ParseImportDocument returned error: %v", err)
	}

	if len(doc.MCPServers) != 2 {
		t.Fatalf("Expected 2 servers, got %d", len(doc.MCPServers))
	}
	if doc.MCPServers["remote"].Transport != TransportSSE {
		t.Errorf("Expected sse transport, got %q", doc.MCPServers["remote"].Transport)
	}
}

func TestParseImportDocumentRejectsGarbage(t *testing.T) {
	if _, err := ParseImportDocument([]byte("not a document @@")); err == nil {
		t.Fatal("Expected error for garbage input")
	}
	if _, err := ParseImportDocument([]byte(`{"otherKey": {}}`)); err == nil {
		t.Fatal("Expected error for document without mcpServers")
	}
}

func TestMergeServersAdditive(t *testing.T) {
	// Given: a config with one existing server and an import with two more.
	cfg := DefaultConfig()
	cfg.Servers["existing"] = &ServerConfig{
		Name: "existing", Transport: TransportStdio, Command: "npx", Enabled: true,
	}

	doc := &ImportDocument{MCPServers: map[string]*ServerConfig{
		"HackerNews": {Command: "uvx", Args: []string{"mcp-hn"}},
		"remote":     {URL: "https://api.example.com/mcp"},
	}}

	// When: merging.
	result := MergeServers(cfg, doc)

	// Then: both import, the existing entry survives.
	if len(result.Imported) != 2 {
		t.Fatalf("Expected 2 imported, got %d (%v)", len(result.Imported), result.Errors)
	}
	if len(cfg.Servers) != 3 {
		t.Errorf("Expected 3 servers after merge, got %d", len(cfg.Servers))
	}

	// Imported entries are normalized and enabled.
	hn := cfg.Servers["HackerNews"]
	if hn.Transport != TransportStdio || !hn.Enabled || hn.Name != "HackerNews" {
		t.Errorf("Import normalization incomplete: %+v", hn)
	}
}

func TestMergeServersPerEntryErrors(t *testing.T) {
	// Given: an import where one entry is invalid.
	cfg := DefaultConfig()
	doc := &ImportDocument{MCPServers: map[string]*ServerConfig{
		"good": {Command: "uvx"},
		"bad":  {}, // no command, no url
	}}

	// When: merging.
	result := MergeServers(cfg, doc)

	// Then: the good entry imports, the bad one is reported, the merge
	// does not fail as a whole.
	if len(result.Imported) != 1 || result.Imported[0] != "good" {
		t.Fatalf("Expected only the good entry to import, got %v", result.Imported)
	}
	if len(result.Errors) != 1 || result.Errors[0].Server != "bad" {
		t.Fatalf("Expected one error for 'bad', got %v", result.Errors)
	}
	if _, exists := cfg.Servers["bad"]; exists {
		t.Error("Invalid entry must not be merged")
	}
}

func TestMergeServersReplacesByName(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers["dup"] = &ServerConfig{Name: "dup", Transport: TransportStdio, Command: "old", Enabled: true}

	doc := &ImportDocument{MCPServers: map[string]*ServerConfig{
		"dup": {Command: "new"},
	}}

	result := MergeServers(cfg, doc)

	if len(result.Imported) != 1 {
		t.Fatalf("Expected replacement to count as imported, got %v", result)
	}
	if cfg.Servers["dup"].Command != "new" {
		t.Errorf("Expected import to replace the existing entry, got %q", cfg.Servers["dup"].Command)
	}
}

func TestExportDocumentRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Servers["hackernews"] = &ServerConfig{
		Name: "hackernews", Transport: TransportStdio, Command: "uvx", Args: []string{"mcp-hn"}, Enabled: true,
	}

	doc := ExportDocument(cfg)

	if len(doc.MCPServers) != 1 || doc.MCPServers["hackernews"] == nil {
		t.Fatalf("Expected exported document with hackernews, got %+v", doc)
	}
}
