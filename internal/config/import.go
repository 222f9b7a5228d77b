package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"
)

// ImportDocument is the interchange format for downstream server
// definitions: the mcpServers object used by common MCP client configs.
// Both JSON and YAML renderings are accepted.
type ImportDocument struct {
	MCPServers map[string]*ServerConfig `json:"mcpServers" yaml:"mcpServers"`
}

// ImportError reports why one entry of an import document was rejected.
type ImportError struct {
	Server string `json:"server"`
	Reason string `json:"reason"`
}

// ImportResult summarizes an additive import: entries merged into the
// config, and per-entry failures that were skipped.
type ImportResult struct {
	Imported []string      `json:"imported"`
	Errors   []ImportError `json:"errors,omitempty"`
}

// ParseImportDocument decodes an import document from JSON or YAML. JSON is
// tried first since mcpServers fragments are usually JSON.
func ParseImportDocument(data []byte) (*ImportDocument, error) {
	var doc ImportDocument

	jsonErr := json.Unmarshal(data, &doc)
	if jsonErr == nil && doc.MCPServers != nil {
		return &doc, nil
	}

	if yamlErr := yaml.Unmarshal(data, &doc); yamlErr == nil && doc.MCPServers != nil {
		return &doc, nil
	}

	if jsonErr != nil && !bytes.HasPrefix(bytes.TrimSpace(data), []byte("{")) {
		return nil, fmt.Errorf("import document is neither valid JSON nor YAML with an mcpServers section")
	}
	if jsonErr != nil {
		return nil, fmt.Errorf("failed to parse import document: %w", jsonErr)
	}
	return nil, fmt.Errorf("import document has no mcpServers section")
}

// MergeServers merges an import document into the config. The merge is
// additive: entries are added or replaced by name, nothing is removed, and
// invalid entries are reported individually without failing the rest.
func MergeServers(cfg *GlobalConfig, doc *ImportDocument) *ImportResult {
	result := &ImportResult{}

	names := make([]string, 0, len(doc.MCPServers))
	for name := range doc.MCPServers {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		server := doc.MCPServers[name]
		if server == nil {
			result.Errors = append(result.Errors, ImportError{Server: name, Reason: "entry is empty"})
			continue
		}

		server.Name = name
		if server.Transport == "" {
			if server.Command != "" {
				server.Transport = TransportStdio
			} else {
				server.Transport = TransportStreamable
			}
		}
		server.Enabled = true

		if err := ValidateServer(name, server); err != nil {
			result.Errors = append(result.Errors, ImportError{Server: name, Reason: err.Error()})
			continue
		}

		if cfg.Servers == nil {
			cfg.Servers = make(map[string]*ServerConfig)
		}
		cfg.Servers[name] = server
		result.Imported = append(result.Imported, name)
	}

	return result
}

// ExportDocument renders the config's servers as an import document, ready
// to paste into another gateway or MCP client config.
func ExportDocument(cfg *GlobalConfig) *ImportDocument {
	doc := &ImportDocument{MCPServers: make(map[string]*ServerConfig, len(cfg.Servers))}
	for name, server := range cfg.Servers {
		doc.MCPServers[name] = server
	}
	return doc
}
