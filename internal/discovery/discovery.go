// Package discovery scans the config files of locally installed MCP clients
// (Claude Desktop, Cursor, VS Code, project-local mcp.json) for server
// definitions that can be imported into the gateway.
package discovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"sort"

	"github.com/manifoldmcp/manifold/internal/config"
)

// Source names one client config file worth scanning.
type Source struct {
	Client string // Owning tool, e.g. "Claude Desktop"
	Path   string
}

// Finding is one server definition extracted from a client config.
type Finding struct {
	Client string
	Path   string
	Server *config.ServerConfig
}

// Report holds the outcome of a scan. Problems are non-fatal: a file that
// cannot be parsed or a conflicting duplicate is reported and the scan
// moves on.
type Report struct {
	Findings []Finding
	Problems []string
}

// Document converts the findings into an import document keyed by server
// name, ready for store import.
func (r *Report) Document() *config.ImportDocument {
	doc := &config.ImportDocument{
		MCPServers: make(map[string]*config.ServerConfig, len(r.Findings)),
	}
	for _, f := range r.Findings {
		doc.MCPServers[f.Server.Name] = f.Server
	}
	return doc
}

// DefaultSources returns the client config locations for the current system.
// Project-local files come first so they win name collisions against user
// level configs.
func DefaultSources() []Source {
	var sources []Source

	if cwd, err := os.Getwd(); err == nil {
		sources = append(sources,
			Source{Client: "project", Path: filepath.Join(cwd, ".mcp.json")},
			Source{Client: "VS Code workspace", Path: filepath.Join(cwd, ".vscode", "mcp.json")},
			Source{Client: "VS Code workspace", Path: filepath.Join(cwd, ".vscode", "settings.json")},
		)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return sources
	}
	sources = append(sources, Source{Client: "Cursor", Path: filepath.Join(home, ".cursor", "mcp.json")})

	switch runtime.GOOS {
	case "darwin":
		appSupport := filepath.Join(home, "Library", "Application Support")
		sources = append(sources,
			Source{Client: "Claude Desktop", Path: filepath.Join(appSupport, "Claude", "claude_desktop_config.json")},
			Source{Client: "VS Code", Path: filepath.Join(appSupport, "Code", "User", "settings.json")},
			Source{Client: "Cursor", Path: filepath.Join(appSupport, "Cursor", "User", "settings.json")},
		)
	case "windows":
		if appData := os.Getenv("APPDATA"); appData != "" {
			sources = append(sources,
				Source{Client: "Claude Desktop", Path: filepath.Join(appData, "Claude", "claude_desktop_config.json")},
				Source{Client: "VS Code", Path: filepath.Join(appData, "Code", "User", "settings.json")},
				Source{Client: "Cursor", Path: filepath.Join(appData, "Cursor", "User", "settings.json")},
			)
		}
	default:
		userConfig := filepath.Join(home, ".config")
		sources = append(sources,
			Source{Client: "Claude Desktop", Path: filepath.Join(userConfig, "Claude", "claude_desktop_config.json")},
			Source{Client: "VS Code", Path: filepath.Join(userConfig, "Code", "User", "settings.json")},
			Source{Client: "Cursor", Path: filepath.Join(userConfig, "Cursor", "User", "settings.json")},
		)
	}

	return sources
}

// Scan reads every source that exists and extracts the server definitions it
// can understand. Missing files are skipped silently. A server defined
// identically in several sources is merged; a name reused with a different
// configuration keeps the first copy and reports the conflict.
func Scan(sources []Source) *Report {
	report := &Report{}
	seen := make(map[string]Finding)

	for _, src := range sources {
		servers, err := scanFile(src.Path)
		if err != nil {
			report.Problems = append(report.Problems,
				fmt.Sprintf("%s (%s): %v", src.Client, src.Path, err))
			continue
		}

		for _, server := range servers {
			first, ok := seen[server.Name]
			if !ok {
				finding := Finding{Client: src.Client, Path: src.Path, Server: server}
				report.Findings = append(report.Findings, finding)
				seen[server.Name] = finding
				continue
			}
			if first.Server.Fingerprint() == server.Fingerprint() {
				continue
			}
			report.Problems = append(report.Problems, fmt.Sprintf(
				"server '%s' in %s differs from the copy in %s, keeping the first",
				server.Name, src.Client, first.Client))
		}
	}

	return report
}

// clientServer is the raw per-server entry shape shared by the scanned
// client configs.
type clientServer struct {
	Command string            `json:"command"`
	Args    []string          `json:"args"`
	Env     map[string]string `json:"env"`
	URL     string            `json:"url"`
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers"`
}

// clientDocument covers the config shapes in the wild: Claude Desktop,
// Cursor and project mcp.json files use a top-level mcpServers object,
// VS Code's mcp.json a top-level servers object, and VS Code settings.json
// nests the same map under "mcp.servers" or "mcp".
type clientDocument struct {
	MCPServers map[string]*clientServer `json:"mcpServers"`
	Servers    map[string]*clientServer `json:"servers"`
	FlatMCP    map[string]*clientServer `json:"mcp.servers"`
	MCP        struct {
		Servers map[string]*clientServer `json:"servers"`
	} `json:"mcp"`
}

func scanFile(path string) ([]*config.ServerConfig, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var doc clientDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("not valid JSON: %w", err)
	}

	var servers []*config.ServerConfig
	for _, section := range []map[string]*clientServer{doc.MCPServers, doc.Servers, doc.FlatMCP, doc.MCP.Servers} {
		names := make([]string, 0, len(section))
		for name := range section {
			names = append(names, name)
		}
		sort.Strings(names)

		for _, name := range names {
			if server, ok := section[name].normalize(name); ok {
				servers = append(servers, server)
			}
		}
	}
	return servers, nil
}

// normalize converts a raw client entry into a gateway server config.
// Entries with neither a command nor a URL are placeholders and dropped.
func (e *clientServer) normalize(name string) (*config.ServerConfig, bool) {
	if e == nil || (e.Command == "" && e.URL == "") {
		return nil, false
	}

	return &config.ServerConfig{
		Name:      name,
		Transport: transportFromClient(e.Type, e.URL),
		Command:   e.Command,
		Args:      e.Args,
		Env:       e.Env,
		URL:       e.URL,
		Headers:   e.Headers,
		Enabled:   true,
	}, true
}

// transportFromClient maps the transport spellings used by client configs
// ("http", "streamable-http") onto the gateway's transport kinds. Unknown
// spellings fall back to inference from the URL.
func transportFromClient(kind, url string) config.TransportKind {
	switch kind {
	case "stdio":
		return config.TransportStdio
	case "sse":
		return config.TransportSSE
	case "http", "streamable-http", "streamable_http", "streamableHttp":
		return config.TransportStreamable
	}
	if url != "" {
		return config.TransportStreamable
	}
	return config.TransportStdio
}
