package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/discovery"
	"github.com/manifoldmcp/manifold/internal/store"
)

// ImportCommand merges an mcpServers document into the store. Entries
// that fail validation or collide with existing names are reported and
// skipped; the rest land.
var ImportCommand = &cli.Command{
	Name:  "import",
	Usage: "manifold import --path <file> | --discover [--namespace <ns>] [--dry-run]",
	Description: `Import servers from an {"mcpServers": {...}} document (JSON or YAML).

The format is the one Claude Desktop, Cursor and friends use, so an
existing client configuration can be imported as is. With --discover the
configs of installed clients (Claude Desktop, Cursor, VS Code, project
mcp.json files) are scanned instead of reading a file. With --namespace
the imported servers are also added to that namespace, creating it when
missing.`,
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:    "path",
			Aliases: []string{"p"},
			Usage:   "Document to import",
		},
		&cli.BoolFlag{
			Name:  "discover",
			Usage: "Scan installed MCP clients instead of reading a file",
		},
		&cli.BoolFlag{
			Name:  "dry-run",
			Usage: "List what would be imported without writing",
		},
		&cli.StringFlag{
			Name:    "namespace",
			Aliases: []string{"N"},
			Usage:   "Add imported servers to this namespace",
		},
	),
	Action: handleImportCommand,
}

// ExportCommand writes the configured servers as an mcpServers document
// to stdout.
var ExportCommand = &cli.Command{
	Name:  "export",
	Usage: "manifold export [--yaml]",
	Flags: append(storeFlags(),
		&cli.BoolFlag{
			Name:  "yaml",
			Usage: "Emit YAML instead of JSON",
		},
	),
	Action: handleExportCommand,
}

func handleImportCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	path := cmd.String("path")
	discover := cmd.Bool("discover")
	if path == "" && !discover {
		return fmt.Errorf("either --path or --discover is required")
	}
	if path != "" && discover {
		return fmt.Errorf("--path and --discover are mutually exclusive")
	}

	var doc *config.ImportDocument
	origin := make(map[string]string)

	if discover {
		report := discovery.Scan(discovery.DefaultSources())
		for _, problem := range report.Problems {
			fmt.Fprintf(out, "⚠️  %s\n", problem)
		}
		if len(report.Findings) == 0 {
			fmt.Fprintln(out, "No MCP servers found in installed client configs.")
			return nil
		}
		for _, f := range report.Findings {
			origin[f.Server.Name] = f.Client
		}
		doc = report.Document()
	} else {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		doc, err = config.ParseImportDocument(data)
		if err != nil {
			return err
		}
	}

	if cmd.Bool("dry-run") {
		names := make([]string, 0, len(doc.MCPServers))
		for name := range doc.MCPServers {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintf(out, "📦 Would import %d server(s):\n", len(names))
		for _, name := range names {
			line := fmt.Sprintf("  - %s (%s)", name, serverTarget(doc.MCPServers[name]))
			if from := origin[name]; from != "" {
				line += " from " + from
			}
			fmt.Fprintln(out, line)
		}
		return nil
	}

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	result, err := st.ImportServers(ctx, doc)
	if err != nil {
		return err
	}

	fmt.Fprintf(out, "📦 Imported %d server(s)\n", len(result.Imported))
	for _, name := range result.Imported {
		fmt.Fprintf(out, "  ✅ %s\n", name)
	}
	for _, impErr := range result.Errors {
		fmt.Fprintf(out, "  ⚠️  %s: %s\n", impErr.Server, impErr.Reason)
	}

	if ns := cmd.String("namespace"); ns != "" && len(result.Imported) > 0 {
		if err := addServersToNamespace(ctx, st, ns, result.Imported); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Namespace '%s' now includes the imported servers\n", ns)
	}
	return nil
}

// addServersToNamespace appends servers to a namespace, creating it when
// it does not exist yet. Servers already present keep their member entry.
func addServersToNamespace(ctx context.Context, st store.Store, name string, servers []string) error {
	ns, err := st.GetNamespace(ctx, name)
	if errors.Is(err, store.ErrNotFound) {
		ns = &config.NamespaceConfig{Name: name}
	} else if err != nil {
		return err
	}

	present := make(map[string]bool, len(ns.Members))
	for _, m := range ns.Members {
		present[m.Server] = true
	}
	added := false
	for _, srv := range servers {
		if present[srv] {
			continue
		}
		ns.Members = append(ns.Members, &config.NamespaceMember{Server: srv})
		added = true
	}

	if errors.Is(err, store.ErrNotFound) {
		return st.CreateNamespace(ctx, ns)
	}
	if !added {
		return nil
	}
	return st.UpdateNamespace(ctx, ns)
}

func handleExportCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	doc, err := st.ExportServers(ctx)
	if err != nil {
		return err
	}

	if cmd.Bool("yaml") {
		data, err := yaml.Marshal(doc)
		if err != nil {
			return err
		}
		fmt.Fprint(out, string(data))
		return nil
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	fmt.Fprintln(out, string(data))
	return nil
}
