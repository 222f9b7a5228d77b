package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/auth"
	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/daemon"
	"github.com/manifoldmcp/manifold/internal/store"
)

// InitCommand bootstraps the state directory: a starter configuration in
// the chosen store and a first API key.
var InitCommand = &cli.Command{
	Name:  "init",
	Usage: "manifold init [--quickstart] [--empty] [--force]",
	Description: `Create the manifold configuration and a first API key.

The quickstart wires one npx based example server into a 'default'
namespace and endpoint so a client can connect right away. The key is
printed exactly once; only its bcrypt hash is stored.`,
	Flags: append(storeFlags(),
		&cli.BoolFlag{
			Name:    "force",
			Aliases: []string{"f"},
			Usage:   "Initialize even if a configuration already exists",
		},
		&cli.BoolFlag{
			Name:  "quickstart",
			Usage: "Wire an example server into a default endpoint without prompting",
		},
		&cli.BoolFlag{
			Name:  "empty",
			Usage: "Create an empty configuration without prompting",
		},
	),
	Action: handleInitCommand,
}

func handleInitCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	backend := cmd.String("store")
	path, err := daemon.StorePath(backend, cmd.String("config-path"))
	if err != nil {
		return err
	}
	if _, statErr := os.Stat(path); statErr == nil && !cmd.Bool("force") {
		fmt.Fprintf(out, "⚠️  Configuration already exists at %s\n", path)
		fmt.Fprintln(out, "💡 Rerun with --force to add the starter entries to it")
		return nil
	}

	quickstart := cmd.Bool("quickstart")
	if !quickstart && !cmd.Bool("empty") {
		quickstart, err = promptQuickstart(out)
		if err != nil {
			return err
		}
	}

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	fmt.Fprintf(out, "📁 Configuration ready at %s\n", path)

	if !quickstart {
		printEmptyNextSteps(out)
		return nil
	}
	return applyQuickstart(ctx, out, st)
}

// promptQuickstart asks interactively which starter configuration to
// write. Any answer other than 1 means the quickstart.
func promptQuickstart(out io.Writer) (bool, error) {
	fmt.Fprintln(out, "How do you want to start?")
	fmt.Fprintln(out, "  [1] Empty configuration (add servers yourself)")
	fmt.Fprintln(out, "  [2] Quickstart: one example server, a default namespace and endpoint")
	fmt.Fprint(out, "Choice [2]: ")

	reader := bufio.NewReader(os.Stdin)
	line, err := reader.ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read choice: %w", err)
	}
	return strings.TrimSpace(line) != "1", nil
}

func applyQuickstart(ctx context.Context, out io.Writer, st store.Store) error {
	if _, err := exec.LookPath("npx"); err != nil {
		fmt.Fprintln(out, "⚠️  npx not found in PATH; the example server needs Node.js to start")
	}

	srv := &config.ServerConfig{
		Name:        "sequential-thinking",
		Command:     "npx",
		Args:        []string{"-y", "@modelcontextprotocol/server-sequential-thinking"},
		Enabled:     true,
		Description: "Example MCP server (runs via npx)",
	}
	if err := createServerIfMissing(ctx, st, srv); err != nil {
		return err
	}

	ns := &config.NamespaceConfig{
		Name:        "default",
		Description: "Starter namespace",
		Members:     []*config.NamespaceMember{{Server: srv.Name}},
	}
	if err := createNamespaceIfMissing(ctx, st, ns); err != nil {
		return err
	}

	ep := &config.EndpointConfig{
		Name:        "default",
		Namespace:   ns.Name,
		Description: "Starter endpoint",
	}
	if err := createEndpointIfMissing(ctx, st, ep); err != nil {
		return err
	}

	key, keysPath, err := createFirstAPIKey()
	if err != nil {
		return err
	}

	fmt.Fprintln(out, "✅ Added server 'sequential-thinking' to namespace 'default'")
	fmt.Fprintln(out, "✅ Published endpoint 'default'")
	if key != "" {
		fmt.Fprintln(out)
		fmt.Fprintln(out, "🔑 Your API key (store it now, it is shown exactly once):")
		fmt.Fprintf(out, "    %s\n", key)
		fmt.Fprintf(out, "    Stored hashed in %s\n", keysPath)
	} else {
		fmt.Fprintf(out, "🔑 Using the existing API keys in %s\n", keysPath)
	}
	printQuickstartSummary(out, key)
	return nil
}

func createServerIfMissing(ctx context.Context, st store.Store, srv *config.ServerConfig) error {
	err := st.CreateServer(ctx, srv)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

func createNamespaceIfMissing(ctx context.Context, st store.Store, ns *config.NamespaceConfig) error {
	err := st.CreateNamespace(ctx, ns)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

func createEndpointIfMissing(ctx context.Context, st store.Store, ep *config.EndpointConfig) error {
	err := st.CreateEndpoint(ctx, ep)
	if errors.Is(err, store.ErrAlreadyExists) {
		return nil
	}
	return err
}

// createFirstAPIKey generates a key named "default" unless the key file
// already holds one. It returns the plaintext key (empty when keys
// already existed) and the file path.
func createFirstAPIKey() (string, string, error) {
	path, err := auth.DefaultAPIKeysPath()
	if err != nil {
		return "", "", err
	}
	existing, err := auth.ReadAPIKeyFile(path)
	if err == nil && len(existing.Keys) > 0 {
		return "", path, nil
	}

	plain, err := auth.GenerateAPIKey()
	if err != nil {
		return "", "", err
	}
	entry, err := auth.NewAPIKeyEntry(plain, "default")
	if err != nil {
		return "", "", err
	}
	if _, err := auth.AppendAPIKey(path, entry); err != nil {
		return "", "", err
	}
	return plain, path, nil
}

func printEmptyNextSteps(out io.Writer) {
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Next steps:")
	fmt.Fprintln(out, "  1. manifold server add --name my-server --command npx --args \"-y,@scope/server\"")
	fmt.Fprintln(out, "  2. manifold namespace add --name team --members my-server")
	fmt.Fprintln(out, "  3. manifold endpoint add --name team --namespace team")
	fmt.Fprintln(out, "  4. manifold keys new --name laptop")
	fmt.Fprintln(out, "  5. manifold serve")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "💡 'manifold import --discover' pulls servers out of installed MCP clients")
}

func printQuickstartSummary(out io.Writer, key string) {
	if key == "" {
		key = "<your-api-key>"
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, "🎉 Quickstart complete. Start the gateway with 'manifold serve' and point")
	fmt.Fprintln(out, "your MCP client at it:")
	fmt.Fprintln(out)
	fmt.Fprintln(out, `  {`)
	fmt.Fprintln(out, `    "mcpServers": {`)
	fmt.Fprintln(out, `      "manifold": {`)
	fmt.Fprintln(out, `        "url": "http://localhost:8080/default/mcp",`)
	fmt.Fprintf(out, "        \"headers\": { \"Authorization\": \"Bearer %s\" }\n", key)
	fmt.Fprintln(out, `      }`)
	fmt.Fprintln(out, `    }`)
	fmt.Fprintln(out, `  }`)
	fmt.Fprintln(out)
	fmt.Fprintln(out, "REST clients can browse http://localhost:8080/default/api/tools with the")
	fmt.Fprintln(out, "same bearer token.")
}
