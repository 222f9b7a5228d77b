package cli

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

// ConfigCommand inspects and validates the stored configuration.
var ConfigCommand = &cli.Command{
	Name:  "config",
	Usage: "manifold config <show|validate>",
	Commands: []*cli.Command{
		configShowCommand,
		configValidateCommand,
	},
}

var configShowCommand = &cli.Command{
	Name:  "show",
	Usage: "manifold config show [--json]",
	Flags: append(storeFlags(),
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the raw configuration document",
		},
	),
	Action: handleConfigShowCommand,
}

var configValidateCommand = &cli.Command{
	Name:   "validate",
	Usage:  "manifold config validate",
	Flags:  storeFlags(),
	Action: handleConfigValidateCommand,
}

// configSnapshot is the document shape printed by 'config show --json'.
type configSnapshot struct {
	Settings   *config.Settings                   `json:"settings,omitempty"`
	Servers    map[string]*config.ServerConfig    `json:"mcpServers,omitempty"`
	Namespaces map[string]*config.NamespaceConfig `json:"namespaces,omitempty"`
	Endpoints  map[string]*config.EndpointConfig  `json:"endpoints,omitempty"`
}

func loadSnapshot(ctx context.Context, st store.Store) (*configSnapshot, error) {
	settings, err := st.GetSettings(ctx)
	if err != nil {
		return nil, err
	}
	servers, err := st.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	namespaces, err := st.ListNamespaces(ctx)
	if err != nil {
		return nil, err
	}
	endpoints, err := st.ListEndpoints(ctx)
	if err != nil {
		return nil, err
	}

	snap := &configSnapshot{
		Settings:   settings,
		Servers:    make(map[string]*config.ServerConfig, len(servers)),
		Namespaces: make(map[string]*config.NamespaceConfig, len(namespaces)),
		Endpoints:  make(map[string]*config.EndpointConfig, len(endpoints)),
	}
	for _, srv := range servers {
		snap.Servers[srv.Name] = srv
	}
	for _, ns := range namespaces {
		snap.Namespaces[ns.Name] = ns
	}
	for _, ep := range endpoints {
		snap.Endpoints[ep.Name] = ep
	}
	return snap, nil
}

func handleConfigShowCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := loadSnapshot(ctx, st)
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		data, err := json.MarshalIndent(snap, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}

	enabled := 0
	for _, srv := range snap.Servers {
		if srv.Enabled {
			enabled++
		}
	}
	fmt.Fprintf(out, "Listen address:  %s\n", snap.Settings.Addr)
	fmt.Fprintf(out, "Servers:         %d (%d enabled)\n", len(snap.Servers), enabled)
	fmt.Fprintf(out, "Namespaces:      %d\n", len(snap.Namespaces))
	fmt.Fprintf(out, "Endpoints:       %d\n", len(snap.Endpoints))
	for _, ep := range snap.Endpoints {
		fmt.Fprintf(out, "  - /%s -> namespace '%s'\n", ep.Name, ep.Namespace)
	}
	return nil
}

func handleConfigValidateCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	snap, err := loadSnapshot(ctx, st)
	if err != nil {
		return err
	}

	problems := 0
	for name, srv := range snap.Servers {
		if err := config.ValidateServer(name, srv); err != nil {
			fmt.Fprintf(out, "❌ server '%s': %v\n", name, err)
			problems++
		}
	}
	for name, ns := range snap.Namespaces {
		if err := config.ValidateNamespace(ns, snap.Servers); err != nil {
			fmt.Fprintf(out, "❌ namespace '%s': %v\n", name, err)
			problems++
		}
	}
	for name, ep := range snap.Endpoints {
		if err := config.ValidateEndpoint(ep, snap.Namespaces); err != nil {
			fmt.Fprintf(out, "❌ endpoint '%s': %v\n", name, err)
			problems++
		}
	}

	if problems > 0 {
		return fmt.Errorf("configuration has %d problem(s)", problems)
	}
	fmt.Fprintln(out, "✅ Configuration is valid")
	return nil
}
