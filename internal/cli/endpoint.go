package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

// EndpointCommand manages published endpoints, the URL prefixes under
// which a namespace is served.
var EndpointCommand = &cli.Command{
	Name:  "endpoint",
	Usage: "manifold endpoint <add|remove|list>",
	Commands: []*cli.Command{
		endpointAddCommand,
		endpointRemoveCommand,
		endpointListCommand,
	},
}

var endpointAddCommand = &cli.Command{
	Name:  "add",
	Usage: "manifold endpoint add --name <name> --namespace <ns>",
	Description: `Publish a namespace under /<name>/mcp, /<name>/sse and /<name>/api.

Endpoints require a bearer API key unless --public is set. --owner pins
the endpoint to one key id; other valid keys are rejected.`,
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Endpoint name, used as the URL prefix (unique)",
			Required: true,
		},
		&cli.StringFlag{
			Name:     "namespace",
			Aliases:  []string{"N"},
			Usage:    "Namespace to serve",
			Required: true,
		},
		&cli.BoolFlag{
			Name:  "public",
			Usage: "Serve without requiring a credential",
		},
		&cli.BoolFlag{
			Name:  "allow-query-key",
			Usage: "Additionally accept ?api_key=<key> on streamable HTTP and REST",
		},
		&cli.StringFlag{
			Name:  "owner",
			Usage: "Restrict access to this key id",
		},
		&cli.StringFlag{
			Name:    "description",
			Aliases: []string{"d"},
			Usage:   "Human readable description",
		},
		&cli.BoolFlag{
			Name:  "update",
			Usage: "Replace the endpoint if it already exists",
		},
	),
	Action: handleEndpointAddCommand,
}

var endpointRemoveCommand = &cli.Command{
	Name:  "remove",
	Usage: "manifold endpoint remove --name <name>",
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Endpoint name",
			Required: true,
		},
	),
	Action: handleEndpointRemoveCommand,
}

var endpointListCommand = &cli.Command{
	Name:   "list",
	Usage:  "manifold endpoint list",
	Flags:  storeFlags(),
	Action: handleEndpointListCommand,
}

func handleEndpointAddCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	ep := &config.EndpointConfig{
		Name:      cmd.String("name"),
		Namespace: cmd.String("namespace"),
		Auth: config.AuthPolicy{
			Public:        cmd.Bool("public"),
			AllowQueryKey: cmd.Bool("allow-query-key"),
		},
		Owner:       cmd.String("owner"),
		Description: cmd.String("description"),
	}

	err = st.CreateEndpoint(ctx, ep)
	switch {
	case errors.Is(err, store.ErrAlreadyExists) && cmd.Bool("update"):
		if err := st.UpdateEndpoint(ctx, ep); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Updated endpoint '%s' -> namespace '%s'\n", ep.Name, ep.Namespace)
		return nil
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("endpoint '%s' already exists, rerun with --update to replace it", ep.Name)
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "✅ Published endpoint '%s' -> namespace '%s'\n", ep.Name, ep.Namespace)
	fmt.Fprintf(out, "💡 Clients connect to /%s/mcp (streamable HTTP) or /%s/sse\n", ep.Name, ep.Name)
	return nil
}

func handleEndpointRemoveCommand(ctx context.Context, cmd *cli.Command) error {
	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cmd.String("name")
	if err := st.DeleteEndpoint(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(outWriter(cmd), "✅ Removed endpoint '%s'\n", name)
	return nil
}

func handleEndpointListCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	endpoints, err := st.ListEndpoints(ctx)
	if err != nil {
		return err
	}
	if len(endpoints) == 0 {
		fmt.Fprintln(out, "No endpoints configured. Add one with 'manifold endpoint add'.")
		return nil
	}

	fmt.Fprintf(out, "%-20s | %-20s | %-10s | %s\n", "NAME", "NAMESPACE", "ACCESS", "PATHS")
	for _, ep := range endpoints {
		access := "private"
		switch {
		case ep.Auth.Public:
			access = "public"
		case ep.Owner != "":
			access = "owned"
		}
		fmt.Fprintf(out, "%-20s | %-20s | %-10s | /%s/{mcp,sse,api}\n",
			ep.Name, ep.Namespace, access, ep.Name)
	}
	return nil
}
