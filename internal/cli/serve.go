package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/daemon"
)

// ServeCommand runs the gateway in the foreground until it receives
// SIGINT/SIGTERM or a stop request over the control socket.
var ServeCommand = &cli.Command{
	Name:  "serve",
	Usage: "manifold serve [--addr <host:port>] [--store file|sqlite]",
	Description: `Run the manifold gateway.

Every configured endpoint is published under three surfaces:
  /<endpoint>/mcp   streamable HTTP
  /<endpoint>/sse   SSE stream (messages POST back to /<endpoint>/message)
  /<endpoint>/api   REST tool index, tool invocation and openapi.json

Flags override stored settings, which environment variables override in
turn. Configuration edits made while serving are picked up live.`,
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:  "addr",
			Usage: "Gateway listen address",
		},
		&cli.StringFlag{
			Name:  "base-url",
			Usage: "Public base URL used in generated documents",
		},
		&cli.StringFlag{
			Name:  "keys-path",
			Usage: "API key file (default: ~/.manifold/api_keys.json)",
		},
		&cli.StringFlag{
			Name:  "control-addr",
			Usage: "Control socket address for status/stop",
			Value: daemon.DefaultControlAddr,
		},
	),
	Action: handleServeCommand,
}

func handleServeCommand(ctx context.Context, cmd *cli.Command) error {
	d, err := daemon.New(ctx, daemon.Options{
		Backend:     cmd.String("store"),
		StorePath:   cmd.String("config-path"),
		KeysPath:    cmd.String("keys-path"),
		ControlAddr: cmd.String("control-addr"),
		Addr:        cmd.String("addr"),
		BaseURL:     cmd.String("base-url"),
	})
	if err != nil {
		return err
	}

	printServeInfo(ctx, errWriter(cmd), d)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		<-sigChan
		cancel()
	}()

	return d.Run(runCtx)
}

// printServeInfo summarizes what the gateway is about to publish. It goes
// to stderr so stdout stays clean for piping.
func printServeInfo(ctx context.Context, w io.Writer, d *daemon.Daemon) {
	settings := d.Settings()
	fmt.Fprintf(w, "[MANIFOLD] Gateway listening on %s (control %s)\n", settings.Addr, d.ControlAddr())

	endpoints, err := d.Store().ListEndpoints(ctx)
	if err != nil {
		fmt.Fprintf(w, "[MANIFOLD] Could not read endpoints: %v\n", err)
		return
	}
	if len(endpoints) == 0 {
		fmt.Fprintln(w, "[MANIFOLD] No endpoints configured yet. Add one with 'manifold endpoint add'.")
		return
	}
	for _, ep := range endpoints {
		access := "private"
		switch {
		case ep.Auth.Public:
			access = "public"
		case ep.Owner != "":
			access = "owner " + ep.Owner
		}
		fmt.Fprintf(w, "[MANIFOLD]   /%s/{mcp,sse,api} -> namespace '%s' (%s)\n", ep.Name, ep.Namespace, access)
	}
}
