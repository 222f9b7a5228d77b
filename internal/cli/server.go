package cli

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

// ServerCommand manages downstream MCP server configurations.
var ServerCommand = &cli.Command{
	Name:  "server",
	Usage: "manifold server <add|remove|list|enable|disable>",
	Commands: []*cli.Command{
		serverAddCommand,
		serverRemoveCommand,
		serverListCommand,
		serverEnableCommand,
		serverDisableCommand,
	},
}

var serverAddCommand = &cli.Command{
	Name:  "add",
	Usage: "manifold server add --name <name> (--command <cmd> | --url <url>)",
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Server name (unique)",
			Required: true,
		},
		&cli.StringFlag{
			Name:    "transport",
			Aliases: []string{"t"},
			Usage:   "Transport: stdio, sse or streamable_http (inferred when omitted)",
		},
		&cli.StringFlag{
			Name:    "command",
			Aliases: []string{"c"},
			Usage:   "Executable for stdio servers",
		},
		&cli.StringSliceFlag{
			Name:    "args",
			Aliases: []string{"a"},
			Usage:   "Arguments for the stdio command (repeatable)",
		},
		&cli.StringMapFlag{
			Name:    "env",
			Aliases: []string{"e"},
			Usage:   "Environment for the stdio command (KEY=VALUE, repeatable)",
		},
		&cli.StringFlag{
			Name:    "url",
			Aliases: []string{"u"},
			Usage:   "Endpoint URL for sse/streamable_http servers",
		},
		&cli.StringMapFlag{
			Name:    "header",
			Aliases: []string{"hd"},
			Usage:   "Extra HTTP header for remote servers (KEY=VALUE, repeatable)",
		},
		&cli.StringFlag{
			Name:  "bearer-token",
			Usage: "Bearer token sent to the remote server",
		},
		&cli.StringFlag{
			Name:    "description",
			Aliases: []string{"d"},
			Usage:   "Human readable description",
		},
		&cli.BoolFlag{
			Name:  "disabled",
			Usage: "Register the server without aggregating it",
		},
		&cli.BoolFlag{
			Name:  "update",
			Usage: "Replace the server if it already exists",
		},
	),
	Action: handleServerAddCommand,
}

var serverRemoveCommand = &cli.Command{
	Name:  "remove",
	Usage: "manifold server remove --name <name>",
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Server name",
			Required: true,
		},
	),
	Action: handleServerRemoveCommand,
}

var serverListCommand = &cli.Command{
	Name:   "list",
	Usage:  "manifold server list",
	Flags:  storeFlags(),
	Action: handleServerListCommand,
}

var serverEnableCommand = &cli.Command{
	Name:  "enable",
	Usage: "manifold server enable --name <name>",
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Server name",
			Required: true,
		},
	),
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return setServerEnabled(ctx, cmd, true)
	},
}

var serverDisableCommand = &cli.Command{
	Name:  "disable",
	Usage: "manifold server disable --name <name>",
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Server name",
			Required: true,
		},
	),
	Action: func(ctx context.Context, cmd *cli.Command) error {
		return setServerEnabled(ctx, cmd, false)
	},
}

func handleServerAddCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	srv := &config.ServerConfig{
		Name:        cmd.String("name"),
		Transport:   config.TransportKind(cmd.String("transport")),
		Command:     cmd.String("command"),
		Args:        cmd.StringSlice("args"),
		Env:         cmd.StringMap("env"),
		URL:         cmd.String("url"),
		Headers:     cmd.StringMap("header"),
		BearerToken: cmd.String("bearer-token"),
		Enabled:     !cmd.Bool("disabled"),
		Description: cmd.String("description"),
	}

	err = st.CreateServer(ctx, srv)
	switch {
	case errors.Is(err, store.ErrAlreadyExists) && cmd.Bool("update"):
		if err := st.UpdateServer(ctx, srv); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Updated server '%s'\n", srv.Name)
		return nil
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("server '%s' already exists, rerun with --update to replace it", srv.Name)
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "✅ Added server '%s'\n", srv.Name)
	fmt.Fprintf(out, "💡 Expose it with: manifold namespace add --name <ns> --members %s\n", srv.Name)
	return nil
}

func handleServerRemoveCommand(ctx context.Context, cmd *cli.Command) error {
	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cmd.String("name")
	if err := st.DeleteServer(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(outWriter(cmd), "✅ Removed server '%s'\n", name)
	return nil
}

func handleServerListCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	servers, err := st.ListServers(ctx)
	if err != nil {
		return err
	}
	if len(servers) == 0 {
		fmt.Fprintln(out, "No servers configured. Add one with 'manifold server add'.")
		return nil
	}

	fmt.Fprintf(out, "%-20s | %-15s | %-7s | %s\n", "NAME", "TRANSPORT", "STATE", "TARGET")
	for _, srv := range servers {
		state := "on"
		if !srv.Enabled {
			state = "off"
		}
		fmt.Fprintf(out, "%-20s | %-15s | %-7s | %s\n",
			srv.Name, srv.Transport, state, serverTarget(srv))
	}
	return nil
}

func setServerEnabled(ctx context.Context, cmd *cli.Command, enabled bool) error {
	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cmd.String("name")
	if err := st.SetServerEnabled(ctx, name, enabled); err != nil {
		return err
	}
	verb := "Enabled"
	if !enabled {
		verb = "Disabled"
	}
	fmt.Fprintf(outWriter(cmd), "✅ %s server '%s'\n", verb, name)
	return nil
}

func serverTarget(srv *config.ServerConfig) string {
	if srv.Command != "" {
		if len(srv.Args) == 0 {
			return srv.Command
		}
		return srv.Command + " " + strings.Join(srv.Args, " ")
	}
	return srv.URL
}
