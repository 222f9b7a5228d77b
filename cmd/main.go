// Package main contains the manifold entry point. It wires the internal
// packages into one CLI:
// - manifold serve.
// - manifold init.
// - manifold keys / config / server / namespace / endpoint.
// - manifold import / export.
// - manifold logs / status / stop.
package main

import (
	"context"
	"log"
	"os"

	urfavecli "github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/cli"
)

// version is set by build flags during release.
var version = "dev"

func main() {
	app := &urfavecli.Command{
		Name:                  "manifold",
		Description:           "Aggregate MCP servers into namespaces and publish them over one gateway.",
		Usage:                 "manifold serve",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*urfavecli.Command{
			cli.ServeCommand,
			cli.InitCommand,
			cli.KeysCommand,
			cli.ConfigCommand,
			cli.ServerCommand,
			cli.NamespaceCommand,
			cli.EndpointCommand,
			cli.ImportCommand,
			cli.ExportCommand,
			cli.LogsCommand,
			cli.StatusCommand,
			cli.StopCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}
