// Package cli implements the manifold command surface: serve, init,
// keys, config, server, namespace, endpoint, import, export, logs,
// status and stop.
package cli

import (
	"context"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/daemon"
	"github.com/manifoldmcp/manifold/internal/store"
)

// storeFlags returns the flags shared by every command that opens the
// control plane store directly.
func storeFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:  "store",
			Usage: "Store backend: file or sqlite",
			Value: daemon.BackendFile,
		},
		&cli.StringFlag{
			Name:  "config-path",
			Usage: "Store location (default: under ~/.manifold)",
		},
	}
}

func openStore(ctx context.Context, cmd *cli.Command) (store.Store, error) {
	return daemon.OpenStore(ctx, cmd.String("store"), cmd.String("config-path"))
}

func outWriter(cmd *cli.Command) io.Writer {
	if cmd.Writer != nil {
		return cmd.Writer
	}
	return os.Stdout
}

func errWriter(cmd *cli.Command) io.Writer {
	if cmd.ErrWriter != nil {
		return cmd.ErrWriter
	}
	return os.Stderr
}
