package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/daemon"
)

func controlAddrFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "control-addr",
		Usage: "Control socket address of the running gateway",
		Value: daemon.DefaultControlAddr,
	}
}

// StatusCommand queries a running gateway over its control socket.
var StatusCommand = &cli.Command{
	Name:  "status",
	Usage: "manifold status [--json]",
	Flags: []cli.Flag{
		controlAddrFlag(),
		&cli.BoolFlag{
			Name:  "json",
			Usage: "Print the raw status document",
		},
	},
	Action: handleStatusCommand,
}

// StopCommand asks a running gateway to drain its sessions and exit.
var StopCommand = &cli.Command{
	Name:   "stop",
	Usage:  "manifold stop",
	Flags:  []cli.Flag{controlAddrFlag()},
	Action: handleStopCommand,
}

func handleStatusCommand(_ context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	status, err := daemon.Status(cmd.String("control-addr"))
	if err != nil {
		return err
	}

	if cmd.Bool("json") {
		data, err := json.MarshalIndent(status, "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(out, string(data))
		return nil
	}
	printStatus(out, status)
	return nil
}

func printStatus(w io.Writer, status *daemon.StatusData) {
	fmt.Fprintf(w, "Gateway:  %s (up %s)\n", status.Addr, status.Uptime)
	fmt.Fprintf(w, "Sessions: %d\n", len(status.Sessions))
	for _, s := range status.Sessions {
		principal := s.Principal
		if principal == "" {
			principal = "anonymous"
		}
		healthy := 0
		for _, m := range s.Members {
			if m.Healthy {
				healthy++
			}
		}
		fmt.Fprintf(w, "  - [%s] /%s -> '%s' via %s, principal %s, %d/%d members healthy\n",
			s.ID, s.Endpoint, s.Namespace, s.Transport, principal, healthy, len(s.Members))
	}
	if len(status.Pool) > 0 {
		fmt.Fprintln(w, "Pool:")
		for _, p := range status.Pool {
			fmt.Fprintf(w, "  - %s: idle=%d leased=%d opened=%d closed=%d\n",
				p.Server, p.Idle, p.Leased, p.Opened, p.Closed)
		}
	}
}

func handleStopCommand(_ context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	addr := cmd.String("control-addr")
	if !daemon.IsRunning(addr) {
		fmt.Fprintf(out, "No gateway running at %s\n", addr)
		return nil
	}
	if err := daemon.Stop(addr); err != nil {
		return err
	}
	fmt.Fprintln(out, "✅ Stop requested, the gateway drains its sessions and exits")
	return nil
}
