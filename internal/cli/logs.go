package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/logging"
)

const defaultLogDisplayLimit = 50

// LogsCommand prints recent gateway request events from the JSONL logs.
var LogsCommand = &cli.Command{
	Name:  "logs",
	Usage: "manifold logs [--limit <n>]",
	Flags: []cli.Flag{
		&cli.IntFlag{
			Name:    "limit",
			Aliases: []string{"n"},
			Usage:   "Maximum number of entries to show",
			Value:   defaultLogDisplayLimit,
		},
	},
	Action: handleLogsCommand,
}

func handleLogsCommand(_ context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)
	errOut := errWriter(cmd)

	logDir, err := logging.GetLogsDirectory()
	if err != nil {
		return fmt.Errorf("failed to resolve logs directory: %w", err)
	}

	limit := cmd.Int("limit")
	if limit <= 0 {
		limit = defaultLogDisplayLimit
	}

	entries, err := logging.LoadRecentEvents(limit)
	if err != nil {
		switch {
		case errors.Is(err, logging.ErrLogsDirNotFound):
			fmt.Fprintf(errOut, "No logs found. Expected directory: %s\n", logDir)
			return nil
		case errors.Is(err, logging.ErrNoLogEntries):
			fmt.Fprintf(errOut, "No request events recorded yet in %s\n", logDir)
			return nil
		default:
			return fmt.Errorf("failed to read logs: %w", err)
		}
	}

	fmt.Fprintf(out, "Log directory: %s\n", logDir)
	fmt.Fprintf(out, "%-20s | %-16s | %-12s | %-4s | %-24s | %-12s | %s | %s\n",
		"TIMESTAMP", "DIRECTION", "TYPE", "STAT", "METHOD", "ENDPOINT", "SESSION", "DETAIL")
	for _, entry := range entries {
		fmt.Fprintln(out, logging.FormatDisplayLine(entry))
	}
	return nil
}
