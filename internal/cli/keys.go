package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/urfave/cli/v3"

	"github.com/manifoldmcp/manifold/internal/auth"
)

// KeysCommand manages gateway API keys. Keys are stored bcrypt hashed;
// the plaintext is printed exactly once at creation.
var KeysCommand = &cli.Command{
	Name:  "keys",
	Usage: "manifold keys <new|list|revoke>",
	Commands: []*cli.Command{
		keysNewCommand,
		keysListCommand,
		keysRevokeCommand,
	},
}

func keysPathFlag() *cli.StringFlag {
	return &cli.StringFlag{
		Name:  "path",
		Usage: "API key file (default: ~/.manifold/api_keys.json)",
	}
}

var keysNewCommand = &cli.Command{
	Name:  "new",
	Usage: "manifold keys new [--name <label>]",
	Flags: []cli.Flag{
		keysPathFlag(),
		&cli.StringFlag{
			Name:    "name",
			Aliases: []string{"n"},
			Usage:   "Label for the key (shown in listings and session status)",
		},
	},
	Action: handleKeysNewCommand,
}

var keysListCommand = &cli.Command{
	Name:   "list",
	Usage:  "manifold keys list",
	Flags:  []cli.Flag{keysPathFlag()},
	Action: handleKeysListCommand,
}

var keysRevokeCommand = &cli.Command{
	Name:  "revoke",
	Usage: "manifold keys revoke --id <key-id>",
	Flags: []cli.Flag{
		keysPathFlag(),
		&cli.StringFlag{
			Name:     "id",
			Usage:    "Key id to revoke (see 'manifold keys list')",
			Required: true,
		},
	},
	Action: handleKeysRevokeCommand,
}

func keysPath(cmd *cli.Command) (string, error) {
	if p := cmd.String("path"); p != "" {
		return p, nil
	}
	return auth.DefaultAPIKeysPath()
}

func handleKeysNewCommand(_ context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	path, err := keysPath(cmd)
	if err != nil {
		return err
	}
	plain, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	entry, err := auth.NewAPIKeyEntry(plain, cmd.String("name"))
	if err != nil {
		return err
	}
	if _, err := auth.AppendAPIKey(path, entry); err != nil {
		return err
	}

	fmt.Fprintln(out, "🔑 New API key (store it now, it is shown exactly once):")
	fmt.Fprintf(out, "    %s\n", plain)
	fmt.Fprintf(out, "✅ Stored hashed key '%s' in %s\n", entry.ID, path)
	fmt.Fprintln(out, "💡 A running gateway picks new keys up automatically")
	return nil
}

func handleKeysListCommand(_ context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	path, err := keysPath(cmd)
	if err != nil {
		return err
	}
	file, err := auth.ReadAPIKeyFile(path)
	if err != nil {
		if errors.Is(err, auth.ErrAPIKeysNotFound) {
			fmt.Fprintln(out, "No API keys yet. Create one with 'manifold keys new'.")
			return nil
		}
		return err
	}
	if len(file.Keys) == 0 {
		fmt.Fprintf(out, "No API keys in %s. Create one with 'manifold keys new'.\n", path)
		return nil
	}

	fmt.Fprintf(out, "%-14s | %-20s | %s\n", "ID", "NAME", "CREATED")
	for _, entry := range file.Keys {
		name := entry.Name
		if name == "" {
			name = "-"
		}
		fmt.Fprintf(out, "%-14s | %-20s | %s\n", entry.ID, name, entry.CreatedAt)
	}
	return nil
}

func handleKeysRevokeCommand(_ context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	path, err := keysPath(cmd)
	if err != nil {
		return err
	}
	id := cmd.String("id")
	if _, err := auth.RemoveAPIKey(path, id); err != nil {
		return err
	}

	fmt.Fprintf(out, "✅ Revoked key '%s'\n", id)
	fmt.Fprintln(out, "💡 A running gateway closes this key's sessions automatically")
	return nil
}
