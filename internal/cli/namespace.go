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

// NamespaceCommand manages namespaces, the named groupings of servers
// whose catalogs are aggregated into one surface.
var NamespaceCommand = &cli.Command{
	Name:  "namespace",
	Usage: "manifold namespace <add|remove|list>",
	Commands: []*cli.Command{
		namespaceAddCommand,
		namespaceRemoveCommand,
		namespaceListCommand,
	},
}

var namespaceAddCommand = &cli.Command{
	Name:  "add",
	Usage: "manifold namespace add --name <name> --members <server>[,<server>...]",
	Description: `Create a namespace from existing servers.

Members are server names. To aggregate the same server twice, prefix a
distinct member id: --members "primary=github,secondary=github". Tool
names from members after the first are exposed as '<id>__<tool>'.`,
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Namespace name (unique)",
			Required: true,
		},
		&cli.StringSliceFlag{
			Name:    "members",
			Aliases: []string{"m"},
			Usage:   "Member server, optionally as <id>=<server> (repeatable)",
		},
		&cli.StringFlag{
			Name:    "description",
			Aliases: []string{"d"},
			Usage:   "Human readable description",
		},
		&cli.BoolFlag{
			Name:  "update",
			Usage: "Replace the namespace if it already exists",
		},
	),
	Action: handleNamespaceAddCommand,
}

var namespaceRemoveCommand = &cli.Command{
	Name:  "remove",
	Usage: "manifold namespace remove --name <name>",
	Flags: append(storeFlags(),
		&cli.StringFlag{
			Name:     "name",
			Aliases:  []string{"n"},
			Usage:    "Namespace name",
			Required: true,
		},
	),
	Action: handleNamespaceRemoveCommand,
}

var namespaceListCommand = &cli.Command{
	Name:   "list",
	Usage:  "manifold namespace list",
	Flags:  storeFlags(),
	Action: handleNamespaceListCommand,
}

func handleNamespaceAddCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	members, err := parseMembers(cmd.StringSlice("members"))
	if err != nil {
		return err
	}
	ns := &config.NamespaceConfig{
		Name:        cmd.String("name"),
		Description: cmd.String("description"),
		Members:     members,
	}

	err = st.CreateNamespace(ctx, ns)
	switch {
	case errors.Is(err, store.ErrAlreadyExists) && cmd.Bool("update"):
		if err := st.UpdateNamespace(ctx, ns); err != nil {
			return err
		}
		fmt.Fprintf(out, "✅ Updated namespace '%s' (%d member(s))\n", ns.Name, len(ns.Members))
		return nil
	case errors.Is(err, store.ErrAlreadyExists):
		return fmt.Errorf("namespace '%s' already exists, rerun with --update to replace it", ns.Name)
	case err != nil:
		return err
	}

	fmt.Fprintf(out, "✅ Added namespace '%s' (%d member(s))\n", ns.Name, len(ns.Members))
	fmt.Fprintf(out, "💡 Publish it with: manifold endpoint add --name %s --namespace %s\n", ns.Name, ns.Name)
	return nil
}

func handleNamespaceRemoveCommand(ctx context.Context, cmd *cli.Command) error {
	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	name := cmd.String("name")
	if err := st.DeleteNamespace(ctx, name); err != nil {
		return err
	}
	fmt.Fprintf(outWriter(cmd), "✅ Removed namespace '%s'\n", name)
	return nil
}

func handleNamespaceListCommand(ctx context.Context, cmd *cli.Command) error {
	out := outWriter(cmd)

	st, err := openStore(ctx, cmd)
	if err != nil {
		return err
	}
	defer st.Close()

	namespaces, err := st.ListNamespaces(ctx)
	if err != nil {
		return err
	}
	if len(namespaces) == 0 {
		fmt.Fprintln(out, "No namespaces configured. Add one with 'manifold namespace add'.")
		return nil
	}

	for _, ns := range namespaces {
		fmt.Fprintf(out, "%s (%d member(s))\n", ns.Name, len(ns.Members))
		for _, m := range ns.Members {
			line := "  - " + m.MemberID()
			if m.MemberID() != m.Server {
				line += " -> " + m.Server
			}
			if m.Disabled {
				line += " [disabled]"
			}
			if len(m.Tools) > 0 {
				line += fmt.Sprintf(" [%d tool filter(s)]", len(m.Tools))
			}
			fmt.Fprintln(out, line)
		}
	}
	return nil
}

// parseMembers turns "server" and "id=server" entries into namespace
// members.
func parseMembers(entries []string) ([]*config.NamespaceMember, error) {
	members := make([]*config.NamespaceMember, 0, len(entries))
	for _, entry := range entries {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		member := &config.NamespaceMember{}
		if id, server, ok := strings.Cut(entry, "="); ok {
			member.ID = strings.TrimSpace(id)
			member.Server = strings.TrimSpace(server)
		} else {
			member.Server = entry
		}
		if member.Server == "" {
			return nil, fmt.Errorf("invalid member '%s' (want <server> or <id>=<server>)", entry)
		}
		members = append(members, member)
	}
	return members, nil
}
