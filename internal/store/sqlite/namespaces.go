package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

func (d *DB) CreateNamespace(ctx context.Context, ns *config.NamespaceConfig) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		servers, err := serverNames(ctx, q)
		if err != nil {
			return nil, err
		}
		if err := config.ValidateNamespace(ns, servers); err != nil {
			return nil, err
		}
		members, middlewares, err := encodeNamespaceFields(ns)
		if err != nil {
			return nil, err
		}

		ts := now()
		if _, err := q.ExecContext(ctx, `
			INSERT INTO namespaces (name, description, members, middlewares, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?)`,
			ns.Name, ns.Description, members, middlewares, ts, ts,
		); err != nil {
			return nil, mapConstraintError(err)
		}

		return []store.Event{{Kind: store.EventNamespaceUpdated, Name: ns.Name}}, nil
	})
}

func (d *DB) GetNamespace(ctx context.Context, name string) (*config.NamespaceConfig, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT name, description, members, middlewares
		FROM namespaces WHERE name = ?`, name)
	ns, err := scanNamespaceRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return ns, err
}

func (d *DB) ListNamespaces(ctx context.Context) ([]*config.NamespaceConfig, error) {
	return listNamespacesQ(ctx, d.db)
}

func (d *DB) UpdateNamespace(ctx context.Context, ns *config.NamespaceConfig) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		servers, err := serverNames(ctx, q)
		if err != nil {
			return nil, err
		}
		if err := config.ValidateNamespace(ns, servers); err != nil {
			return nil, err
		}
		members, middlewares, err := encodeNamespaceFields(ns)
		if err != nil {
			return nil, err
		}

		res, err := q.ExecContext(ctx, `
			UPDATE namespaces
			SET description = ?, members = ?, middlewares = ?, updated_at = ?
			WHERE name = ?`,
			ns.Description, members, middlewares, now(), ns.Name,
		)
		if err != nil {
			return nil, err
		}
		if err := checkRowsAffected(res); err != nil {
			return nil, err
		}

		return []store.Event{{Kind: store.EventNamespaceUpdated, Name: ns.Name}}, nil
	})
}

func (d *DB) DeleteNamespace(ctx context.Context, name string) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		var endpoint string
		err := q.QueryRowContext(ctx,
			`SELECT name FROM endpoints WHERE namespace = ? LIMIT 1`, name,
		).Scan(&endpoint)
		if err == nil {
			return nil, fmt.Errorf("namespace '%s' is served by endpoint '%s': %w", name, endpoint, store.ErrConflict)
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}

		res, err := q.ExecContext(ctx, `DELETE FROM namespaces WHERE name = ?`, name)
		if err != nil {
			return nil, mapConstraintError(err)
		}
		if err := checkRowsAffected(res); err != nil {
			return nil, err
		}

		return []store.Event{{Kind: store.EventNamespaceRemoved, Name: name}}, nil
	})
}

func listNamespacesQ(ctx context.Context, q queryable) ([]*config.NamespaceConfig, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, description, members, middlewares
		FROM namespaces ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*config.NamespaceConfig
	for rows.Next() {
		ns, err := scanNamespaceRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ns)
	}
	return out, rows.Err()
}

// namespaceNames returns the known namespace names keyed for validation
// lookups.
func namespaceNames(ctx context.Context, q queryable) (map[string]*config.NamespaceConfig, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM namespaces`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*config.NamespaceConfig)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = &config.NamespaceConfig{Name: name}
	}
	return out, rows.Err()
}

func encodeNamespaceFields(ns *config.NamespaceConfig) (members, middlewares string, err error) {
	if members, err = encodeJSON(ns.Members, "[]"); err != nil {
		return "", "", fmt.Errorf("encode members: %w", err)
	}
	if middlewares, err = encodeJSON(ns.Middlewares, "[]"); err != nil {
		return "", "", fmt.Errorf("encode middlewares: %w", err)
	}
	return members, middlewares, nil
}

func scanNamespaceRow(row rowScanner) (*config.NamespaceConfig, error) {
	var ns config.NamespaceConfig
	var members, middlewares string
	if err := row.Scan(&ns.Name, &ns.Description, &members, &middlewares); err != nil {
		return nil, err
	}
	if err := decodeJSON(members, &ns.Members); err != nil {
		return nil, fmt.Errorf("decode members: %w", err)
	}
	if err := decodeJSON(middlewares, &ns.Middlewares); err != nil {
		return nil, fmt.Errorf("decode middlewares: %w", err)
	}
	return &ns, nil
}
