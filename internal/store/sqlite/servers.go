package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/manifoldmcp/manifold/internal/config"
	"github.com/manifoldmcp/manifold/internal/store"
)

func (d *DB) CreateServer(ctx context.Context, srv *config.ServerConfig) error {
	if err := config.ValidateServer(srv.Name, srv); err != nil {
		return err
	}
	args, env, headers, err := encodeServerFields(srv)
	if err != nil {
		return err
	}

	ts := now()
	_, err = d.db.ExecContext(ctx, `
		INSERT INTO servers
			(name, transport, command, args, env, url, headers, bearer_token,
			 enabled, description, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		srv.Name, srv.Transport, srv.Command, args, env, srv.URL, headers,
		srv.BearerToken, srv.Enabled, srv.Description, ts, ts,
	)
	if err != nil {
		return mapConstraintError(err)
	}

	d.events.Emit(store.Event{
		Kind:           store.EventServerUpdated,
		Name:           srv.Name,
		NewFingerprint: srv.Fingerprint(),
	})
	return nil
}

func (d *DB) GetServer(ctx context.Context, name string) (*config.ServerConfig, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT name, transport, command, args, env, url, headers, bearer_token,
		       enabled, description
		FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

func (d *DB) ListServers(ctx context.Context) ([]*config.ServerConfig, error) {
	return listServersQ(ctx, d.db)
}

func (d *DB) UpdateServer(ctx context.Context, srv *config.ServerConfig) error {
	if err := config.ValidateServer(srv.Name, srv); err != nil {
		return err
	}
	args, env, headers, err := encodeServerFields(srv)
	if err != nil {
		return err
	}

	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		existing, err := getServerQ(ctx, q, srv.Name)
		if err != nil {
			return nil, err
		}

		res, err := q.ExecContext(ctx, `
			UPDATE servers
			SET transport = ?, command = ?, args = ?, env = ?, url = ?,
			    headers = ?, bearer_token = ?, enabled = ?, description = ?,
			    updated_at = ?
			WHERE name = ?`,
			srv.Transport, srv.Command, args, env, srv.URL, headers,
			srv.BearerToken, srv.Enabled, srv.Description, now(), srv.Name,
		)
		if err != nil {
			return nil, mapConstraintError(err)
		}
		if err := checkRowsAffected(res); err != nil {
			return nil, err
		}

		return []store.Event{{
			Kind:           store.EventServerUpdated,
			Name:           srv.Name,
			OldFingerprint: existing.Fingerprint(),
			NewFingerprint: srv.Fingerprint(),
		}}, nil
	})
}

func (d *DB) DeleteServer(ctx context.Context, name string) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		existing, err := getServerQ(ctx, q, name)
		if err != nil {
			return nil, err
		}

		namespaces, err := listNamespacesQ(ctx, q)
		if err != nil {
			return nil, err
		}
		for _, ns := range namespaces {
			for _, member := range ns.Members {
				if member.Server == name {
					return nil, fmt.Errorf("server '%s' is a member of namespace '%s': %w", name, ns.Name, store.ErrConflict)
				}
			}
		}

		res, err := q.ExecContext(ctx, `DELETE FROM servers WHERE name = ?`, name)
		if err != nil {
			return nil, err
		}
		if err := checkRowsAffected(res); err != nil {
			return nil, err
		}

		return []store.Event{{
			Kind:           store.EventServerRemoved,
			Name:           name,
			OldFingerprint: existing.Fingerprint(),
		}}, nil
	})
}

func (d *DB) SetServerEnabled(ctx context.Context, name string, enabled bool) error {
	return d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		existing, err := getServerQ(ctx, q, name)
		if err != nil {
			return nil, err
		}
		if existing.Enabled == enabled {
			return nil, nil
		}

		if _, err := q.ExecContext(ctx,
			`UPDATE servers SET enabled = ?, updated_at = ? WHERE name = ?`,
			enabled, now(), name,
		); err != nil {
			return nil, err
		}

		// The enabled flag is not part of the fingerprint: pooled sessions
		// for this server stay reusable, only the aggregation changes.
		fp := existing.Fingerprint()
		return []store.Event{{
			Kind:           store.EventServerUpdated,
			Name:           name,
			OldFingerprint: fp,
			NewFingerprint: fp,
		}}, nil
	})
}

func (d *DB) ImportServers(ctx context.Context, doc *config.ImportDocument) (*config.ImportResult, error) {
	var result *config.ImportResult
	err := d.withTx(ctx, func(q queryable) ([]store.Event, error) {
		existing, err := listServersQ(ctx, q)
		if err != nil {
			return nil, err
		}
		cfg := &config.GlobalConfig{Servers: make(map[string]*config.ServerConfig, len(existing))}
		oldFPs := make(map[string]string, len(existing))
		for _, srv := range existing {
			cfg.Servers[srv.Name] = srv
			oldFPs[srv.Name] = srv.Fingerprint()
		}

		result = config.MergeServers(cfg, doc)

		var events []store.Event
		for _, name := range result.Imported {
			srv := cfg.Servers[name]
			args, env, headers, err := encodeServerFields(srv)
			if err != nil {
				return nil, err
			}
			ts := now()
			if _, err := q.ExecContext(ctx, `
				INSERT INTO servers
					(name, transport, command, args, env, url, headers, bearer_token,
					 enabled, description, created_at, updated_at)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				ON CONFLICT(name) DO UPDATE SET
					transport = excluded.transport, command = excluded.command,
					args = excluded.args, env = excluded.env, url = excluded.url,
					headers = excluded.headers, bearer_token = excluded.bearer_token,
					enabled = excluded.enabled, description = excluded.description,
					updated_at = excluded.updated_at`,
				srv.Name, srv.Transport, srv.Command, args, env, srv.URL, headers,
				srv.BearerToken, srv.Enabled, srv.Description, ts, ts,
			); err != nil {
				return nil, mapConstraintError(err)
			}
			events = append(events, store.Event{
				Kind:           store.EventServerUpdated,
				Name:           name,
				OldFingerprint: oldFPs[name],
				NewFingerprint: srv.Fingerprint(),
			})
		}
		return events, nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (d *DB) ExportServers(ctx context.Context) (*config.ImportDocument, error) {
	servers, err := d.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	doc := &config.ImportDocument{MCPServers: make(map[string]*config.ServerConfig, len(servers))}
	for _, srv := range servers {
		doc.MCPServers[srv.Name] = srv
	}
	return doc, nil
}

func getServerQ(ctx context.Context, q queryable, name string) (*config.ServerConfig, error) {
	row := q.QueryRowContext(ctx, `
		SELECT name, transport, command, args, env, url, headers, bearer_token,
		       enabled, description
		FROM servers WHERE name = ?`, name)
	return scanServer(row)
}

func listServersQ(ctx context.Context, q queryable) ([]*config.ServerConfig, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT name, transport, command, args, env, url, headers, bearer_token,
		       enabled, description
		FROM servers ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*config.ServerConfig
	for rows.Next() {
		srv, err := scanServerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// serverNames returns the known server names keyed for validation lookups.
func serverNames(ctx context.Context, q queryable) (map[string]*config.ServerConfig, error) {
	rows, err := q.QueryContext(ctx, `SELECT name FROM servers`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]*config.ServerConfig)
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		out[name] = &config.ServerConfig{Name: name}
	}
	return out, rows.Err()
}

func encodeServerFields(srv *config.ServerConfig) (args, env, headers string, err error) {
	if args, err = encodeJSON(srv.Args, "[]"); err != nil {
		return "", "", "", fmt.Errorf("encode args: %w", err)
	}
	if env, err = encodeJSON(srv.Env, "{}"); err != nil {
		return "", "", "", fmt.Errorf("encode env: %w", err)
	}
	if headers, err = encodeJSON(srv.Headers, "{}"); err != nil {
		return "", "", "", fmt.Errorf("encode headers: %w", err)
	}
	return args, env, headers, nil
}

// rowScanner abstracts *sql.Row and *sql.Rows for shared scan code.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanServer(row *sql.Row) (*config.ServerConfig, error) {
	srv, err := scanServerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, store.ErrNotFound
	}
	return srv, err
}

func scanServerRow(row rowScanner) (*config.ServerConfig, error) {
	var srv config.ServerConfig
	var args, env, headers string
	err := row.Scan(
		&srv.Name, &srv.Transport, &srv.Command, &args, &env,
		&srv.URL, &headers, &srv.BearerToken, &srv.Enabled, &srv.Description,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(args, &srv.Args); err != nil {
		return nil, fmt.Errorf("decode args: %w", err)
	}
	if err := decodeJSON(env, &srv.Env); err != nil {
		return nil, fmt.Errorf("decode env: %w", err)
	}
	if err := decodeJSON(headers, &srv.Headers); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return &srv, nil
}
